package gateway

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/votong/wsbridge/internal/metrics"
	"golang.org/x/time/rate"
)

const rateLimiterExpiry = 5 * time.Minute

// connectionLimiter caps concurrent connections (handshake included) per gateway.
type connectionLimiter struct {
	current atomic.Int64
	max     int64
}

func newConnectionLimiter(max int64) *connectionLimiter {
	return &connectionLimiter{max: max}
}

// Acquire reserves a slot, false if at capacity.
func (l *connectionLimiter) Acquire() bool {
	for {
		current := l.current.Load()
		if current >= l.max {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (l *connectionLimiter) Release() {
	l.current.Add(-1)
}

func (l *connectionLimiter) Current() int64 {
	return l.current.Load()
}

// newUpgradeRateLimiter limits upgrade attempts per client IP.
func newUpgradeRateLimiter(ratePerSecond float64) echo.MiddlewareFunc {
	burst := int(ratePerSecond)
	if burst < 1 {
		burst = 1
	}
	store := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(ratePerSecond),
			Burst:     burst,
			ExpiresIn: rateLimiterExpiry,
		},
	)
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		Store: store,
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			metrics.WebSocketConnectionsRejected.WithLabelValues("rate_limit").Inc()
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "rate limit exceeded",
			})
		},
	})
}
