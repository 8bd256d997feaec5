package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	apperrors "github.com/votong/wsbridge/internal/errors"
	"github.com/votong/wsbridge/internal/metrics"
	"github.com/votong/wsbridge/internal/platform/version"
)

const readinessProbeTimeout = 2 * time.Second

// HealthCheck is a named readiness check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

func (g *Gateway) registerRoutes() {
	upgrade := []echo.MiddlewareFunc{}
	if g.opts.UpgradeRate > 0 {
		upgrade = append(upgrade, newUpgradeRateLimiter(g.opts.UpgradeRate))
	}
	g.echo.GET("/", g.handleUpgrade, upgrade...)
	g.echo.GET("/ws", g.handleUpgrade, upgrade...)

	g.echo.GET("/health/live", g.handleLiveness)
	g.echo.GET("/health/ready", g.handleReadiness)
	g.echo.GET("/version", g.handleVersion)
	g.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

func (g *Gateway) handleUpgrade(c echo.Context) error {
	if g.closed.Load() {
		metrics.WebSocketConnectionsRejected.WithLabelValues("shutdown").Inc()
		return apperrors.RejectedError("gateway is shutting down")
	}
	if !g.limiter.Acquire() {
		metrics.WebSocketConnectionsRejected.WithLabelValues("global_limit").Inc()
		return apperrors.RejectedError("connection limit reached").
			WithContext("max_connections", g.opts.MaxConnections)
	}
	defer g.limiter.Release()

	conn, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already wrote the HTTP error response
		metrics.WebSocketConnectionsTotal.WithLabelValues("error").Inc()
		g.log.Debug("WebSocket handshake failed", "remote", c.RealIP(), "error", err)
		return nil
	}

	cl := newClient(conn, c.RealIP())
	if !g.reactor.Post(func() { g.register(cl) }) {
		_ = conn.Close()
		return nil
	}

	select {
	case <-cl.registered:
	case <-g.reactor.Done():
		// the loop exited; it either registered the client before exiting or never will
		select {
		case <-cl.registered:
		default:
			_ = conn.Close()
			return nil
		}
	}
	if !cl.accepted {
		return nil
	}

	cl.readPump()
	g.reactor.Post(func() { g.drop(cl, false) })
	return nil
}

func (g *Gateway) handleLiveness(c echo.Context) error {
	response := map[string]any{
		"status":  "ok",
		"uptime":  g.clock.Since(g.startTime).Seconds(),
		"clients": g.ClientCount(),
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}
	return nil
}

func (g *Gateway) handleReadiness(c echo.Context) error {
	if g.closed.Load() {
		return apperrors.RejectedError("gateway is shutting down")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessProbeTimeout)
	defer cancel()

	for _, hc := range g.opts.HealthChecks {
		err := hc.Check(ctx)
		if err == nil {
			continue
		}

		response := map[string]any{
			"status":       "unhealthy",
			"failed_check": hc.Name,
			"error":        err.Error(),
		}
		if err := c.JSON(http.StatusServiceUnavailable, response); err != nil {
			return fmt.Errorf("failed to send JSON response: %w", err)
		}
		return nil
	}

	if err := c.JSON(http.StatusOK, map[string]string{"status": "ready"}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (g *Gateway) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get()); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}
