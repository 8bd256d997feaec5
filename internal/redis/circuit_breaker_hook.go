package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	goredis "github.com/redis/go-redis/v9"
	"github.com/votong/wsbridge/internal/metrics"
)

// BreakerSettings configures CircuitBreakerHook.
type BreakerSettings struct {
	Component        string
	FailureThreshold uint          // consecutive failures that open the circuit
	Delay            time.Duration // open -> half-open
	SuccessThreshold uint          // half-open successes needed to close
}

// DefaultBreakerSettings: 5 consecutive failures open the circuit for 30s; one success closes it.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		Component:        "redis",
		FailureThreshold: 5,
		Delay:            30 * time.Second,
		SuccessThreshold: 1,
	}
}

// CircuitBreakerHook implements redis.Hook and fails fast while Redis is unavailable.
//
// It guards the counter client only. Client-count updates arrive on every WebSocket
// connect and disconnect; with the backend gone they would otherwise each wait out a
// dial timeout while the supervisor is already restarting the pipeline.
type CircuitBreakerHook struct {
	component string
	cb        circuitbreaker.CircuitBreaker[any]
}

var _ goredis.Hook = (*CircuitBreakerHook)(nil)

func NewCircuitBreakerHook(s BreakerSettings) *CircuitBreakerHook {
	if s.Component == "" {
		s.Component = "redis"
	}
	cb := circuitbreaker.Builder[any]().
		WithFailureThreshold(s.FailureThreshold).
		WithDelay(s.Delay).
		WithSuccessThreshold(s.SuccessThreshold).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", s.Component,
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			metrics.CircuitBreakerStateChanges.WithLabelValues(s.Component, e.NewState.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues(s.Component).Set(stateToFloat(e.NewState))
		}).
		Build()

	return &CircuitBreakerHook{component: s.Component, cb: cb}
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

// DialHook wraps connection establishment with the circuit breaker
func (h *CircuitBreakerHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !h.cb.TryAcquirePermit() {
			return nil, fmt.Errorf("%s circuit breaker open, dial %s: %w", h.component, addr, circuitbreaker.ErrOpen)
		}
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.cb.RecordError(err)
			return nil, err
		}
		h.cb.RecordSuccess()
		return conn, nil
	}
}

// ProcessHook wraps command execution with the circuit breaker
func (h *CircuitBreakerHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			slog.Debug("Circuit breaker open, rejecting command",
				"component", h.component,
				"command", cmd.Name(),
			)
			err := fmt.Errorf("%s circuit breaker open: %w", h.component, circuitbreaker.ErrOpen)
			cmd.SetErr(err)
			return err
		}

		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, goredis.Nil) {
			h.cb.RecordError(err)
		} else {
			h.cb.RecordSuccess()
		}
		return err
	}
}

// ProcessPipelineHook wraps pipeline execution with the circuit breaker
func (h *CircuitBreakerHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			return fmt.Errorf("%s circuit breaker open: %w", h.component, circuitbreaker.ErrOpen)
		}

		err := next(ctx, cmds)
		if err != nil {
			h.cb.RecordError(err)
			return err
		}
		h.cb.RecordSuccess()
		return nil
	}
}

// State returns the current state of the circuit breaker
func (h *CircuitBreakerHook) State() circuitbreaker.State {
	return h.cb.State()
}
