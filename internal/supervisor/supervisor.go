// Package supervisor owns the pipeline lifecycle: it builds a reactor and its components
// for every cycle, runs them, and restarts on recoverable backend failures with a fixed
// backoff until a restart ceiling is exceeded.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/votong/wsbridge/internal/domain"
	apperrors "github.com/votong/wsbridge/internal/errors"
	"github.com/votong/wsbridge/internal/metrics"
	"github.com/votong/wsbridge/internal/platform/correlation"
	"github.com/votong/wsbridge/internal/queue"
	"github.com/votong/wsbridge/internal/reactor"
)

const (
	DefaultMaxRestarts    = 30
	DefaultRestartBackoff = 10 * time.Second
)

type Config struct {
	Port           int
	BindAddress    string
	QueueAddress   string
	MaxRestarts    int
	RestartBackoff time.Duration
}

// Gateway is the WebSocket listener of one cycle.
type Gateway interface {
	Listen(port int, bindAddress string) error
	Shutdown() error
}

// Relay is the queue binding of one cycle.
type Relay interface {
	Bind(address string) (*queue.Binding, error)
	Unbind() error
	Close() error
}

// Bridge is the backend subscription of one cycle.
type Bridge interface {
	Connect(ep domain.ServerEndpoint, onReady func()) error
	Disconnect()
}

// Components are the per-cycle pipeline parts, all driven by the same reactor.
type Components struct {
	Gateway Gateway
	Relay   Relay
	Bridge  Bridge
}

// Factory wires fresh components onto r. It is called once per cycle; ctx carries the
// cycle ID.
type Factory func(ctx context.Context, r *reactor.Reactor) Components

type Deps struct {
	Counter   domain.ConnectionCounter
	Host      domain.HostIdentity
	Discovery domain.EndpointDiscovery
	Primary   domain.ServerEndpoint
	Factory   Factory
	Clock     clockwork.Clock
}

type Supervisor struct {
	cfg  Config
	deps Deps

	restarts atomic.Int64

	// current cycle; cleared by teardown
	parts Components
}

func New(cfg Config, deps Deps) *Supervisor {
	if cfg.MaxRestarts < 0 {
		cfg.MaxRestarts = DefaultMaxRestarts
	}
	if cfg.RestartBackoff < 0 {
		cfg.RestartBackoff = DefaultRestartBackoff
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &Supervisor{cfg: cfg, deps: deps}
}

// Restarts returns how many restarts have been attempted since the process started.
func (s *Supervisor) Restarts() int {
	return int(s.restarts.Load())
}

// Run drives the pipeline until ctx is cancelled, an unexpected failure occurs or the
// restart ceiling is exceeded. When restart is set the first cycle already goes through
// endpoint discovery. Cancellation returns nil.
func (s *Supervisor) Run(ctx context.Context, restart bool) error {
	defer s.teardown()

	var err error
	if restart {
		metrics.SupervisorCyclesTotal.WithLabelValues("restart").Inc()
		err = s.restart(ctx)
	} else {
		metrics.SupervisorCyclesTotal.WithLabelValues("start").Inc()
		err = s.start(ctx)
	}

	for {
		if err == nil || ctx.Err() != nil {
			slog.Info("Supervisor stopped", "restarts", s.Restarts())
			return nil
		}

		if !apperrors.IsRecoverable(err) {
			structured := apperrors.AsStructuredError(err)
			slog.Error("Unexpected failure, not restarting", "error", err, "type", structured.Type, "context", structured.Context)
			return structured
		}

		restarts := int(s.restarts.Add(1))
		metrics.SupervisorRestartCount.Set(float64(restarts))
		metrics.SupervisorRestartsTotal.WithLabelValues(string(apperrors.AsStructuredError(err).Type)).Inc()

		if restarts > s.cfg.MaxRestarts {
			slog.Error("Restart ceiling exceeded, server exiting", "restarts", restarts, "max_restarts", s.cfg.MaxRestarts, "error", err)
			return apperrors.FatalError(fmt.Sprintf("exceeded %d restarts", s.cfg.MaxRestarts)).
				WithContext("last_error", err.Error())
		}

		slog.Warn("Backend connection failed, reconnecting",
			"attempt", restarts, "max_restarts", s.cfg.MaxRestarts, "backoff", s.cfg.RestartBackoff, "error", err)

		if !s.wait(ctx) {
			continue
		}
		metrics.SupervisorCyclesTotal.WithLabelValues("restart").Inc()
		err = s.restart(ctx)
	}
}

// wait sleeps the restart backoff on the injected clock. Returns false on cancellation.
func (s *Supervisor) wait(ctx context.Context) bool {
	if s.cfg.RestartBackoff == 0 {
		return ctx.Err() == nil
	}
	select {
	case <-s.deps.Clock.After(s.cfg.RestartBackoff):
		return true
	case <-ctx.Done():
		return false
	}
}

// start runs one cycle against the primary endpoint.
func (s *Supervisor) start(ctx context.Context) error {
	ctx = correlation.WithID(ctx, correlation.NewID())
	s.resetCount(ctx)
	return s.cycle(ctx, s.deps.Primary)
}

// restart tears the previous cycle down and runs a new one against a discovered endpoint.
func (s *Supervisor) restart(ctx context.Context) error {
	s.teardown()

	ctx = correlation.WithID(ctx, correlation.NewID())
	s.resetCount(ctx)

	ep := s.deps.Primary
	if s.deps.Discovery != nil {
		next, err := s.deps.Discovery.Next(ctx)
		if err != nil {
			return apperrors.ConnectionError("endpoint discovery failed", err)
		}
		ep = next
	}
	slog.InfoContext(ctx, "Restarting pipeline", "attempt", s.Restarts(), "endpoint", ep.String())
	return s.cycle(ctx, ep)
}

// resetCount zeroes this host's client count. A failure is logged and the cycle goes on:
// the count store may be down together with the primary, and that must not keep discovery
// from finding a healthy endpoint.
func (s *Supervisor) resetCount(ctx context.Context) {
	hostID := s.deps.Host.LocalHostID()
	if err := s.deps.Counter.Reset(ctx, hostID); err != nil {
		metrics.CounterUpdateErrors.WithLabelValues("reset").Inc()
		slog.WarnContext(ctx, "Failed to reset client count", "host", hostID, "error", err)
	}
}

// cycle builds the components on a fresh reactor, connects the bridge and runs the loop.
// The relay binds and the gateway listens only once the backend connection is up.
func (s *Supervisor) cycle(ctx context.Context, ep domain.ServerEndpoint) error {
	r := reactor.New(s.deps.Clock)
	parts := s.deps.Factory(ctx, r)
	s.parts = parts

	onReady := func() {
		if err := s.open(ctx); err != nil {
			r.Fail(err)
		}
	}
	if err := parts.Bridge.Connect(ep, onReady); err != nil {
		return apperrors.UnexpectedError("failed to start backend connection", err)
	}

	slog.InfoContext(ctx, "Pipeline cycle started", "endpoint", ep.String(), "restarts", s.Restarts())
	return r.Run(ctx)
}

// open binds the queue and starts the gateway. Loop goroutine.
func (s *Supervisor) open(ctx context.Context) error {
	binding, err := s.parts.Relay.Bind(s.cfg.QueueAddress)
	if err != nil {
		return apperrors.UnexpectedError("failed to bind queue", err).WithContext("address", s.cfg.QueueAddress)
	}
	if err := s.parts.Gateway.Listen(s.cfg.Port, s.cfg.BindAddress); err != nil {
		return apperrors.UnexpectedError("failed to start websocket gateway", err).WithContext("port", s.cfg.Port)
	}
	slog.InfoContext(ctx, "Pipeline ready", "queue", binding.Address(), "port", s.cfg.Port)
	return nil
}

// teardown releases the current cycle. Idempotent. The reactor has exited by the time it
// runs, so the components are no longer touched by the loop.
func (s *Supervisor) teardown() {
	if s.parts.Gateway != nil {
		if err := s.parts.Gateway.Shutdown(); err != nil {
			slog.Warn("Gateway shutdown failed", "error", err)
		}
	}
	if s.parts.Bridge != nil {
		s.parts.Bridge.Disconnect()
	}
	if s.parts.Relay != nil {
		if err := s.parts.Relay.Unbind(); err != nil {
			slog.Warn("Queue unbind failed", "error", err)
		}
		if err := s.parts.Relay.Close(); err != nil {
			slog.Warn("Queue close failed", "error", err)
		}
	}
	s.parts = Components{}
}
