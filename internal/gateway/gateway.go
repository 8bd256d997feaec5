package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/votong/wsbridge/internal/domain"
	apperrors "github.com/votong/wsbridge/internal/errors"
	"github.com/votong/wsbridge/internal/metrics"
	"github.com/votong/wsbridge/internal/reactor"
)

const (
	shutdownTimeout     = 5 * time.Second
	shutdownCloseReason = "server restarting"
)

// Options tunes a Gateway. Zero values fall back to defaults.
type Options struct {
	MaxConnections int
	UpgradeRate    float64 // upgrades per second per client IP, 0 disables
	AllowedOrigins []string
	HealthChecks   []HealthCheck
	Clock          clockwork.Clock
	Logger         *slog.Logger // defaults to slog.Default()
}

const defaultMaxConnections = 10000

// Gateway accepts WebSocket clients and broadcasts payloads to every open one.
//
// Broadcast runs on the reactor goroutine. Shutdown runs on the reactor goroutine or after
// the reactor has exited.
type Gateway struct {
	reactor *reactor.Reactor
	hostID  string
	opts    Options
	clock   clockwork.Clock
	log     *slog.Logger

	echo      *echo.Echo
	listener  net.Listener
	limiter   *connectionLimiter
	tally     *tally
	upgrader  websocket.Upgrader
	startTime time.Time

	// loop goroutine only
	clients map[string]*client

	open   atomic.Int64
	closed atomic.Bool
}

func New(r *reactor.Reactor, counter Counter, hostID string, opts Options) *Gateway {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = defaultMaxConnections
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	g := &Gateway{
		reactor: r,
		hostID:  hostID,
		opts:    opts,
		clock:   opts.Clock,
		log:     opts.Logger,
		echo:    e,
		limiter: newConnectionLimiter(int64(opts.MaxConnections)),
		tally:   newTally(counter, hostID, opts.Logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     newCheckOrigin(opts.AllowedOrigins, opts.Logger),
		},
		startTime: opts.Clock.Now(),
		clients:   make(map[string]*client),
	}

	e.Use(middleware.Recover())
	e.Use(apperrors.Middleware())
	g.registerRoutes()

	return g
}

// Listen binds bindAddress:port and starts serving. Bind errors are returned directly.
// Port 0 picks a free port; see Addr.
func (g *Gateway) Listen(port int, bindAddress string) error {
	if g.closed.Load() {
		return domain.ErrGatewayClosed
	}
	if g.listener != nil {
		return domain.ErrAlreadyStarted
	}

	addr := net.JoinHostPort(bindAddress, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	g.listener = ln
	g.echo.Listener = ln

	go func() {
		if err := g.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Error("WebSocket listener stopped", "addr", ln.Addr().String(), "error", err)
			g.reactor.Post(func() {
				g.reactor.Fail(apperrors.UnexpectedError("websocket listener stopped", err))
			})
		}
	}()

	g.log.Info("WebSocket gateway listening", "addr", ln.Addr().String(), "host", g.hostID)
	return nil
}

// Addr returns the bound listener address, or "" before Listen.
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// ClientCount returns the number of Open clients. Safe from any goroutine.
func (g *Gateway) ClientCount() int {
	return int(g.open.Load())
}

// Closed reports whether Shutdown has been called.
func (g *Gateway) Closed() bool {
	return g.closed.Load()
}

// Broadcast queues payload for every open client without blocking. A client whose buffer
// is full is evicted; the others still receive the payload. No-op after Shutdown.
func (g *Gateway) Broadcast(payload []byte) {
	if g.closed.Load() {
		return
	}
	metrics.BroadcastsTotal.Inc()

	for _, c := range g.clients {
		if c.writer.send(payload) {
			continue
		}
		g.log.Warn("Evicting slow WebSocket client", "client", c.id, "remote", c.remote)
		metrics.SlowClientsEvicted.Inc()
		g.drop(c, false)
	}
}

// Shutdown stops accepting, sends close frames to all open clients, closes them and waits
// for their count updates to be applied. Idempotent.
func (g *Gateway) Shutdown() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if g.listener != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := g.echo.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown http server: %w", err))
		}
		cancel()
		// the server may not have reached Serve yet
		_ = g.listener.Close()
	}

	closing := len(g.clients)
	for _, c := range g.clients {
		g.drop(c, true)
	}
	g.tally.close()

	g.log.Info("WebSocket gateway shut down", "addr", g.Addr(), "clients_closed", closing)
	return errors.Join(errs...)
}

// register runs on the loop once the handshake completed.
func (g *Gateway) register(c *client) {
	defer close(c.registered)

	if g.closed.Load() {
		c.state = ClientClosed
		_ = c.conn.Close()
		return
	}

	c.state = ClientOpen
	c.openedAt = g.clock.Now()
	c.writer = newClientWriter(c.conn, g.clock)
	c.accepted = true
	g.clients[c.id] = c
	g.open.Add(1)
	g.tally.increment()

	metrics.WebSocketConnectionsCurrent.Inc()
	metrics.WebSocketConnectionsTotal.WithLabelValues("success").Inc()
	g.log.Debug("WebSocket client connected", "client", c.id, "remote", c.remote, "clients", len(g.clients))
}

// drop moves an Open client to Closed and decrements the count exactly once.
func (g *Gateway) drop(c *client, graceful bool) {
	if c.state != ClientOpen {
		return
	}
	c.state = ClientClosing
	delete(g.clients, c.id)
	g.open.Add(-1)

	if graceful {
		c.writer.stopGraceful(shutdownCloseReason)
	} else {
		c.writer.stop()
	}
	g.tally.decrement()
	c.state = ClientClosed

	metrics.WebSocketConnectionsCurrent.Dec()
	metrics.WebSocketConnectionDuration.Observe(g.clock.Since(c.openedAt).Seconds())
	g.log.Debug("WebSocket client disconnected", "client", c.id, "remote", c.remote, "clients", len(g.clients))
}
