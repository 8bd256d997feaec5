// Package bridge subscribes to the Redis pub/sub channels and forwards payloads to the queue.
//
// A Bridge is one connection attempt: Init -> Connecting -> Connected, ending in Error or
// Closed. Network I/O runs on helper goroutines; state changes happen on the reactor
// goroutine. A failure stops the reactor with a recoverable error so the supervisor can
// rebuild the pipeline with a fresh Bridge.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/votong/wsbridge/internal/domain"
	apperrors "github.com/votong/wsbridge/internal/errors"
	"github.com/votong/wsbridge/internal/metrics"
	"github.com/votong/wsbridge/internal/reactor"
	"github.com/votong/wsbridge/internal/redis"
)

const (
	defaultConnectTimeout      = 5 * time.Second
	defaultHealthCheckInterval = 30 * time.Second
)

// Options names the channels to subscribe to.
type Options struct {
	Channel        string
	PrivateChannel string
	ConnectTimeout time.Duration // falls back to the endpoint's timeout

	// HealthCheckInterval is how long the subscription may stay silent before a PING is
	// sent. A second silent interval after the PING counts as a lost connection.
	HealthCheckInterval time.Duration

	Logger *slog.Logger // defaults to slog.Default()
}

type Bridge struct {
	reactor *reactor.Reactor
	sink    domain.MessageSink
	opts    Options
	log     *slog.Logger

	state    domain.ConnectionState
	endpoint domain.ServerEndpoint
	onReady  func()
	started  time.Time

	client *goredis.Client
	pubsub *goredis.PubSub
	cancel context.CancelFunc
	ctx    context.Context

	timeout *reactor.Watch
	dial    *reactor.Watch
	recv    *reactor.Watch
	lost    *reactor.Watch
}

// New creates a bridge forwarding primary channel payloads to sink.
func New(r *reactor.Reactor, sink domain.MessageSink, opts Options) *Bridge {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{reactor: r, sink: sink, opts: opts, log: log, state: domain.StateInit}
}

// State returns the connection state. Loop goroutine only.
func (b *Bridge) State() domain.ConnectionState {
	return b.state
}

// Connect starts the connection attempt against ep. onReady runs on the loop once the
// connection is established, before the subscription is issued. Loop goroutine, or before
// the reactor runs.
func (b *Bridge) Connect(ep domain.ServerEndpoint, onReady func()) error {
	if b.state != domain.StateInit {
		return domain.ErrAlreadyStarted
	}
	b.setState(domain.StateConnecting)
	b.endpoint = ep
	b.onReady = onReady
	b.started = b.reactor.Clock().Now()
	b.ctx, b.cancel = context.WithCancel(context.Background())

	b.client = redis.NewClient(ep)
	ready := make(chan error, 1)
	go func(ctx context.Context, client *goredis.Client) {
		ready <- client.Ping(ctx).Err()
	}(b.ctx, b.client)
	b.dial = b.reactor.AddWriteStream(ready, b.onConnect)

	timeout := b.connectTimeout()
	b.timeout = b.reactor.AddTimer(timeout, func() { b.onTimeout(timeout) })

	b.log.Info("Connecting to Redis", "endpoint", ep.String(), "timeout", timeout)
	return nil
}

func (b *Bridge) connectTimeout() time.Duration {
	if b.opts.ConnectTimeout > 0 {
		return b.opts.ConnectTimeout
	}
	if b.endpoint.Timeout > 0 {
		return b.endpoint.Timeout
	}
	return defaultConnectTimeout
}

func (b *Bridge) onConnect(err error) {
	if b.state != domain.StateConnecting {
		return
	}
	if err != nil {
		metrics.BridgeConnectFailures.WithLabelValues("refused").Inc()
		b.onError(apperrors.ConnectionError("failed to connect to redis", err).
			WithContext("endpoint", b.endpoint.String()))
		return
	}

	b.timeout.Cancel()
	b.setState(domain.StateConnected)
	metrics.BridgeConnectDuration.Observe(b.reactor.Clock().Since(b.started).Seconds())
	b.log.Info("Connected to Redis", "endpoint", b.endpoint.String())

	if b.onReady != nil {
		b.onReady()
	}
	if b.reactor.Stopping() {
		return
	}
	b.subscribe()
}

func (b *Bridge) onTimeout(after time.Duration) {
	if b.state != domain.StateConnecting {
		return
	}
	metrics.BridgeConnectFailures.WithLabelValues("timeout").Inc()
	b.setState(domain.StateError)
	b.release()
	b.reactor.Fail(apperrors.TimeoutError(fmt.Sprintf("connection to redis timed out after %s", after)).
		WithContext("endpoint", b.endpoint.String()))
}

// onError disconnects and hands err to the supervisor by stopping the reactor.
func (b *Bridge) onError(err *apperrors.Error) {
	if b.state.Terminal() {
		return
	}
	b.setState(domain.StateError)
	b.release()
	b.reactor.Fail(err)
}

// subscribe issues SUBSCRIBE off the loop and pumps messages back through a read stream.
func (b *Bridge) subscribe() {
	channels := []string{b.opts.Channel}
	if b.opts.PrivateChannel != "" {
		channels = append(channels, b.opts.PrivateChannel)
	}

	b.pubsub = b.client.Subscribe(b.ctx)
	msgs := make(chan *goredis.Message)
	lost := make(chan error, 1)
	b.recv = reactor.AddReadStream(b.reactor, msgs, b.handleMessage)
	b.lost = b.reactor.AddWriteStream(lost, b.onLost)

	interval := b.opts.HealthCheckInterval
	if interval <= 0 {
		interval = defaultHealthCheckInterval
	}
	go receive(b.ctx, b.log, b.pubsub, channels, interval, msgs, lost)
}

// receive pumps the subscription until it fails. A silent connection is probed with PING;
// if the pong does not arrive within another interval the peer is considered gone.
func receive(ctx context.Context, log *slog.Logger, ps *goredis.PubSub, channels []string, interval time.Duration, msgs chan<- *goredis.Message, lost chan<- error) {
	if err := ps.Subscribe(ctx, channels...); err != nil {
		lost <- err
		return
	}
	pinged := false
	for {
		msg, err := ps.ReceiveTimeout(ctx, interval)
		if err != nil {
			if !isTimeout(err) || ctx.Err() != nil {
				lost <- err
				return
			}
			if pinged {
				lost <- fmt.Errorf("no reply to ping within %s: %w", interval, err)
				return
			}
			if err := ps.Ping(ctx); err != nil {
				lost <- err
				return
			}
			pinged = true
			continue
		}
		pinged = false
		switch m := msg.(type) {
		case *goredis.Pong:
			log.Debug("Subscription alive")
		case *goredis.Subscription:
			log.Info("Subscribed", "channel", m.Channel, "kind", m.Kind, "count", m.Count)
		case *goredis.Message:
			select {
			case msgs <- m:
			case <-ctx.Done():
				return
			}
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (b *Bridge) onLost(err error) {
	if b.state != domain.StateConnected {
		return
	}
	metrics.BridgeConnectFailures.WithLabelValues("lost").Inc()
	b.onError(apperrors.ConnectionError("lost redis subscription", err).
		WithContext("endpoint", b.endpoint.String()))
}

func (b *Bridge) handleMessage(m *goredis.Message) {
	switch m.Channel {
	case b.opts.Channel:
		metrics.BridgeMessagesReceived.WithLabelValues("primary").Inc()
		if err := b.sink.Send([]byte(m.Payload)); err != nil {
			metrics.BridgeForwardErrors.Inc()
			b.log.Error("Failed to forward payload to queue", "channel", m.Channel, "error", err)
		}
	case b.opts.PrivateChannel:
		// host-addressed commands are reserved; nothing consumes them yet
		metrics.BridgeMessagesReceived.WithLabelValues("private").Inc()
		b.log.Debug("Ignoring private channel message", "channel", m.Channel, "bytes", len(m.Payload))
	}
}

// Disconnect closes the subscription and the client. Idempotent.
func (b *Bridge) Disconnect() {
	if !b.state.Terminal() {
		b.setState(domain.StateClosed)
	}
	b.release()
}

func (b *Bridge) release() {
	for _, w := range []*reactor.Watch{b.timeout, b.dial, b.recv, b.lost} {
		if w != nil {
			w.Cancel()
		}
	}
	if b.cancel != nil {
		b.cancel()
	}
	if b.pubsub != nil {
		_ = b.pubsub.Close()
		b.pubsub = nil
	}
	if b.client != nil {
		_ = b.client.Close()
		b.client = nil
		b.log.Info("Disconnected from Redis", "endpoint", b.endpoint.String(), "state", b.state.String())
	}
}

func (b *Bridge) setState(s domain.ConnectionState) {
	b.state = s
	metrics.BridgeConnectionState.Set(float64(s))
}
