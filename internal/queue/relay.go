// Package queue relays payloads through a ZeroMQ PUSH/PULL pair.
//
// One PULL socket is bound per pipeline cycle. A poller goroutine owns it and hands every
// message to the reactor, where onMessage runs in receipt order. Sends go through a PUSH
// socket connected to the bound endpoint and used only on the reactor goroutine.
//
// Every Relay has its own ZeroMQ context. Close terminates it, which returns only once
// libzmq has released the bound endpoint, so the next cycle's Bind never waits for it.
package queue

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/votong/wsbridge/internal/domain"
	apperrors "github.com/votong/wsbridge/internal/errors"
	"github.com/votong/wsbridge/internal/metrics"
	"github.com/votong/wsbridge/internal/reactor"
)

const (
	pollInterval  = 100 * time.Millisecond
	inboundBuffer = 64
	sendHighWater = 10000
)

// Relay owns the PULL binding and the PUSH connection of one cycle.
type Relay struct {
	reactor   *reactor.Reactor
	onMessage func([]byte)
	log       *slog.Logger

	zctx     *zmq.Context
	binding  *Binding
	push     *zmq.Socket
	pushAddr string
	closed   bool
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger replaces slog.Default() as the relay's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.log = l }
}

// NewRelay creates a relay delivering received payloads to onMessage on the loop goroutine.
func NewRelay(r *reactor.Reactor, onMessage func([]byte), opts ...Option) *Relay {
	relay := &Relay{reactor: r, onMessage: onMessage, log: slog.Default()}
	for _, opt := range opts {
		opt(relay)
	}
	return relay
}

// Binding is an active PULL socket. Unbind via Relay.Unbind.
type Binding struct {
	address  string
	endpoint string

	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
	closed atomic.Bool
	watch  *reactor.Watch
}

// Address is the resolved endpoint, e.g. tcp://127.0.0.1:5555 for a tcp://127.0.0.1:* bind.
func (b *Binding) Address() string { return b.endpoint }

// Closed reports whether the binding was released.
func (b *Binding) Closed() bool { return b.closed.Load() }

// Bind creates the PULL socket at address. Binding again before Unbind fails with
// domain.ErrAlreadyBound.
func (r *Relay) Bind(address string) (*Binding, error) {
	if r.closed {
		return nil, domain.ErrRelayClosed
	}
	if r.binding != nil && !r.binding.Closed() {
		return nil, domain.ErrAlreadyBound
	}

	sock, err := r.bindSocket(address)
	if err != nil {
		metrics.QueueErrorsTotal.WithLabelValues("bind").Inc()
		return nil, err
	}

	endpoint, err := sock.GetLastEndpoint()
	if err != nil || endpoint == "" {
		endpoint = address
	}

	msgs := make(chan []byte, inboundBuffer)
	b := &Binding{
		address:  address,
		endpoint: endpoint,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	b.watch = reactor.AddReadStream(r.reactor, msgs, r.deliver)
	go r.poll(b, sock, msgs)

	r.binding = b
	metrics.QueueBound.Set(1)
	r.log.Info("Queue bound", "address", endpoint)
	return b, nil
}

// bindSocket makes a single bind attempt; it runs on the loop goroutine and never sleeps.
func (r *Relay) bindSocket(address string) (*zmq.Socket, error) {
	if r.zctx == nil {
		zctx, err := zmq.NewContext()
		if err != nil {
			return nil, fmt.Errorf("failed to create zmq context: %w", err)
		}
		r.zctx = zctx
	}

	sock, err := r.zctx.NewSocket(zmq.PULL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pull socket: %w", err)
	}
	if err := sock.SetLinger(0); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("failed to set linger: %w", err)
	}
	if err := sock.Bind(address); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("failed to bind queue at %s: %w", address, err)
	}
	return sock, nil
}

// poll owns sock until stop is closed, then closes it.
func (r *Relay) poll(b *Binding, sock *zmq.Socket, msgs chan<- []byte) {
	defer close(b.done)
	defer func() { _ = sock.Close() }()

	poller := zmq.NewPoller()
	poller.Add(sock, zmq.POLLIN)

	for {
		select {
		case <-b.stop:
			return
		default:
		}

		polled, err := poller.Poll(pollInterval)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EINTR) {
				continue
			}
			r.pollFailed(b, err)
			return
		}
		if len(polled) == 0 {
			continue
		}

		for {
			msg, err := sock.RecvBytes(zmq.DONTWAIT)
			if err != nil {
				if zmq.AsErrno(err) != zmq.Errno(syscall.EAGAIN) {
					metrics.QueueErrorsTotal.WithLabelValues("receive").Inc()
					r.log.Warn("Queue receive failed", "address", b.endpoint, "error", err)
				}
				break
			}
			select {
			case msgs <- msg:
			case <-b.stop:
				return
			}
		}
	}
}

func (r *Relay) pollFailed(b *Binding, err error) {
	metrics.QueueErrorsTotal.WithLabelValues("receive").Inc()
	r.log.Error("Queue poller stopped", "address", b.endpoint, "error", err)
	r.reactor.Post(func() {
		if !b.Closed() {
			r.reactor.Fail(apperrors.UnexpectedError("queue poller stopped", err))
		}
	})
}

func (r *Relay) deliver(payload []byte) {
	metrics.QueueMessagesTotal.WithLabelValues("pulled").Inc()
	r.onMessage(payload)
}

// Send pushes payload to the bound endpoint without blocking. The PUSH socket is created on
// first use and reused for the rest of the cycle. Loop goroutine only.
func (r *Relay) Send(payload []byte) error {
	if r.closed {
		return domain.ErrRelayClosed
	}
	if r.binding == nil || r.binding.Closed() {
		return domain.ErrNotBound
	}

	if err := r.ensurePush(r.binding.endpoint); err != nil {
		metrics.QueueErrorsTotal.WithLabelValues("send").Inc()
		return err
	}
	if _, err := r.push.SendBytes(payload, zmq.DONTWAIT); err != nil {
		metrics.QueueErrorsTotal.WithLabelValues("send").Inc()
		return fmt.Errorf("failed to push to %s: %w", r.pushAddr, err)
	}
	metrics.QueueMessagesTotal.WithLabelValues("pushed").Inc()
	return nil
}

func (r *Relay) ensurePush(endpoint string) error {
	if r.push != nil && r.pushAddr == endpoint {
		return nil
	}
	r.closePush()

	if r.zctx == nil {
		return domain.ErrNotBound
	}
	sock, err := r.zctx.NewSocket(zmq.PUSH)
	if err != nil {
		return fmt.Errorf("failed to create push socket: %w", err)
	}
	if err := sock.SetLinger(0); err != nil {
		_ = sock.Close()
		return fmt.Errorf("failed to set linger: %w", err)
	}
	if err := sock.SetSndhwm(sendHighWater); err != nil {
		_ = sock.Close()
		return fmt.Errorf("failed to set send high water mark: %w", err)
	}
	if err := sock.Connect(endpoint); err != nil {
		_ = sock.Close()
		return fmt.Errorf("failed to connect push socket to %s: %w", endpoint, err)
	}
	r.push = sock
	r.pushAddr = endpoint
	return nil
}

func (r *Relay) closePush() {
	if r.push == nil {
		return
	}
	_ = r.push.Close()
	r.push = nil
	r.pushAddr = ""
}

// Unbind stops the poller and waits until it closed the PULL socket. Messages not yet
// delivered are dropped. Idempotent.
func (r *Relay) Unbind() error {
	b := r.binding
	if b == nil {
		return nil
	}
	b.once.Do(func() {
		b.closed.Store(true)
		close(b.stop)
		b.watch.Cancel()
		<-b.done
		metrics.QueueBound.Set(0)
		r.log.Info("Queue unbound", "address", b.endpoint)
	})
	return nil
}

// Close unbinds, closes the PUSH socket and terminates the context. Idempotent. Not for the
// loop goroutine: terminating waits for libzmq to release the endpoint.
func (r *Relay) Close() error {
	if r.closed {
		return nil
	}
	err := r.Unbind()
	r.closePush()
	r.closed = true
	if r.zctx == nil {
		return err
	}

	for {
		termErr := r.zctx.Term()
		if termErr == nil {
			break
		}
		if zmq.AsErrno(termErr) == zmq.Errno(syscall.EINTR) {
			continue
		}
		metrics.QueueErrorsTotal.WithLabelValues("close").Inc()
		return fmt.Errorf("failed to terminate zmq context: %w", termErr)
	}
	r.zctx = nil
	return err
}
