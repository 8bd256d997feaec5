package bridge

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/votong/wsbridge/internal/domain"
	apperrors "github.com/votong/wsbridge/internal/errors"
	"github.com/votong/wsbridge/internal/reactor"
)

type recordingSink struct {
	mu       sync.Mutex
	payloads []string
	err      error
}

func (s *recordingSink) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, string(payload))
	return s.err
}

func (s *recordingSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.payloads...)
}

func testOptions() Options {
	return Options{Channel: "websocket", PrivateChannel: "websocket:host:10.0.0.7"}
}

// closedPortEndpoint returns an endpoint nothing listens on.
func closedPortEndpoint(t *testing.T) domain.ServerEndpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())
	return domain.ServerEndpoint{Scheme: domain.SchemeRedis, Host: "127.0.0.1", Port: addr.Port, Timeout: 10 * time.Second}
}

// blackholeEndpoint accepts TCP connections and never answers.
func blackholeEndpoint(t *testing.T) domain.ServerEndpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})

	addr := ln.Addr().(*net.TCPAddr)
	return domain.ServerEndpoint{Scheme: domain.SchemeRedis, Host: "127.0.0.1", Port: addr.Port, Timeout: time.Minute}
}

func TestBridge_RefusedConnectionIsRecoverable(t *testing.T) {
	r := reactor.New(clockwork.NewRealClock())
	b := New(r, &recordingSink{}, testOptions())

	ready := false
	require.NoError(t, b.Connect(closedPortEndpoint(t), func() { ready = true }))
	assert.Equal(t, domain.StateConnecting, b.State())

	err := r.Run(context.Background())
	require.Error(t, err)

	var structured *apperrors.Error
	require.ErrorAs(t, err, &structured)
	assert.Equal(t, apperrors.TypeConnection, structured.Type)
	assert.True(t, apperrors.IsRecoverable(err))
	assert.Equal(t, domain.StateError, b.State())
	assert.False(t, ready)
}

func TestBridge_ConnectTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := reactor.New(clock)
	b := New(r, &recordingSink{}, Options{Channel: "websocket", ConnectTimeout: 5 * time.Second})

	require.NoError(t, b.Connect(blackholeEndpoint(t), nil))

	result := make(chan error, 1)
	go func() { result <- r.Run(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(5 * time.Second)

	select {
	case err := <-result:
		var structured *apperrors.Error
		require.ErrorAs(t, err, &structured)
		assert.Equal(t, apperrors.TypeTimeout, structured.Type)
		assert.True(t, apperrors.IsRecoverable(err))
	case <-time.After(5 * time.Second):
		t.Fatal("connect timeout did not stop the reactor")
	}
	assert.Equal(t, domain.StateError, b.State())
}

func TestBridge_ConnectTwice(t *testing.T) {
	b := New(reactor.New(nil), &recordingSink{}, testOptions())
	ep := closedPortEndpoint(t)

	require.NoError(t, b.Connect(ep, nil))
	assert.ErrorIs(t, b.Connect(ep, nil), domain.ErrAlreadyStarted)
	b.Disconnect()
}

func TestBridge_DisconnectIsIdempotent(t *testing.T) {
	b := New(reactor.New(nil), &recordingSink{}, testOptions())
	assert.Equal(t, domain.StateInit, b.State())

	b.Disconnect()
	b.Disconnect()
	assert.Equal(t, domain.StateClosed, b.State())
	assert.ErrorIs(t, b.Connect(closedPortEndpoint(t), nil), domain.ErrAlreadyStarted, "a closed bridge is never reused")
}

func TestBridge_DisconnectWhileConnecting(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := reactor.New(clock)
	b := New(r, &recordingSink{}, testOptions())
	require.NoError(t, b.Connect(blackholeEndpoint(t), nil))

	b.Disconnect()
	assert.Equal(t, domain.StateClosed, b.State())

	// the cancelled timeout must not fire into a later cycle
	clock.Advance(time.Hour)
	r.Post(r.Stop)
	assert.NoError(t, r.Run(context.Background()))
}

func TestBridge_HandleMessageRouting(t *testing.T) {
	sink := &recordingSink{}
	b := New(reactor.New(nil), sink, testOptions())

	b.handleMessage(newMessage("websocket", `{"event":"ping"}`))
	b.handleMessage(newMessage("websocket:host:10.0.0.7", `{"cmd":"noop"}`))
	b.handleMessage(newMessage("websocket", `{"event":"pong"}`))

	assert.Equal(t, []string{`{"event":"ping"}`, `{"event":"pong"}`}, sink.all())
}

func TestBridge_SinkFailureIsNotFatal(t *testing.T) {
	sink := &recordingSink{err: errors.New("queue full")}
	b := New(reactor.New(nil), sink, testOptions())

	b.handleMessage(newMessage("websocket", "a"))
	b.handleMessage(newMessage("websocket", "b"))

	assert.Equal(t, []string{"a", "b"}, sink.all())
	assert.Equal(t, domain.StateInit, b.State())
}

func TestBridge_NoSubscribeWhenReadyStopsReactor(t *testing.T) {
	r := reactor.New(clockwork.NewFakeClock())
	b := New(r, &recordingSink{}, testOptions())
	require.NoError(t, b.Connect(blackholeEndpoint(t), func() {
		r.Fail(apperrors.UnexpectedError("failed to bind queue", errors.New("address already in use")))
	}))

	// a successful dial, delivered on the loop
	r.Post(func() { b.onConnect(nil) })
	err := r.Run(context.Background())

	var structured *apperrors.Error
	require.ErrorAs(t, err, &structured)
	assert.Equal(t, apperrors.TypeUnexpected, structured.Type)
	assert.Equal(t, domain.StateConnected, b.State())
	assert.Nil(t, b.pubsub, "no subscription is issued for a stopped cycle")
	assert.Nil(t, b.recv)

	b.Disconnect()
	assert.Equal(t, domain.StateClosed, b.State())
}

func TestBridge_LogsWithInjectedLogger(t *testing.T) {
	var buf bytes.Buffer
	opts := testOptions()
	opts.Logger = slog.New(slog.NewTextHandler(&buf, nil)).With("cycle_id", "cafe0123")

	r := reactor.New(clockwork.NewRealClock())
	b := New(r, &recordingSink{}, opts)
	require.NoError(t, b.Connect(closedPortEndpoint(t), nil))
	require.Error(t, r.Run(context.Background()))

	out := buf.String()
	assert.Contains(t, out, "Connecting to Redis")
	assert.Contains(t, out, "Disconnected from Redis")
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		assert.Contains(t, line, "cycle_id=cafe0123")
	}
}
