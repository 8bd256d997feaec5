package supervisor

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/votong/wsbridge/internal/domain"
	"github.com/votong/wsbridge/internal/gateway"
	wsredis "github.com/votong/wsbridge/internal/redis"
)

var testRedisURL string

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	container, err := redis.Run(ctx, "redis:7-alpine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get redis endpoint: %v\n", err)
		os.Exit(1)
	}
	testRedisURL = "redis://" + endpoint

	code := m.Run()

	_ = container.Terminate(ctx)
	os.Exit(code)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func dial(t *testing.T, port int) *websocket.Conn {
	t.Helper()
	url := "ws://127.0.0.1:" + strconv.Itoa(port) + "/ws"

	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		c, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 5*time.Second, 20*time.Millisecond, "listener never became reachable")
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitSubscribed(t *testing.T, rdb *goredis.Client, channel string) {
	t.Helper()
	require.Eventually(t, func() bool {
		n, err := rdb.PubSubNumSub(context.Background(), channel).Result()
		return err == nil && n[channel] == 1
	}, 5*time.Second, 10*time.Millisecond, "bridge never subscribed")
}

func TestPipeline_EndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	ep, err := domain.ParseEndpoint(testRedisURL)
	require.NoError(t, err)

	rdb, err := wsredis.Connect(ctx, ep)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	const (
		countKey = "websocket:clients:e2e"
		hostID   = "10.0.0.7"
		channel  = "websocket"
	)
	require.NoError(t, rdb.HSet(ctx, countKey, hostID, 5).Err())

	host, err := wsredis.NewHost(hostID, "websocket:host:")
	require.NoError(t, err)
	registry := wsredis.NewRegistry(rdb, countKey)

	port := freePort(t)
	backoff := 300 * time.Millisecond
	s := New(
		Config{Port: port, BindAddress: "127.0.0.1", QueueAddress: "tcp://127.0.0.1:*", MaxRestarts: 30, RestartBackoff: backoff},
		Deps{
			Counter:   registry,
			Host:      host,
			Discovery: wsredis.NewStaticDiscovery(ep, nil, wsredis.Ping),
			Primary:   ep,
			Clock:     clockwork.NewRealClock(),
			Factory: PipelineFactory(PipelineOptions{
				Counter:        registry,
				HostID:         hostID,
				Channel:        channel,
				PrivateChannel: host.PrivateChannelName(),
				ConnectTimeout: 2 * time.Second,
				Gateway:        gateway.Options{MaxConnections: 100},
			}),
		},
	)

	runCtx, cancel := context.WithCancel(ctx)
	result := make(chan error, 1)
	go func() { result <- s.Run(runCtx, false) }()
	t.Cleanup(cancel)

	// first cycle: the stale count is reset and a publish reaches the client unchanged
	conn := dial(t, port)
	waitSubscribed(t, rdb, channel)
	require.Eventually(t, func() bool {
		n, err := registry.Count(ctx, hostID)
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, rdb.Publish(ctx, channel, `{"event":"ping"}`).Err())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	kind, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.Equal(t, `{"event":"ping"}`, string(payload))

	// losing the subscription restarts the pipeline on the same port
	require.NoError(t, rdb.Do(ctx, "CLIENT", "KILL", "TYPE", "pubsub").Err())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err, "the old client is dropped by the teardown")

	restarted := time.Now()
	conn2 := dial(t, port)
	waitSubscribed(t, rdb, channel)
	assert.Less(t, time.Since(restarted), backoff+5*time.Second)
	assert.Equal(t, 1, s.Restarts())

	require.Eventually(t, func() bool {
		n, err := registry.Count(ctx, hostID)
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond, "the restart resets the count before the new client registers")

	require.NoError(t, rdb.Publish(ctx, channel, `{"event":"pong"}`).Err())
	require.NoError(t, conn2.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, payload, err = conn2.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"event":"pong"}`, string(payload))

	cancel()
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop")
	}

	n, err := registry.Count(ctx, hostID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "shutdown closes every client")
}
