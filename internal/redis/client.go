package redis

import (
	"context"
	"crypto/tls"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/votong/wsbridge/internal/domain"
)

// Options translates an endpoint into go-redis client options.
func Options(ep domain.ServerEndpoint) *goredis.Options {
	opts := &goredis.Options{
		Network:     ep.Network(),
		Addr:        ep.Addr(),
		Username:    ep.Username,
		Password:    ep.Password,
		DB:          ep.DB,
		DialTimeout: ep.Timeout,
	}
	if ep.Scheme == domain.SchemeTLS {
		opts.TLSConfig = &tls.Config{ServerName: ep.Host, MinVersion: tls.VersionTLS12}
	}
	return opts
}

// NewClient creates a client for ep with the metrics hook installed. It does not dial.
// Extra hooks run inside the metrics hook.
func NewClient(ep domain.ServerEndpoint, hooks ...goredis.Hook) *goredis.Client {
	return withHooks(goredis.NewClient(Options(ep)), hooks)
}

// NewFailoverClient creates a client that follows the master Sentinel reports for master.
// Credentials, DB and timeout come from ep; its address is ignored. It does not dial.
func NewFailoverClient(ep domain.ServerEndpoint, sentinels []string, master string, hooks ...goredis.Hook) *goredis.Client {
	base := Options(ep)
	rdb := goredis.NewFailoverClient(&goredis.FailoverOptions{
		MasterName:    master,
		SentinelAddrs: sentinels,
		Username:      base.Username,
		Password:      base.Password,
		DB:            base.DB,
		DialTimeout:   base.DialTimeout,
		TLSConfig:     base.TLSConfig,
	})
	return withHooks(rdb, hooks)
}

func withHooks(rdb *goredis.Client, hooks []goredis.Hook) *goredis.Client {
	rdb.AddHook(&MetricsHook{})
	for _, h := range hooks {
		rdb.AddHook(h)
	}
	return rdb
}

// Connect creates a circuit-breaker protected client for ep and verifies it with PING.
func Connect(ctx context.Context, ep domain.ServerEndpoint) (*goredis.Client, error) {
	rdb := NewClient(ep, NewCircuitBreakerHook(DefaultBreakerSettings()))
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", ep, err)
	}
	return rdb, nil
}
