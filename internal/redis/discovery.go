package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/votong/wsbridge/internal/domain"
	"github.com/votong/wsbridge/internal/metrics"
	"github.com/votong/wsbridge/internal/platform/retry"
)

const defaultProbeTimeout = 5 * time.Second

// ProbeFunc checks that an endpoint accepts connections.
type ProbeFunc func(ctx context.Context, ep domain.ServerEndpoint) error

// Ping dials ep and issues PING, bounded by the endpoint's timeout.
func Ping(ctx context.Context, ep domain.ServerEndpoint) error {
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rdb := NewClient(ep)
	defer func() { _ = rdb.Close() }()
	return rdb.Ping(ctx).Err()
}

// StaticDiscovery walks the primary followed by the configured fallbacks and returns the
// first one that answers PING. Each candidate has its own breaker so an endpoint that
// keeps failing is skipped without a dial on the following restarts.
type StaticDiscovery struct {
	candidates []domain.ServerEndpoint
	breakers   []*gobreaker.CircuitBreaker
	probe      ProbeFunc
}

var _ domain.EndpointDiscovery = (*StaticDiscovery)(nil)

// NewStaticDiscovery builds a discovery over primary + fallbacks. A nil probe uses Ping.
func NewStaticDiscovery(primary domain.ServerEndpoint, fallbacks []domain.ServerEndpoint, probe ProbeFunc) *StaticDiscovery {
	if probe == nil {
		probe = Ping
	}
	candidates := append([]domain.ServerEndpoint{primary}, fallbacks...)
	breakers := make([]*gobreaker.CircuitBreaker, len(candidates))
	for i, ep := range candidates {
		breakers[i] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.String(),
			MaxRequests: 1,
			Timeout:     time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("Endpoint breaker state changed", "endpoint", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return &StaticDiscovery{candidates: candidates, breakers: breakers, probe: probe}
}

// Next returns the first reachable candidate. With no fallbacks configured the primary
// is returned unprobed; the bridge's own connect timeout covers it.
func (d *StaticDiscovery) Next(ctx context.Context) (domain.ServerEndpoint, error) {
	if len(d.candidates) == 1 {
		metrics.DiscoveryAttemptsTotal.WithLabelValues("static", "primary").Inc()
		return d.candidates[0], nil
	}

	policy := retry.Policy{
		MaxAttempts: len(d.candidates),
		OnRetry: func(attempt int, err error, _ time.Duration) {
			slog.Warn("Redis endpoint unavailable", "endpoint", d.candidates[attempt-1].String(), "error", err)
		},
	}

	ep, err := retry.Do(ctx, policy, classifyDiscovery(ctx), func(attempt int) (domain.ServerEndpoint, error) {
		i := attempt - 1
		_, err := d.breakers[i].Execute(func() (any, error) {
			return nil, d.probe(ctx, d.candidates[i])
		})
		if err != nil {
			return domain.ServerEndpoint{}, err
		}
		return d.candidates[i], nil
	})
	if err != nil {
		metrics.DiscoveryAttemptsTotal.WithLabelValues("static", "failed").Inc()
		return domain.ServerEndpoint{}, fmt.Errorf("%w: %w", domain.ErrNoEndpoint, err)
	}

	metrics.DiscoveryAttemptsTotal.WithLabelValues("static", "found").Inc()
	slog.Info("Discovered Redis endpoint", "endpoint", ep.String())
	return ep, nil
}

// MasterLookup asks one Sentinel for the address of the named master.
type MasterLookup func(ctx context.Context, sentinelAddr, master string) (host string, port int, err error)

// SentinelDiscovery asks Redis Sentinel for the current primary of a master group.
type SentinelDiscovery struct {
	primary   domain.ServerEndpoint
	sentinels []string
	master    string
	lookup    MasterLookup
}

var _ domain.EndpointDiscovery = (*SentinelDiscovery)(nil)

// NewSentinelDiscovery keeps the primary's credentials and DB for the discovered address.
// A nil lookup queries Sentinel with SENTINEL get-master-addr-by-name.
func NewSentinelDiscovery(primary domain.ServerEndpoint, sentinels []string, master string, lookup MasterLookup) *SentinelDiscovery {
	if lookup == nil {
		lookup = sentinelMasterAddr
	}
	return &SentinelDiscovery{primary: primary, sentinels: sentinels, master: master, lookup: lookup}
}

// Next tries each Sentinel in turn; with none configured the primary is returned.
func (d *SentinelDiscovery) Next(ctx context.Context) (domain.ServerEndpoint, error) {
	if len(d.sentinels) == 0 {
		metrics.DiscoveryAttemptsTotal.WithLabelValues("sentinel", "primary").Inc()
		return d.primary, nil
	}

	policy := retry.Policy{
		MaxAttempts: len(d.sentinels),
		OnRetry: func(attempt int, err error, _ time.Duration) {
			slog.Warn("Sentinel lookup failed", "sentinel", d.sentinels[attempt-1], "error", err)
		},
	}

	ep, err := retry.Do(ctx, policy, classifyDiscovery(ctx), func(attempt int) (domain.ServerEndpoint, error) {
		host, port, err := d.lookup(ctx, d.sentinels[attempt-1], d.master)
		if err != nil {
			return domain.ServerEndpoint{}, err
		}
		return d.primary.WithAddr(host, port), nil
	})
	if err != nil {
		metrics.DiscoveryAttemptsTotal.WithLabelValues("sentinel", "failed").Inc()
		return domain.ServerEndpoint{}, fmt.Errorf("%w: %w", domain.ErrNoEndpoint, err)
	}

	metrics.DiscoveryAttemptsTotal.WithLabelValues("sentinel", "found").Inc()
	slog.Info("Sentinel reported primary", "master", d.master, "endpoint", ep.String())
	return ep, nil
}

func sentinelMasterAddr(ctx context.Context, sentinelAddr, master string) (string, int, error) {
	sc := goredis.NewSentinelClient(&goredis.Options{Addr: sentinelAddr})
	defer func() { _ = sc.Close() }()

	addr, err := sc.GetMasterAddrByName(ctx, master).Result()
	if err != nil {
		return "", 0, err
	}
	if len(addr) != 2 {
		return "", 0, fmt.Errorf("unexpected sentinel reply %v", addr)
	}
	port, err := strconv.Atoi(addr[1])
	if err != nil {
		return "", 0, fmt.Errorf("bad port in sentinel reply %v: %w", addr, err)
	}
	return addr[0], port, nil
}

// classifyDiscovery keeps trying candidates unless the caller gave up. A probe's own
// deadline expiring only means that candidate is unreachable.
func classifyDiscovery(ctx context.Context) retry.Classify {
	return func(err error) retry.Action {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return retry.Stop
		}
		return retry.Retry
	}
}
