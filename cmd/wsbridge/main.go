package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/votong/wsbridge/internal/domain"
	"github.com/votong/wsbridge/internal/gateway"
	"github.com/votong/wsbridge/internal/metrics"
	"github.com/votong/wsbridge/internal/platform/config"
	"github.com/votong/wsbridge/internal/platform/logging"
	"github.com/votong/wsbridge/internal/platform/version"
	"github.com/votong/wsbridge/internal/redis"
	"github.com/votong/wsbridge/internal/supervisor"
)

const defaultPort = 8080

func newRootCmd() *cobra.Command {
	var (
		port    int
		restart bool
	)

	cmd := &cobra.Command{
		Use:   "wsbridge",
		Short: "Relay Redis pub/sub messages to WebSocket clients",
		Long: `wsbridge subscribes to a Redis pub/sub channel, passes every payload through a
ZeroMQ queue and broadcasts it unchanged to all connected WebSocket clients.
Lost backend connections restart the pipeline with a fixed backoff.`,
		Version:       version.Get().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), port, restart)
		},
	}

	cmd.Flags().IntVar(&port, "port", defaultPort, "WebSocket listen port")
	cmd.Flags().BoolVar(&restart, "restart", false, "start through endpoint discovery as after a failover")
	_ = cmd.Flags().MarkHidden("restart")

	return cmd
}

func run(ctx context.Context, port int, restart bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	info := version.Get()
	metrics.BuildInfo.WithLabelValues(info.Version, info.Commit, info.BuildTime, info.GoVersion).Set(1)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", port, "version", info.Version, "restart_mode", restart)

	// not pinged: an unreachable backend at startup is a restartable failure
	primary := cfg.PrimaryEndpoint()
	countStore := setupCountStore(cfg)
	defer func() { _ = countStore.Close() }()

	host, err := redis.NewHost(cfg.HostID, cfg.PrivateChannelPrefix)
	if err != nil {
		return fmt.Errorf("failed to determine host identity: %w", err)
	}
	registry := redis.NewRegistry(countStore, cfg.ClientCountKey)

	discovery, err := setupDiscovery(cfg, primary)
	if err != nil {
		return err
	}

	sup := supervisor.New(
		supervisor.Config{
			Port:           port,
			BindAddress:    cfg.BindAddress,
			QueueAddress:   cfg.QueueAddress,
			MaxRestarts:    cfg.MaxRestarts,
			RestartBackoff: cfg.RestartBackoff,
		},
		supervisor.Deps{
			Counter:   registry,
			Host:      host,
			Discovery: discovery,
			Primary:   primary,
			Clock:     clockwork.NewRealClock(),
			Factory: supervisor.PipelineFactory(supervisor.PipelineOptions{
				Counter:        registry,
				HostID:         host.LocalHostID(),
				Channel:        cfg.PubSubChannel,
				PrivateChannel: host.PrivateChannelName(),
				ConnectTimeout: cfg.RedisConnectTimeout,
				HealthCheck:    cfg.RedisHealthCheck,
				Gateway: gateway.Options{
					MaxConnections: cfg.MaxWebSocketConnections,
					UpgradeRate:    cfg.WebSocketUpgradeRate,
					AllowedOrigins: cfg.AllowedOrigins(),
					HealthChecks: []gateway.HealthCheck{
						{Name: "client_count_store", Check: func(ctx context.Context) error { return countStore.Ping(ctx).Err() }},
					},
				},
			}),
		},
	)

	slog.Info("Bridge starting", "host", host.LocalHostID(), "channel", cfg.PubSubChannel, "queue", cfg.QueueAddress)
	return sup.Run(ctx, restart)
}

// setupCountStore builds the client behind the shared client count. It must stay usable
// when the primary is gone: a dedicated URL wins, otherwise it follows the Sentinel master
// when Sentinels are configured.
func setupCountStore(cfg *config.Config) *goredis.Client {
	breaker := redis.NewCircuitBreakerHook(redis.DefaultBreakerSettings())
	ep, dedicated := cfg.CountStoreEndpoint()
	if sentinels := cfg.SentinelAddrs(); !dedicated && len(sentinels) > 0 {
		return redis.NewFailoverClient(ep, sentinels, cfg.RedisSentinelMaster, breaker)
	}
	return redis.NewClient(ep, breaker)
}

// setupDiscovery prefers Sentinel when configured, otherwise rotates through the fallbacks.
func setupDiscovery(cfg *config.Config, primary domain.ServerEndpoint) (domain.EndpointDiscovery, error) {
	if sentinels := cfg.SentinelAddrs(); len(sentinels) > 0 {
		return redis.NewSentinelDiscovery(primary, sentinels, cfg.RedisSentinelMaster, nil), nil
	}

	var fallbacks []domain.ServerEndpoint
	for _, raw := range cfg.FallbackURLs() {
		ep, err := domain.ParseEndpoint(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid fallback endpoint: %w", err)
		}
		ep.Timeout = cfg.RedisConnectTimeout
		fallbacks = append(fallbacks, ep)
	}
	return redis.NewStaticDiscovery(primary, fallbacks, redis.Ping), nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		slog.Error("wsbridge exiting", "error", err)
		stop()
		os.Exit(1)
	}
}
