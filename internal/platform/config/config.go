package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/votong/wsbridge/internal/domain"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	RedisURL            string        `env:"REDIS_URL"`
	RedisFallbackURLs   string        `env:"REDIS_FALLBACK_URLS"`
	RedisSentinelAddrs  string        `env:"REDIS_SENTINEL_ADDRS"`
	RedisSentinelMaster string        `env:"REDIS_SENTINEL_MASTER" default:"mymaster"`
	RedisConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" default:"5s"`
	RedisHealthCheck    time.Duration `env:"REDIS_HEALTH_CHECK_INTERVAL" default:"30s"`

	// ClientCountRedisURL points the shared client count at its own server. Empty follows
	// the Sentinel master when Sentinels are configured, REDIS_URL otherwise.
	ClientCountRedisURL string `env:"CLIENT_COUNT_REDIS_URL"`

	PubSubChannel        string `env:"PUBSUB_CHANNEL" default:"websocket"`
	PrivateChannelPrefix string `env:"PRIVATE_CHANNEL_PREFIX" default:"websocket:host:"`
	ClientCountKey       string `env:"CLIENT_COUNT_KEY" default:"websocket:clients"`
	QueueAddress         string `env:"QUEUE_ADDRESS" default:"tcp://127.0.0.1:5555"`
	HostID               string `env:"HOST_ID"`
	BindAddress          string `env:"BIND_ADDRESS" default:"0.0.0.0"`

	RestartBackoff time.Duration `env:"RESTART_BACKOFF" default:"10s"`
	MaxRestarts    int           `env:"MAX_RESTARTS" default:"30"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	WebSocketUpgradeRate    float64 `env:"WEBSOCKET_UPGRADE_RATE" default:"100"`
	WebSocketAllowedOrigins string  `env:"WEBSOCKET_ALLOWED_ORIGINS"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := map[string]string{
		"REDIS_URL":        cfg.RedisURL,
		"PUBSUB_CHANNEL":   cfg.PubSubChannel,
		"CLIENT_COUNT_KEY": cfg.ClientCountKey,
		"QUEUE_ADDRESS":    cfg.QueueAddress,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if _, err := domain.ParseEndpoint(cfg.RedisURL); err != nil {
		return fmt.Errorf("REDIS_URL: %w", err)
	}
	if cfg.ClientCountRedisURL != "" {
		if _, err := domain.ParseEndpoint(cfg.ClientCountRedisURL); err != nil {
			return fmt.Errorf("CLIENT_COUNT_REDIS_URL: %w", err)
		}
	}
	for _, raw := range cfg.FallbackURLs() {
		if _, err := domain.ParseEndpoint(raw); err != nil {
			return fmt.Errorf("REDIS_FALLBACK_URLS: %w", err)
		}
	}

	if !strings.HasPrefix(cfg.QueueAddress, "tcp://") && !strings.HasPrefix(cfg.QueueAddress, "ipc://") {
		return fmt.Errorf("QUEUE_ADDRESS must be a tcp:// or ipc:// address, got %q", cfg.QueueAddress)
	}

	if cfg.RedisConnectTimeout <= 0 {
		return errors.New("REDIS_CONNECT_TIMEOUT must be positive")
	}
	if cfg.RedisHealthCheck <= 0 {
		return errors.New("REDIS_HEALTH_CHECK_INTERVAL must be positive")
	}
	if cfg.RestartBackoff < 0 {
		return errors.New("RESTART_BACKOFF must not be negative")
	}
	if cfg.MaxRestarts < 0 {
		return errors.New("MAX_RESTARTS must not be negative")
	}
	if cfg.MaxWebSocketConnections <= 0 {
		return errors.New("MAX_WEBSOCKET_CONNECTIONS must be positive")
	}

	return nil
}

// PrimaryEndpoint parses REDIS_URL and applies the connect timeout.
func (c *Config) PrimaryEndpoint() domain.ServerEndpoint {
	ep, _ := domain.ParseEndpoint(c.RedisURL)
	ep.Timeout = c.RedisConnectTimeout
	return ep
}

// CountStoreEndpoint parses CLIENT_COUNT_REDIS_URL, falling back to the primary. The bool
// reports whether a dedicated URL was configured.
func (c *Config) CountStoreEndpoint() (domain.ServerEndpoint, bool) {
	if c.ClientCountRedisURL == "" {
		return c.PrimaryEndpoint(), false
	}
	ep, _ := domain.ParseEndpoint(c.ClientCountRedisURL)
	ep.Timeout = c.RedisConnectTimeout
	return ep, true
}

// FallbackURLs splits REDIS_FALLBACK_URLS on commas.
func (c *Config) FallbackURLs() []string {
	return splitList(c.RedisFallbackURLs)
}

// SentinelAddrs splits REDIS_SENTINEL_ADDRS on commas.
func (c *Config) SentinelAddrs() []string {
	return splitList(c.RedisSentinelAddrs)
}

// AllowedOrigins splits WEBSOCKET_ALLOWED_ORIGINS on commas. Empty allows every origin.
func (c *Config) AllowedOrigins() []string {
	return splitList(c.WebSocketAllowedOrigins)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
