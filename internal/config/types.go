package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every option the gateway binary consumes.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Client  ClientConfig  `koanf:"client"`
	Tokens  TokensConfig  `koanf:"tokens"`
	Cache   CacheConfig   `koanf:"cache"`
	Gateway GatewayConfig `koanf:"gateway"`
}

// ServerConfig collects the listener and logging knobs.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
	Tracing TracingConfig `koanf:"tracing"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// TracingConfig enables OTLP span export. An empty endpoint disables tracing.
type TracingConfig struct {
	Endpoint    string `koanf:"endpoint"`
	ServiceName string `koanf:"serviceName"`
}

// ClientConfig describes the upstream watchlist API and how requests to it behave.
type ClientConfig struct {
	BaseURL       string            `koanf:"baseURL"`
	Timeout       string            `koanf:"timeout"`
	HealthPath    string            `koanf:"healthPath"`
	HealthTimeout string            `koanf:"healthTimeout"`
	Retry         RetryConfig       `koanf:"retry"`
	Messages      map[string]string `koanf:"messages"`

	// FollowCacheControl lets upstream Cache-Control headers cap or veto caching.
	FollowCacheControl bool `koanf:"followCacheControl"`
}

type RetryConfig struct {
	MaxAttempts int    `koanf:"maxAttempts"`
	BaseDelay   string `koanf:"baseDelay"`
}

// TokensConfig selects where the bearer token lives.
type TokensConfig struct {
	Backend string `koanf:"backend"`
	File    string `koanf:"file"`
	Key     string `koanf:"key"`
	Watch   bool   `koanf:"watch"`
}

type CacheConfig struct {
	Backend        string            `koanf:"backend"`
	TTL            CacheTTLConfig    `koanf:"ttl"`
	StaleRetention string            `koanf:"staleRetention"`
	Badger         BadgerCacheConfig `koanf:"badger"`
	Redis          RedisCacheConfig  `koanf:"redis"`
}

// CacheTTLConfig holds the short/medium/long presets as duration strings.
type CacheTTLConfig struct {
	Short  string `koanf:"short"`
	Medium string `koanf:"medium"`
	Long   string `koanf:"long"`
}

type BadgerCacheConfig struct {
	Dir           string `koanf:"dir"`
	EncryptionKey string `koanf:"encryptionKey"`
	SyncWrites    bool   `koanf:"syncWrites"`
	GCInterval    string `koanf:"gcInterval"`
}

type RedisCacheConfig struct {
	Address   string         `koanf:"address"`
	Username  string         `koanf:"username"`
	Password  string         `koanf:"password"`
	DB        int            `koanf:"db"`
	KeyPrefix string         `koanf:"keyPrefix"`
	TLS       RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// GatewayConfig lists the cache policies applied to proxied reads.
type GatewayConfig struct {
	Policies []PolicyConfig `koanf:"policies"`
}

// PolicyConfig matches requests with a CEL expression and overrides cache behaviour.
type PolicyConfig struct {
	Name      string `koanf:"name"`
	When      string `koanf:"when"`
	TTL       string `koanf:"ttl"`
	SkipCache bool   `koanf:"skipCache"`
}

// ClientTimeout returns the per-request timeout for ordinary calls.
func (c ClientConfig) ClientTimeout() time.Duration {
	return parseDurationOr(c.Timeout, 15*time.Second)
}

// ClientHealthTimeout returns the timeout used by the liveness probe.
func (c ClientConfig) ClientHealthTimeout() time.Duration {
	return parseDurationOr(c.HealthTimeout, 5*time.Second)
}

// RetryBaseDelay returns the first backoff interval.
func (c RetryConfig) RetryBaseDelay() time.Duration {
	return parseDurationOr(c.BaseDelay, time.Second)
}

// Durations resolves the presets, falling back to 5m/30m/24h.
func (c CacheTTLConfig) Durations() (short, medium, long time.Duration) {
	return parseDurationOr(c.Short, 5*time.Minute),
		parseDurationOr(c.Medium, 30*time.Minute),
		parseDurationOr(c.Long, 24*time.Hour)
}

// Resolve maps a preset name or a literal duration to a TTL. Empty input yields the medium preset.
func (c CacheTTLConfig) Resolve(value string) (time.Duration, error) {
	short, medium, long := c.Durations()
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "medium":
		return medium, nil
	case "short":
		return short, nil
	case "long":
		return long, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("config: ttl %q: %w", value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: ttl %q must be positive", value)
	}
	return d, nil
}

// StaleRetentionDuration returns how long entries outlive their TTL in backends with native expiry. Zero keeps them forever.
func (c CacheConfig) StaleRetentionDuration() time.Duration {
	return parseDurationOr(c.StaleRetention, 0)
}

func (c BadgerCacheConfig) GCIntervalDuration() time.Duration {
	return parseDurationOr(c.GCInterval, 5*time.Minute)
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port < 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if strings.TrimSpace(c.Client.BaseURL) == "" {
		return errors.New("config: client.baseURL required")
	}
	durations := map[string]string{
		"client.timeout":          c.Client.Timeout,
		"client.healthTimeout":    c.Client.HealthTimeout,
		"client.retry.baseDelay":  c.Client.Retry.BaseDelay,
		"cache.ttl.short":         c.Cache.TTL.Short,
		"cache.ttl.medium":        c.Cache.TTL.Medium,
		"cache.ttl.long":          c.Cache.TTL.Long,
		"cache.staleRetention":    c.Cache.StaleRetention,
		"cache.badger.gcInterval": c.Cache.Badger.GCInterval,
	}
	for name, value := range durations {
		if err := validateDuration(name, value); err != nil {
			return err
		}
	}
	if c.Client.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: client.retry.maxAttempts invalid: %d", c.Client.Retry.MaxAttempts)
	}

	if endpoint := strings.TrimSpace(c.Server.Tracing.Endpoint); endpoint != "" {
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			return fmt.Errorf("config: server.tracing.endpoint must be an http(s) URL: %s", endpoint)
		}
	}

	switch strings.TrimSpace(strings.ToLower(c.Tokens.Backend)) {
	case "", "memory":
	case "file":
		if strings.TrimSpace(c.Tokens.File) == "" {
			return errors.New("config: tokens.file required for file backend")
		}
	default:
		return fmt.Errorf("config: tokens.backend unsupported: %s", c.Tokens.Backend)
	}

	switch strings.TrimSpace(strings.ToLower(c.Cache.Backend)) {
	case "", "memory":
	case "badger":
		if strings.TrimSpace(c.Cache.Badger.Dir) == "" {
			return errors.New("config: cache.badger.dir required for badger backend")
		}
		if key := c.Cache.Badger.EncryptionKey; key != "" {
			switch len(key) {
			case 16, 24, 32:
			default:
				return fmt.Errorf("config: cache.badger.encryptionKey must be 16, 24, or 32 bytes, got %d", len(key))
			}
		}
	case "redis":
		if strings.TrimSpace(c.Cache.Redis.Address) == "" {
			return errors.New("config: cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: cache.backend unsupported: %s", c.Cache.Backend)
	}

	for i, policy := range c.Gateway.Policies {
		if strings.TrimSpace(policy.When) == "" {
			return fmt.Errorf("config: gateway.policies[%d].when required", i)
		}
		if _, err := c.Cache.TTL.Resolve(policy.TTL); err != nil {
			return fmt.Errorf("config: gateway.policies[%d]: %w", i, err)
		}
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "127.0.0.1",
				Port:    8787,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Tracing: TracingConfig{
				ServiceName: "watchcache",
			},
		},
		Client: ClientConfig{
			BaseURL:       "http://localhost:5000/api",
			Timeout:       "15s",
			HealthPath:    "/health",
			HealthTimeout: "5s",
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   "1s",
			},
		},
		Tokens: TokensConfig{
			Backend: "memory",
			Key:     "authToken",
		},
		Cache: CacheConfig{
			Backend: "memory",
			TTL: CacheTTLConfig{
				Short:  "5m",
				Medium: "30m",
				Long:   "24h",
			},
			StaleRetention: "168h",
			Badger: BadgerCacheConfig{
				GCInterval: "5m",
			},
			Redis: RedisCacheConfig{
				KeyPrefix: "watchcache:",
			},
		},
	}
}

func validateDuration(name, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return fmt.Errorf("config: %s invalid: %w", name, err)
	}
	if d < 0 {
		return fmt.Errorf("config: %s must not be negative", name)
	}
	return nil
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
