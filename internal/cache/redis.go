package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

// RedisConfig points the shared backend at a Redis or Valkey server.
type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	// KeyPrefix namespaces every stored key so several tools can share one database.
	KeyPrefix string
	TLS       RedisTLSConfig
}

const scanBatch = 256

type redisBackend struct {
	client valkey.Client
	prefix string
}

// NewRedis connects to the configured server and verifies it with PING.
func NewRedis(cfg RedisConfig) (Backend, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	return &redisBackend{client: client, prefix: cfg.KeyPrefix}, nil
}

func (r *redisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp := r.client.Do(ctx, r.client.B().Get().Key(r.prefix+key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return nil, false, fmt.Errorf("cache: redis get bytes: %w", err)
	}
	return payload, true, nil
}

func (r *redisBackend) Set(ctx context.Context, key string, value []byte, retain time.Duration) error {
	set := r.client.B().Set().Key(r.prefix + key).Value(string(value))
	var err error
	if retain > 0 {
		err = r.client.Do(ctx, set.Px(retain).Build()).Error()
	} else {
		err = r.client.Do(ctx, set.Build()).Error()
	}
	if err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

func (r *redisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = r.prefix + key
	}
	if err := r.client.Do(ctx, r.client.B().Del().Key(full...).Build()).Error(); err != nil {
		return fmt.Errorf("cache: redis del: %w", err)
	}
	return nil
}

func (r *redisBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	raw, err := r.scan(ctx, r.prefix+prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for _, key := range raw {
		keys = append(keys, strings.TrimPrefix(key, r.prefix))
	}
	return keys, nil
}

func (r *redisBackend) Clear(ctx context.Context) error {
	raw, err := r.scan(ctx, r.prefix)
	if err != nil {
		return err
	}
	for start := 0; start < len(raw); start += scanBatch {
		end := min(start+scanBatch, len(raw))
		if err := r.client.Do(ctx, r.client.B().Del().Key(raw[start:end]...).Build()).Error(); err != nil {
			return fmt.Errorf("cache: redis clear: %w", err)
		}
	}
	return nil
}

func (r *redisBackend) Close(context.Context) error {
	r.client.Close()
	return nil
}

// scan walks the keyspace with SCAN and returns full (prefixed) keys.
func (r *redisBackend) scan(ctx context.Context, prefix string) ([]string, error) {
	match := escapeGlob(prefix) + "*"
	seen := make(map[string]struct{})
	var keys []string
	var cursor uint64
	for {
		resp := r.client.Do(ctx, r.client.B().Scan().Cursor(cursor).Match(match).Count(scanBatch).Build())
		entry, err := resp.AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("cache: redis scan: %w", err)
		}
		for _, key := range entry.Elements {
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			// SCAN may return a key more than once.
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
		cursor = entry.Cursor
		if cursor == 0 {
			return keys, nil
		}
	}
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
