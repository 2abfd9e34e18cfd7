package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// env keys arrive lowercased; koanf keys are case sensitive so camelCase
// leaves have to be restored before they merge with file and default values.
var canonicalEnvKeys = map[string]string{
	"server.logging.correlationheader": "server.logging.correlationHeader",
	"server.tracing.servicename":       "server.tracing.serviceName",
	"client.baseurl":                   "client.baseURL",
	"client.healthpath":                "client.healthPath",
	"client.healthtimeout":             "client.healthTimeout",
	"client.followcachecontrol":        "client.followCacheControl",
	"client.retry.maxattempts":         "client.retry.maxAttempts",
	"client.retry.basedelay":           "client.retry.baseDelay",
	"cache.staleretention":             "cache.staleRetention",
	"cache.badger.encryptionkey":       "cache.badger.encryptionKey",
	"cache.badger.syncwrites":          "cache.badger.syncWrites",
	"cache.badger.gcinterval":          "cache.badger.gcInterval",
	"cache.redis.keyprefix":            "cache.redis.keyPrefix",
	"cache.redis.tls.cafile":           "cache.redis.tls.caFile",
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (CLIENT__RETRY__MAXATTEMPTS -> client.retry.maxAttempts).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonicalEnvKeys[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(lower, "_", "")
			if mapped, ok := canonicalEnvKeys[key]; ok {
				return mapped
			}
			return key
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported config file extension %s", ext)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"tracing": map[string]any{
				"endpoint":    cfg.Server.Tracing.Endpoint,
				"serviceName": cfg.Server.Tracing.ServiceName,
			},
		},
		"client": map[string]any{
			"baseURL":       cfg.Client.BaseURL,
			"timeout":       cfg.Client.Timeout,
			"healthPath":    cfg.Client.HealthPath,
			"healthTimeout": cfg.Client.HealthTimeout,
			"retry": map[string]any{
				"maxAttempts": cfg.Client.Retry.MaxAttempts,
				"baseDelay":   cfg.Client.Retry.BaseDelay,
			},
			"followCacheControl": cfg.Client.FollowCacheControl,
		},
		"tokens": map[string]any{
			"backend": cfg.Tokens.Backend,
			"file":    cfg.Tokens.File,
			"key":     cfg.Tokens.Key,
			"watch":   cfg.Tokens.Watch,
		},
		"cache": map[string]any{
			"backend": cfg.Cache.Backend,
			"ttl": map[string]any{
				"short":  cfg.Cache.TTL.Short,
				"medium": cfg.Cache.TTL.Medium,
				"long":   cfg.Cache.TTL.Long,
			},
			"staleRetention": cfg.Cache.StaleRetention,
			"badger": map[string]any{
				"dir":           cfg.Cache.Badger.Dir,
				"encryptionKey": cfg.Cache.Badger.EncryptionKey,
				"syncWrites":    cfg.Cache.Badger.SyncWrites,
				"gcInterval":    cfg.Cache.Badger.GCInterval,
			},
			"redis": map[string]any{
				"address":   cfg.Cache.Redis.Address,
				"username":  cfg.Cache.Redis.Username,
				"password":  cfg.Cache.Redis.Password,
				"db":        cfg.Cache.Redis.DB,
				"keyPrefix": cfg.Cache.Redis.KeyPrefix,
				"tls": map[string]any{
					"enabled": cfg.Cache.Redis.TLS.Enabled,
					"caFile":  cfg.Cache.Redis.TLS.CAFile,
				},
			},
		},
	}
}
