package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/watchcache/internal/apiclient"
	"github.com/l0p7/watchcache/internal/cache"
	"github.com/l0p7/watchcache/internal/config"
	"github.com/l0p7/watchcache/internal/gateway"
	"github.com/l0p7/watchcache/internal/logging"
	"github.com/l0p7/watchcache/internal/metrics"
	"github.com/l0p7/watchcache/internal/server"
	"github.com/l0p7/watchcache/internal/templates"
	"github.com/l0p7/watchcache/internal/tokenstore"
	"github.com/l0p7/watchcache/internal/tracing"
)

type configLoader interface {
	Load(context.Context) (config.Config, error)
}

type runnableServer interface {
	Run(context.Context) error
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return config.NewLoader(envPrefix, configFile)
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to gateway configuration file")
		envPrefix  = flag.String("env-prefix", "WATCHCACHE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	cfg, err := newConfigLoader(envPrefix, configFile).Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	shutdownTracing, err := tracing.Setup(ctx, cfg.Server.Tracing)
	if err != nil {
		return fmt.Errorf("configure tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", slog.Any("error", err))
		}
	}()
	if cfg.Server.Tracing.Endpoint != "" {
		logger.Info("exporting traces", slog.String("endpoint", cfg.Server.Tracing.Endpoint))
	}

	metricsRecorder := metrics.NewRecorder(prometheus.NewRegistry())

	backend := buildCacheBackend(logger.With(slog.String("agent", "cache_factory")), cfg.Cache)
	store := cache.NewStore(backend, cache.Options{
		Logger:         logger,
		Metrics:        metricsRecorder,
		StaleRetention: cfg.Cache.StaleRetentionDuration(),
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := store.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	tokens, err := buildTokenStore(ctx, logger, cfg.Tokens, store)
	if err != nil {
		return fmt.Errorf("token store: %w", err)
	}
	if tokens.watcher != nil {
		defer tokens.watcher.Stop()
	}

	messages, err := apiclient.NewMessages(templates.NewRenderer(), cfg.Client.Messages)
	if err != nil {
		return fmt.Errorf("client messages: %w", err)
	}

	_, mediumTTL, _ := cfg.Cache.TTL.Durations()
	client, err := apiclient.New(logger, apiclient.Options{
		BaseURL:            cfg.Client.BaseURL,
		Timeout:            cfg.Client.ClientTimeout(),
		Tokens:             tokens.store,
		TokenKey:           cfg.Tokens.Key,
		Cache:              store,
		DefaultTTL:         mediumTTL,
		HealthPath:         cfg.Client.HealthPath,
		HealthTimeout:      cfg.Client.ClientHealthTimeout(),
		Metrics:            metricsRecorder,
		Messages:           messages,
		FollowCacheControl: cfg.Client.FollowCacheControl,
		Retry: apiclient.RetryPolicy{
			MaxAttempts: cfg.Client.Retry.MaxAttempts,
			BaseDelay:   cfg.Client.Retry.RetryBaseDelay(),
			OnRetry: func(attempt int, err error, wait time.Duration) {
				logger.Info("retrying upstream request",
					slog.Int("attempt", attempt),
					slog.Duration("wait", wait),
					slog.Any("error", err),
				)
			},
		},
	})
	if err != nil {
		return fmt.Errorf("api client: %w", err)
	}

	gw, err := gateway.New(logger, gateway.Options{
		Client:            client,
		Policies:          cfg.Gateway.Policies,
		TTLs:              cfg.Cache.TTL,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
	})
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsRecorder.Handler())
	mux.Handle("/", server.NewGatewayHandler(gw))

	srv, err := newHTTPServer(cfg, logger, mux)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		return err
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

// buildCacheBackend selects the configured backend and falls back to memory
// when it cannot be opened.
func buildCacheBackend(logger *slog.Logger, cfg config.CacheConfig) cache.Backend {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory response cache")
		return cache.NewMemory()
	case "badger":
		badgerCache, err := cache.NewBadger(cache.BadgerConfig{
			Dir:           cfg.Badger.Dir,
			EncryptionKey: []byte(cfg.Badger.EncryptionKey),
			SyncWrites:    cfg.Badger.SyncWrites,
			GCInterval:    cfg.Badger.GCIntervalDuration(),
			Logger:        logger,
		})
		if err != nil {
			logger.Error("badger cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return cache.NewMemory()
		}
		logger.Info("using badger response cache", slog.String("dir", cfg.Badger.Dir), slog.Bool("encrypted", cfg.Badger.EncryptionKey != ""))
		return badgerCache
	case "redis":
		redisCache, err := cache.NewRedis(cache.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return cache.NewMemory()
		}
		logger.Info("using redis response cache", slog.String("address", cfg.Redis.Address))
		return redisCache
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return cache.NewMemory()
	}
}

type tokenSetup struct {
	store   tokenstore.Store
	watcher *tokenstore.Watcher
}

// buildTokenStore opens the configured token store. With a watched file, a
// token removed by another process ends the session here too and empties the cache.
func buildTokenStore(ctx context.Context, logger *slog.Logger, cfg config.TokensConfig, store *cache.Store) (tokenSetup, error) {
	if strings.TrimSpace(strings.ToLower(cfg.Backend)) != "file" {
		return tokenSetup{store: tokenstore.NewMemory()}, nil
	}
	file, err := tokenstore.NewFile(cfg.File, logger)
	if err != nil {
		return tokenSetup{}, err
	}
	setup := tokenSetup{store: file}
	if !cfg.Watch {
		return setup, nil
	}

	key := cfg.Key
	if key == "" {
		key = "authToken"
	}
	// reload callbacks run one at a time, so present needs no lock.
	_, present, _ := file.GetItem(ctx, key)
	watcher, err := file.Watch(ctx, func() {
		_, ok, err := file.GetItem(ctx, key)
		if err != nil {
			return
		}
		if present && !ok {
			logger.Info("token removed externally; clearing response cache")
			store.ClearAll(ctx)
		}
		present = ok
	})
	if err != nil {
		logger.Warn("token file watch setup failed", slog.String("file", cfg.File), slog.Any("error", err))
		return setup, nil
	}
	setup.watcher = watcher
	return setup, nil
}
