package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/l0p7/watchcache/internal/metrics"
)

// TTL presets used by callers that do not pick an explicit lifetime.
const (
	TTLShort  = 5 * time.Minute
	TTLMedium = 30 * time.Minute
	TTLLong   = 24 * time.Hour
)

// Entry is the stored envelope around a cached payload.
type Entry struct {
	Data json.RawMessage `json:"data"`
	// Timestamp is the write time in milliseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp"`
	// TTL is the maximum fresh age in milliseconds.
	TTL int64 `json:"ttl"`
}

// Fresh reports whether the entry is still within its TTL at now.
func (e Entry) Fresh(now time.Time) bool {
	return now.UnixMilli()-e.Timestamp <= e.TTL
}

// StoredAt returns the write time.
func (e Entry) StoredAt() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Options tunes a Store.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// StaleRetention lets backends with native expiry drop an entry this long
	// after it goes stale. Zero keeps stale entries until they are deleted.
	StaleRetention time.Duration
	Now            func() time.Time
}

// Store is a TTL key/value cache for JSON payloads. Faults in the backend are
// logged and degrade to misses; no method surfaces them except Close.
type Store struct {
	backend        Backend
	logger         *slog.Logger
	metrics        *metrics.Recorder
	staleRetention time.Duration
	now            func() time.Time
}

// NewStore wraps backend with TTL semantics.
func NewStore(backend Backend, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		backend:        backend,
		logger:         logger.With(slog.String("agent", "cache")),
		metrics:        opts.Metrics,
		staleRetention: opts.StaleRetention,
		now:            now,
	}
}

// Set writes value under key with the given ttl, replacing any existing entry.
// A non-positive ttl selects TTLMedium. Pass json.RawMessage to store
// already-encoded JSON verbatim.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	start := time.Now()
	if ttl <= 0 {
		ttl = TTLMedium
	}
	data, err := json.Marshal(value)
	if err != nil {
		s.logger.Warn("cache set marshal failed", slog.String("key", key), slog.Any("error", err))
		s.metrics.ObserveCache(metrics.CacheOperationSet, metrics.CacheError, time.Since(start))
		return
	}
	payload, err := json.Marshal(Entry{
		Data:      data,
		Timestamp: s.now().UnixMilli(),
		TTL:       ttl.Milliseconds(),
	})
	if err != nil {
		s.logger.Warn("cache set encode failed", slog.String("key", key), slog.Any("error", err))
		s.metrics.ObserveCache(metrics.CacheOperationSet, metrics.CacheError, time.Since(start))
		return
	}

	var retain time.Duration
	if s.staleRetention > 0 {
		retain = ttl + s.staleRetention
	}
	if err := s.backend.Set(ctx, key, payload, retain); err != nil {
		s.logger.Warn("cache set failed", slog.String("key", key), slog.Any("error", err))
		s.metrics.ObserveCache(metrics.CacheOperationSet, metrics.CacheError, time.Since(start))
		return
	}
	s.logger.Debug("cache set", slog.String("key", key), slog.Duration("ttl", ttl))
	s.metrics.ObserveCache(metrics.CacheOperationSet, metrics.CacheStored, time.Since(start))
}

// Get returns the payload when a fresh entry exists. A stale entry is deleted
// and reported as a miss.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	start := time.Now()
	entry, ok := s.Lookup(ctx, key)
	if !ok {
		s.metrics.ObserveCache(metrics.CacheOperationGet, metrics.CacheMiss, time.Since(start))
		return nil, false
	}
	if !entry.Fresh(s.now()) {
		s.Delete(ctx, key)
		s.logger.Debug("cache entry expired", slog.String("key", key))
		s.metrics.ObserveCache(metrics.CacheOperationGet, metrics.CacheExpired, time.Since(start))
		return nil, false
	}
	s.metrics.ObserveCache(metrics.CacheOperationGet, metrics.CacheHit, time.Since(start))
	return entry.Data, true
}

// GetRaw returns the payload regardless of freshness.
func (s *Store) GetRaw(ctx context.Context, key string) (json.RawMessage, bool) {
	start := time.Now()
	entry, ok := s.Lookup(ctx, key)
	if !ok {
		s.metrics.ObserveCache(metrics.CacheOperationGetRaw, metrics.CacheMiss, time.Since(start))
		return nil, false
	}
	s.metrics.ObserveCache(metrics.CacheOperationGetRaw, metrics.CacheHit, time.Since(start))
	return entry.Data, true
}

// Lookup decodes the stored entry without evicting it. Corrupt entries are
// deleted and reported as absent.
func (s *Store) Lookup(ctx context.Context, key string) (Entry, bool) {
	payload, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		s.logger.Warn("cache read failed", slog.String("key", key), slog.Any("error", err))
		s.metrics.ObserveCache(metrics.CacheOperationGet, metrics.CacheError, 0)
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		s.logger.Warn("cache entry corrupt", slog.String("key", key), slog.Any("error", err))
		s.metrics.ObserveCache(metrics.CacheOperationGet, metrics.CacheError, 0)
		s.Delete(ctx, key)
		return Entry{}, false
	}
	return entry, true
}

// Peek returns the payload and its freshness without evicting a stale entry.
func (s *Store) Peek(ctx context.Context, key string) (data json.RawMessage, fresh bool, found bool) {
	start := time.Now()
	entry, ok := s.Lookup(ctx, key)
	if !ok {
		s.metrics.ObserveCache(metrics.CacheOperationGet, metrics.CacheMiss, time.Since(start))
		return nil, false, false
	}
	if !entry.Fresh(s.now()) {
		s.metrics.ObserveCache(metrics.CacheOperationGet, metrics.CacheExpired, time.Since(start))
		return entry.Data, false, true
	}
	s.metrics.ObserveCache(metrics.CacheOperationGet, metrics.CacheHit, time.Since(start))
	return entry.Data, true, true
}

// Delete removes key. Missing keys are ignored.
func (s *Store) Delete(ctx context.Context, key string) {
	start := time.Now()
	if err := s.backend.Delete(ctx, key); err != nil {
		s.logger.Warn("cache delete failed", slog.String("key", key), slog.Any("error", err))
		s.metrics.ObserveCache(metrics.CacheOperationDelete, metrics.CacheError, time.Since(start))
		return
	}
	s.metrics.ObserveCache(metrics.CacheOperationDelete, metrics.CacheStored, time.Since(start))
}

// DeletePrefix removes every entry whose key starts with prefix and returns how many were removed.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) int {
	if prefix == "" {
		return 0
	}
	start := time.Now()
	keys, err := s.backend.Keys(ctx, prefix)
	if err == nil && len(keys) > 0 {
		err = s.backend.Delete(ctx, keys...)
	}
	if err != nil {
		s.logger.Warn("cache delete prefix failed", slog.String("prefix", prefix), slog.Any("error", err))
		s.metrics.ObserveCache(metrics.CacheOperationDelete, metrics.CacheError, time.Since(start))
		return 0
	}
	s.logger.Debug("cache prefix invalidated", slog.String("prefix", prefix), slog.Int("removed", len(keys)))
	s.metrics.ObserveCache(metrics.CacheOperationDelete, metrics.CacheStored, time.Since(start))
	return len(keys)
}

// ClearAll removes every entry.
func (s *Store) ClearAll(ctx context.Context) {
	start := time.Now()
	if err := s.backend.Clear(ctx); err != nil {
		s.logger.Warn("cache clear failed", slog.Any("error", err))
		s.metrics.ObserveCache(metrics.CacheOperationClear, metrics.CacheError, time.Since(start))
		return
	}
	s.logger.Info("cache cleared")
	s.metrics.ObserveCache(metrics.CacheOperationClear, metrics.CacheStored, time.Since(start))
}

// Keys lists every key currently held, sorted.
func (s *Store) Keys(ctx context.Context) []string {
	keys, err := s.backend.Keys(ctx, "")
	if err != nil {
		s.logger.Warn("cache keys failed", slog.Any("error", err))
		return nil
	}
	sort.Strings(keys)
	return keys
}

// KeysWithPrefix lists held keys under prefix, sorted.
func (s *Store) KeysWithPrefix(ctx context.Context, prefix string) []string {
	keys := s.Keys(ctx)
	out := keys[:0]
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out
}

// Close releases the backend.
func (s *Store) Close(ctx context.Context) error {
	return s.backend.Close(ctx)
}
