package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig configures the durable on-disk backend.
type BadgerConfig struct {
	// Dir holds the database files. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	// EncryptionKey enables AES encryption at rest; it must be 16, 24, or 32 bytes.
	EncryptionKey []byte
	SyncWrites    bool
	// GCInterval schedules value log garbage collection. Zero disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
	Logger         *slog.Logger
}

type badgerBackend struct {
	db     *badger.DB
	logger *slog.Logger

	gcStop    chan struct{}
	gcWg      sync.WaitGroup
	closeOnce sync.Once
}

// NewBadger opens (or creates) a badger database and wraps it as a Backend.
func NewBadger(cfg BadgerConfig) (Backend, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, errors.New("cache: badger dir required")
	}
	if n := len(cfg.EncryptionKey); n != 0 && n != 16 && n != 24 && n != 32 {
		return nil, fmt.Errorf("cache: badger encryption key must be 16, 24, or 32 bytes, got %d", n)
	}

	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(nil)
	if len(cfg.EncryptionKey) > 0 {
		opts = opts.WithEncryptionKey(cfg.EncryptionKey).WithIndexCacheSize(64 << 20)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("cache: badger open: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &badgerBackend{
		db:     db,
		logger: logger.With(slog.String("backend", "badger")),
		gcStop: make(chan struct{}),
	}

	// value log GC is rejected by badger in memory mode.
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		b.startGC(cfg.GCInterval, ratio)
	}
	return b, nil
}

func (b *badgerBackend) startGC(interval time.Duration, discardRatio float64) {
	b.gcWg.Add(1)
	go func() {
		defer b.gcWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-b.gcStop:
				return
			case <-ticker.C:
				for {
					if err := b.db.RunValueLogGC(discardRatio); err != nil {
						if !errors.Is(err, badger.ErrNoRewrite) {
							b.logger.Debug("value log gc stopped", slog.Any("error", err))
						}
						break
					}
				}
			}
		}
	}()
}

func (b *badgerBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: badger get: %w", err)
	}
	return value, true, nil
}

func (b *badgerBackend) Set(ctx context.Context, key string, value []byte, retain time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), value)
		if retain > 0 {
			e = e.WithTTL(retain)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("cache: badger set: %w", err)
	}
	return nil
}

func (b *badgerBackend) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: badger delete: %w", err)
	}
	return nil
}

func (b *badgerBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cache: badger keys: %w", err)
	}
	return keys, nil
}

func (b *badgerBackend) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.db.DropAll(); err != nil {
		return fmt.Errorf("cache: badger drop all: %w", err)
	}
	return nil
}

func (b *badgerBackend) Close(context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		close(b.gcStop)
		b.gcWg.Wait()
		err = b.db.Close()
	})
	if err != nil {
		return fmt.Errorf("cache: badger close: %w", err)
	}
	return nil
}
