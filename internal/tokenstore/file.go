package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// File keeps credentials in a JSON object on disk and serves reads from an
// in-memory snapshot. Writes go through a temp file and rename.
type File struct {
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	items map[string]string

	watchMu sync.Mutex
	watcher *Watcher
}

// NewFile loads path (a missing file is an empty store).
func NewFile(path string, logger *slog.Logger) (*File, error) {
	if path == "" {
		return nil, errors.New("tokenstore: file path required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &File{
		path:   filepath.Clean(path),
		logger: logger.With(slog.String("agent", "tokenstore")),
		items:  make(map[string]string),
	}
	if err := f.reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) GetItem(_ context.Context, key string) (string, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	value, ok := f.items[key]
	return value, ok, nil
}

func (f *File) SetItem(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := cloneItems(f.items)
	next[key] = value
	if err := f.persist(next); err != nil {
		return err
	}
	f.items = next
	return nil
}

func (f *File) RemoveItem(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[key]; !ok {
		return nil
	}
	next := cloneItems(f.items)
	delete(next, key)
	if err := f.persist(next); err != nil {
		return err
	}
	f.items = next
	return nil
}

// reload replaces the snapshot with the file contents.
func (f *File) reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			f.mu.Lock()
			f.items = make(map[string]string)
			f.mu.Unlock()
			return nil
		}
		return fmt.Errorf("tokenstore: read %s: %w", f.path, err)
	}
	items := make(map[string]string)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &items); err != nil {
			return fmt.Errorf("tokenstore: decode %s: %w", f.path, err)
		}
	}
	f.mu.Lock()
	f.items = items
	f.mu.Unlock()
	return nil
}

// persist must be called with f.mu held.
func (f *File) persist(items map[string]string) error {
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenstore: encode: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("tokenstore: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tokens-*")
	if err != nil {
		return fmt.Errorf("tokenstore: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("tokenstore: chmod: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("tokenstore: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("tokenstore: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenstore: close: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("tokenstore: rename: %w", err)
	}
	return nil
}

// Watcher reloads a File when another process rewrites it. Stop must be
// called to release filesystem resources.
type Watcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// Watch starts reloading the snapshot on changes to the backing file.
// onReload, when set, runs after each successful reload.
func (f *File) Watch(ctx context.Context, onReload func()) (*Watcher, error) {
	f.watchMu.Lock()
	defer f.watchMu.Unlock()
	if f.watcher != nil {
		return nil, errors.New("tokenstore: already watching")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("tokenstore: watch: %w", err)
	}

	target := f.path
	if abs, err := filepath.Abs(f.path); err == nil {
		target = filepath.Clean(abs)
	}
	// the directory is watched so atomic renames (ours and the login flow's) are seen.
	if err := fsw.Add(filepath.Dir(target)); err != nil {
		_ = fsw.Close()
		cancel()
		return nil, fmt.Errorf("tokenstore: watch add %s: %w", filepath.Dir(target), err)
	}

	done := make(chan struct{})
	w := &Watcher{cancel: cancel, done: done}
	f.watcher = w

	go func() {
		defer close(done)
		defer func() {
			if err := fsw.Close(); err != nil {
				f.logger.Warn("token watcher close failed", slog.Any("error", err))
			}
			f.watchMu.Lock()
			f.watcher = nil
			f.watchMu.Unlock()
		}()

		const debounce = 25 * time.Millisecond
		var reloadTimer *time.Timer
		var reloadSignal <-chan time.Time
		scheduleReload := func() {
			if reloadTimer == nil {
				reloadTimer = time.NewTimer(debounce)
			} else {
				if !reloadTimer.Stop() {
					select {
					case <-reloadTimer.C:
					default:
					}
				}
				reloadTimer.Reset(debounce)
			}
			reloadSignal = reloadTimer.C
		}
		defer func() {
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
		}()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-reloadSignal:
				reloadSignal = nil
				if err := f.reload(); err != nil {
					f.logger.Warn("token file reload failed", slog.Any("error", err))
					continue
				}
				f.logger.Debug("token file reloaded", slog.String("path", f.path))
				if onReload != nil {
					onReload()
				}
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					scheduleReload()
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				f.logger.Warn("token watcher error", slog.Any("error", err))
			}
		}
	}()

	return w, nil
}

func cloneItems(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
