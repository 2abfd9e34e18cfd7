package tokenstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := store.GetItem(ctx, "authToken")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.SetItem(ctx, "authToken", "abc"))
	value, ok, err := store.GetItem(ctx, "authToken")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "abc", value)

	require.NoError(t, store.SetItem(ctx, "authToken", "def"))
	value, _, err = store.GetItem(ctx, "authToken")
	require.NoError(t, err)
	require.Equal(t, "def", value)

	require.NoError(t, store.RemoveItem(ctx, "authToken"))
	require.NoError(t, store.RemoveItem(ctx, "authToken"))
	_, ok, err = store.GetItem(ctx, "authToken")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestFileStore(t *testing.T) {
	store, err := NewFile(filepath.Join(t.TempDir(), "nested", "tokens.json"), discardLogger())
	require.NoError(t, err)
	exerciseStore(t, store)
}

func TestFileStorePersistsWithPrivatePermissions(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tokens.json")

	store, err := NewFile(path, discardLogger())
	require.NoError(t, err)
	require.NoError(t, store.SetItem(ctx, "authToken", "secret-value"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reopened, err := NewFile(path, discardLogger())
	require.NoError(t, err)
	value, ok, err := reopened.GetItem(ctx, "authToken")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "secret-value", value)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
}

func TestNewFileRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	_, err := NewFile(path, discardLogger())
	require.Error(t, err)
}

func TestNewFileRequiresPath(t *testing.T) {
	_, err := NewFile("", nil)
	require.Error(t, err)
}

func TestFileWatchReloadsExternalWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "tokens.json")
	store, err := NewFile(path, discardLogger())
	require.NoError(t, err)

	reloaded := make(chan struct{}, 8)
	watcher, err := store.Watch(ctx, func() { reloaded <- struct{}{} })
	require.NoError(t, err)
	defer watcher.Stop()

	_, err = store.Watch(ctx, nil)
	require.Error(t, err, "a second watcher is rejected")

	payload, err := json.Marshal(map[string]string{"authToken": "issued-by-login"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, payload, 0o600))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-reloaded:
			value, ok, err := store.GetItem(ctx, "authToken")
			require.NoError(t, err)
			if ok && value == "issued-by-login" {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for token reload")
		}
	}
}

func TestFileWatchSeesRemoval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "tokens.json")
	store, err := NewFile(path, discardLogger())
	require.NoError(t, err)
	require.NoError(t, store.SetItem(ctx, "authToken", "abc"))

	reloaded := make(chan struct{}, 8)
	watcher, err := store.Watch(ctx, func() { reloaded <- struct{}{} })
	require.NoError(t, err)
	defer watcher.Stop()

	require.NoError(t, os.Remove(path))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-reloaded:
			_, ok, err := store.GetItem(ctx, "authToken")
			require.NoError(t, err)
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for removal reload")
		}
	}
}

func TestWatcherStopReleasesWatch(t *testing.T) {
	store, err := NewFile(filepath.Join(t.TempDir(), "tokens.json"), discardLogger())
	require.NoError(t, err)

	watcher, err := store.Watch(context.Background(), nil)
	require.NoError(t, err)
	watcher.Stop()
	watcher.Stop()

	again, err := store.Watch(context.Background(), nil)
	require.NoError(t, err)
	again.Stop()

	var nilWatcher *Watcher
	nilWatcher.Stop()
}
