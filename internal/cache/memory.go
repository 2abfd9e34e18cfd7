package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryItem struct {
	value       []byte
	retainUntil time.Time
}

type memoryBackend struct {
	now func() time.Time

	mu      sync.RWMutex
	closed  bool
	entries map[string]memoryItem
}

// NewMemory returns a process-local backend guarded by a RWMutex.
func NewMemory() Backend {
	return &memoryBackend{now: time.Now, entries: make(map[string]memoryItem)}
}

func (m *memoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	item, ok := m.entries[key]
	if !ok || m.retired(item) {
		return nil, false, nil
	}
	return cloneBytes(item.value), true, nil
}

func (m *memoryBackend) Set(_ context.Context, key string, value []byte, retain time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	item := memoryItem{value: cloneBytes(value)}
	if retain > 0 {
		item.retainUntil = m.now().Add(retain)
	}
	m.entries[key] = item
	return nil
}

func (m *memoryBackend) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

func (m *memoryBackend) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	keys := make([]string, 0, len(m.entries))
	for key, item := range m.entries {
		if m.retired(item) {
			delete(m.entries, key)
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *memoryBackend) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.entries = make(map[string]memoryItem)
	return nil
}

func (m *memoryBackend) Close(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.entries = nil
	return nil
}

func (m *memoryBackend) retired(item memoryItem) bool {
	return !item.retainUntil.IsZero() && m.now().After(item.retainUntil)
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
