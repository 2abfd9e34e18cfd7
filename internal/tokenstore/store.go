// Package tokenstore persists the bearer token (and similar small secrets)
// issued by the login flow so the API client can attach it to requests.
package tokenstore

import (
	"context"
	"sync"
)

// Store is a string key/value store for credentials.
type Store interface {
	GetItem(ctx context.Context, key string) (string, bool, error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
}

type memoryStore struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemory returns a process-local Store.
func NewMemory() Store {
	return &memoryStore{items: make(map[string]string)}
}

func (m *memoryStore) GetItem(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.items[key]
	return value, ok, nil
}

func (m *memoryStore) SetItem(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *memoryStore) RemoveItem(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}
