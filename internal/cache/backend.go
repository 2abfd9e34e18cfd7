package cache

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by backends used after Close.
var ErrClosed = errors.New("cache: backend closed")

// Backend is the persistent key/value primitive underneath Store. Values are
// opaque encoded entries; retain is the native expiry ceiling (0 keeps the
// value until it is deleted).
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, retain time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// Keys lists stored keys that start with prefix; an empty prefix lists everything.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Clear(ctx context.Context) error
	Close(ctx context.Context) error
}
