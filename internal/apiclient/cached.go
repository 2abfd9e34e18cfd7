package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// GetOptions tunes GetCached. The zero value reads through the cache with the
// client's default TTL and timeout.
type GetOptions struct {
	Params    url.Values
	SkipCache bool
	CacheTTL  time.Duration
	Timeout   time.Duration
}

// CacheKey is the cache key for path and params: the path, plus "?" and the
// URL-encoded params sorted by name when there are any. Param order does not
// change the key.
func CacheKey(path string, params url.Values) string {
	encoded := params.Encode()
	if encoded == "" {
		return path
	}
	return path + "?" + encoded
}

// GetCached performs a GET through the response cache. A fresh entry is
// returned without touching the network. When the network is unreachable a
// stale entry is returned with IsStale set instead of the failure.
func (c *Client) GetCached(ctx context.Context, path string, opts GetOptions) (*Response, error) {
	key := CacheKey(path, opts.Params)
	useCache := c.cache != nil && !opts.SkipCache

	staleSeen := false
	if useCache {
		data, fresh, found := c.cache.Peek(ctx, key)
		if found && fresh {
			c.logger.Debug("cache hit", slog.String("key", key))
			return &Response{Status: http.StatusOK, Data: data, FromCache: true}, nil
		}
		staleSeen = found
	}

	resp, err := c.fetch(ctx, key, path, opts, useCache)
	if err == nil {
		return resp, nil
	}

	failure, ok := AsFailure(err)
	if ok && failure.Offline() && c.cache != nil {
		if data, found := c.cache.GetRaw(ctx, key); found {
			c.logger.Info("serving stale cache entry while offline", slog.String("key", key))
			return &Response{Status: http.StatusOK, Data: data, FromCache: true, IsStale: true}, nil
		}
		return nil, err
	}
	// a caller that gave up says nothing about the entry.
	if staleSeen && ctx.Err() == nil {
		c.cache.Delete(ctx, key)
	}
	return nil, err
}

// fetch issues the network GET. Concurrent cache-backed fetches of one key
// share a single call that runs detached from any one caller's cancellation;
// each caller still stops waiting when its own ctx is done.
func (c *Client) fetch(ctx context.Context, key, path string, opts GetOptions, useCache bool) (*Response, error) {
	call := func(ctx context.Context) (*Response, error) {
		resp, err := c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: opts.Params, Timeout: opts.Timeout})
		if err != nil {
			return nil, err
		}
		if !useCache || !hasBody(resp.Data) {
			return resp, nil
		}
		ttl := opts.CacheTTL
		if ttl <= 0 {
			ttl = c.defaultTTL
		}
		if c.followCC {
			ttl = effectiveTTL(ttl, resp.Header.Get("Cache-Control"))
		}
		if ttl > 0 {
			c.cache.Set(ctx, key, resp.Data, ttl)
		} else {
			c.logger.Debug("upstream cache-control forbids storing response", slog.String("key", key))
		}
		return resp, nil
	}
	if !useCache {
		return call(ctx)
	}

	shared := context.WithoutCancel(ctx)
	flight := c.flights.DoChan(key, func() (any, error) {
		return call(shared)
	})
	select {
	case <-ctx.Done():
		c.logger.Debug("caller stopped waiting for in-flight request", slog.String("key", key))
		return nil, c.messages.Classify(http.MethodGet, c.resolve(path, opts.Params), 0, nil, ctx.Err())
	case res := <-flight:
		if res.Shared {
			c.logger.Debug("cache miss joined in-flight request", slog.String("key", key))
		}
		if res.Err != nil {
			return nil, res.Err
		}
		resp := *res.Val.(*Response)
		return &resp, nil
	}
}

func hasBody(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// GetJSON runs GetCached and decodes the payload into T.
func GetJSON[T any](ctx context.Context, c *Client, path string, opts GetOptions) (T, *Response, error) {
	var out T
	resp, err := c.GetCached(ctx, path, opts)
	if err != nil {
		return out, nil, err
	}
	if !hasBody(resp.Data) {
		return out, resp, nil
	}
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return out, resp, fmt.Errorf("apiclient: decode %s: %w", path, err)
	}
	return out, resp, nil
}
