package apiclient

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/watchcache/internal/cache"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type cachedFixture struct {
	client *Client
	store  *cache.Store
	clock  *manualClock
	doer   *switchableDoer
	hits   *atomic.Int32
}

func newCachedFixture(t *testing.T, handler http.HandlerFunc) *cachedFixture {
	t.Helper()
	hits := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	clock := &manualClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := cache.NewStore(cache.NewMemory(), cache.Options{Now: clock.Now})
	doer := &switchableDoer{}
	client, err := New(slog.New(slog.NewTextHandler(io.Discard, nil)), Options{
		BaseURL:    srv.URL,
		HTTPClient: doer,
		Cache:      store,
	})
	require.NoError(t, err)
	return &cachedFixture{client: client, store: store, clock: clock, doer: doer, hits: hits}
}

func movies(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte(`[{"id":1,"title":"Alien"}]`))
}

func TestCacheKeyIsOrderIndependent(t *testing.T) {
	a := url.Values{}
	a.Add("page", "2")
	a.Add("genre", "horror")
	b := url.Values{}
	b.Add("genre", "horror")
	b.Add("page", "2")

	require.Equal(t, "/movies?genre=horror&page=2", CacheKey("/movies", a))
	require.Equal(t, CacheKey("/movies", a), CacheKey("/movies", b))
	require.Equal(t, "/movies", CacheKey("/movies", nil))
	require.NotEqual(t, CacheKey("/movies", a), CacheKey("/shows", a))
}

func TestGetCachedServesFreshEntriesWithoutNetwork(t *testing.T) {
	fx := newCachedFixture(t, movies)
	ctx := context.Background()

	first, err := fx.client.GetCached(ctx, "/movies", GetOptions{})
	require.NoError(t, err)
	require.False(t, first.FromCache)
	require.JSONEq(t, `[{"id":1,"title":"Alien"}]`, string(first.Data))

	fx.clock.Advance(cache.TTLMedium)
	second, err := fx.client.GetCached(ctx, "/movies", GetOptions{})
	require.NoError(t, err)
	require.True(t, second.FromCache)
	require.False(t, second.IsStale)
	require.JSONEq(t, string(first.Data), string(second.Data))
	require.Equal(t, int32(1), fx.hits.Load())
}

func TestGetCachedSharesEntryAcrossParamOrder(t *testing.T) {
	fx := newCachedFixture(t, movies)
	ctx := context.Background()

	_, err := fx.client.GetCached(ctx, "/movies", GetOptions{Params: url.Values{"page": {"1"}, "sort": {"title"}}})
	require.NoError(t, err)
	resp, err := fx.client.GetCached(ctx, "/movies", GetOptions{Params: url.Values{"sort": {"title"}, "page": {"1"}}})
	require.NoError(t, err)
	require.True(t, resp.FromCache)
	require.Equal(t, int32(1), fx.hits.Load())
	require.Equal(t, []string{"/movies?page=1&sort=title"}, fx.store.Keys(ctx))
}

func TestGetCachedRefetchesAfterTTL(t *testing.T) {
	fx := newCachedFixture(t, movies)
	ctx := context.Background()

	_, err := fx.client.GetCached(ctx, "/movies", GetOptions{CacheTTL: time.Minute})
	require.NoError(t, err)
	fx.clock.Advance(time.Minute + time.Millisecond)

	resp, err := fx.client.GetCached(ctx, "/movies", GetOptions{CacheTTL: time.Minute})
	require.NoError(t, err)
	require.False(t, resp.FromCache)
	require.Equal(t, int32(2), fx.hits.Load())
}

func TestGetCachedFallsBackToStaleWhenOffline(t *testing.T) {
	fx := newCachedFixture(t, movies)
	ctx := context.Background()

	_, err := fx.client.GetCached(ctx, "/movies", GetOptions{CacheTTL: time.Minute})
	require.NoError(t, err)

	fx.clock.Advance(time.Hour)
	fx.doer.offline.Store(true)

	resp, err := fx.client.GetCached(ctx, "/movies", GetOptions{CacheTTL: time.Minute})
	require.NoError(t, err)
	require.True(t, resp.FromCache)
	require.True(t, resp.IsStale)
	require.JSONEq(t, `[{"id":1,"title":"Alien"}]`, string(resp.Data))
	require.Equal(t, int32(2), fx.doer.calls.Load())

	resp, err = fx.client.GetCached(ctx, "/movies", GetOptions{SkipCache: true})
	require.NoError(t, err)
	require.True(t, resp.IsStale)
}

func TestGetCachedOfflineWithoutEntryFails(t *testing.T) {
	fx := newCachedFixture(t, movies)
	fx.doer.offline.Store(true)

	_, err := fx.client.GetCached(context.Background(), "/movies", GetOptions{})
	f, ok := AsFailure(err)
	require.True(t, ok)
	require.Equal(t, KindNetworkUnreachable, f.Kind)
}

func TestGetCachedFallsBackToStaleOnTruncatedBody(t *testing.T) {
	var truncate atomic.Bool
	fx := newCachedFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if truncate.Load() {
			truncatedBody(w, r)
			return
		}
		movies(w, r)
	})
	ctx := context.Background()

	_, err := fx.client.GetCached(ctx, "/movies", GetOptions{CacheTTL: time.Minute})
	require.NoError(t, err)
	fx.clock.Advance(2 * time.Minute)
	truncate.Store(true)

	resp, err := fx.client.GetCached(ctx, "/movies", GetOptions{})
	require.NoError(t, err)
	require.True(t, resp.IsStale)
	require.JSONEq(t, `[{"id":1,"title":"Alien"}]`, string(resp.Data))
}

func TestGetCachedDropsStaleEntryOnServerFailure(t *testing.T) {
	var failing atomic.Bool
	fx := newCachedFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		movies(w, r)
	})
	ctx := context.Background()

	_, err := fx.client.GetCached(ctx, "/movies", GetOptions{CacheTTL: time.Minute})
	require.NoError(t, err)
	fx.clock.Advance(2 * time.Minute)
	failing.Store(true)

	_, err = fx.client.GetCached(ctx, "/movies", GetOptions{CacheTTL: time.Minute})
	f, ok := AsFailure(err)
	require.True(t, ok)
	require.Equal(t, KindServerError, f.Kind)
	require.Empty(t, fx.store.Keys(ctx))
}

func TestGetCachedSkipCacheBypassesStore(t *testing.T) {
	fx := newCachedFixture(t, movies)
	ctx := context.Background()

	for range 2 {
		resp, err := fx.client.GetCached(ctx, "/movies", GetOptions{SkipCache: true})
		require.NoError(t, err)
		require.False(t, resp.FromCache)
	}
	require.Equal(t, int32(2), fx.hits.Load())
	require.Empty(t, fx.store.Keys(ctx))
}

func TestGetCachedDoesNotStoreEmptyBodies(t *testing.T) {
	for _, body := range []string{"", "null", "  "} {
		fx := newCachedFixture(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(body))
		})
		_, err := fx.client.GetCached(context.Background(), "/empty", GetOptions{})
		require.NoError(t, err)
		require.Empty(t, fx.store.Keys(context.Background()), "body %q", body)
	}
}

func TestGetCachedWithoutStoreGoesToNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(movies))
	defer srv.Close()

	client := newTestClient(t, srv, Options{})
	require.Nil(t, client.Cache())
	resp, err := client.GetCached(context.Background(), "/movies", GetOptions{})
	require.NoError(t, err)
	require.False(t, resp.FromCache)
}

func TestGetCachedCollapsesConcurrentMisses(t *testing.T) {
	release := make(chan struct{})
	fx := newCachedFixture(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		movies(w, r)
	})

	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := fx.client.GetCached(context.Background(), "/movies", GetOptions{})
			if assert.NoError(t, err) {
				assert.JSONEq(t, `[{"id":1,"title":"Alien"}]`, string(resp.Data))
			}
		}()
	}
	require.Eventually(t, func() bool { return fx.hits.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), fx.hits.Load())
}

func TestGetCachedJoinerSurvivesLeaderCancellation(t *testing.T) {
	release := make(chan struct{})
	fx := newCachedFixture(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		movies(w, r)
	})

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := fx.client.GetCached(leaderCtx, "/movies", GetOptions{})
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return fx.hits.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		resp *Response
		err  error
	}
	joined := make(chan result, 1)
	go func() {
		resp, err := fx.client.GetCached(context.Background(), "/movies", GetOptions{})
		joined <- result{resp, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelLeader()
	select {
	case err := <-leaderErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatalf("cancelled caller kept waiting on the shared request")
	}

	close(release)
	select {
	case got := <-joined:
		require.NoError(t, got.err)
		require.JSONEq(t, `[{"id":1,"title":"Alien"}]`, string(got.resp.Data))
	case <-time.After(2 * time.Second):
		t.Fatalf("joined caller never returned")
	}
	require.Equal(t, int32(1), fx.hits.Load())
	require.Equal(t, []string{"/movies"}, fx.store.Keys(context.Background()))
}

func TestGetCachedKeepsStaleEntryWhenCallerCancels(t *testing.T) {
	var block atomic.Bool
	release := make(chan struct{})
	fx := newCachedFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if block.Load() {
			<-release
		}
		movies(w, r)
	})
	t.Cleanup(func() { close(release) })
	ctx := context.Background()

	_, err := fx.client.GetCached(ctx, "/movies", GetOptions{CacheTTL: time.Minute})
	require.NoError(t, err)
	fx.clock.Advance(2 * time.Minute)
	block.Store(true)

	reqCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = fx.client.GetCached(reqCtx, "/movies", GetOptions{})
	require.Error(t, err)

	raw, ok := fx.store.GetRaw(ctx, "/movies")
	require.True(t, ok, "stale entry must survive a caller that gave up")
	require.JSONEq(t, `[{"id":1,"title":"Alien"}]`, string(raw))
}

func TestGetJSONDecodesPayload(t *testing.T) {
	fx := newCachedFixture(t, movies)

	type movie struct {
		ID    int    `json:"id"`
		Title string `json:"title"`
	}
	got, resp, err := GetJSON[[]movie](context.Background(), fx.client, "/movies", GetOptions{})
	require.NoError(t, err)
	require.False(t, resp.FromCache)
	require.Equal(t, []movie{{ID: 1, Title: "Alien"}}, got)

	_, _, err = GetJSON[map[string]string](context.Background(), fx.client, "/movies", GetOptions{})
	require.ErrorContains(t, err, "decode /movies")
}
