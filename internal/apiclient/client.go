// Package apiclient is the HTTP client for the watchlist REST API: bearer
// token auth, sanitized request logging, failure classification, cached GETs
// with stale fallback when offline, and retry with exponential backoff.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/l0p7/watchcache/internal/cache"
	"github.com/l0p7/watchcache/internal/metrics"
	"github.com/l0p7/watchcache/internal/tokenstore"
)

const (
	defaultTimeout       = 15 * time.Second
	defaultHealthTimeout = 5 * time.Second
	defaultHealthPath    = "/health"
	defaultTokenKey      = "authToken"
	maxResponseBytes     = 10 << 20

	tracerName = "github.com/l0p7/watchcache/internal/apiclient"
)

var errResponseTooLarge = errors.New("apiclient: response body exceeds limit")

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Options configures a Client. Only BaseURL is required.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient httpDoer
	Tokens     tokenstore.Store
	TokenKey   string
	// Cache enables GetCached; without it every GetCached call goes to the network.
	Cache         *cache.Store
	DefaultTTL    time.Duration
	HealthPath    string
	HealthTimeout time.Duration
	Metrics       *metrics.Recorder
	Messages      *Messages
	// Retry is the policy used by the *WithRetry helpers.
	Retry RetryPolicy
	// FollowCacheControl lets upstream Cache-Control headers cap or veto GetCached writes.
	FollowCacheControl bool
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

type Client struct {
	baseURL       string
	timeout       time.Duration
	http          httpDoer
	tokens        tokenstore.Store
	tokenKey      string
	cache         *cache.Store
	defaultTTL    time.Duration
	healthPath    string
	healthTimeout time.Duration
	metrics       *metrics.Recorder
	messages      *Messages
	retry         RetryPolicy
	followCC      bool
	tracer        trace.Tracer
	logger        *slog.Logger

	// tokenMu serialises the compare-and-clear of a rejected token.
	tokenMu sync.Mutex
	flights singleflight.Group
}

// Request describes one upstream call. Path is joined to the client's base URL
// unless it is already absolute.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Body    any
	Header  http.Header
	Timeout time.Duration
}

// Response is a successful upstream (or cached) response.
type Response struct {
	Status    int
	Header    http.Header
	Data      json.RawMessage
	FromCache bool
	IsStale   bool
}

func New(logger *slog.Logger, opts Options) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	base := strings.TrimSpace(opts.BaseURL)
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("apiclient: invalid base url %q", opts.BaseURL)
	}

	c := &Client{
		baseURL:       strings.TrimRight(base, "/"),
		timeout:       opts.Timeout,
		http:          opts.HTTPClient,
		tokens:        opts.Tokens,
		tokenKey:      opts.TokenKey,
		cache:         opts.Cache,
		defaultTTL:    opts.DefaultTTL,
		healthPath:    opts.HealthPath,
		healthTimeout: opts.HealthTimeout,
		metrics:       opts.Metrics,
		messages:      opts.Messages,
		retry:         opts.Retry,
		followCC:      opts.FollowCacheControl,
		logger:        logger.With(slog.String("agent", "apiclient")),
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.tokens == nil {
		c.tokens = tokenstore.NewMemory()
	}
	if c.tokenKey == "" {
		c.tokenKey = defaultTokenKey
	}
	if c.defaultTTL <= 0 {
		c.defaultTTL = cache.TTLMedium
	}
	if c.healthPath == "" {
		c.healthPath = defaultHealthPath
	}
	if c.healthTimeout <= 0 {
		c.healthTimeout = defaultHealthTimeout
	}
	if c.messages == nil {
		c.messages = defaultMessages
	}
	if c.retry.Metrics == nil {
		c.retry.Metrics = c.metrics
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	c.tracer = tp.Tracer(tracerName)
	return c, nil
}

// Cache exposes the configured cache store (nil when caching is disabled).
func (c *Client) Cache() *cache.Store { return c.cache }

// RetryPolicy returns the client's default retry policy.
func (c *Client) RetryPolicy() RetryPolicy { return c.retry }

// Do sends req and returns the response for 2xx statuses. Every other outcome
// is returned as a *Failure.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	target := c.resolve(req.Path, req.Query)

	body, err := encodeBody(req.Body)
	if err != nil {
		c.logger.Warn("api request encode failed", slog.String("method", method), slog.String("url", target), slog.Any("error", err))
		return nil, c.localFailure(method, target, err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "apiclient "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.full", target),
		),
	)
	defer span.End()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		f := c.localFailure(method, target, err)
		span.SetStatus(codes.Error, string(f.Kind))
		return nil, f
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for name, values := range req.Header {
		httpReq.Header.Del(name)
		for _, value := range values {
			httpReq.Header.Add(name, value)
		}
	}
	token := c.currentToken(ctx)
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	c.logger.Debug("api request",
		slog.String("method", method),
		slog.String("url", target),
		slog.Any("body", sanitizePayload(json.RawMessage(body))),
	)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		f := c.messages.Classify(method, target, 0, nil, err)
		c.observeFailure(span, f, start)
		return nil, f
	}
	payload, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if closeErr := resp.Body.Close(); closeErr != nil {
		c.logger.Debug("api response body close failed", slog.String("url", target), slog.Any("error", closeErr))
	}
	if len(payload) > maxResponseBytes {
		f := c.messages.Classify(method, target, resp.StatusCode, nil, errResponseTooLarge)
		c.observeFailure(span, f, start)
		return nil, f
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		f := c.messages.Classify(method, target, resp.StatusCode, payload, nil)
		if f.Unauthorized() {
			c.clearRejectedToken(ctx, token)
		}
		c.observeFailure(span, f, start)
		return nil, f
	}
	// a body cut short is a transport failure, whatever the status line said.
	if readErr != nil {
		f := c.messages.Classify(method, target, 0, nil, readErr)
		c.observeFailure(span, f, start)
		return nil, f
	}

	c.logger.Debug("api response",
		slog.String("method", method),
		slog.String("url", target),
		slog.Int("status", resp.StatusCode),
		slog.Any("body", sanitizePayload(json.RawMessage(payload))),
	)
	c.metrics.ObserveRequest(method, "ok", resp.StatusCode, time.Since(start))
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	out := &Response{Status: resp.StatusCode, Header: resp.Header.Clone()}
	if len(payload) > 0 {
		out.Data = json.RawMessage(payload)
	}
	return out, nil
}

func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query})
}

func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body})
}

func (c *Client) Put(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPut, Path: path, Body: body})
}

func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodDelete, Path: path})
}

// DoWithRetry runs Do under the client's retry policy.
func (c *Client) DoWithRetry(ctx context.Context, req Request) (*Response, error) {
	return Retry(ctx, c.retry, func(ctx context.Context) (*Response, error) {
		return c.Do(ctx, req)
	})
}

// HealthCheck probes the health endpoint with the short health timeout.
// It reports true only for a 2xx answer and never returns an error.
func (c *Client) HealthCheck(ctx context.Context) bool {
	_, err := c.Do(ctx, Request{Method: http.MethodGet, Path: c.healthPath, Timeout: c.healthTimeout})
	if err != nil {
		c.logger.Debug("health check failed", slog.Any("error", err))
		return false
	}
	return true
}

// Logout forgets the bearer token and empties the response cache.
func (c *Client) Logout(ctx context.Context) error {
	c.tokenMu.Lock()
	err := c.tokens.RemoveItem(ctx, c.tokenKey)
	c.tokenMu.Unlock()
	if c.cache != nil {
		c.cache.ClearAll(ctx)
	}
	if err != nil {
		return fmt.Errorf("apiclient: logout: %w", err)
	}
	c.logger.Info("session cleared")
	return nil
}

func (c *Client) currentToken(ctx context.Context) string {
	token, ok, err := c.tokens.GetItem(ctx, c.tokenKey)
	if err != nil {
		c.logger.Warn("token read failed", slog.Any("error", err))
		return ""
	}
	if !ok {
		return ""
	}
	return token
}

// clearRejectedToken removes the stored token only if it is still the one the
// server rejected, so concurrent 401s remove it once and a token stored in the
// meantime survives.
func (c *Client) clearRejectedToken(ctx context.Context, sent string) {
	if sent == "" {
		return
	}
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	current, ok, err := c.tokens.GetItem(ctx, c.tokenKey)
	if err != nil || !ok || current != sent {
		return
	}
	if err := c.tokens.RemoveItem(ctx, c.tokenKey); err != nil {
		c.logger.Warn("token clear failed", slog.Any("error", err))
		return
	}
	c.logger.Info("token cleared after unauthorized response")
}

// localFailure reports a request that could not be built.
func (c *Client) localFailure(method, target string, err error) *Failure {
	f := &Failure{Kind: KindUnknown, Method: method, URL: target, Err: err}
	f.UserMessage = c.messages.text(MessageGeneric, f)
	return f
}

func (c *Client) observeFailure(span trace.Span, f *Failure, start time.Time) {
	attrs := []any{
		slog.String("method", f.Method),
		slog.String("url", f.URL),
		slog.String("kind", string(f.Kind)),
		slog.Int("status", f.Status),
	}
	if f.Err != nil {
		attrs = append(attrs, slog.Any("error", f.Err))
	}
	c.logger.Warn("api request failed", attrs...)
	c.metrics.ObserveRequest(f.Method, string(f.Kind), f.Status, time.Since(start))

	span.SetAttributes(attribute.String("watchcache.failure.kind", string(f.Kind)))
	if f.Status > 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", f.Status))
	}
	span.SetStatus(codes.Error, string(f.Kind))
}

func (c *Client) resolve(path string, query url.Values) string {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.baseURL + "/" + strings.TrimLeft(path, "/")
	}
	if encoded := query.Encode(); encoded != "" {
		if strings.Contains(target, "?") {
			target += "&" + encoded
		} else {
			target += "?" + encoded
		}
	}
	return target
}

func encodeBody(body any) ([]byte, error) {
	switch val := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return val, nil
	case []byte:
		return val, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("apiclient: encode body: %w", err)
	}
	return data, nil
}
