// Package gateway serves the cached API client to local consumers over HTTP.
// Reads go through the response cache with stale fallback while offline,
// mutations pass through (with retry for idempotent methods) and invalidate
// the cached resource.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/l0p7/watchcache/internal/apiclient"
	"github.com/l0p7/watchcache/internal/config"
)

const (
	// APIPrefix is stripped from incoming paths before they are sent upstream.
	APIPrefix = "/api"

	defaultMaxRequestBytes = 10 << 20
	tracerName             = "github.com/l0p7/watchcache/internal/gateway"
)

// Cache status values reported in the X-Cache header.
const (
	CacheHit   = "HIT"
	CacheMiss  = "MISS"
	CacheStale = "STALE"
)

var errClientRequired = errors.New("gateway: client required")

// Options configures a Gateway.
type Options struct {
	Client            *apiclient.Client
	Policies          []config.PolicyConfig
	TTLs              config.CacheTTLConfig
	CorrelationHeader string
	// MaxRequestBytes bounds mutation bodies; larger ones get 413. Defaults to 10 MiB.
	MaxRequestBytes int64
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Gateway implements the HTTP surface routed by internal/server.
type Gateway struct {
	client            *apiclient.Client
	policies          []policy
	correlationHeader string
	maxRequestBytes   int64
	tracer            trace.Tracer
	logger            *slog.Logger
}

func New(logger *slog.Logger, opts Options) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Client == nil {
		return nil, errClientRequired
	}
	policies, err := compilePolicies(opts.Policies, opts.TTLs)
	if err != nil {
		return nil, err
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	maxBody := opts.MaxRequestBytes
	if maxBody <= 0 {
		maxBody = defaultMaxRequestBytes
	}
	return &Gateway{
		client:            opts.Client,
		policies:          policies,
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
		maxRequestBytes:   maxBody,
		tracer:            tp.Tracer(tracerName),
		logger:            logger.With(slog.String("agent", "gateway")),
	}, nil
}

// ServeAPI proxies /api/<path> to the upstream API.
func (g *Gateway) ServeAPI(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	correlationID := g.requestCorrelationID(r)
	if g.correlationHeader != "" {
		w.Header().Set(g.correlationHeader, correlationID)
	}
	reqLogger := g.logger.With(slog.String("correlation_id", correlationID))

	path := upstreamPath(r.URL.Path)
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := g.tracer.Start(ctx, "gateway "+r.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", path),
			attribute.String("watchcache.correlation_id", correlationID),
		),
	)
	defer span.End()
	r = r.WithContext(ctx)
	var (
		resp        *apiclient.Response
		err         error
		cacheStatus string
	)
	switch r.Method {
	case http.MethodGet:
		opts, matched := g.getOptions(reqLogger, r.Method, path, r.URL.Query())
		if matched != "" {
			reqLogger.Debug("cache policy matched", slog.String("policy", matched), slog.String("path", path))
		}
		resp, err = g.client.GetCached(r.Context(), path, opts)
		if err == nil {
			cacheStatus = cacheHeader(resp)
			w.Header().Set("X-Cache", cacheStatus)
		}
	case http.MethodPost, http.MethodPut, http.MethodDelete:
		resp, err = g.mutate(w, r, path)
	default:
		w.Header().Set("Allow", "GET, POST, PUT, DELETE")
		g.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err != nil {
		status := g.writeFailure(w, err)
		span.SetAttributes(attribute.Int("http.response.status_code", status))
		span.SetStatus(codes.Error, err.Error())
		reqLogger.Info("gateway request failed",
			slog.String("method", r.Method),
			slog.String("path", path),
			slog.Int("http_status", status),
			slog.Float64("latency_ms", float64(time.Since(start))/float64(time.Millisecond)),
		)
		return
	}

	span.SetAttributes(
		attribute.Int("http.response.status_code", resp.Status),
		attribute.String("watchcache.cache", cacheStatus),
	)
	if len(resp.Data) > 0 {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.Status)
	if len(resp.Data) > 0 {
		if _, err := w.Write(resp.Data); err != nil {
			reqLogger.Error("api response write failed", slog.Any("error", err))
			return
		}
	}

	reqLogger.Info("gateway request completed",
		slog.String("method", r.Method),
		slog.String("path", path),
		slog.Int("http_status", resp.Status),
		slog.String("cache", cacheStatus),
		slog.Float64("latency_ms", float64(time.Since(start))/float64(time.Millisecond)),
	)
}

func (g *Gateway) mutate(w http.ResponseWriter, r *http.Request, path string) (*apiclient.Response, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.maxRequestBytes))
	if err != nil {
		return nil, err
	}
	req := apiclient.Request{Method: r.Method, Path: path, Query: r.URL.Query()}
	if len(strings.TrimSpace(string(body))) > 0 {
		req.Body = json.RawMessage(body)
	}

	var resp *apiclient.Response
	if r.Method == http.MethodPost {
		resp, err = g.client.Do(r.Context(), req)
	} else {
		resp, err = g.client.DoWithRetry(r.Context(), req)
	}
	if err != nil {
		return nil, err
	}
	g.invalidate(r.Context(), path)
	return resp, nil
}

// invalidate drops every cached entry of the mutated resource collection.
func (g *Gateway) invalidate(ctx context.Context, path string) {
	store := g.client.Cache()
	if store == nil {
		return
	}
	root := resourceRoot(path)
	removed := store.DeletePrefix(ctx, root)
	g.logger.Debug("cache invalidated after mutation", slog.String("prefix", root), slog.Int("removed", removed))
}

// ServeHealth reports the gateway status together with the upstream probe.
func (g *Gateway) ServeHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":     "ok",
		"upstream":   g.client.HealthCheck(r.Context()),
		"observedAt": time.Now().UTC(),
	}
	if store := g.client.Cache(); store != nil {
		status["cacheEntries"] = len(store.Keys(r.Context()))
	}
	g.writeJSON(w, http.StatusOK, status)
}

// ServeCacheKeys lists cached keys, optionally filtered by the prefix query parameter.
func (g *Gateway) ServeCacheKeys(w http.ResponseWriter, r *http.Request) {
	store := g.client.Cache()
	keys := []string{}
	if store != nil {
		if found := store.KeysWithPrefix(r.Context(), r.URL.Query().Get("prefix")); found != nil {
			keys = found
		}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// ServeCacheClear empties the response cache.
func (g *Gateway) ServeCacheClear(w http.ResponseWriter, r *http.Request) {
	if store := g.client.Cache(); store != nil {
		store.ClearAll(r.Context())
	}
	w.WriteHeader(http.StatusNoContent)
}

// ServeLogout forgets the session token and the cache.
func (g *Gateway) ServeLogout(w http.ResponseWriter, r *http.Request) {
	if err := g.client.Logout(r.Context()); err != nil {
		g.logger.Error("logout failed", slog.Any("error", err))
		g.WriteError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WriteError emits a JSON error payload for requests the gateway rejects itself.
func (g *Gateway) WriteError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	g.writeJSON(w, status, map[string]any{"error": message})
}

// writeFailure renders an upstream failure and returns the HTTP status used.
func (g *Gateway) writeFailure(w http.ResponseWriter, err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		g.WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return http.StatusRequestEntityTooLarge
	}
	f, ok := apiclient.AsFailure(err)
	if !ok {
		f = &apiclient.Failure{
			Kind:        apiclient.KindUnknown,
			UserMessage: apiclient.Classify("", "", 0, nil, nil).UserMessage,
			Err:         err,
		}
	}
	status := failureStatus(f)
	g.writeJSON(w, status, map[string]any{
		"kind":    f.Kind,
		"message": f.UserMessage,
		"status":  f.Status,
	})
	return status
}

func failureStatus(f *apiclient.Failure) int {
	switch f.Kind {
	case apiclient.KindTimeout:
		return http.StatusGatewayTimeout
	case apiclient.KindNetworkUnreachable:
		return http.StatusBadGateway
	case apiclient.KindRateLimited:
		return http.StatusTooManyRequests
	case apiclient.KindClientError, apiclient.KindServerError:
		if f.Status >= 400 && f.Status <= 599 {
			return f.Status
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		g.logger.Error("response encode failed", slog.Any("error", err))
	}
}

func (g *Gateway) requestCorrelationID(r *http.Request) string {
	if r != nil && g.correlationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(g.correlationHeader)); candidate != "" {
			return candidate
		}
	}
	return uuid.NewString()
}

func cacheHeader(resp *apiclient.Response) string {
	switch {
	case resp.IsStale:
		return CacheStale
	case resp.FromCache:
		return CacheHit
	default:
		return CacheMiss
	}
}

// upstreamPath strips APIPrefix; "/api/movies/3" becomes "/movies/3".
func upstreamPath(path string) string {
	trimmed := strings.TrimPrefix(path, APIPrefix)
	if trimmed == "" || trimmed[0] != '/' {
		trimmed = "/" + trimmed
	}
	return trimmed
}

// resourceRoot returns the first path segment, "/movies/3/cast" -> "/movies".
func resourceRoot(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[:i]
	}
	return "/" + trimmed
}
