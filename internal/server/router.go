package server

import (
	"net/http"
	"strings"
)

// GatewayHTTP defines the surface the router dispatches to.
type GatewayHTTP interface {
	ServeAPI(http.ResponseWriter, *http.Request)
	ServeHealth(http.ResponseWriter, *http.Request)
	ServeCacheKeys(http.ResponseWriter, *http.Request)
	ServeCacheClear(http.ResponseWriter, *http.Request)
	ServeLogout(http.ResponseWriter, *http.Request)
	WriteError(http.ResponseWriter, int, string)
}

type route string

const (
	routeAPI        route = "api"
	routeHealth     route = "healthz"
	routeCacheKeys  route = "cache_keys"
	routeCacheClear route = "cache_clear"
	routeLogout     route = "logout"
)

// NewGatewayHandler owns URL dispatch so the gateway itself stays free of
// routing logic.
func NewGatewayHandler(g GatewayHTTP) http.Handler {
	if g == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gateway unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt, ok := parseRoute(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}

		switch rt {
		case routeAPI:
			g.ServeAPI(w, r)
		case routeHealth:
			if !allowMethod(w, r, g, http.MethodGet, http.MethodHead) {
				return
			}
			g.ServeHealth(w, r)
		case routeCacheKeys:
			if !allowMethod(w, r, g, http.MethodGet) {
				return
			}
			g.ServeCacheKeys(w, r)
		case routeCacheClear:
			if !allowMethod(w, r, g, http.MethodDelete) {
				return
			}
			g.ServeCacheClear(w, r)
		case routeLogout:
			if !allowMethod(w, r, g, http.MethodPost) {
				return
			}
			g.ServeLogout(w, r)
		}
	})
}

func allowMethod(w http.ResponseWriter, r *http.Request, g GatewayHTTP, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	g.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func parseRoute(path string) (route, bool) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "", false
	}
	parts := strings.Split(trimmed, "/")
	switch strings.ToLower(parts[0]) {
	case "api":
		return routeAPI, true
	case "health", "healthz":
		if len(parts) == 1 {
			return routeHealth, true
		}
	case "cache":
		switch {
		case len(parts) == 1:
			return routeCacheClear, true
		case len(parts) == 2 && strings.EqualFold(parts[1], "keys"):
			return routeCacheKeys, true
		}
	case "session":
		if len(parts) == 2 && strings.EqualFold(parts[1], "logout") {
			return routeLogout, true
		}
	}
	return "", false
}
