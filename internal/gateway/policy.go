package gateway

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/l0p7/watchcache/internal/apiclient"
	"github.com/l0p7/watchcache/internal/config"
	"github.com/l0p7/watchcache/internal/expr"
)

// policy is a compiled cache policy. An empty when matches every request.
type policy struct {
	name      string
	when      *expr.Program
	ttl       time.Duration
	skipCache bool
}

func compilePolicies(defs []config.PolicyConfig, ttls config.CacheTTLConfig) ([]policy, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	out := make([]policy, 0, len(defs))
	for i, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			name = fmt.Sprintf("policy-%d", i)
		}
		ttl, err := ttls.Resolve(def.TTL)
		if err != nil {
			return nil, fmt.Errorf("gateway: policy %q: %w", name, err)
		}
		p := policy{name: name, ttl: ttl, skipCache: def.SkipCache}
		if strings.TrimSpace(def.When) != "" {
			program, err := env.Compile(def.When)
			if err != nil {
				return nil, fmt.Errorf("gateway: policy %q: %w", name, err)
			}
			p.when = &program
		}
		out = append(out, p)
	}
	return out, nil
}

// getOptions picks the first matching policy. Evaluation errors are logged
// and treated as no match.
func (g *Gateway) getOptions(logger *slog.Logger, method, path string, query url.Values) (apiclient.GetOptions, string) {
	opts := apiclient.GetOptions{Params: query}
	if len(g.policies) == 0 {
		return opts, ""
	}
	vars := map[string]any{
		"method": method,
		"path":   path,
		"query":  firstValues(query),
	}
	for _, p := range g.policies {
		if p.when != nil {
			ok, err := p.when.EvalBool(vars)
			if err != nil {
				logger.Warn("cache policy evaluation failed", slog.String("policy", p.name), slog.Any("error", err))
				continue
			}
			if !ok {
				continue
			}
		}
		opts.CacheTTL = p.ttl
		opts.SkipCache = p.skipCache
		return opts, p.name
	}
	return opts, ""
}

func firstValues(query url.Values) map[string]string {
	out := make(map[string]string, len(query))
	for key, values := range query {
		if len(values) > 0 {
			out[key] = values[0]
		}
	}
	return out
}
