package middleware

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/l8e-harbor/harbor/internal/authadapter"
)

type ctxKey int

const ctxKeyIdentity ctxKey = iota

// IdentityFromContext returns the authenticated identity attached by the
// auth middleware, if any.
func IdentityFromContext(ctx context.Context) (authadapter.Identity, bool) {
	id, ok := ctx.Value(ctxKeyIdentity).(authadapter.Identity)
	return id, ok
}

type authConfig struct {
	RequireAuth         bool
	RequireRole         []string
	AllowAnonymousPaths []*regexp.Regexp
	PathRoles           map[*regexp.Regexp][]string
	AdapterName         string
}

type authMiddleware struct {
	Base
	cfg     authConfig
	adapter authadapter.Adapter
}

func buildAuth(name string, config map[string]any, deps Deps) (Middleware, error) {
	cfg := authConfig{RequireAuth: true}
	cfg.AdapterName = stringOpt(config, "adapter", "default")

	if v, ok := config["require_auth"].(bool); ok {
		cfg.RequireAuth = v
	}
	cfg.RequireRole = stringSliceOpt(config, "require_role")

	for _, p := range stringSliceOpt(config, "allow_anonymous_paths") {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("allow_anonymous_paths: invalid pattern %q: %w", p, err)
		}
		cfg.AllowAnonymousPaths = append(cfg.AllowAnonymousPaths, re)
	}

	cfg.PathRoles = map[*regexp.Regexp][]string{}
	if raw, ok := config["path_roles"].(map[string]any); ok {
		for pattern, rolesRaw := range raw {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("path_roles: invalid pattern %q: %w", pattern, err)
			}
			var roles []string
			if rs, ok := rolesRaw.([]any); ok {
				for _, r := range rs {
					if s, ok := r.(string); ok {
						roles = append(roles, s)
					}
				}
			}
			cfg.PathRoles[re] = roles
		}
	}

	if deps.Auth == nil || !deps.Auth.Known(cfg.AdapterName) {
		return nil, fmt.Errorf("auth adapter %q is not registered", cfg.AdapterName)
	}
	adapter, err := deps.Auth.Build(cfg.AdapterName, config)
	if err != nil {
		return nil, fmt.Errorf("build auth adapter %q: %w", cfg.AdapterName, err)
	}

	return &authMiddleware{Base: NewBase(name), cfg: cfg, adapter: adapter}, nil
}

func (m *authMiddleware) PreRequest(ctx context.Context, r *http.Request) (context.Context, PreResult) {
	for _, re := range m.cfg.AllowAnonymousPaths {
		if re.MatchString(r.URL.Path) {
			return ctx, PreResult{Verdict: Continue}
		}
	}

	identity, err := m.adapter.Authenticate(r.Header, r.Cookies())
	if err != nil {
		if !m.cfg.RequireAuth {
			return ctx, PreResult{Verdict: Continue}
		}
		return ctx, unauthorized(401, "unauthenticated")
	}

	ctx = context.WithValue(ctx, ctxKeyIdentity, identity)

	required := m.cfg.RequireRole
	for re, roles := range m.cfg.PathRoles {
		if re.MatchString(r.URL.Path) {
			required = roles
			break
		}
	}
	if len(required) > 0 && !containsString(required, identity.Role) {
		return ctx, unauthorized(403, "forbidden")
	}

	return ctx, PreResult{Verdict: Continue}
}

func unauthorized(code int, msg string) PreResult {
	return PreResult{
		Verdict: ShortCircuit,
		Response: &ShortCircuitResponse{
			StatusCode: code,
			Headers:    http.Header{"Content-Type": []string{"application/json"}},
			Body:       []byte(fmt.Sprintf(`{"error":%q}`, msg)),
		},
	}
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
