package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
)

type corsMiddleware struct {
	Base
	allowOrigins     []string
	allowMethods     string
	allowHeaders     string
	exposeHeaders    string
	allowCredentials bool
	maxAge           string
}

func buildCORS(name string, config map[string]any, _ Deps) (Middleware, error) {
	m := &corsMiddleware{
		Base:             NewBase(name),
		allowOrigins:     stringSliceOpt(config, "allow_origins"),
		allowMethods:     strings.Join(orDefault(stringSliceOpt(config, "allow_methods"), []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}), ", "),
		allowHeaders:     strings.Join(stringSliceOpt(config, "allow_headers"), ", "),
		exposeHeaders:    strings.Join(stringSliceOpt(config, "expose_headers"), ", "),
		allowCredentials: boolOpt(config, "allow_credentials", false),
	}
	if age := intOpt(config, "max_age", 0); age > 0 {
		m.maxAge = strconv.Itoa(age)
	}
	if len(m.allowOrigins) == 0 {
		m.allowOrigins = []string{"*"}
	}
	return m, nil
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

func (m *corsMiddleware) PreRequest(ctx context.Context, r *http.Request) (context.Context, PreResult) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return ctx, PreResult{Verdict: Continue}
	}
	if !m.originAllowed(origin) {
		return ctx, PreResult{Verdict: Continue}
	}

	if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
		h := http.Header{}
		m.applyHeaders(h, origin)
		h.Set("Access-Control-Allow-Methods", m.allowMethods)
		if m.allowHeaders != "" {
			h.Set("Access-Control-Allow-Headers", m.allowHeaders)
		}
		if m.maxAge != "" {
			h.Set("Access-Control-Max-Age", m.maxAge)
		}
		return ctx, PreResult{Verdict: ShortCircuit, Response: &ShortCircuitResponse{StatusCode: http.StatusNoContent, Headers: h}}
	}

	return context.WithValue(ctx, corsOriginKey{}, origin), PreResult{Verdict: Continue}
}

type corsOriginKey struct{}

func (m *corsMiddleware) PostResponse(ctx context.Context, _ *http.Request, resp *http.Response) *http.Response {
	origin, ok := ctx.Value(corsOriginKey{}).(string)
	if !ok || resp == nil {
		return resp
	}
	m.applyHeaders(resp.Header, origin)
	if m.exposeHeaders != "" {
		resp.Header.Set("Access-Control-Expose-Headers", m.exposeHeaders)
	}
	return resp
}

func (m *corsMiddleware) applyHeaders(h http.Header, origin string) {
	if containsString(m.allowOrigins, "*") && !m.allowCredentials {
		h.Set("Access-Control-Allow-Origin", "*")
	} else {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Vary", "Origin")
	}
	if m.allowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
}

func (m *corsMiddleware) originAllowed(origin string) bool {
	for _, o := range m.allowOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
