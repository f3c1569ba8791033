package middleware

import (
	"context"
	"net/http"
)

type securityHeadersMiddleware struct {
	Base
	headers       map[string]string
	removeHeaders []string
}

func buildSecurityHeaders(name string, config map[string]any, _ Deps) (Middleware, error) {
	return &securityHeadersMiddleware{
		Base:          NewBase(name),
		headers:       stringMapOpt(config, "headers"),
		removeHeaders: stringSliceOpt(config, "remove_headers"),
	}, nil
}

func (m *securityHeadersMiddleware) PreRequest(ctx context.Context, r *http.Request) (context.Context, PreResult) {
	return ctx, PreResult{Verdict: Continue}
}

func (m *securityHeadersMiddleware) PostResponse(_ context.Context, _ *http.Request, resp *http.Response) *http.Response {
	if resp == nil {
		return resp
	}
	for k, v := range m.headers {
		resp.Header.Set(k, v)
	}
	for _, k := range m.removeHeaders {
		resp.Header.Del(k)
	}
	return resp
}
