package middleware

import (
	"context"
	"net/http"
)

type headerRewriteMiddleware struct {
	Base
	set    map[string]string
	add    map[string]string
	remove []string
}

func buildHeaderRewrite(name string, config map[string]any, _ Deps) (Middleware, error) {
	return &headerRewriteMiddleware{
		Base:   NewBase(name),
		set:    stringMapOpt(config, "set"),
		add:    stringMapOpt(config, "add"),
		remove: stringSliceOpt(config, "remove"),
	}, nil
}

func (m *headerRewriteMiddleware) PreRequest(ctx context.Context, r *http.Request) (context.Context, PreResult) {
	for k, v := range m.set {
		r.Header.Set(k, v)
	}
	for k, v := range m.add {
		r.Header.Add(k, v)
	}
	for _, k := range m.remove {
		r.Header.Del(k)
	}
	return ctx, PreResult{Verdict: Continue}
}
