// Package gateway wires the Route Store, Router, Middleware Pipeline,
// Backend Selector, Health Prober, Circuit Breaker, Retry Engine, and HTTP
// Forwarder into a single http.Handler. It owns the process-wide admission
// semaphore and the background loop that rebuilds per-route runtime state
// every time the Route Store publishes a new snapshot.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/l8e-harbor/harbor/internal/backend"
	"github.com/l8e-harbor/harbor/internal/circuitbreaker"
	"github.com/l8e-harbor/harbor/internal/forwarder"
	"github.com/l8e-harbor/harbor/internal/health"
	"github.com/l8e-harbor/harbor/internal/middleware"
	"github.com/l8e-harbor/harbor/internal/observability"
	"github.com/l8e-harbor/harbor/internal/retry"
	"github.com/l8e-harbor/harbor/internal/router"
	"github.com/l8e-harbor/harbor/internal/routespec"
	"github.com/l8e-harbor/harbor/internal/routestore"
)

// routeRuntime is the per-route working set rebuilt on every snapshot.
type routeRuntime struct {
	route    *routespec.Route
	selector *backend.Selector
	pipeline *middleware.Pipeline
	engine   *retry.Engine
}

// Gateway is the core data-plane http.Handler.
type Gateway struct {
	sinks      *observability.Sinks
	store      routestore.Store
	mwRegistry *middleware.Registry
	backends   *backend.Table
	prober     *health.Prober
	breakers   *circuitbreaker.Registry
	fwd        *forwarder.Forwarder

	admission chan struct{}

	mu       sync.RWMutex
	index    *router.Index
	runtimes map[string]*routeRuntime // keyed by route id
}

// New builds a Gateway and performs the initial runtime build from the
// store's current snapshot. Call Run to start consuming future snapshots.
func New(store routestore.Store, mwRegistry *middleware.Registry, fwd *forwarder.Forwarder, sinks *observability.Sinks, maxInFlight int) *Gateway {
	if maxInFlight <= 0 {
		maxInFlight = 10000
	}
	backends := backend.NewTable()
	g := &Gateway{
		sinks:      sinks,
		store:      store,
		mwRegistry: mwRegistry,
		backends:   backends,
		prober:     health.New(backends, sinks.Log),
		breakers:   circuitbreaker.NewRegistry(),
		fwd:        fwd,
		admission:  make(chan struct{}, maxInFlight),
		runtimes:   make(map[string]*routeRuntime),
	}
	g.rebuild(store.List())
	return g
}

// Run consumes snapshots from the store until ctx is canceled, rebuilding
// routing state on every change.
func (g *Gateway) Run(ctx context.Context) {
	watch := g.store.Watch()
	for {
		select {
		case <-ctx.Done():
			g.prober.StopAll()
			return
		case snap, ok := <-watch:
			if !ok {
				return
			}
			g.rebuild(snap)
		}
	}
}

func (g *Gateway) rebuild(snap routestore.Snapshot) {
	runtimes := make(map[string]*routeRuntime, len(snap.Routes))
	keepBackends := make(map[string]bool)
	keepAuthorities := make(map[string]bool)
	keepBreakerKeys := make(map[string]bool)

	for i := range snap.Routes {
		rt := &snap.Routes[i]

		refs := make([]middleware.MiddlewareRefLike, len(rt.Middleware))
		for j, m := range rt.Middleware {
			refs[j] = middleware.MiddlewareRefLike{Name: m.Name, Config: m.Config}
		}
		chain, err := g.mwRegistry.Build(refs)
		if err != nil {
			if g.sinks.Log != nil {
				g.sinks.Log.Errorw("skipping route: middleware build failed", "route", rt.ID, "err", err)
			}
			continue
		}

		sel := backend.NewSelector(rt, g.backends)
		eng := retry.New(rt, sel, g.breakers, g.fwd)
		runtimes[rt.ID] = &routeRuntime{
			route:    rt,
			selector: sel,
			pipeline: middleware.NewPipeline(chain),
			engine:   eng,
		}

		for _, b := range rt.Backends {
			keepBackends[b.URL] = true
			if authority, err := forwarder.Authority(b.URL); err == nil {
				keepAuthorities[authority] = true
			}
			keepBreakerKeys[rt.ID+"|"+b.URL] = true
		}
	}

	idx := router.NewIndex(snap)

	g.mu.Lock()
	g.index = idx
	g.runtimes = runtimes
	g.mu.Unlock()

	g.backends.Prune(keepBackends)
	g.fwd.Prune(keepAuthorities)
	g.breakers.Prune(keepBreakerKeys)
	g.prober.Sync(snap.Routes)

	if g.sinks.Metrics != nil {
		g.sinks.Metrics.RoutesTotal.Set(float64(len(snap.Routes)))
	}
}

// ServeHTTP implements the request control flow: admission → match → pipeline
// pre-request → retry loop → pipeline post-response → response to client.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case g.admission <- struct{}{}:
		defer func() { <-g.admission }()
	default:
		writeError(w, r, http.StatusServiceUnavailable, "overloaded")
		return
	}

	if g.sinks.Metrics != nil {
		g.sinks.Metrics.ActiveConnections.Inc()
		defer g.sinks.Metrics.ActiveConnections.Dec()
	}

	g.mu.RLock()
	idx := g.index
	runtimes := g.runtimes
	g.mu.RUnlock()

	matched, err := idx.Match(r)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "no route matched")
		return
	}
	rt, ok := runtimes[matched.ID]
	if !ok {
		writeError(w, r, http.StatusServiceUnavailable, "route not ready")
		return
	}

	sw := middleware.NewStatusWriter(w)
	g.serveRoute(sw, r, rt)

	if g.sinks.Metrics != nil {
		g.sinks.Metrics.RequestsTotal.WithLabelValues(rt.route.ID, r.Method, fmt.Sprintf("%d", sw.Status)).Inc()
	}
}

func (g *Gateway) serveRoute(w *middleware.StatusWriter, r *http.Request, rt *routeRuntime) {
	start := time.Now()
	ctx, outcome := rt.pipeline.RunPreRequest(r.Context(), r)
	r = r.WithContext(ctx)

	switch outcome.Verdict {
	case middleware.ShortCircuit:
		g.writeShortCircuit(w, r, rt, outcome)
		return
	case middleware.Fail:
		g.writeFailure(w, r, rt, outcome.Err)
		return
	}

	ctx, cancel := requestTimeout(r)
	defer cancel()

	result := rt.engine.Run(ctx, r)
	if g.sinks.Metrics != nil {
		g.sinks.Metrics.RequestDuration.WithLabelValues(rt.route.ID, r.Method).Observe(time.Since(start).Seconds())
	}

	if result.Response == nil {
		status := result.ClientStatus
		if status == 0 {
			status = http.StatusBadGateway
		}
		if g.sinks.Log != nil {
			g.sinks.Log.Warnw("upstream attempt failed", "route", rt.route.ID, "outcome", result.Outcome.String(), "attempts", len(result.Attempts))
		}
		writeError(w, r, status, "upstream request failed")
		return
	}

	resp := rt.pipeline.RunPostResponse(r.Context(), r, result.Response, outcome)
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	n, _ := forwarder.CopyWithIdleTimeout(r.Context(), w, resp.Body, idleTimeout(rt.route))
	if g.sinks.Metrics != nil {
		g.sinks.Metrics.ResponseSize.WithLabelValues(rt.route.ID).Observe(float64(n))
	}
}

func (g *Gateway) writeShortCircuit(w *middleware.StatusWriter, r *http.Request, rt *routeRuntime, outcome middleware.Outcome) {
	sc := outcome.Response
	resp := syntheticResponse(sc)
	resp = rt.pipeline.RunPostResponse(r.Context(), r, resp, outcome)
	writeSynthetic(w, resp)
}

func (g *Gateway) writeFailure(w *middleware.StatusWriter, r *http.Request, rt *routeRuntime, err error) {
	if sc := rt.pipeline.RunOnError(r.Context(), r, err); sc != nil {
		writeSynthetic(w, syntheticResponse(sc))
		return
	}
	if g.sinks.Log != nil {
		g.sinks.Log.Errorw("middleware pre-request failed", "route", rt.route.ID, "err", err)
	}
	writeError(w, r, http.StatusInternalServerError, "internal server error")
}

func syntheticResponse(sc *middleware.ShortCircuitResponse) *http.Response {
	return &http.Response{
		StatusCode: sc.StatusCode,
		Header:     sc.Headers.Clone(),
		Body:       io.NopCloser(bytes.NewReader(sc.Body)),
	}
}

func requestTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	if v := r.Header.Get("X-Request-Timeout-Ms"); v != "" {
		if ms, err := parsePositiveInt(v); err == nil {
			return context.WithTimeout(r.Context(), time.Duration(ms)*time.Millisecond)
		}
	}
	return context.WithCancel(r.Context())
}

func idleTimeout(rt *routespec.Route) time.Duration {
	return time.Duration(rt.TimeoutMs) * time.Millisecond
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func writeSynthetic(w *middleware.StatusWriter, resp *http.Response) {
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = forwarder.CopyWithIdleTimeout(context.Background(), w, resp.Body, 0)
	resp.Body.Close()
}

// errorBody is the JSON document returned on every error response: no
// internal details leaked, per the specification's error handling design.
type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := errorBody{Error: msg, RequestID: r.Header.Get("X-Request-Id")}
	_ = json.NewEncoder(w).Encode(body)
}

var errBadDuration = errors.New("invalid X-Request-Timeout-Ms")

func parsePositiveInt(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, errBadDuration
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errBadDuration
		}
		n = n*10 + int(c-'0')
	}
	if n <= 0 {
		return 0, errBadDuration
	}
	return n, nil
}
