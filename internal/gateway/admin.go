package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/l8e-harbor/harbor/internal/backend"
)

// RegisterAdminHandlers mounts the liveness/readiness/detailed-health and
// metrics-scrape endpoints on mux. These run on the admin listener, never
// behind the proxy's own middleware pipeline.
func (g *Gateway) RegisterAdminHandlers(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/ready", g.handleReady)
	mux.HandleFunc("/health/detailed", g.handleHealthDetailed)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleReady reports 200 iff the Route Store has produced at least one
// snapshot. The core has no critical adapter of its own to poll; adapters
// plugged in by the embedding program are expected to report through their
// own readiness hooks, external to this core per the specification's scope.
func (g *Gateway) handleReady(w http.ResponseWriter, _ *http.Request) {
	g.mu.RLock()
	idx := g.index
	g.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if idx == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "not_ready", "reason": "no route snapshot yet"})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

type backendHealthReport struct {
	URL      string `json:"url"`
	Health   string `json:"health"`
	InFlight int64  `json:"in_flight"`
}

type detailedHealthReport struct {
	RouteCount int                    `json:"route_count"`
	Backends   []backendHealthReport  `json:"backends"`
}

func (g *Gateway) handleHealthDetailed(w http.ResponseWriter, _ *http.Request) {
	g.mu.RLock()
	runtimes := g.runtimes
	g.mu.RUnlock()

	report := detailedHealthReport{RouteCount: len(runtimes)}
	for _, st := range g.backends.All() {
		report.Backends = append(report.Backends, backendHealthReport{
			URL:      st.URL,
			Health:   healthString(st),
			InFlight: st.InFlight(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(report)
}

func healthString(st *backend.State) string {
	return st.Health().String()
}
