// Package health runs one long-lived active probe task per backend that
// declares a health_check, driving the backend's UP/DOWN state machine in
// package backend. Probe failures never feed the circuit breaker directly —
// only real traffic does, per the specification.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/l8e-harbor/harbor/internal/backend"
	"github.com/l8e-harbor/harbor/internal/routespec"
	"go.uber.org/zap"
)

// Prober manages one goroutine per probed backend.
type Prober struct {
	table *backend.Table
	log   *zap.SugaredLogger

	mu    sync.Mutex
	tasks map[string]context.CancelFunc // keyed by backend URL
}

// New constructs a Prober. Call Sync with the current snapshot's backends
// to start/stop probe tasks; Sync is also how backends get removed.
func New(table *backend.Table, log *zap.SugaredLogger) *Prober {
	return &Prober{table: table, log: log, tasks: make(map[string]context.CancelFunc)}
}

// backendEntry pairs a backend URL with the health_check config from
// whichever route most recently referenced it. Multiple routes referencing
// the same backend URL are expected to agree on its health_check; the last
// one observed during Sync wins, which is acceptable because health state
// is shared process-wide per URL, not per route.
type backendEntry struct {
	url   string
	check *routespec.HealthCheck
}

// Sync starts a probe task for every new backend with a health_check,
// leaves existing tasks alone, and cancels tasks for backends no longer
// present in any route.
func (p *Prober) Sync(routes []routespec.Route) {
	entries := map[string]backendEntry{}
	for _, r := range routes {
		for _, b := range r.Backends {
			entries[b.URL] = backendEntry{url: b.URL, check: b.HealthCheck}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for url, entry := range entries {
		if _, running := p.tasks[url]; running {
			continue
		}
		if entry.check == nil {
			// No health_check configured: treated as permanently healthy.
			p.table.GetOrCreate(url, 0).SetHealth(backend.Up)
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		p.tasks[url] = cancel
		st := p.table.GetOrCreate(url, 0)
		go p.runWithRestart(ctx, st, *entry.check)
	}

	keep := make(map[string]bool, len(entries))
	for url := range entries {
		keep[url] = true
	}
	for url, cancel := range p.tasks {
		if !keep[url] {
			cancel()
			delete(p.tasks, url)
		}
	}
	for _, url := range p.table.Prune(keep) {
		if p.log != nil {
			p.log.Debugw("pruned backend state for removed backend", "url", url)
		}
	}
}

// StopAll cancels every running probe task.
func (p *Prober) StopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for url, cancel := range p.tasks {
		cancel()
		delete(p.tasks, url)
	}
}

// runWithRestart runs the probe loop and, if it panics, restarts it with
// bounded exponential backoff rather than letting one bad backend take down
// monitoring of every backend.
func (p *Prober) runWithRestart(ctx context.Context, st *backend.State, check routespec.HealthCheck) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil && p.log != nil {
					p.log.Errorw("health probe task panicked, restarting", "url", st.URL, "panic", rec)
				}
			}()
			p.run(ctx, st, check)
		}()
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (p *Prober) run(ctx context.Context, st *backend.State, check routespec.HealthCheck) {
	interval := time.Duration(check.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timeout := time.Duration(check.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	healthyThreshold := check.HealthyThreshold
	if healthyThreshold <= 0 {
		healthyThreshold = 2
	}
	unhealthyThreshold := check.UnhealthyThreshold
	if unhealthyThreshold <= 0 {
		unhealthyThreshold = 3
	}
	expected := check.ExpectedStatus
	if len(expected) == 0 {
		expected = []int{200}
	}

	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	probe := func() {
		ok := p.probeOnce(ctx, client, st.URL, check, timeout, expected)
		p.record(st, ok, int32(healthyThreshold), int32(unhealthyThreshold))
	}

	probe() // immediate probe on start, don't wait a full interval
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

func (p *Prober) probeOnce(ctx context.Context, client *http.Client, baseURL string, check routespec.HealthCheck, timeout time.Duration, expected []int) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+check.Path, nil)
	if err != nil {
		return false
	}
	for k, v := range check.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	for _, code := range expected {
		if resp.StatusCode == code {
			return true
		}
	}
	return false
}

func (p *Prober) record(st *backend.State, ok bool, healthyThreshold, unhealthyThreshold int32) {
	prev := st.Health()
	if ok {
		streak := st.RecordProbeSuccess()
		if (prev == backend.Unknown || prev == backend.Down) && streak >= healthyThreshold {
			st.SetHealth(backend.Up)
			if p.log != nil {
				p.log.Infow("backend became healthy", "url", st.URL)
			}
		}
		return
	}
	streak := st.RecordProbeFailure()
	if (prev == backend.Unknown || prev == backend.Up) && streak >= unhealthyThreshold {
		st.SetHealth(backend.Down)
		if p.log != nil {
			p.log.Warnw("backend became unhealthy", "url", st.URL)
		}
	}
}
