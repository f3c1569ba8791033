// Package circuitbreaker implements the per-(route, backend) failure-window
// state machine from the specification: CLOSED accepts all traffic and
// trips to OPEN when a tumbling window's failure rate crosses threshold;
// OPEN fast-fails until open_timeout_ms elapses, then allows a bounded
// number of concurrent HALF_OPEN probes; any probe failure reopens the
// circuit, and an all-success batch closes it with a fresh window.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/l8e-harbor/harbor/internal/routespec"
)

// ErrCircuitOpen is returned by Allow when the circuit is open or the
// half-open probe quota is exhausted.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	closed state = iota
	open
	halfOpen
)

func (s state) String() string {
	switch s {
	case open:
		return "open"
	case halfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker is one circuit breaker for a single (route, backend) pair.
type Breaker struct {
	cfg routespec.CircuitBreakerPolicy

	mu               sync.Mutex
	state            state
	openedAt         time.Time
	windowStartedAt  time.Time
	windowSuccesses  int
	windowFailures   int
	halfOpenOutstanding int
}

// New constructs a Breaker from policy. A disabled policy still returns a
// usable Breaker whose Allow always permits traffic.
func New(cfg routespec.CircuitBreakerPolicy) *Breaker {
	return &Breaker{cfg: cfg, state: closed, windowStartedAt: time.Now()}
}

// Allow reports whether a request may proceed. It also performs the
// OPEN → HALF_OPEN transition when open_timeout_ms has elapsed, and admits
// up to half_open_max_probes concurrent probes while HALF_OPEN.
func (b *Breaker) Allow() error {
	if !b.cfg.Enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollWindowIfExpired()

	switch b.state {
	case closed:
		return nil
	case open:
		if time.Since(b.openedAt) >= time.Duration(b.cfg.OpenTimeoutMs)*time.Millisecond {
			b.transition(halfOpen)
			b.halfOpenOutstanding++
			return nil
		}
		return ErrCircuitOpen
	case halfOpen:
		if b.halfOpenOutstanding < maxProbes(b.cfg) {
			b.halfOpenOutstanding++
			return nil
		}
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess must be called after a request the matching Allow()
// admitted completes without a classified failure.
func (b *Breaker) RecordSuccess() {
	if !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case closed:
		b.windowSuccesses++
		b.maybeTrip()
	case halfOpen:
		b.halfOpenOutstanding--
		b.windowSuccesses++
		if b.windowSuccesses+b.windowFailures >= maxProbes(b.cfg) && b.windowFailures == 0 {
			b.transition(closed)
		}
	}
}

// RecordFailure must be called after a request the matching Allow() admitted
// completes with a classified failure (see forwarder.Outcome.Success).
func (b *Breaker) RecordFailure() {
	if !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case closed:
		b.windowFailures++
		b.maybeTrip()
	case halfOpen:
		b.halfOpenOutstanding--
		b.windowFailures++
		b.transition(open)
	}
}

// State returns the current state name, for metrics and /health/detailed.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

// StateCode returns the gauge encoding from the specification's metric
// contract: 0=closed, 1=half-open, 2=open.
func (b *Breaker) StateCode() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case open:
		return 2
	case halfOpen:
		return 1
	default:
		return 0
	}
}

func (b *Breaker) rollWindowIfExpired() {
	if b.state != closed {
		return
	}
	windowDur := time.Duration(b.cfg.WindowMs) * time.Millisecond
	if windowDur <= 0 {
		return
	}
	if time.Since(b.windowStartedAt) >= windowDur {
		b.windowStartedAt = time.Now()
		b.windowSuccesses = 0
		b.windowFailures = 0
	}
}

func (b *Breaker) maybeTrip() {
	total := b.windowSuccesses + b.windowFailures
	if total < b.cfg.MinimumRequests {
		return
	}
	pct := b.windowFailures * 100 / total
	if pct >= b.cfg.FailureThresholdPercent {
		b.transition(open)
	}
}

func (b *Breaker) transition(s state) {
	b.state = s
	switch s {
	case open:
		b.openedAt = time.Now()
		b.windowSuccesses = 0
		b.windowFailures = 0
	case halfOpen:
		b.halfOpenOutstanding = 0
		b.windowSuccesses = 0
		b.windowFailures = 0
	case closed:
		b.windowStartedAt = time.Now()
		b.windowSuccesses = 0
		b.windowFailures = 0
		b.halfOpenOutstanding = 0
	}
}

func maxProbes(cfg routespec.CircuitBreakerPolicy) int {
	if cfg.HalfOpenMaxProbes <= 0 {
		return 1
	}
	return cfg.HalfOpenMaxProbes
}

// Registry holds one Breaker per (route, backend) key.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry constructs an empty breaker registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Get returns the Breaker for (routeID, backendURL), creating it from cfg
// on first use. Counters across different keys never contend: each key gets
// its own mutex-guarded Breaker.
func (r *Registry) Get(routeID, backendURL string, cfg routespec.CircuitBreakerPolicy) *Breaker {
	key := routeID + "|" + backendURL
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = New(cfg)
		r.breakers[key] = b
	}
	return b
}

// Prune removes breakers for keys not present in keep (route|backend pairs
// still referenced by the current snapshot).
func (r *Registry) Prune(keep map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.breakers {
		if !keep[key] {
			delete(r.breakers, key)
		}
	}
}
