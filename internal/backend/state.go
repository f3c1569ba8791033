// Package backend holds the per-backend runtime state table the Health
// Prober writes and the Selector reads, plus the weighted/sticky Selector
// itself. Backend runtime state is deliberately not attached to
// routespec.Backend: routes carry only configuration, and backend state
// lives in a side table keyed by URL so two routes sharing a backend share
// its health state too.
package backend

import (
	"sync"
	"sync/atomic"
	"time"
)

// Health is the backend's liveness classification.
type Health int32

const (
	Unknown Health = iota
	Up
	Down
)

func (h Health) String() string {
	switch h {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// State is one backend's runtime companion data. It is never persisted and
// is created on first use, destroyed when the backend no longer appears in
// any route.
type State struct {
	URL    string
	Weight int

	health             atomic.Int32
	consecutiveSuccess atomic.Int32
	consecutiveFailure atomic.Int32
	lastProbeAt        atomic.Int64 // unix nanos
	inFlight           atomic.Int64
}

func newState(url string, weight int) *State {
	s := &State{URL: url, Weight: weight}
	s.health.Store(int32(Unknown))
	return s
}

func (s *State) Health() Health             { return Health(s.health.Load()) }
func (s *State) SetHealth(h Health)         { s.health.Store(int32(h)) }
func (s *State) ConsecutiveSuccess() int32  { return s.consecutiveSuccess.Load() }
func (s *State) ConsecutiveFailure() int32  { return s.consecutiveFailure.Load() }
func (s *State) InFlight() int64            { return s.inFlight.Load() }
func (s *State) IncInFlight()               { s.inFlight.Add(1) }
func (s *State) DecInFlight()               { s.inFlight.Add(-1) }
func (s *State) LastProbeAt() time.Time {
	n := s.lastProbeAt.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// RecordProbeSuccess advances the success streak and resets the failure
// streak; the caller (package health) decides the resulting Health.
func (s *State) RecordProbeSuccess() int32 {
	s.lastProbeAt.Store(time.Now().UnixNano())
	s.consecutiveFailure.Store(0)
	return s.consecutiveSuccess.Add(1)
}

// RecordProbeFailure advances the failure streak and resets the success
// streak.
func (s *State) RecordProbeFailure() int32 {
	s.lastProbeAt.Store(time.Now().UnixNano())
	s.consecutiveSuccess.Store(0)
	return s.consecutiveFailure.Add(1)
}

// Table is the process-wide side table of backend runtime state, keyed by
// backend URL. Single-writer-per-key (the prober), many readers (selectors,
// metrics) — reads may observe slightly stale state, which the
// specification calls out as acceptable.
type Table struct {
	mu    sync.RWMutex
	byURL map[string]*State
}

// NewTable constructs an empty backend state table.
func NewTable() *Table {
	return &Table{byURL: make(map[string]*State)}
}

// GetOrCreate returns the existing State for url, creating one (starting in
// Unknown) if this is the first time the URL has been seen.
func (t *Table) GetOrCreate(url string, weight int) *State {
	t.mu.RLock()
	s, ok := t.byURL[url]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok = t.byURL[url]; ok {
		return s
	}
	s = newState(url, weight)
	t.byURL[url] = s
	return s
}

// Get returns the State for url, or nil if it hasn't been created yet.
func (t *Table) Get(url string) *State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byURL[url]
}

// Prune removes every tracked backend whose URL is not in keep. Returns the
// removed URLs, so callers (the health prober) can cancel their tasks.
func (t *Table) Prune(keep map[string]bool) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []string
	for url := range t.byURL {
		if !keep[url] {
			removed = append(removed, url)
			delete(t.byURL, url)
		}
	}
	return removed
}

// All returns every tracked backend's state, order unspecified.
func (t *Table) All() []*State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*State, 0, len(t.byURL))
	for _, s := range t.byURL {
		out = append(out, s)
	}
	return out
}
