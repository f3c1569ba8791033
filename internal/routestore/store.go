// Package routestore holds the authoritative set of routes and hands out
// immutable, versioned snapshots to the Router. It is the leaf dependency
// everything else in the data plane builds on.
package routestore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/l8e-harbor/harbor/internal/routespec"
)

// ErrInvalidRouteSet is returned by Apply when the proposed snapshot fails
// validation as a whole.
var ErrInvalidRouteSet = errors.New("invalid route set")

// Version is a monotonically increasing token issued on every successful
// commit.
type Version uint64

// Snapshot is an immutable, versioned set of routes. Once published, a
// Snapshot is never mutated; a new edit produces a new Snapshot.
type Snapshot struct {
	Version Version
	Routes  []routespec.Route
}

// Store provides an atomic, consistent view of all routes and notifies
// watchers on change. Implementations must serialize Apply: at most one
// Apply call executes at a time.
type Store interface {
	// List returns the current snapshot. O(routes) — callers get a
	// reference, not a copy of the underlying slice, so they must treat it
	// as read-only.
	List() Snapshot

	// Watch returns a channel that emits every successfully committed
	// snapshot. The channel is never closed.
	// Slow consumers only ever see the latest snapshot: sends are
	// non-blocking and coalescing, so no consumer can stall a writer.
	Watch() <-chan Snapshot

	// Apply validates the given routes as a complete replacement set and,
	// if valid, publishes a new snapshot and returns its version.
	Apply(routes []routespec.Route) (Version, error)
}

// Build validates a full candidate route set and returns it sorted into
// deterministic dispatch order (lowest priority, then lowest id). It is the
// one place invariants from the specification's Data Model section are
// enforced: route ids matching the id pattern, unique route ids,
// resolvable middleware names, and compilable matcher regexes.
func Build(routes []routespec.Route, knownMiddleware func(name string) bool) ([]routespec.Route, error) {
	out := make([]routespec.Route, len(routes))
	copy(out, routes)

	seen := make(map[string]bool, len(out))
	for i := range out {
		if err := out[i].Validate(knownMiddleware); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRouteSet, err)
		}
		if seen[out[i].ID] {
			return nil, fmt.Errorf("%w: duplicate route id %q", ErrInvalidRouteSet, out[i].ID)
		}
		seen[out[i].ID] = true
	}

	routespec.SortKey(out)
	return out, nil
}

// base implements the snapshot-swap and watch-fanout machinery shared by
// every driver. Drivers embed it and supply their own persistence for
// Apply.
type base struct {
	mu       sync.Mutex // serializes Apply
	current  *Snapshot
	watchers []chan Snapshot
	watchMu  sync.Mutex
}

func newBase() *base {
	return &base{current: &Snapshot{Version: 0, Routes: nil}}
}

func (b *base) List() Snapshot {
	b.watchMu.Lock()
	defer b.watchMu.Unlock()
	return *b.current
}

func (b *base) Watch() <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	b.watchMu.Lock()
	cur := *b.current
	b.watchers = append(b.watchers, ch)
	b.watchMu.Unlock()
	ch <- cur
	return ch
}

// publish installs a new snapshot and notifies watchers without blocking.
func (b *base) publish(routes []routespec.Route, version Version) Snapshot {
	snap := Snapshot{Version: version, Routes: routes}

	b.watchMu.Lock()
	b.current = &snap
	for _, ch := range b.watchers {
		select {
		case ch <- snap:
		default:
			// Slow consumer: drain the stale value, then push the latest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
	b.watchMu.Unlock()

	return snap
}

func (b *base) nextVersion() Version {
	b.watchMu.Lock()
	defer b.watchMu.Unlock()
	return b.current.Version + 1
}
