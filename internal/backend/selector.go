package backend

import (
	"errors"
	"hash/fnv"
	"math/rand"
	"net/http"

	"github.com/l8e-harbor/harbor/internal/routespec"
)

// ErrNoHealthyBackend is returned when every candidate backend is DOWN.
var ErrNoHealthyBackend = errors.New("no healthy backend available")

// Selector chooses one backend per upstream attempt for a route, honoring
// health state, weights, and optional sticky sessions.
type Selector struct {
	route    *routespec.Route
	backends []routespec.Backend
	table    *Table
}

// NewSelector builds a Selector over one route's backend list. table is the
// shared runtime state side table; States for every backend are created
// eagerly so health-unaware callers (metrics, /health/detailed) see them
// immediately.
func NewSelector(route *routespec.Route, table *Table) *Selector {
	for _, b := range route.Backends {
		table.GetOrCreate(b.URL, b.Weight)
	}
	return &Selector{route: route, backends: route.Backends, table: table}
}

// Next picks a backend for one attempt. excluded names URLs already tried
// on earlier attempts of the same request; they are skipped as long as a
// healthy alternative exists.
func (s *Selector) Next(r *http.Request, excluded map[string]bool) (*State, error) {
	candidates := s.eligible(excluded)
	if len(candidates) == 0 {
		// No eligible backend excluding prior attempts: retry engine
		// allows re-trying the same backend rather than failing outright.
		candidates = s.eligible(nil)
	}
	if len(candidates) == 0 {
		return nil, ErrNoHealthyBackend
	}

	if s.route.StickySession && r != nil {
		if cookie, err := r.Cookie(s.route.SessionCookie); err == nil && cookie.Value != "" {
			if st := s.stickyPick(cookie.Value, candidates); st != nil {
				return st, nil
			}
		}
	}

	return s.weightedPick(candidates), nil
}

// eligible returns backends whose health is not Down, excluding any URL in
// excluded (nil/empty map excludes nothing). UNKNOWN counts as healthy: the
// specification treats it as healthy until the first probe completes, to
// avoid cold-start blackouts.
func (s *Selector) eligible(excluded map[string]bool) []*State {
	out := make([]*State, 0, len(s.backends))
	for _, b := range s.backends {
		if excluded != nil && excluded[b.URL] {
			continue
		}
		st := s.table.GetOrCreate(b.URL, b.Weight)
		if st.Health() != Down {
			out = append(out, st)
		}
	}
	return out
}

func (s *Selector) weightedPick(candidates []*State) *State {
	total := 0
	for _, st := range candidates {
		total += weightOf(st.Weight)
	}
	if total <= 0 {
		return candidates[rand.Intn(len(candidates))]
	}
	r := rand.Intn(total)
	cum := 0
	for _, st := range candidates {
		cum += weightOf(st.Weight)
		if r < cum {
			return st
		}
	}
	return candidates[len(candidates)-1]
}

// stickyPick resolves hash(cookie) mod total_weight deterministically. If
// the resolved backend isn't in candidates (e.g. it went DOWN), the caller
// falls back to weighted random.
func (s *Selector) stickyPick(cookieValue string, candidates []*State) *State {
	total := 0
	for _, b := range s.backends {
		total += weightOf(b.Weight)
	}
	if total == 0 {
		return nil
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(cookieValue))
	target := int(h.Sum32() % uint32(total))

	cum := 0
	var resolvedURL string
	for _, b := range s.backends {
		cum += weightOf(b.Weight)
		if target < cum {
			resolvedURL = b.URL
			break
		}
	}

	for _, st := range candidates {
		if st.URL == resolvedURL {
			return st
		}
	}
	return nil
}

func weightOf(w int) int {
	if w <= 0 {
		return 100
	}
	return w
}
