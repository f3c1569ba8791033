// Package router matches an incoming request against a route snapshot: the
// highest-priority route whose path prefix, method set, and matchers all
// hold, tie-broken by lowest id. A longer path prefix never implicitly
// wins — route authors control precedence with priority, by design.
package router

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/l8e-harbor/harbor/internal/routespec"
	"github.com/l8e-harbor/harbor/internal/routestore"
)

// ErrNoRouteMatched is returned when no route in the snapshot matches.
var ErrNoRouteMatched = errors.New("no route matched")

// Index holds a snapshot's routes pre-sorted by (priority, id). Match scans
// all of them linearly for path-prefix candidates, so the first candidate
// that also passes the method and matcher checks is already the correct
// answer.
type Index struct {
	routes []routespec.Route // sorted by (priority, id)
}

// NewIndex builds an Index from a snapshot. Routes are assumed already
// validated (routestore.Build does this before publishing).
func NewIndex(snap routestore.Snapshot) *Index {
	routes := make([]routespec.Route, len(snap.Routes))
	copy(routes, snap.Routes)
	routespec.SortKey(routes)
	return &Index{routes: routes}
}

// Match finds the matching route for r, or ErrNoRouteMatched.
func (ix *Index) Match(r *http.Request) (*routespec.Route, error) {
	candidates := ix.prefixCandidates(r.URL.Path)

	for i := range candidates {
		rt := candidates[i]
		if !rt.AllowsMethod(r.Method) {
			continue
		}
		if !matchersHold(rt, r) {
			continue
		}
		return rt, nil
	}
	return nil, ErrNoRouteMatched
}

// prefixCandidates returns every route whose Path is a prefix of path,
// already in (priority, id) order because ix.routes is.
func (ix *Index) prefixCandidates(path string) []*routespec.Route {
	out := make([]*routespec.Route, 0, 4)
	for i := range ix.routes {
		rt := &ix.routes[i]
		if strings.HasPrefix(path, rt.Path) {
			out = append(out, rt)
		}
	}
	// ix.routes is already sorted by (priority, id); filtering preserves
	// relative order, so out needs no further sort. The explicit sort below
	// is a defensive no-op guard against future refactors that might build
	// out from an unsorted source.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func matchersHold(rt *routespec.Route, r *http.Request) bool {
	for _, cm := range rt.CompiledMatchers() {
		value, found := lookup(cm.Matcher, r)
		if !routespec.MatchValue(cm, value, found) {
			return false
		}
	}
	return true
}

func lookup(m routespec.Matcher, r *http.Request) (string, bool) {
	switch m.Source {
	case routespec.MatchSourceHeader:
		v := r.Header.Get(m.Key)
		if v == "" {
			_, ok := r.Header[http.CanonicalHeaderKey(m.Key)]
			return v, ok
		}
		return v, true
	case routespec.MatchSourceQuery:
		values := r.URL.Query()
		if vs, ok := values[m.Key]; ok && len(vs) > 0 {
			return vs[0], true
		}
		return "", false
	default:
		return "", false
	}
}
