package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l8e-harbor/harbor/internal/routespec"
	"github.com/l8e-harbor/harbor/internal/routestore"
)

func mustRoute(t *testing.T, id, path string, priority int) routespec.Route {
	t.Helper()
	r := routespec.Route{
		ID:       id,
		Path:     path,
		Priority: priority,
		Backends: []routespec.Backend{{URL: "http://backend.invalid"}},
	}
	require.NoError(t, r.Validate(nil))
	return r
}

func TestIndexMatch_PriorityThenID(t *testing.T) {
	routes := []routespec.Route{
		mustRoute(t, "b-route", "/api", 5),
		mustRoute(t, "a-route", "/api", 5),
		mustRoute(t, "low-priority", "/api", 1),
	}
	idx := NewIndex(routestore.Snapshot{Version: 1, Routes: routes})

	req := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	m, err := idx.Match(req)
	require.NoError(t, err)
	assert.Equal(t, "low-priority", m.ID, "lowest priority must win regardless of declaration order")
}

func TestIndexMatch_TieBreaksOnID(t *testing.T) {
	routes := []routespec.Route{
		mustRoute(t, "zeta", "/api", 5),
		mustRoute(t, "alpha", "/api", 5),
	}
	idx := NewIndex(routestore.Snapshot{Version: 1, Routes: routes})

	req := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	m, err := idx.Match(req)
	require.NoError(t, err)
	assert.Equal(t, "alpha", m.ID)
}

func TestIndexMatch_LongerPrefixDoesNotImplicitlyWin(t *testing.T) {
	routes := []routespec.Route{
		mustRoute(t, "short", "/api", 1),
		mustRoute(t, "long", "/api/widgets", 2),
	}
	idx := NewIndex(routestore.Snapshot{Version: 1, Routes: routes})

	req := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	m, err := idx.Match(req)
	require.NoError(t, err)
	assert.Equal(t, "short", m.ID, "priority governs precedence, not prefix length")
}

func TestIndexMatch_NoRouteMatched(t *testing.T) {
	idx := NewIndex(routestore.Snapshot{Version: 1})
	req := httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	_, err := idx.Match(req)
	assert.ErrorIs(t, err, ErrNoRouteMatched)
}

func TestIndexMatch_MethodFiltering(t *testing.T) {
	r := mustRoute(t, "post-only", "/api", 1)
	r.Methods = []string{http.MethodPost}
	require.NoError(t, r.Validate(nil))

	idx := NewIndex(routestore.Snapshot{Version: 1, Routes: []routespec.Route{r}})

	getReq := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	_, err := idx.Match(getReq)
	assert.ErrorIs(t, err, ErrNoRouteMatched)

	postReq := httptest.NewRequest(http.MethodPost, "/api/x", nil)
	m, err := idx.Match(postReq)
	require.NoError(t, err)
	assert.Equal(t, "post-only", m.ID)
}

func TestIndexMatch_HeaderMatcher(t *testing.T) {
	r := mustRoute(t, "canary", "/api", 1)
	r.Matchers = []routespec.Matcher{{Source: routespec.MatchSourceHeader, Key: "X-Canary", Op: routespec.OpEquals, Value: "true"}}
	require.NoError(t, r.Validate(nil))

	idx := NewIndex(routestore.Snapshot{Version: 1, Routes: []routespec.Route{r}})

	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	_, err := idx.Match(req)
	assert.ErrorIs(t, err, ErrNoRouteMatched)

	req.Header.Set("X-Canary", "true")
	m, err := idx.Match(req)
	require.NoError(t, err)
	assert.Equal(t, "canary", m.ID)
}
