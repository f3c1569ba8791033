package backend

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l8e-harbor/harbor/internal/routespec"
)

func TestSelector_WeightedDistribution(t *testing.T) {
	route := &routespec.Route{
		ID: "weighted",
		Backends: []routespec.Backend{
			{URL: "http://light.invalid", Weight: 1},
			{URL: "http://heavy.invalid", Weight: 1000},
		},
	}
	table := NewTable()
	sel := NewSelector(route, table)

	const trials = 100_000
	counts := map[string]int{}
	for i := 0; i < trials; i++ {
		st, err := sel.Next(nil, nil)
		require.NoError(t, err)
		counts[st.URL]++
	}

	heavyShare := float64(counts["http://heavy.invalid"]) / float64(trials)
	// Expected share is 1000/1001 ~= 0.999; allow generous slack since this
	// is a statistical property, not an exact one.
	assert.Greater(t, heavyShare, 0.95, "heavily weighted backend should dominate selection")
}

func TestSelector_UnknownHealthCountsAsHealthy(t *testing.T) {
	route := &routespec.Route{
		ID:       "cold-start",
		Backends: []routespec.Backend{{URL: "http://fresh.invalid", Weight: 100}},
	}
	table := NewTable()
	sel := NewSelector(route, table)

	st, err := sel.Next(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Unknown, st.Health())
}

func TestSelector_ExcludesDownBackends(t *testing.T) {
	route := &routespec.Route{
		ID: "failover",
		Backends: []routespec.Backend{
			{URL: "http://down.invalid", Weight: 100},
			{URL: "http://up.invalid", Weight: 100},
		},
	}
	table := NewTable()
	sel := NewSelector(route, table)
	table.GetOrCreate("http://down.invalid", 100).SetHealth(Down)

	for i := 0; i < 20; i++ {
		st, err := sel.Next(nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "http://up.invalid", st.URL)
	}
}

func TestSelector_AllDownReturnsError(t *testing.T) {
	route := &routespec.Route{
		ID:       "all-down",
		Backends: []routespec.Backend{{URL: "http://down.invalid", Weight: 100}},
	}
	table := NewTable()
	sel := NewSelector(route, table)
	table.GetOrCreate("http://down.invalid", 100).SetHealth(Down)

	_, err := sel.Next(nil, nil)
	assert.ErrorIs(t, err, ErrNoHealthyBackend)
}

func TestSelector_StickySessionPicksSameBackend(t *testing.T) {
	route := &routespec.Route{
		ID:            "sticky",
		StickySession: true,
		SessionCookie: "sid",
		Backends: []routespec.Backend{
			{URL: "http://a.invalid", Weight: 100},
			{URL: "http://b.invalid", Weight: 100},
		},
	}
	table := NewTable()
	sel := NewSelector(route, table)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "sid", Value: "user-123"})

	first, err := sel.Next(req, nil)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		next, err := sel.Next(req, nil)
		require.NoError(t, err)
		assert.Equal(t, first.URL, next.URL)
	}
}

func TestSelector_StickySessionFailsOverWhenBackendDown(t *testing.T) {
	route := &routespec.Route{
		ID:            "sticky-failover",
		StickySession: true,
		SessionCookie: "sid",
		Backends: []routespec.Backend{
			{URL: "http://a.invalid", Weight: 100},
			{URL: "http://b.invalid", Weight: 100},
		},
	}
	table := NewTable()
	sel := NewSelector(route, table)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "sid", Value: "user-123"})

	first, err := sel.Next(req, nil)
	require.NoError(t, err)

	table.GetOrCreate(first.URL, 100).SetHealth(Down)

	st, err := sel.Next(req, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.URL, st.URL)
}

func TestSelector_ExcludedSetFallsBackWhenExhausted(t *testing.T) {
	route := &routespec.Route{
		ID:       "single-backend-retry",
		Backends: []routespec.Backend{{URL: "http://only.invalid", Weight: 100}},
	}
	table := NewTable()
	sel := NewSelector(route, table)

	excluded := map[string]bool{"http://only.invalid": true}
	st, err := sel.Next(nil, excluded)
	require.NoError(t, err, "must fall back to the excluded backend rather than fail outright")
	assert.Equal(t, "http://only.invalid", st.URL)
}
