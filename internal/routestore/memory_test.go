package routestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l8e-harbor/harbor/internal/routespec"
)

func sampleRoutes() []routespec.Route {
	return []routespec.Route{
		{ID: "r1", Path: "/api", Backends: []routespec.Backend{{URL: "http://backend.invalid", Weight: 100}}},
	}
}

func TestMemoryDriver_ApplyBumpsVersion(t *testing.T) {
	d := NewMemoryDriver(nil)
	v, err := d.Apply(sampleRoutes())
	require.NoError(t, err)
	assert.Equal(t, Version(1), v)
	assert.Equal(t, Version(1), d.List().Version)
}

func TestMemoryDriver_IdempotentReapplyDoesNotBumpVersion(t *testing.T) {
	d := NewMemoryDriver(nil)
	v1, err := d.Apply(sampleRoutes())
	require.NoError(t, err)

	v2, err := d.Apply(sampleRoutes())
	require.NoError(t, err)
	assert.Equal(t, v1, v2, "reapplying an identical route set must not bump the version")
}

func TestMemoryDriver_ChangedRouteSetBumpsVersion(t *testing.T) {
	d := NewMemoryDriver(nil)
	v1, err := d.Apply(sampleRoutes())
	require.NoError(t, err)

	changed := sampleRoutes()
	changed[0].Backends[0].Weight = 50
	v2, err := d.Apply(changed)
	require.NoError(t, err)
	assert.Greater(t, v2, v1)
}

func TestMemoryDriver_RejectsUnknownMiddleware(t *testing.T) {
	known := func(name string) bool { return name == "cors" }
	d := NewMemoryDriver(known)

	routes := sampleRoutes()
	routes[0].Middleware = []routespec.MiddlewareRef{{Name: "nonexistent"}}
	_, err := d.Apply(routes)
	assert.ErrorIs(t, err, ErrInvalidRouteSet)
}

func TestMemoryDriver_RejectsDuplicateRouteIDs(t *testing.T) {
	d := NewMemoryDriver(nil)
	routes := append(sampleRoutes(), sampleRoutes()...)
	_, err := d.Apply(routes)
	assert.ErrorIs(t, err, ErrInvalidRouteSet)
}

func TestWatch_DeliversCurrentSnapshotImmediately(t *testing.T) {
	d := NewMemoryDriver(nil)
	_, err := d.Apply(sampleRoutes())
	require.NoError(t, err)

	ch := d.Watch()
	select {
	case snap := <-ch:
		assert.Equal(t, Version(1), snap.Version)
	case <-time.After(time.Second):
		t.Fatal("expected the current snapshot to be delivered immediately")
	}
}

func TestWatch_CoalescesUnderSlowConsumer(t *testing.T) {
	d := NewMemoryDriver(nil)
	ch := d.Watch()
	<-ch // drain initial empty snapshot

	for i := 0; i < 5; i++ {
		routes := sampleRoutes()
		routes[0].Backends[0].Weight = 100 + i
		_, err := d.Apply(routes)
		require.NoError(t, err)
	}

	select {
	case snap := <-ch:
		assert.Equal(t, Version(5), snap.Version, "a slow watcher should observe the latest version, not every intermediate one")
	case <-time.After(time.Second):
		t.Fatal("expected a coalesced snapshot to be delivered")
	}
}
