package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l8e-harbor/harbor/internal/routespec"
)

func policy() routespec.CircuitBreakerPolicy {
	return routespec.CircuitBreakerPolicy{
		Enabled:                 true,
		FailureThresholdPercent: 50,
		MinimumRequests:         4,
		WindowMs:                60_000,
		OpenTimeoutMs:           1, // effectively immediate half-open transition in tests
		HalfOpenMaxProbes:       2,
	}
}

func TestBreaker_TripsOnFailureThreshold(t *testing.T) {
	b := New(policy())

	require.NoError(t, b.Allow())
	b.RecordSuccess()
	require.NoError(t, b.Allow())
	b.RecordFailure()
	require.NoError(t, b.Allow())
	b.RecordFailure()
	require.NoError(t, b.Allow())
	b.RecordFailure()

	assert.Equal(t, "open", b.State(), "3 of 4 requests failing exceeds the 50% threshold")
}

func TestBreaker_StaysClosedBelowMinimumRequests(t *testing.T) {
	cfg := policy()
	cfg.MinimumRequests = 100
	b := New(cfg)

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_OpenRejectsUntilTimeout(t *testing.T) {
	b := New(policy())
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
	}
	require.Equal(t, "open", b.State())

	time.Sleep(5 * time.Millisecond)
	assert.NoError(t, b.Allow(), "open_timeout_ms elapsed, should transition to half-open")
	assert.Equal(t, "half-open", b.State())
}

func TestBreaker_HalfOpenClosesOnAllSuccess(t *testing.T) {
	b := New(policy())
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
	}
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, b.Allow()) // probe 1, transitions to half-open
	require.NoError(t, b.Allow()) // probe 2, fills half_open_max_probes
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen, "probe quota exhausted")

	b.RecordSuccess()
	b.RecordSuccess()
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	b := New(policy())
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
	}
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, "open", b.State(), "any half-open probe failure reopens the circuit")
}

func TestBreaker_DisabledAlwaysAllows(t *testing.T) {
	cfg := policy()
	cfg.Enabled = false
	b := New(cfg)
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, "closed", b.State())
}

func TestRegistry_KeysIndependentPerRouteBackend(t *testing.T) {
	reg := NewRegistry()
	b1 := reg.Get("route-a", "http://backend.invalid", policy())
	b2 := reg.Get("route-b", "http://backend.invalid", policy())
	assert.NotSame(t, b1, b2, "the same backend URL on different routes must not share a breaker")

	b1Again := reg.Get("route-a", "http://backend.invalid", policy())
	assert.Same(t, b1, b1Again)
}

func TestRegistry_Prune(t *testing.T) {
	reg := NewRegistry()
	reg.Get("route-a", "http://backend.invalid", policy())
	reg.Prune(map[string]bool{})
	// Getting again after prune creates a fresh breaker, proving the old one was removed.
	fresh := reg.Get("route-a", "http://backend.invalid", policy())
	require.NoError(t, fresh.Allow())
}
