package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/l8e-harbor/harbor/internal/routespec"
)

func TestBackoffDelay_WithinJitterBounds(t *testing.T) {
	policy := routespec.RetryPolicy{
		BackoffMs:         100,
		BackoffMultiplier: 2.0,
		MaxBackoffMs:      10_000,
	}

	for attempt := 0; attempt < 5; attempt++ {
		base := float64(100 * time.Millisecond)
		for i := 0; i < attempt; i++ {
			base *= policy.BackoffMultiplier
		}
		lower := time.Duration(base * 0.90)
		upper := time.Duration(base * 1.10)

		for trial := 0; trial < 50; trial++ {
			d := backoffDelay(policy, attempt)
			assert.GreaterOrEqualf(t, d, lower, "attempt %d delay %s below -10%% bound", attempt, d)
			assert.LessOrEqualf(t, d, upper, "attempt %d delay %s above +10%% bound", attempt, d)
		}
	}
}

func TestBackoffDelay_RespectsMaxBackoff(t *testing.T) {
	policy := routespec.RetryPolicy{
		BackoffMs:         1000,
		BackoffMultiplier: 10.0,
		MaxBackoffMs:      2000,
	}

	for trial := 0; trial < 50; trial++ {
		d := backoffDelay(policy, 5) // would be enormous without the cap
		assert.LessOrEqual(t, d, time.Duration(float64(2000*time.Millisecond)*1.10))
	}
}

func TestBackoffDelay_NeverNegative(t *testing.T) {
	policy := routespec.RetryPolicy{
		BackoffMs:         1,
		BackoffMultiplier: 1.0,
		MaxBackoffMs:      1,
	}
	for trial := 0; trial < 50; trial++ {
		d := backoffDelay(policy, 0)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}
