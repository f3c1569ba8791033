// Package retry implements the retry loop that surrounds backend selection,
// the circuit breaker gate, and the HTTP forwarder: exponential backoff with
// jitter, bounded by idempotency rules and per-route policy.
package retry

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/l8e-harbor/harbor/internal/backend"
	"github.com/l8e-harbor/harbor/internal/circuitbreaker"
	"github.com/l8e-harbor/harbor/internal/forwarder"
	"github.com/l8e-harbor/harbor/internal/routespec"
)

// safeMethods are retried according to policy without any opt-in, per the
// specification's idempotency guard.
var safeMethods = map[string]bool{
	http.MethodGet: true, http.MethodHead: true, http.MethodOptions: true,
	http.MethodPut: true, http.MethodDelete: true,
}

// Attempt records one upstream attempt for logging/metrics.
type Attempt struct {
	N          int
	BackendURL string
	Outcome    forwarder.Outcome
	Duration   time.Duration
}

// Result is the terminal outcome of the retry loop.
type Result struct {
	Response *http.Response
	Outcome  forwarder.Outcome
	Attempts []Attempt
	// ClientStatus is the HTTP status to return to the client when no
	// response was obtained (all attempts failed at the transport/gateway
	// level, or the last one got a failure status): 502, 503 or 504; 499
	// when the client canceled; or the upstream's own non-5xx failure status
	// (408) as received.
	ClientStatus int
}

// Engine owns the retry loop for one route.
type Engine struct {
	route     *routespec.Route
	selector  *backend.Selector
	breakers  *circuitbreaker.Registry
	forwarder *forwarder.Forwarder
}

// New builds a retry Engine for one route.
func New(route *routespec.Route, selector *backend.Selector, breakers *circuitbreaker.Registry, fwd *forwarder.Forwarder) *Engine {
	return &Engine{route: route, selector: selector, breakers: breakers, forwarder: fwd}
}

// Run executes the retry loop for r: pick backend, ask the circuit breaker,
// forward, classify, decide whether to retry. It owns the decision of
// whether the request body must be buffered to support replay across
// attempts.
func (e *Engine) Run(ctx context.Context, r *http.Request) Result {
	policy := e.route.RetryPolicy

	bodyBytes, canReplay := e.prepareBody(r, policy)

	tried := make(map[string]bool)
	var attempts []Attempt

	for n := 0; n <= policy.MaxRetries; n++ {
		if n > 0 && !e.retriesAllowed(r, policy) {
			break
		}

		st, err := e.selector.Next(r, tried)
		if err != nil {
			attempts = append(attempts, Attempt{N: n, Outcome: forwarder.Outcome{Class: forwarder.ClassNoHealthyBackend}})
			return e.finish(nil, forwarder.Outcome{Class: forwarder.ClassNoHealthyBackend}, attempts)
		}
		tried[st.URL] = true

		cb := e.breakers.Get(e.route.ID, st.URL, e.route.CircuitBreaker)
		start := time.Now()

		if cbErr := cb.Allow(); cbErr != nil {
			outcome := forwarder.Outcome{Class: forwarder.ClassCircuitOpen}
			attempts = append(attempts, Attempt{N: n, BackendURL: st.URL, Outcome: outcome, Duration: time.Since(start)})
			if !e.shouldRetry(policy, outcome, n) {
				return e.finish(nil, outcome, attempts)
			}
			e.sleep(ctx, policy, n)
			continue
		}

		st.IncInFlight()
		req, buildErr := e.buildAttemptRequest(ctx, r, st.URL, bodyBytes, canReplay)
		if buildErr != nil {
			st.DecInFlight()
			outcome := forwarder.Outcome{Class: forwarder.ClassConnectionError}
			cb.RecordFailure()
			attempts = append(attempts, Attempt{N: n, BackendURL: st.URL, Outcome: outcome, Duration: time.Since(start)})
			return e.finish(nil, outcome, attempts)
		}

		authority, _ := forwarder.Authority(st.URL)
		timeout := time.Duration(e.route.TimeoutMs) * time.Millisecond
		resp, outcome, _ := e.forwarder.Do(ctx, req, authority, timeout)
		st.DecInFlight()

		attempts = append(attempts, Attempt{N: n, BackendURL: st.URL, Outcome: outcome, Duration: time.Since(start)})

		if outcome.Success() {
			cb.RecordSuccess()
			return Result{Response: resp, Outcome: outcome, Attempts: attempts}
		}

		cb.RecordFailure()
		if resp != nil {
			resp.Body.Close()
		}

		if !e.shouldRetry(policy, outcome, n) {
			return e.finish(nil, outcome, attempts)
		}
		e.sleep(ctx, policy, n)
	}

	last := forwarder.Outcome{Class: forwarder.ClassConnectionError}
	if len(attempts) > 0 {
		last = attempts[len(attempts)-1].Outcome
	}
	return e.finish(nil, last, attempts)
}

func (e *Engine) finish(resp *http.Response, outcome forwarder.Outcome, attempts []Attempt) Result {
	return Result{Response: resp, Outcome: outcome, Attempts: attempts, ClientStatus: statusFor(outcome)}
}

func statusFor(o forwarder.Outcome) int {
	switch o.Class {
	case forwarder.ClassTimeout:
		return http.StatusGatewayTimeout
	case forwarder.ClassNoHealthyBackend, forwarder.ClassCircuitOpen:
		return http.StatusServiceUnavailable
	case forwarder.ClassCanceled:
		return 499
	case forwarder.ClassConnectionError, forwarder.ClassTLSError:
		return http.StatusBadGateway
	case forwarder.ClassNone:
		if o.StatusCode >= 500 {
			return http.StatusBadGateway
		}
		return o.StatusCode
	default:
		return http.StatusBadGateway
	}
}

// shouldRetry applies retry_on policy and the max_retries bound. n is the
// 0-indexed attempt that just completed.
func (e *Engine) shouldRetry(policy routespec.RetryPolicy, outcome forwarder.Outcome, n int) bool {
	if n >= policy.MaxRetries {
		return false
	}
	name := outcome.RetryClassName()
	if name == "" {
		return false
	}
	for _, allowed := range policy.RetryOn {
		if allowed == name {
			return true
		}
	}
	return false
}

// retriesAllowed applies the idempotency guard: POST/PATCH are retried only
// with an explicit opt-in (Idempotency-Key header); the other methods are
// safe to retry per policy.
func (e *Engine) retriesAllowed(r *http.Request, policy routespec.RetryPolicy) bool {
	if safeMethods[r.Method] {
		return true
	}
	return r.Header.Get("Idempotency-Key") != ""
}

func (e *Engine) sleep(ctx context.Context, policy routespec.RetryPolicy, n int) {
	delay := backoffDelay(policy, n)
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

// backoffDelay computes min(backoff_ms * multiplier^n, max_backoff_ms) with
// uniform ±10% jitter. The policy is loaded into cenkalti/backoff's
// ExponentialBackOff with its own randomization switched off, the curve is
// computed from those fields, and the jitter is applied once on top.
func backoffDelay(policy routespec.RetryPolicy, n int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(policy.BackoffMs) * time.Millisecond
	bo.Multiplier = policy.BackoffMultiplier
	bo.MaxInterval = time.Duration(policy.MaxBackoffMs) * time.Millisecond
	bo.RandomizationFactor = 0

	base := float64(bo.InitialInterval)
	for i := 0; i < n; i++ {
		base *= bo.Multiplier
	}
	capped := base
	if maxMs := float64(bo.MaxInterval); maxMs > 0 && capped > maxMs {
		capped = maxMs
	}

	jitter := (rand.Float64()*2 - 1) * 0.10 // uniform in [-10%, +10%)
	jittered := capped + capped*jitter
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(jittered)
}

// prepareBody decides whether the request body must be buffered to support
// replay across attempts. Bodyless methods and single-attempt routes stream
// straight through without buffering, per the specification's "forwarder
// must not buffer entire bodies" rule; buffering is the unavoidable
// trade-off for replaying a body across retries and is scoped to exactly
// the routes that declare more than zero retries.
func (e *Engine) prepareBody(r *http.Request, policy routespec.RetryPolicy) ([]byte, bool) {
	if policy.MaxRetries == 0 || r.Body == nil || r.Body == http.NoBody {
		return nil, false
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, false
	}
	r.Body.Close()
	return data, true
}

func (e *Engine) buildAttemptRequest(ctx context.Context, r *http.Request, backendURL string, bodyBytes []byte, canReplay bool) (*http.Request, error) {
	if canReplay {
		r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}
	return forwarder.PrepareUpstreamRequest(ctx, r, backendURL, e.route.Path, e.route.StripPrefix, e.route.AddPrefix)
}
