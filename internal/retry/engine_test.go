package retry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l8e-harbor/harbor/internal/backend"
	"github.com/l8e-harbor/harbor/internal/circuitbreaker"
	"github.com/l8e-harbor/harbor/internal/forwarder"
	"github.com/l8e-harbor/harbor/internal/routespec"
)

func newRoute(t *testing.T, backendURL string, maxRetries int) *routespec.Route {
	t.Helper()
	r := &routespec.Route{
		ID:        "retry-route",
		Path:      "/api",
		TimeoutMs: 2000,
		Backends:  []routespec.Backend{{URL: backendURL, Weight: 100}},
		RetryPolicy: routespec.RetryPolicy{
			MaxRetries:        maxRetries,
			BackoffMs:         1,
			BackoffMultiplier: 1.0,
			MaxBackoffMs:      5,
			RetryOn:           []string{"5xx", "gateway-error", "connection_error", "timeout"},
		},
	}
	require.NoError(t, r.Validate(nil))
	return r
}

func newEngine(route *routespec.Route) *Engine {
	table := backend.NewTable()
	sel := backend.NewSelector(route, table)
	breakers := circuitbreaker.NewRegistry()
	fwd := forwarder.New(forwarder.Config{})
	return New(route, sel, breakers, fwd)
}

func TestEngine_SucceedsOnFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	route := newRoute(t, srv.URL, 2)
	eng := newEngine(route)

	req := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	result := eng.Run(context.Background(), req)

	require.NotNil(t, result.Response)
	assert.Equal(t, http.StatusOK, result.Response.StatusCode)
	assert.Len(t, result.Attempts, 1)
	result.Response.Body.Close()
}

func TestEngine_RetriesOnServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	route := newRoute(t, srv.URL, 3)
	eng := newEngine(route)

	req := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	result := eng.Run(context.Background(), req)

	require.NotNil(t, result.Response)
	assert.Equal(t, http.StatusOK, result.Response.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	result.Response.Body.Close()
}

func TestEngine_GivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	route := newRoute(t, srv.URL, 2)
	eng := newEngine(route)

	req := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	result := eng.Run(context.Background(), req)

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "initial attempt plus 2 retries")
	assert.Equal(t, http.StatusBadGateway, result.ClientStatus)
}

func TestEngine_PostWithoutIdempotencyKeyDoesNotRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	route := newRoute(t, srv.URL, 3)
	eng := newEngine(route)

	req := httptest.NewRequest(http.MethodPost, "/api/widgets", nil)
	eng.Run(context.Background(), req)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "POST without Idempotency-Key must not be retried")
}

func TestEngine_PostWithIdempotencyKeyRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	route := newRoute(t, srv.URL, 2)
	eng := newEngine(route)

	req := httptest.NewRequest(http.MethodPost, "/api/widgets", nil)
	req.Header.Set("Idempotency-Key", "abc-123")
	result := eng.Run(context.Background(), req)

	require.NotNil(t, result.Response)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	result.Response.Body.Close()
}

func TestEngine_ClientErrorsAreNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	route := newRoute(t, srv.URL, 3)
	eng := newEngine(route)

	req := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	result := eng.Run(context.Background(), req)

	require.NotNil(t, result.Response)
	assert.Equal(t, http.StatusNotFound, result.Response.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "4xx other than 408 is a success for retry purposes")
	result.Response.Body.Close()
}
