package forwarder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareUpstreamRequest_StripPrefix(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/widgets/42", nil)
	out, err := PrepareUpstreamRequest(context.Background(), r, "http://backend.invalid", "/api", true, "")
	require.NoError(t, err)
	assert.Equal(t, "/widgets/42", out.URL.Path)
}

func TestPrepareUpstreamRequest_StripPrefixToRoot(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api", nil)
	out, err := PrepareUpstreamRequest(context.Background(), r, "http://backend.invalid", "/api", true, "")
	require.NoError(t, err)
	assert.Equal(t, "/", out.URL.Path)
}

func TestPrepareUpstreamRequest_AddPrefix(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/widgets/42", nil)
	out, err := PrepareUpstreamRequest(context.Background(), r, "http://backend.invalid", "/widgets", false, "/internal")
	require.NoError(t, err)
	assert.Equal(t, "/internal/widgets/42", out.URL.Path)
}

func TestPrepareUpstreamRequest_StripThenAddPrefix(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/widgets/42", nil)
	out, err := PrepareUpstreamRequest(context.Background(), r, "http://backend.invalid", "/api", true, "/v2")
	require.NoError(t, err)
	assert.Equal(t, "/v2/widgets/42", out.URL.Path)
}

func TestPrepareUpstreamRequest_PreservesBackendBasePath(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	out, err := PrepareUpstreamRequest(context.Background(), r, "http://backend.invalid/svc", "/api", true, "")
	require.NoError(t, err)
	assert.Equal(t, "/svc/widgets", out.URL.Path)
}

func TestPrepareUpstreamRequest_StripsHopByHopHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api", nil)
	r.Header.Set("Connection", "keep-alive")
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("X-Custom", "keep-me")

	out, err := PrepareUpstreamRequest(context.Background(), r, "http://backend.invalid", "/api", false, "")
	require.NoError(t, err)
	assert.Empty(t, out.Header.Get("Connection"))
	assert.Empty(t, out.Header.Get("Upgrade"))
	assert.Equal(t, "keep-me", out.Header.Get("X-Custom"))
}

func TestPrepareUpstreamRequest_SetsForwardingHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api", nil)
	r.RemoteAddr = "203.0.113.5:54321"
	r.Host = "edge.example.com"

	out, err := PrepareUpstreamRequest(context.Background(), r, "http://backend.invalid", "/api", false, "")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5", out.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "http", out.Header.Get("X-Forwarded-Proto"))
	assert.Equal(t, "edge.example.com", out.Header.Get("X-Forwarded-Host"))
	assert.NotEmpty(t, out.Header.Get("X-Request-Id"))
	assert.Equal(t, "backend.invalid", out.Host)
}

func TestPrepareUpstreamRequest_AppendsToExistingForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api", nil)
	r.RemoteAddr = "203.0.113.5:54321"
	r.Header.Set("X-Forwarded-For", "198.51.100.9")

	out, err := PrepareUpstreamRequest(context.Background(), r, "http://backend.invalid", "/api", false, "")
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.9, 203.0.113.5", out.Header.Get("X-Forwarded-For"))
}

func TestAuthority(t *testing.T) {
	a, err := Authority("https://backend.invalid:8443/svc")
	require.NoError(t, err)
	assert.Equal(t, "https://backend.invalid:8443", a)
}
