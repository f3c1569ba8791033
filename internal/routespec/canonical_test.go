package routespec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalYAML_RoundTrip(t *testing.T) {
	route := Route{
		ID:          "checkout",
		Description: "checkout service",
		Path:        "/checkout",
		Methods:     []string{"GET", "POST"},
		Priority:    10,
		StripPrefix: true,
		TimeoutMs:   5000,
		Backends: []Backend{
			{URL: "http://a.invalid", Weight: 100},
			{URL: "http://b.invalid", Weight: 200},
		},
		Matchers: []Matcher{
			{Source: MatchSourceHeader, Key: "X-Canary", Op: OpEquals, Value: "true"},
		},
		Middleware: []MiddlewareRef{
			{Name: "cors", Config: map[string]any{"allow_origins": []any{"https://example.com"}}},
		},
	}

	data, err := MarshalYAML(route)
	require.NoError(t, err)

	routes, err := UnmarshalAllYAML(data)
	require.NoError(t, err)
	require.Len(t, routes, 1)

	got := routes[0]
	assert.Equal(t, route.ID, got.ID)
	assert.Equal(t, route.Path, got.Path)
	assert.Equal(t, route.Methods, got.Methods)
	assert.Equal(t, route.Priority, got.Priority)
	assert.Equal(t, route.StripPrefix, got.StripPrefix)
	assert.Equal(t, route.TimeoutMs, got.TimeoutMs)
	assert.Equal(t, route.Backends, got.Backends)
	assert.Equal(t, route.Matchers, got.Matchers)
	assert.Equal(t, route.Middleware[0].Name, got.Middleware[0].Name)
}

func TestMarshalAllYAML_MultiDocumentRoundTrip(t *testing.T) {
	routes := []Route{
		{ID: "a", Path: "/a", Backends: []Backend{{URL: "http://a.invalid", Weight: 100}}},
		{ID: "b", Path: "/b", Backends: []Backend{{URL: "http://b.invalid", Weight: 100}}},
		{ID: "c", Path: "/c", Backends: []Backend{{URL: "http://c.invalid", Weight: 100}}},
	}

	data, err := MarshalAllYAML(routes)
	require.NoError(t, err)

	got, err := UnmarshalAllYAML(data)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, r := range routes {
		assert.Equal(t, r.ID, got[i].ID)
		assert.Equal(t, r.Path, got[i].Path)
	}
}

func TestMarshalYAML_EnvelopeFields(t *testing.T) {
	route := Route{ID: "envelope-check", Path: "/x", Backends: []Backend{{URL: "http://x.invalid"}}}
	data, err := MarshalYAML(route)
	require.NoError(t, err)

	text := string(data)
	assert.Contains(t, text, "apiVersion: "+APIVersion)
	assert.Contains(t, text, "kind: "+KindRoute)
	assert.Contains(t, text, "name: envelope-check")
}

func TestUnmarshalAllYAML_FallsBackToMetadataNameWhenSpecIDMissing(t *testing.T) {
	doc := []byte("apiVersion: " + APIVersion + "\nkind: Route\nmetadata:\n  name: from-metadata\nspec:\n  path: /x\n  backends:\n    - url: http://x.invalid\n")
	routes, err := UnmarshalAllYAML(doc)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "from-metadata", routes[0].ID)
}

func TestUnmarshalAllYAML_RejectsWrongKind(t *testing.T) {
	doc := []byte("apiVersion: " + APIVersion + "\nkind: NotARoute\nmetadata:\n  name: x\nspec:\n  path: /x\n")
	_, err := UnmarshalAllYAML(doc)
	assert.Error(t, err)
}
