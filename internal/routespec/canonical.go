package routespec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Document is the canonical YAML envelope for one Route, per the wire
// contract in the specification's External Interfaces section:
//
//	apiVersion: harbor.l8e/v1
//	kind: Route
//	metadata: { name: <id> }
//	spec: { id, path, methods, ... }
const (
	APIVersion = "harbor.l8e/v1"
	KindRoute  = "Route"
)

// Document wraps a single Route in its canonical envelope.
type Document struct {
	APIVersion string   `yaml:"apiVersion"`
	Kind       string   `yaml:"kind"`
	Metadata   Metadata `yaml:"metadata"`
	Spec       Route    `yaml:"spec"`
}

// Metadata carries the route's stable identifier, mirroring Kubernetes-style
// object envelopes used throughout the retrieval pack's YAML configs.
type Metadata struct {
	Name string `yaml:"name"`
}

// MarshalYAML renders a Route in its canonical envelope form.
func MarshalYAML(r Route) ([]byte, error) {
	doc := Document{
		APIVersion: APIVersion,
		Kind:       KindRoute,
		Metadata:   Metadata{Name: r.ID},
		Spec:       r,
	}
	return yaml.Marshal(doc)
}

// MarshalAllYAML renders a multi-document YAML stream, one document per
// route, the format the file-snapshot Route Store driver persists.
func MarshalAllYAML(routes []Route) ([]byte, error) {
	var out []byte
	for i, r := range routes {
		b, err := MarshalYAML(r)
		if err != nil {
			return nil, fmt.Errorf("marshal route %q: %w", r.ID, err)
		}
		if i > 0 {
			out = append(out, []byte("---\n")...)
		}
		out = append(out, b...)
	}
	return out, nil
}

// UnmarshalAllYAML parses a multi-document YAML stream into Routes. It does
// not call Validate — the caller composes the resulting snapshot and
// validates it as a whole.
func UnmarshalAllYAML(data []byte) ([]Route, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var routes []Route
	for {
		var doc Document
		err := dec.Decode(&doc)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode route document: %w", err)
		}
		if doc.Kind != "" && doc.Kind != KindRoute {
			return nil, fmt.Errorf("unexpected kind %q, want %q", doc.Kind, KindRoute)
		}
		r := doc.Spec
		if r.ID == "" {
			r.ID = doc.Metadata.Name
		}
		routes = append(routes, r)
	}
	return routes, nil
}
