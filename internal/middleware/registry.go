package middleware

import "fmt"

// Builder constructs a Middleware instance from a route's config map. It is
// the "factory table" strategy the specification's design notes call for in
// place of decorator-heavy registration: middleware is discoverable by
// name, and unknown names are rejected at route-apply time, never at
// request time.
type Builder func(name string, config map[string]any, deps Deps) (Middleware, error)

// Registry is a name → Builder factory table.
type Registry struct {
	builders map[string]Builder
	deps     Deps
}

// NewRegistry constructs a Registry pre-populated with every built-in
// middleware named in the specification.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{builders: make(map[string]Builder), deps: deps}
	r.Register("auth", buildAuth)
	r.Register("cors", buildCORS)
	r.Register("header-rewrite", buildHeaderRewrite)
	r.Register("rate-limit", buildRateLimit)
	r.Register("logging", buildLogging)
	r.Register("tracing", buildTracing)
	r.Register("security-headers", buildSecurityHeaders)
	return r
}

func (r *Registry) Register(name string, b Builder) {
	r.builders[name] = b
}

// Known reports whether name is a registered middleware — the predicate
// routestore.Build uses to reject routes naming unknown middleware.
func (r *Registry) Known(name string) bool {
	_, ok := r.builders[name]
	return ok
}

// Build constructs the ordered middleware chain for one route's
// configuration, in declared order.
func (r *Registry) Build(refs []MiddlewareRefLike) ([]Middleware, error) {
	out := make([]Middleware, 0, len(refs))
	for _, ref := range refs {
		b, ok := r.builders[ref.Name]
		if !ok {
			return nil, fmt.Errorf("unknown middleware %q", ref.Name)
		}
		mw, err := b(ref.Name, ref.Config, r.deps)
		if err != nil {
			return nil, fmt.Errorf("middleware %q: %w", ref.Name, err)
		}
		out = append(out, mw)
	}
	return out, nil
}

// MiddlewareRefLike decouples this package from routespec to avoid an
// import cycle (routespec is imported by routestore, which the middleware
// registry's deps may eventually need); routespec.MiddlewareRef satisfies
// this shape structurally wherever it's passed through adapters in package
// gateway.
type MiddlewareRefLike struct {
	Name   string
	Config map[string]any
}
