package routestore

import "github.com/l8e-harbor/harbor/internal/routespec"

// MemoryDriver is the simplest Store: routes live only in process memory.
// Used for tests and for embedding programs that manage routes purely
// through the management API without persistence.
type MemoryDriver struct {
	*base
	knownMiddleware func(name string) bool
}

// NewMemoryDriver constructs an empty in-memory route store. knownMiddleware
// is consulted by Apply to reject routes naming unregistered middleware; a
// nil func accepts any middleware name.
func NewMemoryDriver(knownMiddleware func(name string) bool) *MemoryDriver {
	return &MemoryDriver{base: newBase(), knownMiddleware: knownMiddleware}
}

// Apply validates and publishes a new snapshot. Applying the same route set
// twice in a row is a no-op: the version is not bumped and List/Watch keep
// returning the prior snapshot.
func (d *MemoryDriver) Apply(routes []routespec.Route) (Version, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	built, err := Build(routes, d.knownMiddleware)
	if err != nil {
		return 0, err
	}

	cur := d.List()
	if sameRoutes(cur.Routes, built) {
		return cur.Version, nil
	}

	v := d.nextVersion()
	snap := d.publish(built, v)
	return snap.Version, nil
}

func sameRoutes(a, b []routespec.Route) bool {
	if len(a) != len(b) {
		return false
	}
	ay, err := routespec.MarshalAllYAML(a)
	if err != nil {
		return false
	}
	by, err := routespec.MarshalAllYAML(b)
	if err != nil {
		return false
	}
	return string(ay) == string(by)
}
