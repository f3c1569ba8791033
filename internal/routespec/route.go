// Package routespec defines the Route data model: the unit of dispatch the
// Route Store publishes and the Router matches against. Routes are plain
// data — validation happens once, at the moment a snapshot is built, so the
// hot request path never re-checks invariants the data already satisfies.
package routespec

import (
	"fmt"
	"regexp"
	"sort"
	"time"
)

var idPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Route is the unit of dispatch: a declarative mapping from request
// predicates to a backend set plus processing policy.
type Route struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description,omitempty"`

	Path    string   `yaml:"path"`
	Methods []string `yaml:"methods,omitempty"`

	Priority int `yaml:"priority"`

	StripPrefix bool   `yaml:"strip_prefix,omitempty"`
	AddPrefix   string `yaml:"add_prefix,omitempty"`

	TimeoutMs int `yaml:"timeout_ms"`

	StickySession bool   `yaml:"sticky_session,omitempty"`
	SessionCookie string `yaml:"session_cookie,omitempty"`

	Matchers []Matcher `yaml:"matchers,omitempty"`
	Backends []Backend `yaml:"backends"`

	RetryPolicy     RetryPolicy           `yaml:"retry_policy,omitempty"`
	CircuitBreaker  CircuitBreakerPolicy  `yaml:"circuit_breaker,omitempty"`
	Middleware      []MiddlewareRef       `yaml:"middleware,omitempty"`

	CreatedAt time.Time `yaml:"created_at,omitempty"`
	UpdatedAt time.Time `yaml:"updated_at,omitempty"`

	// methodSet and compiled matchers are derived at validation time, not
	// part of the wire format.
	methodSet        map[string]bool
	compiledMatchers []compiledMatcher
}

// Backend is an upstream destination within a route.
type Backend struct {
	URL         string       `yaml:"url"`
	Weight      int          `yaml:"weight,omitempty"`
	HealthCheck *HealthCheck `yaml:"health_check,omitempty"`
	TLS         *BackendTLS  `yaml:"tls,omitempty"`
}

// HealthCheck configures active probing for one backend.
type HealthCheck struct {
	Path               string         `yaml:"path"`
	IntervalMs         int            `yaml:"interval_ms"`
	TimeoutMs          int            `yaml:"timeout_ms"`
	HealthyThreshold   int            `yaml:"healthy_threshold"`
	UnhealthyThreshold int            `yaml:"unhealthy_threshold"`
	ExpectedStatus     []int          `yaml:"expected_status,omitempty"`
	Headers            map[string]string `yaml:"headers,omitempty"`
}

// BackendTLS holds transport options for an HTTPS backend.
type BackendTLS struct {
	Verify     bool   `yaml:"verify"`
	CACert     string `yaml:"ca_cert,omitempty"`
	ClientCert string `yaml:"client_cert,omitempty"`
}

// MatchSource names where a Matcher reads its value from.
type MatchSource string

const (
	MatchSourceHeader MatchSource = "header"
	MatchSourceQuery  MatchSource = "query"
)

// MatchOp names the comparison a Matcher performs.
type MatchOp string

const (
	OpEquals   MatchOp = "equals"
	OpContains MatchOp = "contains"
	OpRegex    MatchOp = "regex"
	OpPrefix   MatchOp = "prefix"
	OpSuffix   MatchOp = "suffix"
	OpExists   MatchOp = "exists"
)

// Matcher is an additional predicate over headers or query parameters.
// All matchers on a route must hold for the route to match.
type Matcher struct {
	Source MatchSource `yaml:"source"`
	Key    string      `yaml:"key"`
	Value  string      `yaml:"value,omitempty"`
	Op     MatchOp     `yaml:"op"`
}

type compiledMatcher struct {
	Matcher
	re *regexp.Regexp
}

// MiddlewareRef is one entry in a route's ordered middleware chain.
type MiddlewareRef struct {
	Name   string         `yaml:"name"`
	Config map[string]any `yaml:"config,omitempty"`
}

// RetryPolicy controls the Retry Engine for one route.
type RetryPolicy struct {
	MaxRetries       int      `yaml:"max_retries"`
	BackoffMs        int      `yaml:"backoff_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	MaxBackoffMs     int      `yaml:"max_backoff_ms"`
	RetryOn          []string `yaml:"retry_on,omitempty"`
}

// CircuitBreakerPolicy controls the per-(route,backend) breaker.
type CircuitBreakerPolicy struct {
	Enabled                bool `yaml:"enabled"`
	FailureThresholdPercent int  `yaml:"failure_threshold_percent"`
	MinimumRequests        int  `yaml:"minimum_requests"`
	WindowMs               int  `yaml:"window_ms"`
	OpenTimeoutMs          int  `yaml:"open_timeout_ms"`
	HalfOpenMaxProbes      int  `yaml:"half_open_max_probes"`
}

// Retryable failure classes named by RetryPolicy.RetryOn and
// CircuitBreakerPolicy (via the classifier in package forwarder).
const (
	FailureClassServerError  = "5xx"
	FailureClassGatewayError = "gateway-error"
	FailureClassTimeout      = "timeout"
	FailureClassConnError    = "connection_error"
	FailureClassReset        = "reset"
)

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        0,
		BackoffMs:         50,
		BackoffMultiplier: 2.0,
		MaxBackoffMs:      2000,
		RetryOn:           []string{FailureClassServerError, FailureClassGatewayError},
	}
}

func defaultCircuitBreakerPolicy() CircuitBreakerPolicy {
	return CircuitBreakerPolicy{
		Enabled:                 false,
		FailureThresholdPercent: 50,
		MinimumRequests:         20,
		WindowMs:                10_000,
		OpenTimeoutMs:           30_000,
		HalfOpenMaxProbes:       5,
	}
}

// Methods_ returns the set of HTTP methods this route permits. An empty
// result means "any method".
func (r *Route) Methods_() map[string]bool { return r.methodSet }

// AllowsMethod reports whether m is permitted by this route.
func (r *Route) AllowsMethod(m string) bool {
	if len(r.methodSet) == 0 {
		return true
	}
	return r.methodSet[m]
}

// CompiledMatchers returns the validated, regex-compiled matcher list.
func (r *Route) CompiledMatchers() []compiledMatcher { return r.compiledMatchers }

// MatchValue evaluates one compiled matcher's operator against value.
// value is the empty string and found is false when the key was absent.
func MatchValue(cm compiledMatcher, value string, found bool) bool {
	switch cm.Op {
	case OpExists:
		return found
	case OpEquals:
		return found && value == cm.Value
	case OpContains:
		return found && len(cm.Value) > 0 && indexOf(value, cm.Value) >= 0
	case OpPrefix:
		return found && hasPrefix(value, cm.Value)
	case OpSuffix:
		return found && hasSuffix(value, cm.Value)
	case OpRegex:
		return found && cm.re != nil && cm.re.MatchString(value)
	default:
		return false
	}
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func hasPrefix(s, p string) bool { return len(s) >= len(p) && s[:len(p)] == p }
func hasSuffix(s, p string) bool { return len(s) >= len(p) && s[len(s)-len(p):] == p }

// Validate checks a single route's invariants and compiles its derived
// fields (method set, anchored regex matchers). It does not check
// cross-route invariants (duplicate route ids) — that's the snapshot
// builder's job in package routestore.
func (r *Route) Validate(knownMiddleware func(name string) bool) error {
	if !idPattern.MatchString(r.ID) {
		return fmt.Errorf("route id %q must match %s", r.ID, idPattern.String())
	}
	if r.Path == "" || r.Path[0] != '/' {
		return fmt.Errorf("route %q: path must begin with /", r.ID)
	}
	if len(r.Backends) == 0 {
		return fmt.Errorf("route %q: at least one backend required", r.ID)
	}
	for i := range r.Backends {
		b := &r.Backends[i]
		if b.URL == "" {
			return fmt.Errorf("route %q: backend[%d] missing url", r.ID, i)
		}
		if b.Weight == 0 {
			b.Weight = 100
		}
		if b.Weight < 1 || b.Weight > 1000 {
			return fmt.Errorf("route %q: backend %q weight must be in [1,1000]", r.ID, b.URL)
		}
	}
	if r.TimeoutMs <= 0 {
		r.TimeoutMs = 30_000
	}
	if r.SessionCookie == "" {
		r.SessionCookie = "sid"
	}

	if r.RetryPolicy.BackoffMultiplier == 0 && r.RetryPolicy.MaxRetries == 0 && r.RetryPolicy.BackoffMs == 0 {
		r.RetryPolicy = defaultRetryPolicy()
	}
	if r.RetryPolicy.MaxRetries < 0 || r.RetryPolicy.MaxRetries > 10 {
		return fmt.Errorf("route %q: max_retries must be in [0,10]", r.ID)
	}
	if r.RetryPolicy.BackoffMultiplier < 1.0 {
		r.RetryPolicy.BackoffMultiplier = 1.0
	}
	if r.RetryPolicy.MaxBackoffMs == 0 {
		r.RetryPolicy.MaxBackoffMs = 2000
	}

	if (r.CircuitBreaker == CircuitBreakerPolicy{}) {
		r.CircuitBreaker = defaultCircuitBreakerPolicy()
		r.CircuitBreaker.Enabled = false
	}
	if r.CircuitBreaker.Enabled {
		if r.CircuitBreaker.FailureThresholdPercent < 1 || r.CircuitBreaker.FailureThresholdPercent > 100 {
			return fmt.Errorf("route %q: failure_threshold_percent must be in [1,100]", r.ID)
		}
		if r.CircuitBreaker.MinimumRequests < 1 {
			return fmt.Errorf("route %q: minimum_requests must be >= 1", r.ID)
		}
		if r.CircuitBreaker.WindowMs <= 0 {
			r.CircuitBreaker.WindowMs = 10_000
		}
		if r.CircuitBreaker.OpenTimeoutMs <= 0 {
			r.CircuitBreaker.OpenTimeoutMs = 30_000
		}
		if r.CircuitBreaker.HalfOpenMaxProbes <= 0 {
			r.CircuitBreaker.HalfOpenMaxProbes = 1
		}
	}

	r.methodSet = make(map[string]bool, len(r.Methods))
	for _, m := range r.Methods {
		r.methodSet[m] = true
	}

	r.compiledMatchers = make([]compiledMatcher, len(r.Matchers))
	for i, m := range r.Matchers {
		cm := compiledMatcher{Matcher: m}
		if m.Op == OpRegex {
			pattern := anchor(m.Value)
			re, err := regexp.Compile(pattern)
			if err != nil {
				return fmt.Errorf("route %q: matcher[%d] invalid regex %q: %w", r.ID, i, m.Value, err)
			}
			cm.re = re
		}
		r.compiledMatchers[i] = cm
	}

	for _, mw := range r.Middleware {
		if knownMiddleware != nil && !knownMiddleware(mw.Name) {
			return fmt.Errorf("route %q: unknown middleware %q", r.ID, mw.Name)
		}
	}

	return nil
}

// anchor implicitly anchors a regex pattern at both ends unless the author
// already anchored it.
func anchor(pattern string) string {
	p := pattern
	if len(p) == 0 || p[0] != '^' {
		p = "^" + p
	}
	if len(p) == 0 || p[len(p)-1] != '$' {
		p = p + "$"
	}
	return p
}

// SortKey orders routes for deterministic dispatch: lowest priority first,
// then lowest id lexicographically.
func SortKey(routes []Route) {
	sort.SliceStable(routes, func(i, j int) bool {
		if routes[i].Priority != routes[j].Priority {
			return routes[i].Priority < routes[j].Priority
		}
		return routes[i].ID < routes[j].ID
	})
}
