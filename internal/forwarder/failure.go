package forwarder

import "fmt"

// FailureClass names the taxonomy of outcomes the forwarder surfaces
// upward to the retry engine and circuit breaker, per the specification's
// HTTP Forwarder and Circuit Breaker sections.
type FailureClass string

const (
	// ClassNone marks a successful attempt.
	ClassNone FailureClass = ""

	ClassTimeout         FailureClass = "timeout"
	ClassConnectionError FailureClass = "connection_error"
	ClassTLSError        FailureClass = "tls_error"
	ClassReset           FailureClass = "reset"
	ClassUpstreamStatus  FailureClass = "upstream_status"
	ClassCircuitOpen     FailureClass = "circuit_open"
	ClassNoHealthyBackend FailureClass = "no_healthy_backend"
	ClassCanceled        FailureClass = "canceled"
)

// Outcome describes one upstream attempt's result for accounting purposes.
type Outcome struct {
	Class      FailureClass
	StatusCode int // valid when a response was received, 0 otherwise
}

// Success reports whether the outcome represents a circuit-breaker success.
// Per the specification: 4xx responses (except 408) are successes — they
// represent client errors, not backend faults. 408 and everything at or
// above 500 are failures, as is any transport-level Class.
func (o Outcome) Success() bool {
	if o.Class != ClassNone {
		return false
	}
	if o.StatusCode == 408 {
		return false
	}
	if o.StatusCode >= 500 {
		return false
	}
	return true
}

// RetryClassName maps an Outcome to the retry_on vocabulary
// ({5xx, gateway-error, timeout, connection_error, reset}) used by
// RetryPolicy and surfaced in structured logs.
func (o Outcome) RetryClassName() string {
	switch o.Class {
	case ClassTimeout:
		return "timeout"
	case ClassConnectionError:
		return "connection_error"
	case ClassReset:
		return "reset"
	case ClassCircuitOpen, ClassNoHealthyBackend:
		return "gateway-error"
	case ClassNone:
		if o.StatusCode >= 500 {
			return "5xx"
		}
		return ""
	default:
		return ""
	}
}

func (o Outcome) String() string {
	if o.Class == ClassNone {
		return fmt.Sprintf("status=%d", o.StatusCode)
	}
	return string(o.Class)
}
