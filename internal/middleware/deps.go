package middleware

import (
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/l8e-harbor/harbor/internal/authadapter"
)

// Deps carries the shared, dependency-injected resources middleware
// builders need, instead of reaching for global singletons — the
// specification's design notes call this out explicitly as the
// replacement for a global metrics registry/logger.
type Deps struct {
	Log    *zap.SugaredLogger
	Tracer trace.Tracer
	Auth   *authadapter.Registry
}
