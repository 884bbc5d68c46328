package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns the named component tracer from the global otel provider.
// Components call this once at construction and reuse it for every span.
func Tracer(component string) trace.Tracer {
	return otel.Tracer("qualityplane." + component)
}
