package observe

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns the relay's tracer from the globally registered provider.
func Tracer() trace.Tracer {
	return otel.Tracer(meterName)
}
