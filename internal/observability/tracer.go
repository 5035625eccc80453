// Package observability exposes a thin OpenTelemetry tracer accessor,
// grounded on the teacher's pkg/observability.GetTracer: callers fetch a
// named tracer and start spans around the operations worth following
// end-to-end. No SDK or exporter is wired in this module, so
// otel.Tracer's built-in global default — a no-op TracerProvider — is
// what backs every span unless a host process calls otel.SetTracerProvider
// itself; span creation and attribute/error recording still run for real,
// they just have nowhere to go until a provider is registered.
package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Span names for the operations instrumented across the module.
const (
	SpanToolDispatch = "ahma.tool_dispatch"
	SpanSessionRoute = "ahma.session_route"
)

// Attribute keys used on the spans above.
const (
	AttrToolName  = "ahma.tool_name"
	AttrSessionID = "ahma.session_id"
	AttrRPCMethod = "ahma.rpc_method"
)

// GetTracer returns the named tracer from the globally registered
// TracerProvider.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
