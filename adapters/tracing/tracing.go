// Package tracing carries OpenTelemetry context across the broker in message
// headers.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/next-trace/blossom/contract/rpc"
)

// Propagator bridges an OpenTelemetry TextMapPropagator to the header
// propagation hooks of clients and dispatchers.
type Propagator struct {
	prop propagation.TextMapPropagator
}

var (
	_ rpc.HeaderPropagator = Propagator{}
	_ rpc.HeaderExtractor  = Propagator{}
)

// New wraps prop. A nil prop uses the global propagator at call time.
func New(prop propagation.TextMapPropagator) Propagator { return Propagator{prop: prop} }

// W3C propagates W3C trace context and baggage.
func W3C() Propagator {
	return New(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
}

func (p Propagator) propagator() propagation.TextMapPropagator {
	if p.prop == nil {
		return otel.GetTextMapPropagator()
	}

	return p.prop
}

// Inject writes the span context of ctx into headers.
func (p Propagator) Inject(ctx context.Context, headers map[string]string) {
	if headers == nil {
		return
	}

	p.propagator().Inject(ctx, propagation.MapCarrier(headers))
}

// Extract returns ctx carrying the remote span context found in headers.
func (p Propagator) Extract(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}

	return p.propagator().Extract(ctx, propagation.MapCarrier(headers))
}
