package tracing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/next-trace/blossom/adapters/tracing"
)

func remoteSpan(t *testing.T) trace.SpanContext {
	t.Helper()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)

	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
}

func TestPropagator_RoundTrip(t *testing.T) {
	p := tracing.W3C()
	sc := remoteSpan(t)

	headers := map[string]string{}
	p.Inject(trace.ContextWithSpanContext(t.Context(), sc), headers)

	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", headers["traceparent"])

	got := trace.SpanContextFromContext(p.Extract(context.Background(), headers))
	assert.True(t, got.IsValid())
	assert.Equal(t, sc.TraceID(), got.TraceID())
	assert.Equal(t, sc.SpanID(), got.SpanID())
	assert.True(t, got.IsRemote())
}

func TestPropagator_NoSpan(t *testing.T) {
	p := tracing.W3C()

	headers := map[string]string{}
	p.Inject(t.Context(), headers)
	assert.Empty(t, headers)

	ctx := p.Extract(t.Context(), nil)
	assert.False(t, trace.SpanContextFromContext(ctx).IsValid())

	// A nil map is ignored rather than written to.
	assert.NotPanics(t, func() { p.Inject(t.Context(), nil) })
}

func TestPropagator_GlobalFallback(t *testing.T) {
	p := tracing.New(nil)

	headers := map[string]string{}
	assert.NotPanics(t, func() {
		p.Inject(trace.ContextWithSpanContext(t.Context(), remoteSpan(t)), headers)
	})
}
