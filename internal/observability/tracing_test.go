package observability

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracingExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	tracing, err := NewTracing("weave-test", &buf)
	require.NoError(t, err)
	defer func() { _ = tracing.Shutdown(context.Background()) }()

	_, span := tracing.Tracer("test").Start(context.Background(), "agent.solve")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, tracing.ForceFlush(context.Background()))
	assert.Contains(t, buf.String(), "agent.solve")
}

func TestTracingWithoutWriterStillIssuesIDs(t *testing.T) {
	tracing, err := NewTracing("weave-test", nil)
	require.NoError(t, err)
	defer func() { _ = tracing.Shutdown(context.Background()) }()

	_, span := tracing.Tracer("test").Start(context.Background(), "noop")
	defer span.End()
	assert.True(t, span.SpanContext().HasTraceID())
}
