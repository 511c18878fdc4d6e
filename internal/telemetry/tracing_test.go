package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracerProvider(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp, err := InitTracerProvider(context.Background(), Options{ServiceName: "zca-test", Exporter: exp})
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "sanitize")
	span.End()
	require.NoError(t, tp.ForceFlush(context.Background()))

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "sanitize", spans[0].Name)
	require.NoError(t, tp.Shutdown(context.Background()))
}
