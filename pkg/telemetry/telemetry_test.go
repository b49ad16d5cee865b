package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/webportal/mailqueue/pkg/system"
)

func restoreProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
}

func TestInit_Disabled(t *testing.T) {
	restoreProvider(t)

	tp, shutdown, err := Init(context.Background(), Options{}, nil)
	require.NoError(t, err)
	assert.IsType(t, noop.TracerProvider{}, tp)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_NoneExporter(t *testing.T) {
	restoreProvider(t)

	tp, shutdown, err := Init(context.Background(), Options{Enabled: true, Exporter: "none", SamplingRate: 7}, system.NewTestLogger())
	require.NoError(t, err)
	assert.IsType(t, &sdktrace.TracerProvider{}, tp)
	assert.Same(t, tp, otel.GetTracerProvider())
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_StdoutExporterWritesSpans(t *testing.T) {
	restoreProvider(t)

	var buf bytes.Buffer
	_, shutdown, err := Init(context.Background(), Options{
		Enabled:      true,
		Exporter:     "stdout",
		ServiceName:  "mailqueue-test",
		SamplingRate: 1,
		Output:       &buf,
	}, system.NewTestLogger())
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "dispatch.cycle")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), "dispatch.cycle")
	assert.Contains(t, buf.String(), "mailqueue-test")
}

func TestInit_Errors(t *testing.T) {
	restoreProvider(t)

	_, _, err := Init(context.Background(), Options{Enabled: true, Exporter: "zipkin"}, nil)
	assert.ErrorContains(t, err, "unknown trace exporter")

	_, _, err = Init(context.Background(), Options{Enabled: true, Exporter: "otlp"}, nil)
	assert.ErrorContains(t, err, "requires an endpoint")
}
