package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDisabledTracerIsNoop(t *testing.T) {
	tp, err := NewTracerProvider(TracingConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, tp.Tracer())

	ctx, span := tp.StartSpan(context.Background(), SpanFetch,
		attribute.String(AttrURL, "https://example.com"))
	require.NotNil(t, ctx)
	require.False(t, span.IsRecording())
	span.End()

	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestUnsupportedExporter(t *testing.T) {
	_, err := NewTracerProvider(TracingConfig{Enabled: true, Exporter: "statsd"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported exporter")
}

func TestZipkinExporterConstructs(t *testing.T) {
	// Construction validates the endpoint; nothing is sent until spans
	// are exported.
	tp, err := NewTracerProvider(TracingConfig{
		Enabled:    true,
		Exporter:   "zipkin",
		SampleRate: 1.0,
	})
	require.NoError(t, err)
	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestAttrHelpers(t *testing.T) {
	run := RunAttrs(7, "docs")
	require.Len(t, run, 2)
	require.Equal(t, attribute.Key(AttrRunID), run[0].Key)
	require.EqualValues(t, 7, run[0].Value.AsInt64())
	require.Equal(t, "docs", run[1].Value.AsString())

	task := TaskAttrs(42, "page", "https://example.com/a")
	require.Len(t, task, 3)
	require.Equal(t, attribute.Key(AttrTaskType), task[1].Key)
	require.Equal(t, "page", task[1].Value.AsString())

	status := StatusAttrs("completed")
	require.Len(t, status, 1)
	require.Equal(t, "completed", status[0].Value.AsString())

	require.Nil(t, ErrorAttrs(nil))
	errAttrs := ErrorAttrs(errors.New("boom"))
	require.Len(t, errAttrs, 2)
	require.True(t, errAttrs[0].Value.AsBool())
	require.Equal(t, "boom", errAttrs[1].Value.AsString())
}
