package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ChuLiYu/beaver-query/internal/config"
)

// keepGlobalProvider 測試結束後還原全域 provider
func keepGlobalProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
}

func TestInit_NoneIsNoop(t *testing.T) {
	keepGlobalProvider(t)
	before := otel.GetTracerProvider()

	shutdown, err := Init(t.Context(), config.TracingConfig{Exporter: config.ExporterNone})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.Equal(t, before, otel.GetTracerProvider())
}

func TestInit_Stdout(t *testing.T) {
	keepGlobalProvider(t)

	shutdown, err := Init(t.Context(), config.TracingConfig{
		Exporter:    config.ExporterStdout,
		ServiceName: "beaver-query-test",
		SampleRatio: 1,
	})
	require.NoError(t, err)
	_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_UnknownExporter(t *testing.T) {
	keepGlobalProvider(t)

	_, err := Init(t.Context(), config.TracingConfig{Exporter: "zipkin"})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestStartSpan_RecordsError(t *testing.T) {
	keepGlobalProvider(t)
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, ok := StartSpan(t.Context(), "ok", attribute.String("tenant.id", "s1"))
	EndSpan(ok, nil)
	_, failed := StartSpan(t.Context(), "failed")
	EndSpan(failed, errors.New("boom"))

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "ok", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("tenant.id", "s1"))
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "boom", spans[1].Status().Description)
}
