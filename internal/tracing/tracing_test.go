package tracing

import (
	"bytes"
	"context"
	stderr "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/taskmcp/taskmcp/pkg/errors"
)

func TestNew_Disabled(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)

	_, span := p.Tracer().Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNew_ExportsToWriter(t *testing.T) {
	var buf bytes.Buffer
	p, err := New(Config{Enabled: true, ServiceName: "taskmcp-test", Output: &buf})
	require.NoError(t, err)

	_, span := p.Tracer().Start(context.Background(), "tool.get_task")
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), "tool.get_task")
	assert.Contains(t, buf.String(), "taskmcp-test")
}

func TestRecordResult(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	tracer := FromProvider(tp).Tracer()

	_, ok := tracer.Start(context.Background(), "ok")
	RecordResult(ok, nil)
	ok.End()

	_, failed := tracer.Start(context.Background(), "failed")
	RecordResult(failed, errors.NewError(errors.ErrCodeTaskNotFound, "missing"))
	failed.End()

	_, plain := tracer.Start(context.Background(), "plain")
	RecordResult(plain, stderr.New("boom"))
	plain.End()

	spans := rec.Ended()
	require.Len(t, spans, 3)

	assert.Equal(t, codes.Ok, spans[0].Status().Code)

	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Contains(t, spans[1].Attributes(), attribute.String("taskmcp.error_code", "TASK_NOT_FOUND"))
	assert.Len(t, spans[1].Events(), 1)

	assert.Contains(t, spans[2].Attributes(), attribute.String("taskmcp.error_code", "INTERNAL_ERROR"))
}

func TestPropagator(t *testing.T) {
	fields := Propagator().Fields()
	assert.Contains(t, fields, "traceparent")
	assert.Contains(t, fields, "baggage")
}
