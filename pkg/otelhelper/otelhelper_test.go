package otelhelper

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartSpanAndSetError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test")

	_, span := StartSpan(context.Background(), tracer, "workflow.step", attribute.String(ExecutionIDKey, "exec-1"))
	SetError(span, errors.New("smtp down"), attribute.String(NodeIDKey, "email-1"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)

	recorded := spans[0]
	assert.Equal(t, "workflow.step", recorded.Name())
	assert.Contains(t, recorded.Attributes(), attribute.String(ExecutionIDKey, "exec-1"))
	assert.Equal(t, codes.Error, recorded.Status().Code)
	assert.Equal(t, "smtp down", recorded.Status().Description)

	require.Len(t, recorded.Events(), 1)
	assert.Contains(t, recorded.Events()[0].Attributes, attribute.String(NodeIDKey, "email-1"))
}

func TestSetError_NilIsIgnored(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test")

	_, span := StartSpan(context.Background(), tracer, "job")
	SetError(span, nil)
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Empty(t, spans[0].Events())
}

func TestNoop(t *testing.T) {
	_, span := StartSpan(context.Background(), Noop(), "noop")
	defer span.End()

	assert.False(t, span.SpanContext().IsValid())
}
