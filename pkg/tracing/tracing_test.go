package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func attrMap(span tracesdk.ReadOnlySpan) map[attribute.Key]string {
	out := make(map[attribute.Key]string)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value.Emit()
	}
	return out
}

func TestInit_DisabledIsNoop(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTraceRelayMessage(t *testing.T) {
	rec := recordSpans(t)

	_, span := TraceRelayMessage(context.Background(), "offer", "standup", "alice")
	End(span, nil)

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "relay.offer", ended[0].Name())
	assert.Equal(t, trace.SpanKindConsumer, ended[0].SpanKind())
	attrs := attrMap(ended[0])
	assert.Equal(t, "standup", attrs[RoomIDKey])
	assert.Equal(t, "alice", attrs[ParticipantIDKey])
	assert.Equal(t, codes.Unset, ended[0].Status().Code)
}

func TestEnd_RecordsError(t *testing.T) {
	rec := recordSpans(t)

	_, span := TraceNegotiation(context.Background(), "create_offer", "bob")
	End(span, errors.New("ice gathering failed"))

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "ice gathering failed", ended[0].Status().Description)
	require.Len(t, ended[0].Events(), 1)
	assert.Equal(t, "exception", ended[0].Events()[0].Name)
}

func TestTraceTranscript_OmitsEmptySegment(t *testing.T) {
	rec := recordSpans(t)

	_, span := TraceTranscript(context.Background(), "archive", "standup", "")
	span.End()

	attrs := attrMap(rec.Ended()[0])
	assert.Equal(t, "standup", attrs[RoomIDKey])
	_, ok := attrs[SegmentIDKey]
	assert.False(t, ok)
}

func TestTraceHTTPRequest_ChildOfIncomingContext(t *testing.T) {
	rec := recordSpans(t)

	ctx, parent := TraceHTTPRequest(context.Background(), "POST", "/api/v1/rooms/:id/transcript")
	_, child := TraceRedis(ctx, "upsert_segment")
	child.End()
	parent.End()

	ended := rec.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "POST /api/v1/rooms/:id/transcript", ended[1].Name())
	assert.Equal(t, ended[1].SpanContext().SpanID(), ended[0].Parent().SpanID())
	assert.Equal(t, "redis", attrMap(ended[0])["db.system"])
}
