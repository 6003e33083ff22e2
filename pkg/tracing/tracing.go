package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "huddle"

// TracerProvider owns the exporter pipeline installed by Init.
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

type Config struct {
	Enabled     bool
	ServiceName string
	Version     string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "huddle-relay",
		Version:     "dev",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// Init installs a Jaeger-exporting provider as the global tracer provider.
// Disabled tracing leaves the global no-op provider in place.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.Version),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

// Shutdown flushes buffered spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp != nil {
		return tp.tp.Shutdown(ctx)
	}
	return nil
}

var (
	RoomIDKey        = attribute.Key("huddle.room_id")
	ParticipantIDKey = attribute.Key("huddle.participant_id")
	RemoteIDKey      = attribute.Key("huddle.remote_id")
	SegmentIDKey     = attribute.Key("huddle.segment_id")
	MessageTypeKey   = attribute.Key("huddle.message_type")
)

func start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name,
		trace.WithSpanKind(kind),
		trace.WithAttributes(attrs...),
	)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceHTTPRequest starts a server span named after the matched route.
func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return start(ctx, method+" "+route, trace.SpanKindServer,
		semconv.HTTPMethodKey.String(method),
		semconv.HTTPRouteKey.String(route),
	)
}

// TraceRelayMessage covers one envelope accepted by the relay for fan-out.
func TraceRelayMessage(ctx context.Context, msgType, roomID, from string) (context.Context, trace.Span) {
	return start(ctx, "relay."+msgType, trace.SpanKindConsumer,
		MessageTypeKey.String(msgType),
		RoomIDKey.String(roomID),
		ParticipantIDKey.String(from),
	)
}

// TraceNegotiation covers one offer/answer step against remoteID.
func TraceNegotiation(ctx context.Context, step, remoteID string) (context.Context, trace.Span) {
	return start(ctx, "negotiation."+step, trace.SpanKindInternal,
		RemoteIDKey.String(remoteID),
	)
}

func TraceTranscript(ctx context.Context, operation, roomID, segmentID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{RoomIDKey.String(roomID)}
	if segmentID != "" {
		attrs = append(attrs, SegmentIDKey.String(segmentID))
	}
	return start(ctx, "transcript."+operation, trace.SpanKindInternal, attrs...)
}

// TraceRedis starts a client span for a redis command or script.
func TraceRedis(ctx context.Context, operation string) (context.Context, trace.Span) {
	return start(ctx, "redis."+operation, trace.SpanKindClient,
		semconv.DBSystemRedis,
		semconv.DBOperationKey.String(operation),
	)
}
