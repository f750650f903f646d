package tracing

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"sessionchat/internal/models"
)

const (
	tracerName      = "sessionchat"
	shutdownTimeout = 5 * time.Second
)

// Span attribute keys.
const (
	AttrEventKind      = attribute.Key("event.kind")
	AttrEventID        = attribute.Key("event.id")
	AttrOutboundType   = attribute.Key("outbound.type")
	AttrConversationID = attribute.Key("conversation.id")
	AttrMessageID      = attribute.Key("message.id")
	AttrRequestID      = attribute.Key("key_exchange.request_id")
)

// Provider owns the process-wide tracer provider. The zero value and a
// Provider built from a disabled config are inert.
type Provider struct {
	sdk    *sdktrace.TracerProvider
	logger *logrus.Logger
}

// Option adjusts Setup.
type Option func(*setupOptions)

type setupOptions struct {
	stdout io.Writer
}

// WithStdoutWriter redirects the stdout exporter, when selected.
func WithStdoutWriter(w io.Writer) Option {
	return func(o *setupOptions) { o.stdout = w }
}

// Setup installs a global tracer provider for cfg. Spans started through
// StartSpan are no-ops until Setup succeeds with tracing enabled.
func Setup(ctx context.Context, cfg models.TracingConfig, logger *logrus.Logger, opts ...Option) (*Provider, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	p := &Provider{logger: logger}
	if !cfg.Enabled {
		logger.Debug("Tracing disabled")
		return p, nil
	}

	o := setupOptions{stdout: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	exporter, err := newExporter(ctx, cfg, o.stdout)
	if err != nil {
		return nil, err
	}

	p.sdk = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(p.sdk)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	logger.WithFields(logrus.Fields{
		"service":     cfg.ServiceName,
		"sample_rate": cfg.SampleRate,
		"stdout":      cfg.UseStdout,
	}).Info("Tracing enabled")
	return p, nil
}

func newExporter(ctx context.Context, cfg models.TracingConfig, stdout io.Writer) (sdktrace.SpanExporter, error) {
	if cfg.UseStdout {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(stdout))
		if err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		return exp, nil
	}
	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter %s: %w", cfg.OTLPEndpoint, err)
	}
	return exp, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Enabled reports whether spans are being exported.
func (p *Provider) Enabled() bool {
	return p != nil && p.sdk != nil
}

// Shutdown flushes buffered spans, bounded by a short timeout.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := p.sdk.Shutdown(ctx); err != nil {
		return fmt.Errorf("tracing shutdown: %w", err)
	}
	p.logger.Debug("Tracing flushed")
	return nil
}

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError marks the span in ctx as failed. A nil err is ignored.
func RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if err == nil {
		return
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err, trace.WithAttributes(attrs...))
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceID returns the trace id of the span in ctx, or "" when there is none.
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
