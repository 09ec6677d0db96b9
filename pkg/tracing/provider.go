package tracing

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace/noop"
)

// Process roles, recorded as the ocrfleet.role resource attribute.
const (
	RoleCoordinator = "coordinator"
	RoleWorker      = "worker"
)

// Options describe one ocrfleet process to the trace backend.
type Options struct {
	// Endpoint is the OTLP/HTTP collector URL. Empty disables export.
	Endpoint string
	// ServiceName defaults to "ocrfleet-<role>".
	ServiceName string
	Role        string
	// SamplingRate applies to root spans; children follow their parent.
	SamplingRate float64
	// Queue is the queue this process consumes from.
	Queue string
}

// Provider owns the process TracerProvider. A disabled Provider installs the
// no-op provider and its Shutdown does nothing.
type Provider struct {
	sdk *sdktrace.TracerProvider
	res *resource.Resource
}

// NewProvider builds a provider for opts and registers it globally.
func NewProvider(ctx context.Context, opts Options) (*Provider, error) {
	if opts.Endpoint == "" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return &Provider{}, nil
	}

	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(opts.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res := resource.NewWithAttributes(semconv.SchemaURL, processAttributes(opts)...)
	sdk := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(opts.SamplingRate)),
	)
	otel.SetTracerProvider(sdk)
	return &Provider{sdk: sdk, res: res}, nil
}

// Enabled reports whether spans are exported.
func (p *Provider) Enabled() bool {
	return p.sdk != nil
}

// Resource returns the resource attached to exported spans, or nil when disabled.
func (p *Provider) Resource() *resource.Resource {
	return p.res
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}

func processAttributes(opts Options) []attribute.KeyValue {
	name := opts.ServiceName
	if name == "" {
		name = "ocrfleet-" + opts.Role
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.ServiceNamespace("ocrfleet"),
		attribute.String("ocrfleet.role", opts.Role),
	}
	if host, err := os.Hostname(); err == nil {
		attrs = append(attrs, semconv.ServiceInstanceID(host))
	}
	if opts.Queue != "" {
		attrs = append(attrs, attribute.String("ocrfleet.queue", opts.Queue))
	}
	return attrs
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}
