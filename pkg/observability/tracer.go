package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerConfig configures distributed tracing of workflow phase
// transitions and bus Request calls (§A "Metrics & tracing").
type TracerConfig struct {
	Enabled      bool    `yaml:"enabled,omitempty"`
	EndpointURL  string  `yaml:"endpoint_url,omitempty"`
	SamplingRate float64 `yaml:"sampling_rate,omitempty"`
	ServiceName  string  `yaml:"service_name,omitempty"`
}

// SetDefaults fills in tracer defaults.
func (c *TracerConfig) SetDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "orchestrator"
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = 1.0
	}
}

// InitGlobalTracer installs a global TracerProvider exporting via OTLP
// over HTTP, or a no-op provider when tracing is disabled.
func InitGlobalTracer(ctx context.Context, cfg TracerConfig) (trace.TracerProvider, error) {
	if !cfg.Enabled {
		return noop.NewTracerProvider(), nil
	}
	cfg.SetDefaults()

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.EndpointURL), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("observability: create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// GetTracer returns a named tracer from the global provider.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
