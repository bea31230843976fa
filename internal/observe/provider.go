package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures process-wide telemetry.
type ProviderConfig struct {
	// ServiceName defaults to "waypoint".
	ServiceName    string
	ServiceVersion string

	// InstanceID distinguishes replicas behind one load balancer. A random
	// id is generated when empty.
	InstanceID string

	// SampleRatio is the fraction of new traces recorded, in (0, 1]. Zero
	// records every trace. Traces continued from a caller keep the caller's
	// sampling decision.
	SampleRatio float64

	// TraceExporter receives finished spans. When nil spans are sampled for
	// correlation ids and log enrichment but not exported.
	TraceExporter sdktrace.SpanExporter
}

// Resource describes this Waypoint instance.
func (cfg ProviderConfig) Resource() (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "waypoint"
	}
	instance := cfg.InstanceID
	if instance == "" {
		instance = uuid.NewString()
	}
	return resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(name),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.ServiceInstanceID(instance),
		),
	)
}

func (cfg ProviderConfig) sampler() (sdktrace.Sampler, error) {
	switch r := cfg.SampleRatio; {
	case r == 0 || r == 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample()), nil
	case r < 0 || r > 1:
		return nil, fmt.Errorf("observe: sample ratio %v outside (0, 1]", r)
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(r)), nil
	}
}

// InitProvider installs the global meter provider, backed by the Prometheus
// exporter served on /metrics, the global tracer provider and the W3C
// [Propagator]. The returned function flushes and stops both providers.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := cfg.Resource()
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}
	sampler, err := cfg.sampler()
	if err != nil {
		return nil, err
	}

	exporter, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(Propagator)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
