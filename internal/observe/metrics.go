// Package observe provides application-wide observability primitives for
// Waypoint: OpenTelemetry metrics, distributed tracing, and HTTP middleware
// that ties them together with structured logging.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped from the /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ToolDuration records handler latency per dispatch, retries included.
	ToolDuration metric.Float64Histogram

	// ReasoningDuration records the wall time of one reasoning turn.
	ReasoningDuration metric.Float64Histogram

	// ClassifierDuration records safety classifier latency.
	ClassifierDuration metric.Float64Histogram

	// --- Counters ---

	// ToolDispatches counts dispatches by tool and result variant.
	ToolDispatches metric.Int64Counter

	// ProviderRequests counts provider calls by provider, kind and status.
	ProviderRequests metric.Int64Counter

	// SafetyVerdicts counts safety verdicts by stage and verdict.
	SafetyVerdicts metric.Int64Counter

	// --- Gauges (UpDownCounters) ---

	// ActiveSessions tracks live reasoning sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveVoiceBridges tracks voice bridges that are not yet closed.
	ActiveVoiceBridges metric.Int64UpDownCounter

	// --- HTTP ---

	// HTTPRequestDuration records HTTP request latency by method and path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) spanning
// in-process tool calls up to multi-round reasoning turns.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(scope)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ToolDuration, err = m.Float64Histogram("waypoint.tool.duration",
		metric.WithDescription("Latency of tool dispatch including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReasoningDuration, err = m.Float64Histogram("waypoint.reasoning.duration",
		metric.WithDescription("Latency of one reasoning turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ClassifierDuration, err = m.Float64Histogram("waypoint.safety.classifier.duration",
		metric.WithDescription("Latency of the model-based safety classifier."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ToolDispatches, err = m.Int64Counter("waypoint.tool.dispatches",
		metric.WithDescription("Total tool dispatches by tool name and result variant."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("waypoint.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.SafetyVerdicts, err = m.Int64Counter("waypoint.safety.verdicts",
		metric.WithDescription("Total safety verdicts by stage and verdict."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveSessions, err = m.Int64UpDownCounter("waypoint.active_sessions",
		metric.WithDescription("Number of live reasoning sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveVoiceBridges, err = m.Int64UpDownCounter("waypoint.active_voice_bridges",
		metric.WithDescription("Number of open voice bridges."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("waypoint.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordDispatch records one tool dispatch: the counter by variant and the
// latency histogram by tool.
func (m *Metrics) RecordDispatch(ctx context.Context, tool, variant string, elapsed time.Duration) {
	m.ToolDispatches.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("variant", variant),
		),
	)
	m.ToolDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("tool", tool)),
	)
}

// RecordSafetyVerdict records one safety verdict.
func (m *Metrics) RecordSafetyVerdict(ctx context.Context, stage, verdict string) {
	m.SafetyVerdicts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("verdict", verdict),
		),
	)
}
