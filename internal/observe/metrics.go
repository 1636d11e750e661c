// Package observe provides application-wide observability primitives for
// callbridge: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// installs a Prometheus exporter whose registry is scraped through
// [Telemetry.MetricsHandler]. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all callbridge metrics.
const meterName = "github.com/MrWong99/callbridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Admission ---

	// ActiveCalls tracks the number of admitted carrier streams.
	ActiveCalls metric.Int64UpDownCounter

	// RejectedConnections counts refused streams. Use with attribute:
	//   attribute.String("reason", ...)
	RejectedConnections metric.Int64Counter

	// DroppedPackets counts media frames dropped by the packet rate limit.
	DroppedPackets metric.Int64Counter

	// OversizedFrames counts media frames rejected for exceeding the payload ceiling.
	OversizedFrames metric.Int64Counter

	// DegradedSessions counts calls that run without a speech-AI session.
	DegradedSessions metric.Int64Counter

	// --- Transcript pipeline ---

	// TranscriptRecords counts buffered transcript turns. Use with attribute:
	//   attribute.String("role", ...)
	TranscriptRecords metric.Int64Counter

	// FlushDuration tracks how long a transcript batch commit takes.
	FlushDuration metric.Float64Histogram

	// FlushFailures counts failed batch commits.
	FlushFailures metric.Int64Counter

	// --- Workflows ---

	// Offers counts offer state transitions. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("outcome", ...)
	Offers metric.Int64Counter

	// Transfers counts executed call redirects. Use with attribute:
	//   attribute.String("status", ...)
	Transfers metric.Int64Counter

	// --- Finalization ---

	// CallDuration tracks the duration of finished calls.
	CallDuration metric.Float64Histogram

	// FinalizeErrors counts failed finalization steps. Use with attribute:
	//   attribute.String("step", ...)
	FinalizeErrors metric.Int64Counter

	// --- Providers ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// storage and provider round trips.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// callBuckets defines histogram bucket boundaries (in seconds) for phone
// call durations.
var callBuckets = []float64{
	10, 30, 60, 120, 300, 600, 1200, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("callbridge.active_calls",
		metric.WithDescription("Number of admitted carrier media streams."),
	); err != nil {
		return nil, err
	}

	// Counters.
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.RejectedConnections, "callbridge.connections.rejected", "Carrier streams refused by reason."},
		{&met.DroppedPackets, "callbridge.packets.dropped", "Media frames dropped by the packet rate limit."},
		{&met.OversizedFrames, "callbridge.frames.oversized", "Media frames rejected for exceeding the payload ceiling."},
		{&met.DegradedSessions, "callbridge.sessions.degraded", "Calls running without a speech-AI session."},
		{&met.TranscriptRecords, "callbridge.transcript.records", "Transcript turns buffered by role."},
		{&met.FlushFailures, "callbridge.flush.failures", "Failed transcript batch commits."},
		{&met.Offers, "callbridge.workflow.offers", "Workflow offer transitions by kind and outcome."},
		{&met.Transfers, "callbridge.workflow.transfers", "Executed call redirects by status."},
		{&met.FinalizeErrors, "callbridge.finalize.errors", "Failed finalization steps by step."},
		{&met.ProviderRequests, "callbridge.provider.requests", "Total provider API requests by provider, kind, and status."},
		{&met.ProviderErrors, "callbridge.provider.errors", "Total provider errors by provider and kind."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	// Histograms.
	if met.FlushDuration, err = m.Float64Histogram("callbridge.flush.duration",
		metric.WithDescription("Latency of transcript batch commits."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("callbridge.call.duration",
		metric.WithDescription("Duration of finished calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("callbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// RecordRejected records a refused carrier stream.
func (m *Metrics) RecordRejected(ctx context.Context, reason string) {
	m.RejectedConnections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTranscript records one buffered transcript turn.
func (m *Metrics) RecordTranscript(ctx context.Context, role string) {
	m.TranscriptRecords.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordFlush records a batch commit attempt.
func (m *Metrics) RecordFlush(ctx context.Context, d time.Duration, err error) {
	m.FlushDuration.Record(ctx, d.Seconds())
	if err != nil {
		m.FlushFailures.Add(ctx, 1)
	}
}

// RecordOffer records a workflow offer transition such as
// ("transfer", "offered") or ("collaboration", "timed_out").
func (m *Metrics) RecordOffer(ctx context.Context, kind, outcome string) {
	m.Offers.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordTransfer records an executed redirect with status "ok" or "error".
func (m *Metrics) RecordTransfer(ctx context.Context, status string) {
	m.Transfers.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordFinalizeError records a failed finalization step.
func (m *Metrics) RecordFinalizeError(ctx context.Context, step string) {
	m.FinalizeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step)))
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
