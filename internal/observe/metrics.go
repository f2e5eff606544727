// Package observe provides application-wide observability primitives for
// livevoice: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all livevoice metrics.
const meterName = "github.com/MrWong99/livevoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Session lifecycle ---

	// SessionStarts counts session start attempts. Use with attribute:
	//   attribute.String("status", "ok"|"rejected")
	SessionStarts metric.Int64Counter

	// SessionErrors counts sessions that ended in the Error state. Use with
	// attribute: attribute.String("kind", "resource_acquisition"|"transport")
	SessionErrors metric.Int64Counter

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ConnectDuration tracks the time from Start until the endpoint is ready.
	ConnectDuration metric.Float64Histogram

	// --- Capture ---

	// ChunksSent counts encoded chunks delivered to the endpoint.
	ChunksSent metric.Int64Counter

	// FramesDropped counts captured frames that were not sent. Use with
	// attribute: attribute.String("reason", "not_ready"|"invalid_frame"|"empty")
	FramesDropped metric.Int64Counter

	// --- Playback ---

	// BuffersScheduled counts playback buffers handed to the output sink.
	BuffersScheduled metric.Int64Counter

	// LateArrivalGap tracks how far behind the playback clock the cursor was
	// when a buffer arrived late (an audible gap).
	LateArrivalGap metric.Float64Histogram

	// Interrupts counts playback flushes. Use with attribute:
	//   attribute.String("source", "remote"|"caller"|"drain")
	Interrupts metric.Int64Counter

	// HandlesCancelled counts playback buffers cancelled by a flush.
	HandlesCancelled metric.Int64Counter

	// MalformedChunks counts inbound audio chunks that failed to decode.
	MalformedChunks metric.Int64Counter

	// --- Transcript & events ---

	// TranscriptFragments counts received transcription fragments. Use with
	// attribute: attribute.String("role", ...)
	TranscriptFragments metric.Int64Counter

	// EventsDropped counts session events a slow subscriber missed.
	EventsDropped metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// gapBuckets defines histogram bucket boundaries (in seconds) for playback
// gaps, which are typically a few audio frames long.
var gapBuckets = []float64{
	0.005, 0.01, 0.02, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Session lifecycle.
	if met.SessionStarts, err = m.Int64Counter("livevoice.session.starts",
		metric.WithDescription("Total session start attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("livevoice.session.errors",
		metric.WithDescription("Total sessions that ended in error, by kind."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("livevoice.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("livevoice.session.connect.duration",
		metric.WithDescription("Latency from session start until the endpoint is ready."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Capture.
	if met.ChunksSent, err = m.Int64Counter("livevoice.capture.chunks_sent",
		metric.WithDescription("Total encoded audio chunks sent to the endpoint."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("livevoice.capture.frames_dropped",
		metric.WithDescription("Total captured frames dropped before sending, by reason."),
	); err != nil {
		return nil, err
	}

	// Playback.
	if met.BuffersScheduled, err = m.Int64Counter("livevoice.playback.buffers_scheduled",
		metric.WithDescription("Total playback buffers scheduled on the output device."),
	); err != nil {
		return nil, err
	}
	if met.LateArrivalGap, err = m.Float64Histogram("livevoice.playback.late_arrival_gap",
		metric.WithDescription("Audible gap caused by buffers arriving after the cursor."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(gapBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Interrupts, err = m.Int64Counter("livevoice.playback.interrupts",
		metric.WithDescription("Total playback flushes by source."),
	); err != nil {
		return nil, err
	}
	if met.HandlesCancelled, err = m.Int64Counter("livevoice.playback.handles_cancelled",
		metric.WithDescription("Total scheduled buffers cancelled by a flush."),
	); err != nil {
		return nil, err
	}
	if met.MalformedChunks, err = m.Int64Counter("livevoice.playback.malformed_chunks",
		metric.WithDescription("Total inbound audio chunks that could not be decoded."),
	); err != nil {
		return nil, err
	}

	// Transcript & events.
	if met.TranscriptFragments, err = m.Int64Counter("livevoice.transcript.fragments",
		metric.WithDescription("Total transcription fragments received, by role."),
	); err != nil {
		return nil, err
	}
	if met.EventsDropped, err = m.Int64Counter("livevoice.events.dropped",
		metric.WithDescription("Total session events dropped for slow subscribers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livevoice.http.request.duration",
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

// RecordSessionStart records a start attempt with the given status.
func (m *Metrics) RecordSessionStart(ctx context.Context, status string) {
	m.SessionStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSessionError records a session that ended in the Error state.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordFrameDropped records a captured frame that was not sent.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordInterrupt records a playback flush and the number of buffers it
// cancelled.
func (m *Metrics) RecordInterrupt(ctx context.Context, source string, cancelled int) {
	m.Interrupts.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	if cancelled > 0 {
		m.HandlesCancelled.Add(ctx, int64(cancelled))
	}
}

// RecordLateArrival records the audible gap left by a late buffer.
func (m *Metrics) RecordLateArrival(ctx context.Context, gap time.Duration) {
	m.LateArrivalGap.Record(ctx, gap.Seconds())
}

// RecordTranscriptFragment records one transcription fragment.
func (m *Metrics) RecordTranscriptFragment(ctx context.Context, role string) {
	m.TranscriptFragments.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}
