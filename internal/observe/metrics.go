// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture path ---

	// CaptureWindows counts microphone windows processed, muted or not.
	CaptureWindows metric.Int64Counter

	// MediaSent counts media chunks delivered to the session. Use with
	// attribute: attribute.String("kind", "audio"|"video")
	MediaSent metric.Int64Counter

	// SendFailures counts media sends that errored and were dropped.
	SendFailures metric.Int64Counter

	// --- Playback path ---

	// ChunksScheduled counts audio chunks placed on the playback timeline.
	ChunksScheduled metric.Int64Counter

	// ChunkDuration tracks the audio duration of scheduled chunks.
	ChunkDuration metric.Float64Histogram

	// DecodeErrors counts inbound audio payloads that could not be decoded.
	DecodeErrors metric.Int64Counter

	// Interruptions counts barge-in events that reset the playback timeline.
	Interruptions metric.Int64Counter

	// Resyncs counts timeline re-anchors after playback underruns.
	Resyncs metric.Int64Counter

	// --- Session lifecycle ---

	// SessionStarts counts session start attempts. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	SessionStarts metric.Int64Counter

	// ActiveSessions tracks the number of live sessions (0 or 1 per client).
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// chunkBuckets defines histogram bucket boundaries (in seconds) sized for
// the short audio chunks a realtime model streams.
var chunkBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Capture path.
	if met.CaptureWindows, err = m.Int64Counter("parley.capture.windows",
		metric.WithDescription("Total microphone windows processed."),
	); err != nil {
		return nil, err
	}
	if met.MediaSent, err = m.Int64Counter("parley.media.sent",
		metric.WithDescription("Total media chunks delivered to the session by kind."),
	); err != nil {
		return nil, err
	}
	if met.SendFailures, err = m.Int64Counter("parley.media.send_failures",
		metric.WithDescription("Total media sends that errored and were dropped."),
	); err != nil {
		return nil, err
	}

	// Playback path.
	if met.ChunksScheduled, err = m.Int64Counter("parley.playback.chunks",
		metric.WithDescription("Total audio chunks placed on the playback timeline."),
	); err != nil {
		return nil, err
	}
	if met.ChunkDuration, err = m.Float64Histogram("parley.playback.chunk_duration",
		metric.WithDescription("Audio duration of scheduled chunks."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(chunkBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("parley.playback.decode_errors",
		metric.WithDescription("Total inbound audio payloads that failed to decode."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("parley.playback.interruptions",
		metric.WithDescription("Total barge-in events that reset the playback timeline."),
	); err != nil {
		return nil, err
	}
	if met.Resyncs, err = m.Int64Counter("parley.playback.resyncs",
		metric.WithDescription("Total timeline re-anchors after playback underruns."),
	); err != nil {
		return nil, err
	}

	// Session lifecycle.
	if met.SessionStarts, err = m.Int64Counter("parley.session.starts",
		metric.WithDescription("Total session start attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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

// RecordMediaSent records one delivered media chunk of the given kind.
func (m *Metrics) RecordMediaSent(ctx context.Context, kind string) {
	m.MediaSent.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordSessionStart records one session start attempt with its outcome.
func (m *Metrics) RecordSessionStart(ctx context.Context, status string) {
	m.SessionStarts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
