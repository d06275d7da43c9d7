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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/playback"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics satisfies the recorder interfaces of the audio packages.
var (
	_ capture.Metrics  = (*Metrics)(nil)
	_ playback.Metrics = (*Metrics)(nil)
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Capture ---

	// CaptureFrames counts microphone blocks handed to the capture pipeline.
	CaptureFrames metric.Int64Counter

	// CaptureDropped counts captured blocks that never reached the
	// transport. Use with attribute:
	//   attribute.String("reason", ...)
	CaptureDropped metric.Int64Counter

	// --- Transport ---

	// TransportSent counts audio chunks handed to the transport session.
	TransportSent metric.Int64Counter

	// TransportEvents counts server events by kind. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	TransportEvents metric.Int64Counter

	// --- Playback ---

	// PlaybackScheduled counts audio units placed on the output timeline.
	PlaybackScheduled metric.Int64Counter

	// PlaybackDropped counts response chunks that could not be scheduled.
	// Use with attribute:
	//   attribute.String("reason", ...)
	PlaybackDropped metric.Int64Counter

	// PlaybackInterruptions counts barge-in events.
	PlaybackInterruptions metric.Int64Counter

	// PlaybackLead tracks how much audio was already queued when a unit was
	// scheduled.
	PlaybackLead metric.Float64Histogram

	// --- Session ---

	// TurnsCompleted counts finalised user/model exchanges.
	TurnsCompleted metric.Int64Counter

	// ActiveSessions tracks the number of live transport sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionStateChanges counts controller status transitions. Use with
	// attribute:
	//   attribute.String("state", ...)
	SessionStateChanges metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// leadBuckets defines histogram bucket boundaries (in seconds) for queued
// playback audio.
var leadBuckets = []float64{
	0, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.CaptureFrames, err = m.Int64Counter("parley.capture.frames",
		metric.WithDescription("Total microphone blocks captured."),
	); err != nil {
		return nil, err
	}
	if met.CaptureDropped, err = m.Int64Counter("parley.capture.dropped",
		metric.WithDescription("Captured blocks dropped before the transport, by reason."),
	); err != nil {
		return nil, err
	}
	if met.TransportSent, err = m.Int64Counter("parley.transport.sent",
		metric.WithDescription("Audio chunks handed to the transport."),
	); err != nil {
		return nil, err
	}
	if met.TransportEvents, err = m.Int64Counter("parley.transport.events",
		metric.WithDescription("Server events received, by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackScheduled, err = m.Int64Counter("parley.playback.scheduled",
		metric.WithDescription("Audio units scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDropped, err = m.Int64Counter("parley.playback.dropped",
		metric.WithDescription("Response chunks dropped before playback, by reason."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackInterruptions, err = m.Int64Counter("parley.playback.interruptions",
		metric.WithDescription("Barge-in interruptions handled."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCompleted, err = m.Int64Counter("parley.turns.completed",
		metric.WithDescription("Finalised conversation turns."),
	); err != nil {
		return nil, err
	}
	if met.SessionStateChanges, err = m.Int64Counter("parley.session.state_changes",
		metric.WithDescription("Session status transitions, by target state."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.PlaybackLead, err = m.Float64Histogram("parley.playback.lead",
		metric.WithDescription("Audio already queued ahead of a newly scheduled unit."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(leadBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.sessions.active",
		metric.WithDescription("Number of live transport sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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

// RecordCaptureFrames adds n captured blocks.
func (m *Metrics) RecordCaptureFrames(ctx context.Context, n int64) {
	if n > 0 {
		m.CaptureFrames.Add(ctx, n)
	}
}

// RecordCaptureDropped adds n dropped blocks for reason.
func (m *Metrics) RecordCaptureDropped(ctx context.Context, reason string, n int64) {
	m.CaptureDropped.Add(ctx, n, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTransportSent adds n chunks handed to the transport.
func (m *Metrics) RecordTransportSent(ctx context.Context, n int64) {
	if n > 0 {
		m.TransportSent.Add(ctx, n)
	}
}

// RecordTransportEvent counts one server event.
func (m *Metrics) RecordTransportEvent(ctx context.Context, provider, kind string) {
	m.TransportEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordPlaybackScheduled counts one scheduled unit and its queue lead.
func (m *Metrics) RecordPlaybackScheduled(ctx context.Context, lead time.Duration) {
	m.PlaybackScheduled.Add(ctx, 1)
	m.PlaybackLead.Record(ctx, lead.Seconds())
}

// RecordPlaybackDropped counts one chunk that could not be scheduled.
func (m *Metrics) RecordPlaybackDropped(ctx context.Context, reason string) {
	m.PlaybackDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordInterruption counts one barge-in.
func (m *Metrics) RecordInterruption(ctx context.Context, _ int) {
	m.PlaybackInterruptions.Add(ctx, 1)
}

// RecordTurnCompleted counts one finalised exchange.
func (m *Metrics) RecordTurnCompleted(ctx context.Context) {
	m.TurnsCompleted.Add(ctx, 1)
}

// RecordStateChange counts one status transition into state.
func (m *Metrics) RecordStateChange(ctx context.Context, state string) {
	m.SessionStateChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}
