// Package observe provides application-wide observability primitives for the
// workstation daemon: OpenTelemetry metrics, tracing helpers, structured
// logging, and HTTP middleware that ties them together.
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
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all OpenTelemetry metric instruments for the daemon.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// BroadcastDuration tracks the persist-plus-fan-out latency of one
	// session output event through the router.
	BroadcastDuration metric.Float64Histogram

	// DispatchDuration tracks per-message handling latency in the tunnel
	// server, from decode to response enqueue. Use with attribute:
	//   attribute.String("type", ...)
	DispatchDuration metric.Float64Histogram

	// HTTPRequestDuration tracks ops endpoint latency. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// EventsPublished counts session output events accepted by the router.
	// Use with attribute: attribute.String("kind", ...)
	EventsPublished metric.Int64Counter

	// EventsDropped counts events discarded on subscriber queue overflow or
	// send failure. Use with attribute: attribute.String("reason", ...)
	EventsDropped metric.Int64Counter

	// ReplayRequests counts replay and history page requests. Use with
	// attribute: attribute.String("source", ...)
	ReplayRequests metric.Int64Counter

	// SessionsCreated counts sessions registered. Use with attribute:
	//   attribute.String("kind", ...)
	SessionsCreated metric.Int64Counter

	// SessionsTerminated counts sessions removed. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("reason", ...)
	SessionsTerminated metric.Int64Counter

	// AuthFailures counts rejected device authentications.
	AuthFailures metric.Int64Counter

	// WireErrors counts protocol error payloads sent to clients. Use with
	// attribute: attribute.String("code", ...)
	WireErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions, supervisor included.
	ActiveSessions metric.Int64UpDownCounter

	// ConnectedDevices tracks the number of authenticated device connections.
	ConnectedDevices metric.Int64UpDownCounter

	// ActiveSubscriptions tracks the number of device-session subscriptions.
	ActiveSubscriptions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// in-process fan-out and websocket dispatch latencies.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// instrumentBuilder creates instruments on a meter and keeps the first
// error it hits, so NewMetrics can register everything in one expression.
type instrumentBuilder struct {
	meter metric.Meter
	err   error
}

func (b *instrumentBuilder) fail(name string, err error) {
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("observe: register %s: %w", name, err)
	}
}

// latency registers a histogram bucketed for in-process latencies.
func (b *instrumentBuilder) latency(name, desc string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	b.fail(name, err)
	return h
}

// histogram registers a histogram with the SDK's default buckets.
func (b *instrumentBuilder) histogram(name, desc string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
	)
	b.fail(name, err)
	return h
}

func (b *instrumentBuilder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.fail(name, err)
	return c
}

func (b *instrumentBuilder) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.fail(name, err)
	return g
}

// NewMetrics registers every daemon instrument on a meter from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instrumentBuilder{meter: mp.Meter(scopeName)}

	met := &Metrics{
		BroadcastDuration: b.latency("tiflis.router.broadcast.duration",
			"Latency of persisting and fanning out one session output event."),
		DispatchDuration: b.latency("tiflis.server.dispatch.duration",
			"Per-message handling latency in the tunnel server by message type."),
		HTTPRequestDuration: b.histogram("tiflis.http.request.duration",
			"Ops HTTP request latency by method and path."),

		EventsPublished: b.counter("tiflis.router.events.published",
			"Total session output events accepted by the router, by session kind."),
		EventsDropped: b.counter("tiflis.router.events.dropped",
			"Total events discarded before delivery, by reason."),
		ReplayRequests: b.counter("tiflis.router.replays",
			"Total replay and history page requests, by source."),
		SessionsCreated: b.counter("tiflis.sessions.created",
			"Total sessions registered, by kind."),
		SessionsTerminated: b.counter("tiflis.sessions.terminated",
			"Total sessions terminated, by kind and reason."),
		AuthFailures: b.counter("tiflis.auth.failures",
			"Total rejected device authentications."),
		WireErrors: b.counter("tiflis.wire.errors",
			"Total protocol error payloads sent, by code."),

		ActiveSessions: b.gauge("tiflis.active_sessions",
			"Number of live sessions, supervisor included."),
		ConnectedDevices: b.gauge("tiflis.connected_devices",
			"Number of authenticated device connections."),
		ActiveSubscriptions: b.gauge("tiflis.active_subscriptions",
			"Number of device-session subscriptions."),
	}
	if b.err != nil {
		return nil, b.err
	}
	return met, nil
}

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

// RecordSessionCreated increments the created counter and the active
// sessions gauge.
func (m *Metrics) RecordSessionCreated(ctx context.Context, kind string) {
	m.SessionsCreated.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
	m.ActiveSessions.Add(ctx, 1)
}

// RecordSessionTerminated increments the terminated counter and decrements
// the active sessions gauge.
func (m *Metrics) RecordSessionTerminated(ctx context.Context, kind, reason string) {
	m.SessionsTerminated.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("reason", reason),
		),
	)
	m.ActiveSessions.Add(ctx, -1)
}

// RecordEventPublished increments the published events counter.
func (m *Metrics) RecordEventPublished(ctx context.Context, kind string) {
	m.EventsPublished.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordEventDropped increments the dropped events counter.
func (m *Metrics) RecordEventDropped(ctx context.Context, reason string) {
	m.EventsDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordReplay increments the replay counter. Source distinguishes replay
// requests from history pagination ("replay", "history", "subscribe").
func (m *Metrics) RecordReplay(ctx context.Context, source string) {
	m.ReplayRequests.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordWireError increments the wire error counter for the given code.
func (m *Metrics) RecordWireError(ctx context.Context, code string) {
	m.WireErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("code", code)),
	)
}

// RecordAuthFailure increments the failed-authentication counter.
func (m *Metrics) RecordAuthFailure(ctx context.Context, reason string) {
	m.AuthFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordDispatch times the handling of one ingress frame.
func (m *Metrics) RecordDispatch(ctx context.Context, typ string, d time.Duration) {
	m.DispatchDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("type", typ)),
	)
}
