// ABOUTME: OpenTelemetry instruments for the streaming core
// ABOUTME: Sessions, envelopes, deliveries, dropped subscribers, and live connections

package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// ScopeName is the instrumentation scope used for the global meter.
const ScopeName = "github.com/2389/coven-stream"

// Metrics records streaming-core measurements. A nil *Metrics is valid and
// records nothing, so components can take one as an optional dependency.
type Metrics struct {
	sessionsStarted  metric.Int64Counter
	sessionsEnded    metric.Int64Counter
	envelopes        metric.Int64Counter
	deliveries       metric.Int64Counter
	dropped          metric.Int64Counter
	inboundRejected  metric.Int64Counter
	connections      metric.Int64UpDownCounter
	deliveryDuration metric.Float64Histogram
}

// New creates the instruments on the given meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.sessionsStarted, err = meter.Int64Counter("coven_stream.sessions.started",
		metric.WithDescription("Sessions created")); err != nil {
		return nil, fmt.Errorf("sessions.started: %w", err)
	}
	if m.sessionsEnded, err = meter.Int64Counter("coven_stream.sessions.ended",
		metric.WithDescription("Sessions that reached a terminal state, by outcome")); err != nil {
		return nil, fmt.Errorf("sessions.ended: %w", err)
	}
	if m.envelopes, err = meter.Int64Counter("coven_stream.envelopes.published",
		metric.WithDescription("Envelopes accepted for fan-out, by kind")); err != nil {
		return nil, fmt.Errorf("envelopes.published: %w", err)
	}
	if m.deliveries, err = meter.Int64Counter("coven_stream.deliveries",
		metric.WithDescription("Envelopes handed to a connection's outbound queue")); err != nil {
		return nil, fmt.Errorf("deliveries: %w", err)
	}
	if m.dropped, err = meter.Int64Counter("coven_stream.subscribers.dropped",
		metric.WithDescription("Subscribers removed after a failed delivery, by reason")); err != nil {
		return nil, fmt.Errorf("subscribers.dropped: %w", err)
	}
	if m.inboundRejected, err = meter.Int64Counter("coven_stream.inbound.rejected",
		metric.WithDescription("Inbound messages rejected, by reason")); err != nil {
		return nil, fmt.Errorf("inbound.rejected: %w", err)
	}
	if m.connections, err = meter.Int64UpDownCounter("coven_stream.connections.open",
		metric.WithDescription("Open client connections")); err != nil {
		return nil, fmt.Errorf("connections.open: %w", err)
	}
	if m.deliveryDuration, err = meter.Float64Histogram("coven_stream.delivery.duration",
		metric.WithDescription("Time spent handing one envelope to one subscriber"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("delivery.duration: %w", err)
	}

	return m, nil
}

// Global creates the instruments on the global meter provider. Exporters are
// configured by installing a provider with otel.SetMeterProvider.
func Global() (*Metrics, error) {
	return New(otel.Meter(ScopeName))
}

// Noop returns instruments that record nothing.
func Noop() *Metrics {
	m, _ := New(noop.NewMeterProvider().Meter(ScopeName))
	return m
}

func (m *Metrics) SessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessionsStarted.Add(ctx, 1)
}

// SessionEnded records a terminal outcome ("final_result", "runner_error",
// "idle_timeout", ...).
func (m *Metrics) SessionEnded(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.sessionsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) EnvelopePublished(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.envelopes.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Delivered records one successful delivery and how long it took.
func (m *Metrics) Delivered(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.Add(ctx, 1)
	m.deliveryDuration.Record(ctx, d.Seconds())
}

func (m *Metrics) SubscriberDropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) InboundRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.inboundRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) ConnectionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, 1)
}

func (m *Metrics) ConnectionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, -1)
}
