package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// WebSocketMetrics provides metric instruments for the real-time fabric.
// Instruments record against the global meter provider; with no SDK
// installed they are no-ops.
type WebSocketMetrics struct {
	meter metric.Meter

	connectionCounter metric.Int64UpDownCounter
	messageCounter    metric.Int64Counter
	broadcastCounter  metric.Int64Counter
	deliveryFailures  metric.Int64Counter
	queuedGauge       metric.Int64UpDownCounter
}

// NewWebSocketMetrics creates the websocket metric instruments
func NewWebSocketMetrics() (*WebSocketMetrics, error) {
	m := &WebSocketMetrics{
		meter: otel.GetMeterProvider().Meter("quotewire/websocket"),
	}

	var err error

	m.connectionCounter, err = m.meter.Int64UpDownCounter(
		"websocket_connections_active",
		metric.WithDescription("Number of active WebSocket connections"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection counter: %w", err)
	}

	m.messageCounter, err = m.meter.Int64Counter(
		"websocket_messages_total",
		metric.WithDescription("Total WebSocket messages processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create message counter: %w", err)
	}

	m.broadcastCounter, err = m.meter.Int64Counter(
		"websocket_broadcast_deliveries_total",
		metric.WithDescription("Total per-recipient broadcast deliveries"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create broadcast counter: %w", err)
	}

	m.deliveryFailures, err = m.meter.Int64Counter(
		"websocket_delivery_failures_total",
		metric.WithDescription("Per-recipient delivery failures"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery failure counter: %w", err)
	}

	m.queuedGauge, err = m.meter.Int64UpDownCounter(
		"notifications_queued",
		metric.WithDescription("Notifications queued for offline users"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queued notifications gauge: %w", err)
	}

	return m, nil
}

// ConnectionOpened records a new connection of the given class
func (m *WebSocketMetrics) ConnectionOpened(ctx context.Context, class string) {
	if m == nil {
		return
	}
	m.connectionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class)))
}

// ConnectionClosed records a connection teardown of the given class
func (m *WebSocketMetrics) ConnectionClosed(ctx context.Context, class string) {
	if m == nil {
		return
	}
	m.connectionCounter.Add(ctx, -1, metric.WithAttributes(attribute.String("class", class)))
}

// MessageReceived records an inbound message by type
func (m *WebSocketMetrics) MessageReceived(ctx context.Context, messageType string) {
	if m == nil {
		return
	}
	m.messageCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", messageType)))
}

// BroadcastDelivered records per-recipient broadcast delivery counts
func (m *WebSocketMetrics) BroadcastDelivered(ctx context.Context, channel string, delivered int) {
	if m == nil {
		return
	}
	m.broadcastCounter.Add(ctx, int64(delivered), metric.WithAttributes(attribute.String("channel", channel)))
}

// DeliveryFailed records a per-recipient delivery failure
func (m *WebSocketMetrics) DeliveryFailed(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.deliveryFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// NotificationQueued adjusts the queued notification gauge
func (m *WebSocketMetrics) NotificationQueued(ctx context.Context, delta int) {
	if m == nil {
		return
	}
	m.queuedGauge.Add(ctx, int64(delta))
}
