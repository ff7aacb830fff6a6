package api

import (
	"context"
	"sync"

	"github.com/quotewire/quotewire/internal/slogging"
	"github.com/quotewire/quotewire/internal/telemetry"
)

// Channel naming convention. The raw strings cross the fanout bus, so the
// convention is part of the cross-instance contract.
const (
	quoteChannelPrefix     = "quote:"
	dashboardChannelPrefix = "dashboard:"
	userChannelPrefix      = "user:"
)

// QuoteChannel names the channel for a collaborative quote session
func QuoteChannel(quoteID string) string {
	return quoteChannelPrefix + quoteID
}

// DashboardChannel names the channel for a dashboard type
func DashboardChannel(dashboardType string) string {
	return dashboardChannelPrefix + dashboardType
}

// UserChannel names the per-user channel notifications are delivered on
func UserChannel(userID string) string {
	return userChannelPrefix + userID
}

// relay publishes a frame to every other server instance
type relay interface {
	Relay(ctx context.Context, channel string, payload []byte) error
}

// ChannelRouter maps logical channels to the local connections subscribed
// to them. Subscription state is purely local; only payloads cross the bus.
type ChannelRouter struct {
	mu           sync.RWMutex
	channels     map[string]map[string]struct{}
	byConnection map[string]map[string]struct{}

	registry *Registry
	bridge   relay
	metrics  *telemetry.WebSocketMetrics
}

// NewChannelRouter creates a router delivering through the given registry
func NewChannelRouter(registry *Registry, metrics *telemetry.WebSocketMetrics) *ChannelRouter {
	return &ChannelRouter{
		channels:     make(map[string]map[string]struct{}),
		byConnection: make(map[string]map[string]struct{}),
		registry:     registry,
		metrics:      metrics,
	}
}

// SetBridge attaches the fanout bridge. Without one, Publish degrades to
// local-only delivery.
func (cr *ChannelRouter) SetBridge(b relay) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.bridge = b
}

// Subscribe adds a connection to a channel. Repeat calls are no-ops.
func (cr *ChannelRouter) Subscribe(channel, connectionID string) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	if cr.channels[channel] == nil {
		cr.channels[channel] = make(map[string]struct{})
	}
	cr.channels[channel][connectionID] = struct{}{}

	if cr.byConnection[connectionID] == nil {
		cr.byConnection[connectionID] = make(map[string]struct{})
	}
	cr.byConnection[connectionID][channel] = struct{}{}
}

// Unsubscribe removes a connection from a channel. Repeat calls are no-ops.
func (cr *ChannelRouter) Unsubscribe(channel, connectionID string) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.removeLocked(channel, connectionID)
}

// UnsubscribeAll removes a connection from every channel it subscribed to.
// Invoked from the registry's teardown cascade.
func (cr *ChannelRouter) UnsubscribeAll(connectionID string) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	for channel := range cr.byConnection[connectionID] {
		cr.removeLocked(channel, connectionID)
	}
}

func (cr *ChannelRouter) removeLocked(channel, connectionID string) {
	if subs, ok := cr.channels[channel]; ok {
		delete(subs, connectionID)
		if len(subs) == 0 {
			delete(cr.channels, channel)
		}
	}
	if chans, ok := cr.byConnection[connectionID]; ok {
		delete(chans, channel)
		if len(chans) == 0 {
			delete(cr.byConnection, connectionID)
		}
	}
}

// Subscribers returns the connections currently subscribed to a channel
func (cr *ChannelRouter) Subscribers(channel string) []string {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	ids := make([]string, 0, len(cr.channels[channel]))
	for id := range cr.channels[channel] {
		ids = append(ids, id)
	}
	return ids
}

// PublishLocal delivers a frame to every local subscriber of a channel,
// excluding originConnectionID. Best-effort multicast: a failed delivery is
// logged and counted, never aborts the remaining subscribers. Returns the
// number of successful deliveries.
func (cr *ChannelRouter) PublishLocal(channel string, payload []byte, originConnectionID string) int {
	cr.mu.RLock()
	targets := make([]string, 0, len(cr.channels[channel]))
	for id := range cr.channels[channel] {
		if id == originConnectionID {
			continue
		}
		targets = append(targets, id)
	}
	cr.mu.RUnlock()

	delivered := 0
	for _, id := range targets {
		if err := cr.registry.Deliver(id, payload); err != nil {
			slogging.Get().Warn("Failed to deliver to connection %s on channel %s: %v", id, channel, err)
			cr.metrics.DeliveryFailed(context.Background(), "transport")
			continue
		}
		delivered++
	}
	if delivered > 0 {
		cr.metrics.BroadcastDelivered(context.Background(), channel, delivered)
	}
	return delivered
}

// Publish delivers locally and relays to every other instance through the
// fanout bridge. A bus failure degrades to local-only delivery with a
// logged warning.
func (cr *ChannelRouter) Publish(ctx context.Context, channel string, payload []byte, originConnectionID string) int {
	delivered := cr.PublishLocal(channel, payload, originConnectionID)

	cr.mu.RLock()
	bridge := cr.bridge
	cr.mu.RUnlock()

	if bridge != nil {
		if err := bridge.Relay(ctx, channel, payload); err != nil {
			slogging.Get().Warn("Fanout relay failed for channel %s, delivered locally only: %v", channel, err)
		}
	}
	return delivered
}
