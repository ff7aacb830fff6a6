package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quotewire/quotewire/internal/slogging"
	"github.com/quotewire/quotewire/internal/telemetry"
)

// DeliveryState is the lifecycle of a tracked notification
type DeliveryState string

const (
	DeliveryStatePending      DeliveryState = "pending"
	DeliveryStateDelivered    DeliveryState = "delivered"
	DeliveryStateAcknowledged DeliveryState = "acknowledged"
	DeliveryStateExpired      DeliveryState = "expired"
)

// Notification is a single event targeted at a user
type Notification struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// QueuedNotification is a notification held server-side with its delivery state
type QueuedNotification struct {
	Notification Notification
	State        DeliveryState
	EnqueuedAt   time.Time
}

// NotFoundError indicates an acknowledgement for an unknown, already
// acknowledged, or expired notification
type NotFoundError struct {
	NotificationID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("notification %s not found", e.NotificationID)
}

// QueueFullError indicates a notification that could be neither delivered
// nor queued. Undeliverable-and-unqueueable is a reported fault.
type QueueFullError struct {
	UserID string
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("notification queue full for user %s", e.UserID)
}

// BroadcastDeliveryError is a per-recipient failure inside a broadcast.
// Logged and counted; never aborts the batch.
type BroadcastDeliveryError struct {
	ConnectionID string
	Err          error
}

func (e *BroadcastDeliveryError) Error() string {
	return fmt.Sprintf("broadcast delivery to %s failed: %v", e.ConnectionID, e.Err)
}

func (e *BroadcastDeliveryError) Unwrap() error {
	return e.Err
}

// DeliveryReport summarizes a broadcast's partial-delivery outcome
type DeliveryReport struct {
	Delivered int
	Attempted int
}

// Dispatcher delivers notifications to online users immediately, queues a
// bounded backlog for offline users, and tracks acknowledgement.
type Dispatcher struct {
	mu      sync.Mutex
	pending map[string][]*QueuedNotification
	tracked map[string]*QueuedNotification

	registry   *Registry
	router     *ChannelRouter
	metrics    *telemetry.WebSocketMetrics
	queueLimit int
	ttl        time.Duration

	now func() time.Time
}

// NewDispatcher creates a dispatcher with the given per-user queue bound
// and pending-notification TTL
func NewDispatcher(registry *Registry, router *ChannelRouter, metrics *telemetry.WebSocketMetrics, queueLimit int, ttl time.Duration) *Dispatcher {
	return &Dispatcher{
		pending:    make(map[string][]*QueuedNotification),
		tracked:    make(map[string]*QueuedNotification),
		registry:   registry,
		router:     router,
		metrics:    metrics,
		queueLimit: queueLimit,
		ttl:        ttl,
		now:        time.Now,
	}
}

// frame encodes the wire message carrying a notification on a user channel
func notificationFrame(n Notification) ([]byte, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification %s: %w", n.ID, err)
	}
	return json.Marshal(NotificationWireMessage{
		Type:         MessageTypeNotification,
		Notification: body,
		ID:           n.ID,
		Timestamp:    time.Now().UTC(),
	})
}

// Send delivers a notification to every live connection of the target user,
// or queues it when the user is offline. The notification is never dropped
// silently: an unqueueable notification surfaces as QueueFullError.
func (d *Dispatcher) Send(ctx context.Context, userID string, n Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.UserID = userID
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.now().UTC()
	}

	payload, err := notificationFrame(n)
	if err != nil {
		return err
	}

	if len(d.registry.ConnectionsForUser(userID)) > 0 {
		delivered := d.router.PublishLocal(UserChannel(userID), payload, "")
		if delivered > 0 {
			d.track(n, DeliveryStateDelivered)
			return nil
		}
		// Connections existed but every send failed; fall through to queue
		slogging.Get().Warn("All deliveries failed for notification %s to user %s, queueing", n.ID, userID)
	}

	return d.enqueue(ctx, n)
}

func (d *Dispatcher) track(n Notification, state DeliveryState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tracked[n.ID] = &QueuedNotification{
		Notification: n,
		State:        state,
		EnqueuedAt:   d.now().UTC(),
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, n Notification) error {
	d.mu.Lock()
	if len(d.pending[n.UserID]) >= d.queueLimit {
		d.mu.Unlock()
		slogging.Get().Error("Notification queue full for user %s, dropping %s (reported)", n.UserID, n.ID)
		return &QueueFullError{UserID: n.UserID}
	}
	queued := &QueuedNotification{
		Notification: n,
		State:        DeliveryStatePending,
		EnqueuedAt:   d.now().UTC(),
	}
	d.pending[n.UserID] = append(d.pending[n.UserID], queued)
	d.tracked[n.ID] = queued
	d.mu.Unlock()

	d.metrics.NotificationQueued(ctx, 1)
	slogging.Get().Debug("Queued notification %s for offline user %s", n.ID, n.UserID)
	return nil
}

// Acknowledge transitions a delivered notification to acknowledged and
// stops tracking it
func (d *Dispatcher) Acknowledge(notificationID, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	queued, ok := d.tracked[notificationID]
	if !ok || queued.Notification.UserID != userID || queued.State != DeliveryStateDelivered {
		return &NotFoundError{NotificationID: notificationID}
	}
	queued.State = DeliveryStateAcknowledged
	delete(d.tracked, notificationID)
	return nil
}

// HandleUserOnline flushes the user's pending notifications in enqueue
// order and marks them delivered. Wired to the registry's first-connection
// transition.
func (d *Dispatcher) HandleUserOnline(ctx context.Context, userID string) {
	d.mu.Lock()
	backlog := d.pending[userID]
	delete(d.pending, userID)
	d.mu.Unlock()

	if len(backlog) == 0 {
		return
	}

	for _, queued := range backlog {
		payload, err := notificationFrame(queued.Notification)
		if err != nil {
			slogging.Get().Error("Failed to encode queued notification %s: %v", queued.Notification.ID, err)
			continue
		}
		d.router.PublishLocal(UserChannel(userID), payload, "")
		d.mu.Lock()
		queued.State = DeliveryStateDelivered
		d.mu.Unlock()
	}
	d.metrics.NotificationQueued(ctx, -len(backlog))
	slogging.Get().Info("Flushed %d queued notifications to user %s", len(backlog), userID)
}

// HandleUserOffline re-queues delivered-but-unacknowledged notifications so
// they are redelivered on the user's next online transition, preserving the
// original delivery order
func (d *Dispatcher) HandleUserOffline(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var unacked []*QueuedNotification
	for _, queued := range d.tracked {
		if queued.Notification.UserID == userID && queued.State == DeliveryStateDelivered {
			unacked = append(unacked, queued)
		}
	}
	sort.Slice(unacked, func(i, j int) bool {
		return unacked[i].EnqueuedAt.Before(unacked[j].EnqueuedAt)
	})

	for _, queued := range unacked {
		if len(d.pending[userID]) >= d.queueLimit {
			break
		}
		queued.State = DeliveryStatePending
		d.pending[userID] = append(d.pending[userID], queued)
	}
}

// PendingCount returns the number of queued notifications for a user
func (d *Dispatcher) PendingCount(userID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending[userID])
}

// State reports the tracked delivery state of a notification
func (d *Dispatcher) State(notificationID string) (DeliveryState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	queued, ok := d.tracked[notificationID]
	if !ok {
		return "", false
	}
	return queued.State, true
}

// Broadcast fans a notification out to every connected user matching the
// optional role filter, in parallel. Partial failure never aborts the
// batch; the report counts delivered versus attempted.
func (d *Dispatcher) Broadcast(ctx context.Context, n Notification, targetRoles []string) (DeliveryReport, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.now().UTC()
	}
	payload, err := notificationFrame(n)
	if err != nil {
		return DeliveryReport{}, err
	}

	var targets []string
	for _, userID := range d.registry.ConnectedUsers() {
		for _, connID := range d.registry.ConnectionsForUser(userID) {
			conn, ok := d.registry.Lookup(connID)
			if !ok {
				continue
			}
			if matchesRoles(conn.Roles, targetRoles) {
				targets = append(targets, connID)
			}
		}
	}

	var failures atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for _, connID := range targets {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				failures.Add(1)
				return nil
			default:
			}
			if err := d.registry.Deliver(connID, payload); err != nil {
				failures.Add(1)
				dErr := &BroadcastDeliveryError{ConnectionID: connID, Err: err}
				slogging.Get().Warn("%v", dErr)
				d.metrics.DeliveryFailed(gctx, "broadcast")
			}
			return nil
		})
	}
	// Workers never return errors; partial failure is counted, not raised
	_ = g.Wait()

	report := DeliveryReport{
		Attempted: len(targets),
		Delivered: len(targets) - int(failures.Load()),
	}
	slogging.Get().Info("Broadcast %s delivered to %d of %d connections", n.ID, report.Delivered, report.Attempted)
	return report, nil
}

func matchesRoles(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

// StartQueueJanitor expires pending notifications older than the TTL on a
// fixed interval
func (d *Dispatcher) StartQueueJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.expireStale(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) expireStale(ctx context.Context) {
	cutoff := d.now().UTC().Add(-d.ttl)
	expired := 0

	d.mu.Lock()
	for userID, queue := range d.pending {
		kept := queue[:0]
		for _, queued := range queue {
			if queued.EnqueuedAt.Before(cutoff) {
				queued.State = DeliveryStateExpired
				delete(d.tracked, queued.Notification.ID)
				expired++
				continue
			}
			kept = append(kept, queued)
		}
		if len(kept) == 0 {
			delete(d.pending, userID)
		} else {
			d.pending[userID] = kept
		}
	}
	d.mu.Unlock()

	if expired > 0 {
		d.metrics.NotificationQueued(ctx, -expired)
		slogging.Get().Info("Expired %d stale queued notifications", expired)
	}
}
