package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quotewire/quotewire/internal/slogging"
)

// Topic every instance subscribes to. Channel-scoped state stays local;
// only payloads cross the bus.
const fanoutTopic = "quotewire:fanout"

// instanceTopic names the per-instance topic used for directed messages
func instanceTopic(instanceID string) string {
	return fanoutTopic + ":" + instanceID
}

// fanoutEnvelope wraps a published frame for cross-instance relay
type fanoutEnvelope struct {
	OriginServer string          `json:"origin_server"`
	Channel      string          `json:"channel"`
	Message      json.RawMessage `json:"message"`
	Timestamp    time.Time       `json:"timestamp"`
}

// localPublisher is the slice of ChannelRouter the bridge needs
type localPublisher interface {
	PublishLocal(channel string, payload []byte, originConnectionID string) int
}

// FanoutBridge relays channel publishes between server instances over
// Redis pub/sub. Delivery is at-most-once and unordered across instances.
type FanoutBridge struct {
	instanceID string
	client     *redis.Client
	router     localPublisher
	pubsub     *redis.PubSub
	done       chan struct{}
	closeOnce  sync.Once
}

// NewFanoutBridge creates a bridge identified by instanceID on the bus
func NewFanoutBridge(client *redis.Client, instanceID string, router localPublisher) *FanoutBridge {
	return &FanoutBridge{
		instanceID: instanceID,
		client:     client,
		router:     router,
		done:       make(chan struct{}),
	}
}

// InstanceID returns this bridge's identity on the bus
func (b *FanoutBridge) InstanceID() string {
	return b.instanceID
}

// Start subscribes to the global broadcast topic and this instance's topic,
// then consumes the bus until ctx is cancelled or Close is called.
func (b *FanoutBridge) Start(ctx context.Context) error {
	b.pubsub = b.client.Subscribe(ctx, fanoutTopic, instanceTopic(b.instanceID))

	// Confirm the subscription before reporting the bridge as started
	if _, err := b.pubsub.Receive(ctx); err != nil {
		_ = b.pubsub.Close()
		return fmt.Errorf("fanout subscribe failed: %w", err)
	}

	slogging.Get().Info("Fanout bridge started - instance_id: %s", b.instanceID)
	go b.listen(ctx)
	return nil
}

// Relay publishes a frame to the global topic so every other instance
// delivers it to its local subscribers.
func (b *FanoutBridge) Relay(ctx context.Context, channel string, payload []byte) error {
	env := fanoutEnvelope{
		OriginServer: b.instanceID,
		Channel:      channel,
		Message:      payload,
		Timestamp:    time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal fanout envelope: %w", err)
	}
	if err := b.client.Publish(ctx, fanoutTopic, data).Err(); err != nil {
		return fmt.Errorf("fanout publish failed: %w", err)
	}
	return nil
}

// listen consumes the bus and hands foreign-origin frames to the local router
func (b *FanoutBridge) listen(ctx context.Context) {
	logger := slogging.Get()
	ch := b.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case msg, ok := <-ch:
			if !ok {
				logger.Warn("Fanout subscription closed - instance_id: %s", b.instanceID)
				return
			}

			var env fanoutEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Warn("Dropping malformed fanout envelope: %v", err)
				continue
			}
			// Our own publishes already went to local subscribers
			if env.OriginServer == b.instanceID {
				continue
			}

			b.router.PublishLocal(env.Channel, env.Message, "")
		}
	}
}

// Close stops the listener and tears down the subscription. Idempotent.
func (b *FanoutBridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		if b.pubsub != nil {
			err = b.pubsub.Close()
		}
	})
	return err
}
