package api

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*Registry, *ChannelRouter) {
	t.Helper()
	registry := NewRegistry()
	return registry, NewChannelRouter(registry, nil)
}

func registerSink(t *testing.T, registry *Registry, userID string) (string, *testSink) {
	t.Helper()
	sink := &testSink{}
	connID, err := registry.Register(sink, userID, "", nil, ConnectionClassQuote)
	require.NoError(t, err)
	return connID, sink
}

func TestRouterSubscribeIdempotent(t *testing.T) {
	registry, router := newTestRouter(t)
	connID, sink := registerSink(t, registry, "user-1")

	router.Subscribe("quote:q1", connID)
	router.Subscribe("quote:q1", connID)

	assert.Equal(t, []string{connID}, router.Subscribers("quote:q1"))

	delivered := router.PublishLocal("quote:q1", []byte(`{"type":"pong"}`), "")
	assert.Equal(t, 1, delivered)
	assert.Len(t, sink.Frames(), 1, "double subscription must not double deliver")
}

func TestRouterOriginExcluded(t *testing.T) {
	registry, router := newTestRouter(t)
	sender, senderSink := registerSink(t, registry, "user-1")
	receiver, receiverSink := registerSink(t, registry, "user-2")

	router.Subscribe("quote:q1", sender)
	router.Subscribe("quote:q1", receiver)

	delivered := router.PublishLocal("quote:q1", []byte(`{"type":"pong"}`), sender)
	assert.Equal(t, 1, delivered)
	assert.Empty(t, senderSink.Frames())
	assert.Len(t, receiverSink.Frames(), 1)
}

func TestRouterFailedDeliveryDoesNotAbort(t *testing.T) {
	registry, router := newTestRouter(t)

	broken := &testSink{fail: true}
	brokenID, err := registry.Register(broken, "user-1", "", nil, ConnectionClassQuote)
	require.NoError(t, err)
	healthy, healthySink := registerSink(t, registry, "user-2")

	router.Subscribe("quote:q1", brokenID)
	router.Subscribe("quote:q1", healthy)

	delivered := router.PublishLocal("quote:q1", []byte(`{"type":"pong"}`), "")
	assert.Equal(t, 1, delivered)
	assert.Len(t, healthySink.Frames(), 1)
}

func TestRouterUnsubscribeAll(t *testing.T) {
	registry, router := newTestRouter(t)
	connID, sink := registerSink(t, registry, "user-1")

	router.Subscribe("quote:q1", connID)
	router.Subscribe("dashboard:sales", connID)
	router.Subscribe("user:user-1", connID)

	router.UnsubscribeAll(connID)

	assert.Empty(t, router.Subscribers("quote:q1"))
	assert.Empty(t, router.Subscribers("dashboard:sales"))
	assert.Empty(t, router.Subscribers("user:user-1"))

	router.PublishLocal("quote:q1", []byte(`{}`), "")
	assert.Empty(t, sink.Frames())
}

func TestRouterUnsubscribeUnknownIsNoop(t *testing.T) {
	_, router := newTestRouter(t)
	router.Unsubscribe("quote:q1", "never-subscribed")
	router.UnsubscribeAll("never-subscribed")
	assert.Empty(t, router.Subscribers("quote:q1"))
}

// relayRecorder stands in for the fanout bridge
type relayRecorder struct {
	calls int
	err   error
}

func (r *relayRecorder) Relay(ctx context.Context, channel string, payload []byte) error {
	r.calls++
	return r.err
}

func TestRouterPublishRelaysToBridge(t *testing.T) {
	registry, router := newTestRouter(t)
	connID, sink := registerSink(t, registry, "user-1")
	router.Subscribe("quote:q1", connID)

	bridge := &relayRecorder{}
	router.SetBridge(bridge)

	delivered := router.Publish(context.Background(), "quote:q1", []byte(`{"type":"pong"}`), "")
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, bridge.calls)
	assert.Len(t, sink.Frames(), 1)
}

func TestRouterPublishDegradesOnBusFailure(t *testing.T) {
	registry, router := newTestRouter(t)
	connID, sink := registerSink(t, registry, "user-1")
	router.Subscribe("quote:q1", connID)

	router.SetBridge(&relayRecorder{err: errors.New("bus down")})

	delivered := router.Publish(context.Background(), "quote:q1", []byte(`{"type":"pong"}`), "")
	assert.Equal(t, 1, delivered, "local delivery proceeds when the bus is down")
	assert.Len(t, sink.Frames(), 1)
}

func TestChannelNaming(t *testing.T) {
	assert.Equal(t, "quote:q1", QuoteChannel("q1"))
	assert.Equal(t, "dashboard:sales", DashboardChannel("sales"))
	assert.Equal(t, "user:u1", UserChannel("u1"))
}
