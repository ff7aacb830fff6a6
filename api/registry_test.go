package api

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSink is an in-memory MessageSink capturing delivered frames
type testSink struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
}

func (s *testSink) Deliver(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink failure")
	}
	s.frames = append(s.frames, append([]byte(nil), payload...))
	return nil
}

func (s *testSink) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}

// Types decodes the type discriminator of every captured frame
func (s *testSink) Types() []string {
	var types []string
	for _, frame := range s.Frames() {
		var env Envelope
		if err := json.Unmarshal(frame, &env); err == nil {
			types = append(types, env.Type)
		}
	}
	return types
}

func (s *testSink) CountType(msgType string) int {
	n := 0
	for _, t := range s.Types() {
		if t == msgType {
			n++
		}
	}
	return n
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	registry := NewRegistry()
	sink := &testSink{}

	connID, err := registry.Register(sink, "user-1", "u1@example.com", []string{"agent"}, ConnectionClassQuote)
	require.NoError(t, err)
	require.NotEmpty(t, connID)

	conn, ok := registry.Lookup(connID)
	require.True(t, ok)
	assert.Equal(t, "user-1", conn.UserID)
	assert.Equal(t, "u1@example.com", conn.Email)
	assert.Equal(t, ConnectionClassQuote, conn.Class)
	assert.Equal(t, 1, registry.Count())
}

func TestRegistryDuplicateTransport(t *testing.T) {
	registry := NewRegistry()
	sink := &testSink{}

	first, err := registry.Register(sink, "user-1", "", nil, ConnectionClassGeneral)
	require.NoError(t, err)

	_, err = registry.Register(sink, "user-1", "", nil, ConnectionClassGeneral)
	var dupErr *DuplicateConnectionError
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, first, dupErr.ConnectionID)
	assert.Equal(t, 1, registry.Count())
}

func TestRegistryMultiDevicePresence(t *testing.T) {
	registry := NewRegistry()

	laptop, err := registry.Register(&testSink{}, "user-1", "", nil, ConnectionClassQuote)
	require.NoError(t, err)
	phone, err := registry.Register(&testSink{}, "user-1", "", nil, ConnectionClassNotification)
	require.NoError(t, err)

	ids := registry.ConnectionsForUser("user-1")
	assert.ElementsMatch(t, []string{laptop, phone}, ids)
	assert.Equal(t, []string{"user-1"}, registry.ConnectedUsers())
}

func TestRegistryUnregisterIdempotent(t *testing.T) {
	registry := NewRegistry()

	closedCalls := 0
	registry.OnClosed(func(conn Connection) {
		closedCalls++
	})

	connID, err := registry.Register(&testSink{}, "user-1", "", nil, ConnectionClassGeneral)
	require.NoError(t, err)

	registry.Unregister(connID)
	registry.Unregister(connID)
	registry.Unregister("no-such-connection")

	assert.Equal(t, 1, closedCalls)
	assert.Equal(t, 0, registry.Count())
}

func TestRegistryOfflineFiresOnLastConnection(t *testing.T) {
	registry := NewRegistry()

	var offline []string
	registry.OnUserOffline(func(userID string) {
		offline = append(offline, userID)
	})

	laptop, err := registry.Register(&testSink{}, "user-1", "", nil, ConnectionClassQuote)
	require.NoError(t, err)
	phone, err := registry.Register(&testSink{}, "user-1", "", nil, ConnectionClassQuote)
	require.NoError(t, err)

	registry.Unregister(laptop)
	assert.Empty(t, offline, "user still has a live connection")

	registry.Unregister(phone)
	assert.Equal(t, []string{"user-1"}, offline)
}

func TestRegistryTeardownCascadeOrder(t *testing.T) {
	registry := NewRegistry()

	var order []string
	registry.OnClosed(func(conn Connection) {
		order = append(order, "closed:"+conn.UserID)
	})
	registry.OnUserOffline(func(userID string) {
		order = append(order, "offline:"+userID)
	})

	connID, err := registry.Register(&testSink{}, "user-1", "", nil, ConnectionClassQuote)
	require.NoError(t, err)
	registry.Unregister(connID)

	require.Equal(t, []string{"closed:user-1", "offline:user-1"}, order)
}

func TestRegistryDeliver(t *testing.T) {
	registry := NewRegistry()
	sink := &testSink{}

	connID, err := registry.Register(sink, "user-1", "", nil, ConnectionClassGeneral)
	require.NoError(t, err)

	require.NoError(t, registry.Deliver(connID, []byte(`{"type":"pong"}`)))
	require.Len(t, sink.Frames(), 1)

	err = registry.Deliver("no-such-connection", []byte(`{}`))
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}
