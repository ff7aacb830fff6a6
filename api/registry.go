package api

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quotewire/quotewire/internal/slogging"
)

// ConnectionClass describes what a connection is used for
type ConnectionClass string

const (
	ConnectionClassGeneral      ConnectionClass = "general"
	ConnectionClassQuote        ConnectionClass = "quote"
	ConnectionClassDashboard    ConnectionClass = "dashboard"
	ConnectionClassNotification ConnectionClass = "notification"
)

// MessageSink is a connection's outbound transport handle. The Registry is
// its sole owner; every other component refers to connections by ID.
type MessageSink interface {
	// Deliver enqueues one frame for the connection. It must not block;
	// a full outbound buffer is an error.
	Deliver(payload []byte) error
}

// Connection is a live registered connection
type Connection struct {
	ID            string
	UserID        string
	Email         string
	Roles         []string
	Class         ConnectionClass
	EstablishedAt time.Time

	sink MessageSink
}

// DuplicateConnectionError indicates the same transport was registered twice
type DuplicateConnectionError struct {
	ConnectionID string
}

func (e *DuplicateConnectionError) Error() string {
	return fmt.Sprintf("transport already registered as connection %s", e.ConnectionID)
}

// ErrConnectionNotFound is returned for lookups of unknown connection IDs
var ErrConnectionNotFound = fmt.Errorf("connection not found")

// Registry tracks live connections and their owning users. A single mutex
// guards all maps; critical sections never perform I/O.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	byTransport map[MessageSink]string
	byUser      map[string]map[string]struct{}

	onClosed      []func(conn Connection)
	onUserOffline []func(userID string)
}

// NewRegistry creates an empty connection registry
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		byTransport: make(map[MessageSink]string),
		byUser:      make(map[string]map[string]struct{}),
	}
}

// OnClosed registers a teardown callback invoked after a connection is
// removed. Callbacks run outside the registry lock, in registration order;
// they are how channel subscriptions and field locks get released.
func (r *Registry) OnClosed(fn func(conn Connection)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClosed = append(r.onClosed, fn)
}

// OnUserOffline registers a callback invoked when a user's connection set
// becomes empty
func (r *Registry) OnUserOffline(fn func(userID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUserOffline = append(r.onUserOffline, fn)
}

// Register adds a connection for the given transport and returns its ID.
// Registering the same transport twice fails with DuplicateConnectionError.
func (r *Registry) Register(sink MessageSink, userID, email string, roles []string, class ConnectionClass) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byTransport[sink]; ok {
		return "", &DuplicateConnectionError{ConnectionID: existing}
	}

	conn := &Connection{
		ID:            uuid.New().String(),
		UserID:        userID,
		Email:         email,
		Roles:         roles,
		Class:         class,
		EstablishedAt: time.Now().UTC(),
		sink:          sink,
	}

	r.connections[conn.ID] = conn
	r.byTransport[sink] = conn.ID
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]struct{})
	}
	r.byUser[userID][conn.ID] = struct{}{}

	slogging.Get().Debug("Registered connection %s for user %s (class=%s)", conn.ID, userID, class)
	return conn.ID, nil
}

// Unregister removes a connection. It is idempotent and safe to call
// concurrently with an in-flight disconnect; cleanup callbacks run exactly
// once per connection.
func (r *Registry) Unregister(connectionID string) {
	r.mu.Lock()
	conn, ok := r.connections[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}

	delete(r.connections, connectionID)
	delete(r.byTransport, conn.sink)
	lastForUser := false
	if userConns, ok := r.byUser[conn.UserID]; ok {
		delete(userConns, connectionID)
		if len(userConns) == 0 {
			delete(r.byUser, conn.UserID)
			lastForUser = true
		}
	}
	closed := r.onClosed
	offline := r.onUserOffline
	connCopy := *conn
	r.mu.Unlock()

	// Cascade outside the lock: unsubscribe channels, release locks, then
	// report the offline transition once the user's last connection is gone.
	for _, fn := range closed {
		fn(connCopy)
	}
	if lastForUser {
		for _, fn := range offline {
			fn(connCopy.UserID)
		}
	}

	slogging.Get().Debug("Unregistered connection %s for user %s", connectionID, connCopy.UserID)
}

// Lookup returns the connection with the given ID
func (r *Registry) Lookup(connectionID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.connections[connectionID]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// ConnectionsForUser returns the IDs of all connections owned by a user.
// Multiple IDs mean multi-device presence.
func (r *Registry) ConnectionsForUser(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		ids = append(ids, id)
	}
	return ids
}

// ConnectedUsers returns the IDs of all users with at least one connection
func (r *Registry) ConnectedUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		users = append(users, userID)
	}
	return users
}

// Count returns the number of live connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// Deliver hands a frame to the connection's transport. Only the registry
// touches the sink.
func (r *Registry) Deliver(connectionID string, payload []byte) error {
	r.mu.RLock()
	conn, ok := r.connections[connectionID]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("deliver to %s: %w", connectionID, ErrConnectionNotFound)
	}
	return conn.sink.Deliver(payload)
}
