// Package wsclient implements the peer-side contract of the quotewire
// real-time protocol: sequenced sends with acknowledgement tracking,
// heartbeats, and exponential-backoff reconnection.
package wsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quotewire/quotewire/internal/slogging"
)

// State is the client's connection state
type State string

const (
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	// StateDisconnected is terminal: reconnect attempts are exhausted or
	// the server closed normally.
	StateDisconnected State = "disconnected"
)

// AckTimeoutError indicates no acknowledgement arrived within the timeout.
// Delivery is unknown, not failed; only idempotent operations may be
// safely retried.
type AckTimeoutError struct {
	Sequence uint64
}

func (e *AckTimeoutError) Error() string {
	return fmt.Sprintf("no acknowledgement for sequence %d; delivery unknown", e.Sequence)
}

// ErrClientClosed is returned for sends on a closed client
var ErrClientClosed = fmt.Errorf("client closed")

// Config holds client configuration
type Config struct {
	URL   string
	Token string

	// AckTimeout bounds SendWithAck; default 5s
	AckTimeout time.Duration
	// HeartbeatInterval between pings while connected; default 30s
	HeartbeatInterval time.Duration
	// BackoffBase is the first reconnect delay; default 1s
	BackoffBase time.Duration
	// BackoffCap limits the doubling; default 10s
	BackoffCap time.Duration
	// MaxReconnectAttempts before the terminal disconnected state; default 5
	MaxReconnectAttempts int

	Dialer *websocket.Dialer

	// OnMessage receives every non-ack frame
	OnMessage func(payload []byte)
	// OnStateChange observes connection state transitions
	OnStateChange func(state State)
}

// BackoffDelay returns the reconnect delay before the given 1-based
// attempt: base doubling per attempt, capped.
func BackoffDelay(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}

// Client is a reconnecting websocket client. Safe for concurrent sends.
type Client struct {
	cfg Config

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	pending map[uint64]chan struct{}

	seq       atomic.Uint64
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a client; call Connect to establish the first connection
func New(cfg Config) *Client {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 10 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	return &Client{
		cfg:     cfg,
		state:   StateDisconnected,
		pending: make(map[uint64]chan struct{}),
		closed:  make(chan struct{}),
	}
}

// Connect dials the server and starts the read and heartbeat loops
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateConnected)

	go c.readLoop(conn)
	go c.heartbeat(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := c.cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

// State returns the current connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

// Send writes one frame with the next sequence number and returns that
// number without waiting for acknowledgement
func (c *Client) Send(ctx context.Context, msgType string, fields map[string]any) (uint64, error) {
	seq := c.seq.Add(1)
	if err := c.write(msgType, seq, fields); err != nil {
		return 0, err
	}
	return seq, nil
}

// SendWithAck writes one frame and waits for the acknowledgement echoing
// its sequence number. A timeout means delivery unknown.
func (c *Client) SendWithAck(ctx context.Context, msgType string, fields map[string]any) error {
	seq := c.seq.Add(1)
	ackCh := make(chan struct{}, 1)

	c.mu.Lock()
	c.pending[seq] = ackCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	if err := c.write(msgType, seq, fields); err != nil {
		return err
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case <-ackCh:
		return nil
	case <-timer.C:
		return &AckTimeoutError{Sequence: seq}
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrClientClosed
	}
}

func (c *Client) write(msgType string, seq uint64, fields map[string]any) error {
	frame := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		frame[k] = v
	}
	frame["type"] = msgType
	frame["sequence"] = seq

	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.state != StateConnected {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	logger := slogging.Get()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				c.setState(StateDisconnected)
				return
			default:
			}
			// A normal closure is final; anything else triggers reconnection
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Info("Server closed connection normally")
				c.setState(StateDisconnected)
				return
			}
			logger.Warn("Connection lost: %v", err)
			c.reconnect()
			return
		}

		// The server batches queued frames into one websocket message
		// joined by newlines
		for _, frame := range bytes.Split(message, []byte{'\n'}) {
			if len(frame) == 0 {
				continue
			}
			c.handleFrame(frame)
		}
	}
}

func (c *Client) handleFrame(frame []byte) {
	var env struct {
		Type     string  `json:"type"`
		Sequence *uint64 `json:"sequence,omitempty"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		slogging.Get().Warn("Dropping malformed frame: %v", err)
		return
	}

	if env.Type == "ack" && env.Sequence != nil {
		c.mu.Lock()
		ackCh, ok := c.pending[*env.Sequence]
		c.mu.Unlock()
		if ok {
			select {
			case ackCh <- struct{}{}:
			default:
			}
		}
		return
	}

	if c.cfg.OnMessage != nil {
		c.cfg.OnMessage(frame)
	}
}

// reconnect retries with exponential backoff until it succeeds or the
// attempt budget is exhausted, then surfaces the terminal state
func (c *Client) reconnect() {
	logger := slogging.Get()
	c.setState(StateReconnecting)

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		delay := BackoffDelay(c.cfg.BackoffBase, c.cfg.BackoffCap, attempt)
		logger.Info("Reconnect attempt %d/%d in %s", attempt, c.cfg.MaxReconnectAttempts, delay)

		select {
		case <-time.After(delay):
		case <-c.closed:
			c.setState(StateDisconnected)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			logger.Warn("Reconnect attempt %d failed: %v", attempt, err)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(StateConnected)

		go c.readLoop(conn)
		go c.heartbeat(conn)
		return
	}

	logger.Error("Reconnect attempts exhausted, giving up")
	c.setState(StateDisconnected)
}

// heartbeat pings on a fixed interval while this connection is current
func (c *Client) heartbeat(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn == conn && c.state == StateConnected
			c.mu.Unlock()
			if !current {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Close performs a normal closure; the client will not reconnect
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			err = conn.Close()
		}
		c.setState(StateDisconnected)
	})
	return err
}
