package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/quotewire/quotewire/auth"
	"github.com/quotewire/quotewire/internal/config"
	"github.com/quotewire/quotewire/internal/slogging"
	"github.com/quotewire/quotewire/internal/telemetry"
)

// ErrSendBufferFull indicates a connection whose outbound queue is full;
// the frame is not delivered and the write pump will close the socket soon.
var ErrSendBufferFull = errors.New("send buffer full")

// Upgrader upgrades HTTP connections to WebSocket
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow all origins for development; restrict in production
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHub wires the real-time fabric together: registry, router,
// sessions, dispatcher and the message handler table.
type WebSocketHub struct {
	Registry   *Registry
	Router     *ChannelRouter
	Sessions   *SessionManager
	Dispatcher *Dispatcher
	Analytics  *AnalyticsRelay

	validator auth.Validator
	messages  *MessageRouter
	metrics   *telemetry.WebSocketMetrics

	heartbeatInterval time.Duration
	inactivityTimeout time.Duration
	writeTimeout      time.Duration
	readLimit         int64
	sendBufferSize    int
}

// NewWebSocketHub builds the hub and registers the teardown cascade:
// unsubscribe-all, then lock release, then the offline transition.
func NewWebSocketHub(cfg *config.Config, validator auth.Validator, store QuoteStore, analytics AnalyticsSource, metrics *telemetry.WebSocketMetrics) *WebSocketHub {
	registry := NewRegistry()
	router := NewChannelRouter(registry, metrics)
	sessions := NewSessionManager(router, store, cfg.WebSocket.LockTTL, cfg.WebSocket.OptimisticEdits)
	dispatcher := NewDispatcher(registry, router, metrics, cfg.WebSocket.NotificationQueueSize, cfg.WebSocket.NotificationTTL)

	hub := &WebSocketHub{
		Registry:          registry,
		Router:            router,
		Sessions:          sessions,
		Dispatcher:        dispatcher,
		validator:         validator,
		metrics:           metrics,
		heartbeatInterval: cfg.WebSocket.HeartbeatInterval,
		inactivityTimeout: cfg.InactivityTimeout(),
		writeTimeout:      cfg.WebSocket.WriteTimeout,
		readLimit:         cfg.WebSocket.ReadLimitBytes,
		sendBufferSize:    cfg.WebSocket.SendBufferSize,
	}
	if analytics != nil {
		hub.Analytics = NewAnalyticsRelay(analytics, router)
	}
	hub.messages = NewMessageRouter()

	registry.OnClosed(func(conn Connection) {
		router.UnsubscribeAll(conn.ID)
		sessions.HandleDisconnect(conn)
	})
	registry.OnUserOffline(dispatcher.HandleUserOffline)

	return hub
}

// AttachBridge connects the hub to the cross-instance fanout bus
func (h *WebSocketHub) AttachBridge(bridge *FanoutBridge) {
	h.Router.SetBridge(bridge)
}

// StartBackground launches the lock and queue janitors until ctx is cancelled
func (h *WebSocketHub) StartBackground(ctx context.Context) {
	go h.Sessions.StartLockJanitor(ctx, h.heartbeatInterval)
	go h.Dispatcher.StartQueueJanitor(ctx, time.Minute)
}

// WSClient is one accepted transport. The registry owns it as a
// MessageSink; everything else sees only its connection ID.
type WSClient struct {
	Hub  *WebSocketHub
	Conn *websocket.Conn

	ConnectionID string
	UserID       string
	Email        string
	Roles        []string
	Class        ConnectionClass
	// QuoteID is set for quote-class connections
	QuoteID string

	Send      chan []byte
	closeOnce sync.Once
}

// Deliver enqueues a frame without blocking. A full buffer is an error the
// caller logs; the slow connection gets closed by its own pump.
func (c *WSClient) Deliver(payload []byte) error {
	select {
	case c.Send <- payload:
		return nil
	default:
		return fmt.Errorf("connection %s: %w", c.ConnectionID, ErrSendBufferFull)
	}
}

// HandleQuoteWS upgrades a collaborative editing connection for one quote
func (h *WebSocketHub) HandleQuoteWS(c *gin.Context) {
	h.handleWS(c, ConnectionClassQuote, c.Param("quote_id"), "")
}

// HandleDashboardWS upgrades a dashboard analytics connection
func (h *WebSocketHub) HandleDashboardWS(c *gin.Context) {
	h.handleWS(c, ConnectionClassDashboard, "", c.Param("dashboard_type"))
}

// HandleNotificationsWS upgrades a notification delivery connection
func (h *WebSocketHub) HandleNotificationsWS(c *gin.Context) {
	h.handleWS(c, ConnectionClassNotification, "", "")
}

func (h *WebSocketHub) handleWS(c *gin.Context, class ConnectionClass, quoteID, dashboardType string) {
	logger := slogging.Get()

	// Validate before accepting; a failed credential gets the documented
	// close code, never an anonymous session.
	identity, authErr := h.validator.Validate(auth.TokenFromRequest(c.Request))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("Failed to upgrade connection: %v", err)
		return
	}

	if authErr != nil {
		logger.Info("Rejecting websocket handshake: %v", authErr)
		msg := websocket.FormatCloseMessage(CloseCodeAuthFailed, "authentication failed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.writeTimeout))
		_ = conn.Close()
		return
	}

	client := &WSClient{
		Hub:     h,
		Conn:    conn,
		UserID:  identity.UserID,
		Email:   identity.Email,
		Roles:   identity.Roles,
		Class:   class,
		QuoteID: quoteID,
		Send:    make(chan []byte, h.sendBufferSize),
	}

	connID, err := h.Registry.Register(client, identity.UserID, identity.Email, identity.Roles, class)
	if err != nil {
		logger.Warn("Registration failed for user %s: %v", identity.UserID, err)
		_ = conn.Close()
		return
	}
	client.ConnectionID = connID

	ctx := c.Request.Context()
	h.metrics.ConnectionOpened(ctx, string(class))

	// Every connection listens on its user channel for notifications
	h.Router.Subscribe(UserChannel(identity.UserID), connID)
	first := len(h.Registry.ConnectionsForUser(identity.UserID)) == 1

	switch class {
	case ConnectionClassQuote:
		h.Sessions.Join(ctx, quoteID, identity.UserID, connID)
	case ConnectionClassDashboard:
		h.Router.Subscribe(DashboardChannel(dashboardType), connID)
	}

	if first {
		h.Dispatcher.HandleUserOnline(context.Background(), identity.UserID)
	}

	go client.WritePump()
	go client.ReadPump()
}

// teardown unregisters the connection and closes the socket. Safe to call
// more than once; the registry cascade runs exactly once.
func (h *WebSocketHub) teardown(client *WSClient) {
	client.closeOnce.Do(func() {
		h.Registry.Unregister(client.ConnectionID)
		h.metrics.ConnectionClosed(context.Background(), string(client.Class))
		_ = client.Conn.Close()
	})
}

// ReadPump pumps messages from the socket into the message router.
// Messages from one connection are processed in the order received.
func (c *WSClient) ReadPump() {
	logger := slogging.Get()
	defer c.Hub.teardown(c)

	c.Conn.SetReadLimit(c.Hub.readLimit)
	_ = c.Conn.SetReadDeadline(time.Now().Add(c.Hub.inactivityTimeout))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(c.Hub.inactivityTimeout))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("WebSocket read error for connection %s: %v", c.ConnectionID, err)
			}
			break
		}
		// Any inbound traffic counts as liveness
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.Hub.inactivityTimeout))

		c.Hub.messages.Route(c, message)
	}
}

// WritePump pumps frames from the send queue to the socket and pings on
// the heartbeat interval
func (c *WSClient) WritePump() {
	ticker := time.NewTicker(c.Hub.heartbeatInterval)
	defer func() {
		ticker.Stop()
		c.Hub.teardown(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(c.Hub.writeTimeout))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Drain queued frames into the same write
			n := len(c.Send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(c.Hub.writeTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendMessage marshals and enqueues a frame for this connection only
func (c *WSClient) sendMessage(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		slogging.Get().Error("Failed to marshal outbound frame for connection %s: %v", c.ConnectionID, err)
		return
	}
	if err := c.Deliver(payload); err != nil {
		slogging.Get().Warn("Failed to deliver frame to connection %s: %v", c.ConnectionID, err)
	}
}

// sendError reports a connection-local failure without disconnecting
func (c *WSClient) sendError(code, message string, sequence *uint64) {
	c.sendMessage(ErrorMessage{
		Type:     MessageTypeError,
		Code:     code,
		Message:  message,
		Sequence: sequence,
	})
}

// sendAck confirms a sequenced frame was processed
func (c *WSClient) sendAck(sequence uint64) {
	c.sendMessage(AckMessage{
		Type:     MessageTypeAck,
		Sequence: sequence,
	})
}
