package api

import (
	"context"
	"encoding/json"
	"errors"
	"runtime/debug"
	"time"

	"github.com/quotewire/quotewire/internal/slogging"
)

// MessageHandler handles one inbound message type
type MessageHandler interface {
	MessageType() string
	HandleMessage(client *WSClient, env Envelope, message []byte) error
}

// MessageRouter dispatches inbound frames to their handlers. Unknown types
// are protocol errors reported back to the sender, never silently ignored.
type MessageRouter struct {
	handlers map[string]MessageHandler
}

// NewMessageRouter creates a router with the default handlers registered
func NewMessageRouter() *MessageRouter {
	router := &MessageRouter{
		handlers: make(map[string]MessageHandler),
	}

	router.RegisterHandler(&QuoteSubscribeHandler{})
	router.RegisterHandler(&QuoteUnsubscribeHandler{})
	router.RegisterHandler(&QuoteEditHandler{})
	router.RegisterHandler(&FieldFocusHandler{})
	router.RegisterHandler(&FieldBlurHandler{})
	router.RegisterHandler(&CursorPositionHandler{})
	router.RegisterHandler(&StartAnalyticsHandler{})
	router.RegisterHandler(&NotificationAcknowledgeHandler{})
	router.RegisterHandler(&PingHandler{})

	return router
}

// RegisterHandler registers a message handler for its type
func (r *MessageRouter) RegisterHandler(handler MessageHandler) {
	r.handlers[handler.MessageType()] = handler
}

// Route decodes the envelope and dispatches to the matching handler.
// Errors local to one connection are reported back to that connection and
// never affect others.
func (r *MessageRouter) Route(client *WSClient, message []byte) {
	logger := slogging.Get()

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("PANIC routing message - Connection: %s, User: %s, Error: %v, Stack: %s",
				client.ConnectionID, client.UserID, rec, debug.Stack())
			client.sendError(ErrorCodeInternal, "internal error", nil)
		}
	}()

	env, err := DecodeEnvelope(message)
	if err != nil {
		var unknownErr *UnknownMessageTypeError
		var serverOnlyErr *ServerOnlyMessageTypeError
		switch {
		case errors.As(err, &serverOnlyErr):
			logger.Warn("Client %s sent server-only message type %q", client.UserID, serverOnlyErr.Type)
			client.sendError(ErrorCodeServerOnlyMessage, err.Error(), env.Sequence)
		case errors.As(err, &unknownErr):
			logger.Warn("Unsupported message type %q from user %s", unknownErr.Type, client.UserID)
			client.sendError(ErrorCodeUnsupportedMessage, err.Error(), env.Sequence)
		default:
			logger.Warn("Malformed frame from connection %s: %v", client.ConnectionID, err)
			client.sendError(ErrorCodeInvalidMessage, "malformed frame", nil)
		}
		return
	}

	client.Hub.metrics.MessageReceived(context.Background(), env.Type)

	handler := r.handlers[env.Type]
	if handler == nil {
		client.sendError(ErrorCodeUnsupportedMessage, "no handler for "+env.Type, env.Sequence)
		return
	}

	if err := handler.HandleMessage(client, env, message); err != nil {
		r.reportError(client, env, err)
		return
	}

	// The sender correlates acknowledgements by echoed sequence number
	if env.Sequence != nil {
		client.sendAck(*env.Sequence)
	}
}

// reportError maps component errors onto structured error frames
func (r *MessageRouter) reportError(client *WSClient, env Envelope, err error) {
	var lockErr *LockConflictError
	var ownerErr *NotLockOwnerError
	var notFoundErr *NotFoundError
	var queueErr *QueueFullError

	switch {
	case errors.As(err, &lockErr):
		client.sendError(ErrorCodeLockConflict, err.Error(), env.Sequence)
	case errors.As(err, &ownerErr):
		client.sendError(ErrorCodeNotLockOwner, err.Error(), env.Sequence)
	case errors.As(err, &notFoundErr):
		client.sendError(ErrorCodeNotFound, err.Error(), env.Sequence)
	case errors.As(err, &queueErr):
		client.sendError(ErrorCodeQueueFull, err.Error(), env.Sequence)
	case errors.Is(err, ErrNotParticipant):
		client.sendError(ErrorCodeInvalidMessage, err.Error(), env.Sequence)
	default:
		slogging.Get().Error("Handler error for %s from connection %s: %v", env.Type, client.ConnectionID, err)
		client.sendError(ErrorCodeInternal, "internal error", env.Sequence)
	}
}

// QuoteSubscribeHandler joins the sender to a quote's collaborative session
type QuoteSubscribeHandler struct{}

func (h *QuoteSubscribeHandler) MessageType() string {
	return MessageTypeQuoteSubscribe
}

func (h *QuoteSubscribeHandler) HandleMessage(client *WSClient, env Envelope, message []byte) error {
	var msg QuoteSubscribeMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return err
	}
	if msg.QuoteID == "" {
		return errors.New("quote_id is required")
	}
	client.Hub.Sessions.Join(context.Background(), msg.QuoteID, client.UserID, client.ConnectionID)
	return nil
}

// QuoteUnsubscribeHandler removes the sender from a quote's session
type QuoteUnsubscribeHandler struct{}

func (h *QuoteUnsubscribeHandler) MessageType() string {
	return MessageTypeQuoteUnsubscribe
}

func (h *QuoteUnsubscribeHandler) HandleMessage(client *WSClient, env Envelope, message []byte) error {
	var msg QuoteUnsubscribeMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return err
	}
	if msg.QuoteID == "" {
		return errors.New("quote_id is required")
	}
	client.Hub.Sessions.Leave(context.Background(), msg.QuoteID, client.UserID, client.ConnectionID)
	return nil
}

// QuoteEditHandler applies a field update under the lock protocol
type QuoteEditHandler struct{}

func (h *QuoteEditHandler) MessageType() string {
	return MessageTypeQuoteEdit
}

func (h *QuoteEditHandler) HandleMessage(client *WSClient, env Envelope, message []byte) error {
	var msg QuoteEditMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return err
	}
	if msg.QuoteID == "" || msg.Field == "" {
		return errors.New("quote_id and field are required")
	}
	return client.Hub.Sessions.UpdateField(context.Background(), msg.QuoteID, msg.Field, msg.Value, client.UserID, client.ConnectionID)
}

// FieldFocusHandler maps focus onto advisory lock acquisition
type FieldFocusHandler struct{}

func (h *FieldFocusHandler) MessageType() string {
	return MessageTypeFieldFocus
}

func (h *FieldFocusHandler) HandleMessage(client *WSClient, env Envelope, message []byte) error {
	var msg FieldFocusMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return err
	}
	if msg.QuoteID == "" || msg.Field == "" {
		return errors.New("quote_id and field are required")
	}
	return client.Hub.Sessions.AcquireLock(context.Background(), msg.QuoteID, msg.Field, client.UserID, client.ConnectionID)
}

// FieldBlurHandler maps blur onto advisory lock release
type FieldBlurHandler struct{}

func (h *FieldBlurHandler) MessageType() string {
	return MessageTypeFieldBlur
}

func (h *FieldBlurHandler) HandleMessage(client *WSClient, env Envelope, message []byte) error {
	var msg FieldBlurMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return err
	}
	if msg.QuoteID == "" || msg.Field == "" {
		return errors.New("quote_id and field are required")
	}
	return client.Hub.Sessions.ReleaseLock(context.Background(), msg.QuoteID, msg.Field, client.UserID, client.ConnectionID)
}

// CursorPositionHandler relays cursor awareness; fire-and-forget
type CursorPositionHandler struct{}

func (h *CursorPositionHandler) MessageType() string {
	return MessageTypeCursorPosition
}

func (h *CursorPositionHandler) HandleMessage(client *WSClient, env Envelope, message []byte) error {
	var msg CursorPositionMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return err
	}
	if msg.QuoteID == "" || msg.Field == "" {
		return errors.New("quote_id and field are required")
	}
	client.Hub.Sessions.UpdateCursor(context.Background(), msg.QuoteID, msg.Field, client.UserID, msg.Position, client.ConnectionID)
	return nil
}

// StartAnalyticsHandler starts a dashboard progress stream for the sender
type StartAnalyticsHandler struct{}

func (h *StartAnalyticsHandler) MessageType() string {
	return MessageTypeStartAnalytics
}

func (h *StartAnalyticsHandler) HandleMessage(client *WSClient, env Envelope, message []byte) error {
	var msg StartAnalyticsMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return err
	}
	if msg.DashboardType == "" {
		return errors.New("dashboard_type is required")
	}
	if client.Hub.Analytics == nil {
		return errors.New("analytics is not configured")
	}
	return client.Hub.Analytics.Start(context.Background(), msg.DashboardType, client.ConnectionID)
}

// NotificationAcknowledgeHandler confirms a delivered notification
type NotificationAcknowledgeHandler struct{}

func (h *NotificationAcknowledgeHandler) MessageType() string {
	return MessageTypeNotificationAcknowledge
}

func (h *NotificationAcknowledgeHandler) HandleMessage(client *WSClient, env Envelope, message []byte) error {
	var msg NotificationAcknowledgeMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return err
	}
	if msg.NotificationID == "" {
		return errors.New("notification_id is required")
	}
	return client.Hub.Dispatcher.Acknowledge(msg.NotificationID, client.UserID)
}

// PingHandler answers application-level pings
type PingHandler struct{}

func (h *PingHandler) MessageType() string {
	return MessageTypePing
}

func (h *PingHandler) HandleMessage(client *WSClient, env Envelope, message []byte) error {
	client.sendMessage(PongMessage{
		Type:      MessageTypePong,
		Timestamp: time.Now().UTC(),
	})
	return nil
}
