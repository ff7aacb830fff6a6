package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound message types clients may send. The set is closed: anything else
// is a protocol error, not a silently ignored frame.
const (
	MessageTypeQuoteSubscribe          = "quote_subscribe"
	MessageTypeQuoteUnsubscribe        = "quote_unsubscribe"
	MessageTypeQuoteEdit               = "quote_edit"
	MessageTypeFieldFocus              = "field_focus"
	MessageTypeFieldBlur               = "field_blur"
	MessageTypeCursorPosition          = "cursor_position"
	MessageTypeStartAnalytics          = "start_analytics"
	MessageTypeNotificationAcknowledge = "notification_acknowledge"
	MessageTypePing                    = "ping"
)

// Server-emitted message types
const (
	MessageTypeAck               = "ack"
	MessageTypeError             = "error"
	MessageTypePong              = "pong"
	MessageTypeFieldUpdated      = "field:updated"
	MessageTypeFieldReverted     = "field:reverted"
	MessageTypeFieldLocked       = "field_locked"
	MessageTypeFieldUnlocked     = "field_unlocked"
	MessageTypeParticipantJoined = "participant_joined"
	MessageTypeParticipantLeft   = "participant_left"
	MessageTypeNotification      = "notification"
	MessageTypeAnalyticsProgress = "analytics_progress"
)

// Machine-readable reason codes carried in error frames
const (
	ErrorCodeAuthFailed         = "auth_failed"
	ErrorCodeInvalidMessage     = "invalid_message"
	ErrorCodeUnsupportedMessage = "unsupported_message_type"
	ErrorCodeServerOnlyMessage  = "server_only_message_type"
	ErrorCodeLockConflict       = "lock_conflict"
	ErrorCodeNotLockOwner       = "not_lock_owner"
	ErrorCodeNotFound           = "not_found"
	ErrorCodeValidationFailed   = "validation_failed"
	ErrorCodeQueueFull          = "queue_full"
	ErrorCodeInternal           = "internal_error"
)

// CloseCodeAuthFailed is sent when the handshake credential fails validation.
// Documented part of the wire contract; clients must not retry with the
// same token.
const CloseCodeAuthFailed = 4001

var inboundMessageTypes = map[string]bool{
	MessageTypeQuoteSubscribe:          true,
	MessageTypeQuoteUnsubscribe:        true,
	MessageTypeQuoteEdit:               true,
	MessageTypeFieldFocus:              true,
	MessageTypeFieldBlur:               true,
	MessageTypeCursorPosition:          true,
	MessageTypeStartAnalytics:          true,
	MessageTypeNotificationAcknowledge: true,
	MessageTypePing:                    true,
}

var serverOnlyMessageTypes = map[string]bool{
	MessageTypeAck:               true,
	MessageTypePong:              true,
	MessageTypeFieldUpdated:      true,
	MessageTypeFieldReverted:     true,
	MessageTypeFieldLocked:       true,
	MessageTypeFieldUnlocked:     true,
	MessageTypeParticipantJoined: true,
	MessageTypeParticipantLeft:   true,
	MessageTypeNotification:      true,
	MessageTypeAnalyticsProgress: true,
}

// Envelope is the part of every frame the router needs to dispatch it
type Envelope struct {
	Type     string  `json:"type"`
	Sequence *uint64 `json:"sequence,omitempty"`
}

// UnknownMessageTypeError indicates a frame whose type is outside the
// closed inbound set
type UnknownMessageTypeError struct {
	Type string
}

func (e *UnknownMessageTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Type)
}

// ServerOnlyMessageTypeError indicates a client sent a type only the
// server may emit
type ServerOnlyMessageTypeError struct {
	Type string
}

func (e *ServerOnlyMessageTypeError) Error() string {
	return fmt.Sprintf("message type %q is server-only", e.Type)
}

// DecodeEnvelope parses the discriminator of an inbound frame and rejects
// types outside the protocol.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("malformed frame: missing type")
	}
	if serverOnlyMessageTypes[env.Type] {
		return env, &ServerOnlyMessageTypeError{Type: env.Type}
	}
	if !inboundMessageTypes[env.Type] {
		return env, &UnknownMessageTypeError{Type: env.Type}
	}
	return env, nil
}

// QuoteSubscribeMessage subscribes the connection to a quote channel
type QuoteSubscribeMessage struct {
	Envelope
	QuoteID string `json:"quote_id"`
}

// QuoteUnsubscribeMessage leaves a quote channel
type QuoteUnsubscribeMessage struct {
	Envelope
	QuoteID string `json:"quote_id"`
}

// QuoteEditMessage applies a field update within a collaborative session
type QuoteEditMessage struct {
	Envelope
	QuoteID string          `json:"quote_id"`
	Field   string          `json:"field"`
	Value   json.RawMessage `json:"value"`
}

// FieldFocusMessage requests the advisory lock for a field
type FieldFocusMessage struct {
	Envelope
	QuoteID string `json:"quote_id"`
	Field   string `json:"field"`
}

// FieldBlurMessage releases the advisory lock for a field
type FieldBlurMessage struct {
	Envelope
	QuoteID string `json:"quote_id"`
	Field   string `json:"field"`
}

// CursorPositionMessage reports the sender's cursor; fire-and-forget
type CursorPositionMessage struct {
	Envelope
	QuoteID  string `json:"quote_id"`
	Field    string `json:"field"`
	Position int    `json:"position"`
}

// StartAnalyticsMessage starts a dashboard analytics stream
type StartAnalyticsMessage struct {
	Envelope
	DashboardType string `json:"dashboard_type"`
}

// NotificationAcknowledgeMessage confirms receipt of a notification
type NotificationAcknowledgeMessage struct {
	Envelope
	NotificationID string `json:"notification_id"`
}

// AckMessage confirms a sequenced client frame was processed
type AckMessage struct {
	Type     string `json:"type"`
	Sequence uint64 `json:"sequence"`
}

// ErrorMessage is the structured failure reply for a still-viable connection
type ErrorMessage struct {
	Type     string  `json:"type"`
	Code     string  `json:"code"`
	Message  string  `json:"message"`
	Sequence *uint64 `json:"sequence,omitempty"`
}

// PongMessage answers a client ping
type PongMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// FieldUpdatedMessage broadcasts a successful field edit to a quote channel
type FieldUpdatedMessage struct {
	Type      string          `json:"type"`
	QuoteID   string          `json:"quote_id"`
	Field     string          `json:"field"`
	Value     json.RawMessage `json:"value"`
	UserID    string          `json:"user_id"`
	Timestamp time.Time       `json:"timestamp"`
}

// FieldRevertedMessage compensates for an edit the store rejected after the
// optimistic broadcast
type FieldRevertedMessage struct {
	Type      string          `json:"type"`
	QuoteID   string          `json:"quote_id"`
	Field     string          `json:"field"`
	Value     json.RawMessage `json:"value"`
	Reason    string          `json:"reason"`
	Timestamp time.Time       `json:"timestamp"`
}

// FieldLockMessage announces a lock transition on a field
type FieldLockMessage struct {
	Type      string    `json:"type"`
	QuoteID   string    `json:"quote_id"`
	Field     string    `json:"field"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ParticipantMessage announces session membership changes
type ParticipantMessage struct {
	Type      string    `json:"type"`
	QuoteID   string    `json:"quote_id"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

// CursorBroadcastMessage relays a participant's cursor to the quote channel
type CursorBroadcastMessage struct {
	Type      string    `json:"type"`
	QuoteID   string    `json:"quote_id"`
	Field     string    `json:"field"`
	Position  int       `json:"position"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

// NotificationWireMessage carries a notification to a user channel
type NotificationWireMessage struct {
	Type         string          `json:"type"`
	Notification json.RawMessage `json:"notification"`
	ID           string          `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
}

// AnalyticsProgressMessage relays one progress event from the analytics
// collaborator verbatim
type AnalyticsProgressMessage struct {
	Type          string          `json:"type"`
	DashboardType string          `json:"dashboard_type"`
	Stage         string          `json:"stage"`
	Percent       int             `json:"percent"`
	Data          json.RawMessage `json:"data,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}
