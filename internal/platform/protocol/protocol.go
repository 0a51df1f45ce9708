// Package protocol defines the JSON wire format exchanged with relay clients.
// Every frame is an Envelope; Data holds the event-specific payload.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client-to-server events.
const (
	EventMessageSend = "message:send"
	EventMessageRead = "message:read"
	EventTypingStart = "typing:start"
	EventTypingStop  = "typing:stop"
	EventUserStatus  = "user:status"
)

// Server-to-client events. typing:start, typing:stop and user:status are
// reused in this direction with server-side payloads.
const (
	EventSessionAccepted  = "session:accepted"
	EventMessageSent      = "message:sent"
	EventMessageError     = "message:error"
	EventMessageReceived  = "message:received"
	EventMessageNew       = "message:new"
	EventReadConfirmed    = "message:read:confirmed"
	EventReadNotification = "message:read:notification"
	EventUserOnline       = "user:online"
	EventUserOffline      = "user:offline"
	EventError            = "error"
)

// Envelope is one frame on the wire.
type Envelope struct {
	Event     string          `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// New builds an Envelope with a marshalled payload.
func New(event string, payload interface{}) (Envelope, error) {
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	env.Data = data
	return env, nil
}

// MustNew is New for payloads that are known to marshal.
func MustNew(event string, payload interface{}) Envelope {
	env, err := New(event, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// WithRequestID returns a copy of env correlated to requestID.
func (e Envelope) WithRequestID(requestID string) Envelope {
	e.RequestID = requestID
	return e
}

// Decode unmarshals the payload into dst.
func (e Envelope) Decode(dst interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: missing data", e.Event)
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("%s: invalid data: %w", e.Event, err)
	}
	return nil
}

// UserSnapshot is the user profile captured at handshake. It is never
// refreshed for the lifetime of a connection.
type UserSnapshot struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	Avatar      string `json:"avatar,omitempty"`
}

// ---------------------------------------------------------------------------
// Inbound payloads
// ---------------------------------------------------------------------------

type SendMessageRequest struct {
	RecipientID string `json:"recipientId" validate:"required,max=128"`
	Content     string `json:"content" validate:"required,max=16384"`
	Subject     string `json:"subject,omitempty" validate:"max=256"`
}

type ReadMessageRequest struct {
	MessageID string `json:"messageId" validate:"required,uuid"`
}

type TypingRequest struct {
	RecipientID string `json:"recipientId" validate:"required,max=128"`
}

type UserStatusRequest struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

// ---------------------------------------------------------------------------
// Outbound payloads
// ---------------------------------------------------------------------------

type SessionAccepted struct {
	UserID       string   `json:"userId"`
	ConnectionID string   `json:"connectionId"`
	OnlineUsers  []string `json:"onlineUsers"`
}

// Message is the full message as persisted.
type Message struct {
	ID          string     `json:"id"`
	SenderID    string     `json:"senderId"`
	RecipientID string     `json:"recipientId"`
	Content     string     `json:"content"`
	Subject     string     `json:"subject,omitempty"`
	SentAt      time.Time  `json:"sentAt"`
	ReadReceipt bool       `json:"readReceipt"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
}

// MessageSummary is the lightweight message:new notification.
type MessageSummary struct {
	MessageID string    `json:"messageId"`
	SenderID  string    `json:"senderId"`
	Subject   string    `json:"subject,omitempty"`
	Preview   string    `json:"preview"`
	SentAt    time.Time `json:"sentAt"`
}

type ReadConfirmed struct {
	MessageID string    `json:"messageId"`
	ReadAt    time.Time `json:"readAt"`
}

type ReadNotification struct {
	MessageID string    `json:"messageId"`
	ReadBy    string    `json:"readBy"`
	ReadAt    time.Time `json:"readAt"`
}

type TypingNotification struct {
	SenderID string `json:"senderId"`
}

type UserStatus struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

type PresenceChange struct {
	UserID   string       `json:"userId"`
	Snapshot UserSnapshot `json:"snapshot"`
}

// ErrorPayload is carried by message:error and error events.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
