package websocket

import (
	"context"
	"strings"

	"github.com/telecare/relay/internal/platform/apperror"
	"github.com/telecare/relay/internal/platform/metrics"
	"github.com/telecare/relay/internal/platform/protocol"
)

func errorEvent(requestID, code, message string) protocol.Envelope {
	return protocol.MustNew(protocol.EventError, protocol.ErrorPayload{Code: code, Message: message}).WithRequestID(requestID)
}

// messageError reports the single failed outcome of a request-style event.
func messageError(requestID string, err error) protocol.Envelope {
	return protocol.MustNew(protocol.EventMessageError, protocol.ErrorPayload{
		Code:    string(apperror.KindOf(err)),
		Message: apperror.PublicMessage(err),
	}).WithRequestID(requestID)
}

// dispatch handles one inbound event. Events from the same connection are
// processed strictly in order, and each gets its outcome through Reply.
func (s *Supervisor) dispatch(ctx context.Context, conn *Conn, env protocol.Envelope) {
	metrics.EventsReceived.WithLabelValues(eventLabel(env.Event)).Inc()

	switch env.Event {
	case protocol.EventMessageSend:
		s.handleSend(ctx, conn, env)
	case protocol.EventMessageRead:
		s.handleRead(ctx, conn, env)
	case protocol.EventTypingStart, protocol.EventTypingStop:
		s.handleTyping(conn, env)
	case protocol.EventUserStatus:
		s.handleStatus(conn, env)
	default:
		conn.Reply(errorEvent(env.RequestID, "unknown_event", "unknown event "+env.Event))
	}
}

func (s *Supervisor) handleSend(ctx context.Context, conn *Conn, env protocol.Envelope) {
	var req protocol.SendMessageRequest
	if err := env.Decode(&req); err != nil {
		conn.Reply(messageError(env.RequestID, apperror.Validation("invalid message payload")))
		return
	}
	m, err := s.messages.Send(ctx, conn.userID, req)
	if err != nil {
		conn.Reply(messageError(env.RequestID, err))
		return
	}
	conn.Reply(protocol.MustNew(protocol.EventMessageSent, m.ToWire()).WithRequestID(env.RequestID))
}

func (s *Supervisor) handleRead(ctx context.Context, conn *Conn, env protocol.Envelope) {
	var req protocol.ReadMessageRequest
	if err := env.Decode(&req); err != nil {
		conn.Reply(messageError(env.RequestID, apperror.Validation("invalid read payload")))
		return
	}
	m, err := s.messages.MarkRead(ctx, conn.userID, req.MessageID)
	if err != nil {
		conn.Reply(messageError(env.RequestID, err))
		return
	}
	confirmed := protocol.ReadConfirmed{MessageID: m.ID}
	if m.ReadAt != nil {
		confirmed.ReadAt = *m.ReadAt
	}
	conn.Reply(protocol.MustNew(protocol.EventReadConfirmed, confirmed).WithRequestID(env.RequestID))
}

// handleTyping never answers the sender, even for a bad payload.
func (s *Supervisor) handleTyping(conn *Conn, env protocol.Envelope) {
	var req protocol.TypingRequest
	if err := env.Decode(&req); err != nil {
		return
	}
	recipient := strings.TrimSpace(req.RecipientID)
	if env.Event == protocol.EventTypingStart {
		s.typing.Start(conn.userID, recipient)
	} else {
		s.typing.Stop(conn.userID, recipient)
	}
}

func (s *Supervisor) handleStatus(conn *Conn, env protocol.Envelope) {
	var req protocol.UserStatusRequest
	if err := env.Decode(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		conn.Reply(errorEvent(env.RequestID, string(apperror.KindValidation), "userId is required"))
		return
	}
	userID := strings.TrimSpace(req.UserID)
	conn.Reply(protocol.MustNew(protocol.EventUserStatus, protocol.UserStatus{
		UserID:   userID,
		IsOnline: s.fanout.IsOnline(userID),
	}).WithRequestID(env.RequestID))
}

// eventLabel bounds metric cardinality to the known event names.
func eventLabel(event string) string {
	switch event {
	case protocol.EventMessageSend, protocol.EventMessageRead,
		protocol.EventTypingStart, protocol.EventTypingStop, protocol.EventUserStatus:
		return event
	default:
		return "unknown"
	}
}
