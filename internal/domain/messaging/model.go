package messaging

import (
	"time"
	"unicode/utf8"

	"github.com/telecare/relay/internal/platform/protocol"
)

// previewRunes bounds the message:new preview.
const previewRunes = 100

type Message struct {
	ID          string
	SenderID    string
	RecipientID string
	Content     string
	Subject     string
	SentAt      time.Time
	ReadReceipt bool
	ReadAt      *time.Time
}

func (m *Message) ToWire() protocol.Message {
	return protocol.Message{
		ID:          m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Content:     m.Content,
		Subject:     m.Subject,
		SentAt:      m.SentAt,
		ReadReceipt: m.ReadReceipt,
		ReadAt:      m.ReadAt,
	}
}

// Summary is the lightweight form pushed to the recipient's room.
func (m *Message) Summary() protocol.MessageSummary {
	return protocol.MessageSummary{
		MessageID: m.ID,
		SenderID:  m.SenderID,
		Subject:   m.Subject,
		Preview:   Preview(m.Content),
		SentAt:    m.SentAt,
	}
}

// Preview truncates content to previewRunes runes, appending an ellipsis
// when anything was cut.
func Preview(content string) string {
	if utf8.RuneCountInString(content) <= previewRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewRunes]) + "…"
}
