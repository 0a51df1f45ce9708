//go:generate go run go.uber.org/mock/mockgen -source=repo.go -destination=../../mocks/mock_store.go -package=mocks
package messaging

import (
	"context"
	"errors"
	"time"
)

var ErrMessageNotFound = errors.New("message not found")

// Store persists messages. Create assigns ID and SentAt when they are empty.
// MarkRead reports whether this call moved the message from unread to read.
type Store interface {
	Create(ctx context.Context, m *Message) error
	Get(ctx context.Context, id string) (*Message, error)
	MarkRead(ctx context.Context, id string, at time.Time) (*Message, bool, error)
	Ping(ctx context.Context) error
}
