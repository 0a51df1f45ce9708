//go:generate go run go.uber.org/mock/mockgen -source=ports.go -destination=../../mocks/mock_ports.go -package=mocks
package messaging

import (
	"context"

	"github.com/telecare/relay/internal/platform/protocol"
)

// Router reaches live connections. DeliverToUser targets the user's
// registered connection; the room methods address broadcast groups.
type Router interface {
	DeliverToUser(userID string, env protocol.Envelope) bool
	SubscriberCount(room string) int
	PublishToRoom(room string, env protocol.Envelope) int
}

// Notifier records a persisted notification for a user. Implementations
// must not block the caller.
type Notifier interface {
	Notify(ctx context.Context, userID, title, body string)
}
