// Package presencetest provides an in-memory presence.Conn for tests.
package presencetest

import (
	"sync"

	"github.com/google/uuid"

	"github.com/telecare/relay/internal/platform/protocol"
)

// Conn records every envelope sent to it.
type Conn struct {
	id     string
	userID string

	mu        sync.Mutex
	sent      []protocol.Envelope
	closed    bool
	closeCode int
	// Full makes Send report a saturated egress buffer.
	Full bool
}

func NewConn(userID string) *Conn {
	return &Conn{id: uuid.New().String(), userID: userID}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.userID }

func (c *Conn) Send(env protocol.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.Full {
		return false
	}
	c.sent = append(c.sent, env)
	return true
}

func (c *Conn) Close(code int, _ string) {
	c.mu.Lock()
	c.closed = true
	c.closeCode = code
	c.mu.Unlock()
}

func (c *Conn) Closed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

// Sent returns a copy of the recorded envelopes.
func (c *Conn) Sent() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Envelope(nil), c.sent...)
}

// Events returns the recorded envelopes with the given event name.
func (c *Conn) Events(event string) []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range c.Sent() {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func (c *Conn) Reset() {
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
}
