package websocket

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"

	"github.com/telecare/relay/internal/platform/metrics"
	"github.com/telecare/relay/internal/platform/protocol"
)

// CloseSuperseded is sent to a connection replaced by a newer handshake for
// the same user, when that behaviour is enabled.
const CloseSuperseded = 4000

// State is a connection's lifecycle stage. Transitions only move forward.
type State int32

const (
	StateHandshaking State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	default:
		return "closed"
	}
}

// Conn is one authenticated client socket. It satisfies presence.Conn.
type Conn struct {
	id            string
	userID        string
	snapshot      protocol.UserSnapshot
	establishedAt time.Time

	ws        *gorillawebsocket.Conn
	send      chan []byte
	done      chan struct{}
	state     atomic.Int32
	closeOnce sync.Once
	writeWait time.Duration
}

func newConn(ws *gorillawebsocket.Conn, userID string, snapshot protocol.UserSnapshot, sendBuffer int, writeWait time.Duration) *Conn {
	return &Conn{
		id:            uuid.New().String(),
		userID:        userID,
		snapshot:      snapshot,
		establishedAt: time.Now().UTC(),
		ws:            ws,
		send:          make(chan []byte, sendBuffer),
		done:          make(chan struct{}),
		writeWait:     writeWait,
	}
}

func (c *Conn) ID() string                      { return c.id }
func (c *Conn) UserID() string                  { return c.userID }
func (c *Conn) Snapshot() protocol.UserSnapshot { return c.snapshot }
func (c *Conn) EstablishedAt() time.Time        { return c.establishedAt }
func (c *Conn) State() State                    { return State(c.state.Load()) }

func (c *Conn) activate() bool {
	return c.state.CompareAndSwap(int32(StateHandshaking), int32(StateActive))
}

// Send queues env for the writer. It never blocks: a full buffer drops the
// frame and reports false.
func (c *Conn) Send(env protocol.Envelope) bool {
	if c.State() == StateClosed {
		return false
	}
	data, err := json.Marshal(env)
	if err != nil {
		return false
	}
	select {
	case <-c.done:
		return false
	case c.send <- data:
		return true
	default:
		metrics.DroppedFrames.Inc()
		return false
	}
}

// Reply queues the single outcome of a client request. It waits up to
// writeWait for buffer space; if none frees up the client can no longer learn
// the outcome, so the connection is closed with 1013 and the client must
// reconcile after reconnecting.
func (c *Conn) Reply(env protocol.Envelope) bool {
	if c.State() == StateClosed {
		return false
	}
	data, err := json.Marshal(env)
	if err != nil {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
	}

	wait := time.NewTimer(c.writeWait)
	defer wait.Stop()
	select {
	case <-c.done:
		return false
	case c.send <- data:
		return true
	case <-wait.C:
		metrics.ReplyTimeouts.Inc()
		c.Close(gorillawebsocket.CloseTryAgainLater, "reply buffer full")
		return false
	}
}

// Close sends a close frame and tears the socket down. Safe to call more
// than once and from any goroutine.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		msg := gorillawebsocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(gorillawebsocket.CloseMessage, msg, time.Now().Add(c.writeWait))
		_ = c.ws.Close()
	})
}
