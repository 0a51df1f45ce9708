// Package typing tracks who is composing a message to whom and resolves each
// signal to stopped once the sender goes quiet.
package typing

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/telecare/relay/internal/platform/metrics"
	"github.com/telecare/relay/internal/platform/protocol"
)

// DefaultTimeout is how long a typing signal survives without a refresh.
const DefaultTimeout = 3000 * time.Millisecond

// Deliverer pushes an envelope to the user's live connection. It reports
// false when the user is not connected.
type Deliverer interface {
	DeliverToUser(userID string, env protocol.Envelope) bool
}

type pair struct {
	sender    string
	recipient string
}

type signal struct {
	lastSignalAt time.Time
	// gen is drawn from Coordinator.seq on every start or refresh. It is
	// unique across signals, so a timer that already fired for an earlier
	// signal of the same pair can never match a later one.
	gen   uint64
	timer *time.Timer
}

type Coordinator struct {
	deliver Deliverer
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	seq     uint64
	signals map[pair]*signal
	byUser  map[string]map[pair]struct{}
	closed  bool
}

func NewCoordinator(deliver Deliverer, timeout time.Duration, logger zerolog.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		deliver: deliver,
		timeout: timeout,
		logger:  logger.With().Str("component", "typing").Logger(),
		signals: make(map[pair]*signal),
		byUser:  make(map[string]map[pair]struct{}),
	}
}

// Start records that senderID is typing to recipientID. The recipient is told
// only when the signal is new; a refresh just pushes the expiry out.
func (c *Coordinator) Start(senderID, recipientID string) {
	if senderID == "" || recipientID == "" || senderID == recipientID {
		return
	}
	k := pair{sender: senderID, recipient: recipientID}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	s, exists := c.signals[k]
	if exists {
		s.timer.Stop()
	} else {
		s = &signal{}
		c.signals[k] = s
		c.index(k)
	}
	c.seq++
	s.gen = c.seq
	s.lastSignalAt = time.Now()
	gen := s.gen
	s.timer = time.AfterFunc(c.timeout, func() { c.expire(k, s, gen) })
	c.mu.Unlock()

	if !exists {
		c.forward(protocol.EventTypingStart, k)
	}
}

// Stop removes the signal and tells the recipient. Stopping a pair that is
// not typing is a no-op.
func (c *Coordinator) Stop(senderID, recipientID string) {
	k := pair{sender: senderID, recipient: recipientID}

	c.mu.Lock()
	_, existed := c.remove(k)
	c.mu.Unlock()

	if existed {
		c.forward(protocol.EventTypingStop, k)
	}
}

// PurgeForUser drops every signal where userID is sender or recipient.
// Recipients of userID's signals get a final typing:stop; signals aimed at
// userID are dropped silently since their senders know their own state.
func (c *Coordinator) PurgeForUser(userID string) {
	c.mu.Lock()
	var notify []pair
	for k := range c.byUser[userID] {
		c.remove(k)
		if k.sender == userID {
			notify = append(notify, k)
		}
	}
	c.mu.Unlock()

	for _, k := range notify {
		c.forward(protocol.EventTypingStop, k)
	}
}

// IsTyping reports whether senderID currently has a live signal to recipientID.
func (c *Coordinator) IsTyping(senderID, recipientID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.signals[pair{sender: senderID, recipient: recipientID}]
	return ok
}

func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.signals)
}

// Close cancels every pending expiry. Further calls to Start are ignored.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for k := range c.signals {
		c.remove(k)
	}
}

// expire runs from a timer that may have fired while c.mu was held by a
// Stop, Start or refresh; it applies only to the exact signal and
// generation it was scheduled for.
func (c *Coordinator) expire(k pair, scheduled *signal, gen uint64) {
	c.mu.Lock()
	s, ok := c.signals[k]
	if !ok || s != scheduled || s.gen != gen {
		c.mu.Unlock()
		return
	}
	c.remove(k)
	c.mu.Unlock()

	metrics.TypingExpiries.Inc()
	c.forward(protocol.EventTypingStop, k)
}

// remove must be called with c.mu held.
func (c *Coordinator) remove(k pair) (*signal, bool) {
	s, ok := c.signals[k]
	if !ok {
		return nil, false
	}
	s.timer.Stop()
	delete(c.signals, k)
	c.unindex(k.sender, k)
	c.unindex(k.recipient, k)
	return s, true
}

func (c *Coordinator) index(k pair) {
	for _, uid := range []string{k.sender, k.recipient} {
		set, ok := c.byUser[uid]
		if !ok {
			set = make(map[pair]struct{})
			c.byUser[uid] = set
		}
		set[k] = struct{}{}
	}
}

func (c *Coordinator) unindex(userID string, k pair) {
	set := c.byUser[userID]
	delete(set, k)
	if len(set) == 0 {
		delete(c.byUser, userID)
	}
}

func (c *Coordinator) forward(event string, k pair) {
	env := protocol.MustNew(event, protocol.TypingNotification{SenderID: k.sender})
	if !c.deliver.DeliverToUser(k.recipient, env) {
		c.logger.Debug().
			Str("event", event).
			Str("sender_id", k.sender).
			Str("recipient_id", k.recipient).
			Msg("typing recipient not connected")
	}
}
