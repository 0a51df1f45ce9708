package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/telecare/relay/internal/platform/protocol"
)

type delivery struct {
	to  string
	env protocol.Envelope
	at  time.Time
}

type recordingDeliverer struct {
	mu      sync.Mutex
	online  map[string]bool
	records []delivery
}

func newRecorder(online ...string) *recordingDeliverer {
	d := &recordingDeliverer{online: make(map[string]bool)}
	for _, id := range online {
		d.online[id] = true
	}
	return d
}

func (d *recordingDeliverer) DeliverToUser(userID string, env protocol.Envelope) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.online[userID] {
		return false
	}
	d.records = append(d.records, delivery{to: userID, env: env, at: time.Now()})
	return true
}

func (d *recordingDeliverer) count(to, event string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, r := range d.records {
		if r.to == to && r.env.Event == event {
			n++
		}
	}
	return n
}

func (d *recordingDeliverer) first(to, event string) (delivery, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.records {
		if r.to == to && r.env.Event == event {
			return r, true
		}
	}
	return delivery{}, false
}

const shortTimeout = 60 * time.Millisecond

func TestStart_ForwardsOnCreate(t *testing.T) {
	d := newRecorder("b")
	c := NewCoordinator(d, shortTimeout, zerolog.Nop())
	defer c.Close()

	c.Start("a", "b")

	rec, ok := d.first("b", protocol.EventTypingStart)
	if !ok {
		t.Fatal("expected typing:start forwarded to b")
	}
	var payload protocol.TypingNotification
	if err := rec.env.Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.SenderID != "a" {
		t.Errorf("expected senderId a, got %s", payload.SenderID)
	}
}

func TestStart_RefreshSuppressesDuplicate(t *testing.T) {
	d := newRecorder("b")
	c := NewCoordinator(d, 200*time.Millisecond, zerolog.Nop())
	defer c.Close()

	c.Start("a", "b")
	time.Sleep(70 * time.Millisecond)
	c.Start("a", "b")
	time.Sleep(70 * time.Millisecond)
	c.Start("a", "b")

	if n := d.count("b", protocol.EventTypingStart); n != 1 {
		t.Errorf("expected exactly one typing:start, got %d", n)
	}
	// 210ms after the first start the original deadline has passed, but
	// the refreshes keep the signal alive.
	time.Sleep(70 * time.Millisecond)
	if d.count("b", protocol.EventTypingStop) != 0 {
		t.Error("refreshed signal must not expire on the original deadline")
	}
	if !c.IsTyping("a", "b") {
		t.Error("signal should still be live")
	}
}

func TestStart_ExpiresExactlyOnce(t *testing.T) {
	d := newRecorder("b")
	c := NewCoordinator(d, shortTimeout, zerolog.Nop())
	defer c.Close()

	c.Start("a", "b")
	time.Sleep(4 * shortTimeout)

	if n := d.count("b", protocol.EventTypingStop); n != 1 {
		t.Fatalf("expected one typing:stop, got %d", n)
	}
	if c.Len() != 0 {
		t.Error("expired signal should be removed")
	}
}

func TestStop_CancelsTimer(t *testing.T) {
	d := newRecorder("b")
	c := NewCoordinator(d, shortTimeout, zerolog.Nop())
	defer c.Close()

	c.Start("a", "b")
	c.Stop("a", "b")
	time.Sleep(3 * shortTimeout)

	if n := d.count("b", protocol.EventTypingStop); n != 1 {
		t.Errorf("expected one typing:stop from explicit stop, got %d", n)
	}
}

func TestStop_WithoutSignalIsNoop(t *testing.T) {
	d := newRecorder("b")
	c := NewCoordinator(d, shortTimeout, zerolog.Nop())
	defer c.Close()

	c.Stop("a", "b")
	if d.count("b", protocol.EventTypingStop) != 0 {
		t.Error("stop without a signal should not forward")
	}
}

func TestStart_RecipientOffline(t *testing.T) {
	d := newRecorder()
	c := NewCoordinator(d, shortTimeout, zerolog.Nop())
	defer c.Close()

	c.Start("a", "b")
	if !c.IsTyping("a", "b") {
		t.Error("signal is tracked even when the recipient is offline")
	}
	time.Sleep(3 * shortTimeout)
	if c.Len() != 0 {
		t.Error("signal should still expire")
	}
}

func TestStart_IgnoresSelfAndBlank(t *testing.T) {
	c := NewCoordinator(newRecorder("a"), shortTimeout, zerolog.Nop())
	defer c.Close()

	c.Start("a", "a")
	c.Start("", "a")
	if c.Len() != 0 {
		t.Errorf("expected no signals, got %d", c.Len())
	}
}

func TestPurgeForUser(t *testing.T) {
	d := newRecorder("a", "b", "c")
	c := NewCoordinator(d, time.Second, zerolog.Nop())
	defer c.Close()

	c.Start("a", "b") // a typing to b
	c.Start("c", "a") // c typing to a
	c.Start("b", "c") // unrelated

	c.PurgeForUser("a")

	if c.IsTyping("a", "b") || c.IsTyping("c", "a") {
		t.Fatal("signals referencing a should be gone")
	}
	if !c.IsTyping("b", "c") {
		t.Fatal("unrelated signal must survive")
	}
	if n := d.count("b", protocol.EventTypingStop); n != 1 {
		t.Errorf("b should learn a stopped typing, got %d stops", n)
	}
	if n := d.count("c", protocol.EventTypingStop); n != 0 {
		t.Errorf("c already knows its own state, got %d stops", n)
	}
}

func TestClose_StopsTimers(t *testing.T) {
	d := newRecorder("b")
	c := NewCoordinator(d, shortTimeout, zerolog.Nop())

	c.Start("a", "b")
	c.Close()
	time.Sleep(3 * shortTimeout)

	if d.count("b", protocol.EventTypingStop) != 0 {
		t.Error("closed coordinator must not fire expiries")
	}
	c.Start("a", "b")
	if c.Len() != 0 {
		t.Error("start after close should be ignored")
	}
}

func TestDefaultTimeoutWindow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping real-time expiry window in short mode")
	}
	d := newRecorder("b")
	c := NewCoordinator(d, 0, zerolog.Nop())
	defer c.Close()

	started := time.Now()
	c.Start("a", "b")
	time.Sleep(3600 * time.Millisecond)

	stop, ok := d.first("b", protocol.EventTypingStop)
	if !ok {
		t.Fatal("expected typing:stop after the default timeout")
	}
	elapsed := stop.at.Sub(started)
	if elapsed < 3000*time.Millisecond || elapsed > 3500*time.Millisecond {
		t.Errorf("typing:stop arrived after %s, want within [3s, 3.5s]", elapsed)
	}
	if n := d.count("b", protocol.EventTypingStop); n != 1 {
		t.Errorf("expected exactly one typing:stop, got %d", n)
	}
}

func TestExpire_StaleTimerDoesNotEndRestartedSignal(t *testing.T) {
	const timeout = 20 * time.Millisecond
	for round := 0; round < 20; round++ {
		d := newRecorder("b")
		c := NewCoordinator(d, timeout, zerolog.Nop())

		c.Start("a", "b")
		// Hold the lock past the deadline so the first timer fires and waits.
		c.mu.Lock()
		time.Sleep(2 * timeout)
		c.mu.Unlock()
		c.Stop("a", "b")
		c.Start("a", "b")

		time.Sleep(timeout / 4)
		if !c.IsTyping("a", "b") {
			t.Fatalf("round %d: restarted signal expired before its own timeout", round)
		}
		if n := d.count("b", protocol.EventTypingStop); n != 1 {
			t.Fatalf("round %d: expected one typing:stop for the first signal, got %d", round, n)
		}
		if n := d.count("b", protocol.EventTypingStart); n != 2 {
			t.Fatalf("round %d: expected two typing:start, got %d", round, n)
		}
		c.Close()
	}
}
