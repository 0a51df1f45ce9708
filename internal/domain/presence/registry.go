// Package presence tracks which users currently hold a live connection and
// which connections subscribe to each broadcast room.
package presence

import (
	"hash/fnv"
	"slices"
	"sync"

	"github.com/samber/lo"

	"github.com/telecare/relay/internal/platform/protocol"
)

// Conn is the registry's view of a live connection. Send must not block; it
// reports false when the frame could not be queued.
type Conn interface {
	ID() string
	UserID() string
	Send(env protocol.Envelope) bool
	Close(code int, reason string)
}

const shardCount = 32

type shard struct {
	mu      sync.RWMutex
	entries map[string]Conn
}

type roomShard struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Conn // room -> conn id -> conn
}

// Registry holds at most one Conn per user. Each shard is guarded by its own
// lock, so operations on different users rarely contend.
type Registry struct {
	users [shardCount]*shard
	rooms [shardCount]*roomShard
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.users {
		r.users[i] = &shard{entries: make(map[string]Conn)}
		r.rooms[i] = &roomShard{rooms: make(map[string]map[string]Conn)}
	}
	return r
}

func bucket(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// UserRoom names the broadcast room every connection of userID joins.
func UserRoom(userID string) string {
	return "user:" + userID
}

// Register stores c as the presence entry for userID, overwriting any
// previous entry. The previous Conn is returned so the caller can decide
// what to do with it; the registry never closes it.
func (r *Registry) Register(userID string, c Conn) (previous Conn, replaced bool) {
	s := r.users[bucket(userID)]
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, replaced = s.entries[userID]
	s.entries[userID] = c
	if replaced && previous.ID() == c.ID() {
		return nil, false
	}
	return previous, replaced
}

// Unregister removes the entry for userID only if it still refers to c.
// A connection that was superseded cannot evict its successor.
func (r *Registry) Unregister(userID string, c Conn) bool {
	s := r.users[bucket(userID)]
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[userID]
	if !ok || cur.ID() != c.ID() {
		return false
	}
	delete(s.entries, userID)
	return true
}

func (r *Registry) Lookup(userID string) (Conn, bool) {
	s := r.users[bucket(userID)]
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.entries[userID]
	return c, ok
}

func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// SnapshotOnlineUsers returns the sorted ids of every registered user.
func (r *Registry) SnapshotOnlineUsers() []string {
	var ids []string
	for _, s := range r.users {
		s.mu.RLock()
		ids = append(ids, lo.Keys(s.entries)...)
		s.mu.RUnlock()
	}
	slices.Sort(ids)
	return ids
}

func (r *Registry) Count() int {
	n := 0
	for _, s := range r.users {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Broadcast sends env to every registered connection except those of
// exceptUserID and returns the number of frames queued.
func (r *Registry) Broadcast(env protocol.Envelope, exceptUserID string) int {
	var targets []Conn
	for _, s := range r.users {
		s.mu.RLock()
		for uid, c := range s.entries {
			if uid != exceptUserID {
				targets = append(targets, c)
			}
		}
		s.mu.RUnlock()
	}
	return lo.CountBy(targets, func(c Conn) bool { return c.Send(env) })
}

// CloseAll closes every registered connection. Used on shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	var all []Conn
	for _, s := range r.users {
		s.mu.RLock()
		all = append(all, lo.Values(s.entries)...)
		s.mu.RUnlock()
	}
	for _, c := range all {
		c.Close(code, reason)
	}
}
