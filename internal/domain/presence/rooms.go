package presence

import (
	"github.com/samber/lo"

	"github.com/telecare/relay/internal/platform/protocol"
)

func (r *Registry) Join(room string, c Conn) {
	s := r.rooms[bucket(room)]
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.rooms[room]
	if !ok {
		members = make(map[string]Conn)
		s.rooms[room] = members
	}
	members[c.ID()] = c
}

func (r *Registry) Leave(room string, c Conn) {
	s := r.rooms[bucket(room)]
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.rooms[room]
	if !ok {
		return
	}
	delete(members, c.ID())
	if len(members) == 0 {
		delete(s.rooms, room)
	}
}

func (r *Registry) SubscriberCount(room string) int {
	s := r.rooms[bucket(room)]
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[room])
}

// PublishToRoom sends env to every member of room and returns how many
// frames were queued.
func (r *Registry) PublishToRoom(room string, env protocol.Envelope) int {
	s := r.rooms[bucket(room)]
	s.mu.RLock()
	members := lo.Values(s.rooms[room])
	s.mu.RUnlock()

	return lo.CountBy(members, func(c Conn) bool { return c.Send(env) })
}
