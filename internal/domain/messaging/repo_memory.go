package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps messages in process memory. Contents are lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string]Message)}
}

func (s *MemoryStore) Create(_ context.Context, m *Message) error {
	stamp(m)
	s.mu.Lock()
	s.messages[m.ID] = *m
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return &m, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, id string, at time.Time) (*Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, false, ErrMessageNotFound
	}
	if m.ReadReceipt {
		return &m, false, nil
	}
	m.ReadReceipt = true
	m.ReadAt = &at
	s.messages[id] = m
	return &m, true, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func stamp(m *Message) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.SentAt.IsZero() {
		m.SentAt = time.Now().UTC()
	}
}
