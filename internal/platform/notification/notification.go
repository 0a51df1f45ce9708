// Package notification records in-app notifications for users and exposes
// them over HTTP.
package notification

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrNotFound = errors.New("notification not found")

// Notification is a persisted record shown to a user in the client inbox.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists notifications. ListByUser returns newest first.
type Store interface {
	Create(ctx context.Context, n *Notification) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Notification, error)
	MarkRead(ctx context.Context, userID, id string) error
}

// ---------------------------------------------------------------------------
// In-memory store
// ---------------------------------------------------------------------------

type MemoryStore struct {
	mu            sync.RWMutex
	notifications map[string]*Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{notifications: make(map[string]*Notification)}
}

func (s *MemoryStore) Create(_ context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.notifications[n.ID] = &cp
	return nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Notification, error) {
	s.mu.RLock()
	var result []*Notification
	for _, n := range s.notifications {
		if n.UserID == userID {
			cp := *n
			result = append(result, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok || n.UserID != userID {
		return ErrNotFound
	}
	n.Read = true
	return nil
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

const notifyTimeout = 5 * time.Second

// Manager creates notifications in the background so callers never wait on
// the store.
type Manager struct {
	store  Store
	logger zerolog.Logger
	wg     sync.WaitGroup
}

func NewManager(store Store, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger.With().Str("component", "notification").Logger(),
	}
}

// Notify records a notification asynchronously. Failures are logged and
// dropped.
func (m *Manager) Notify(ctx context.Context, userID, title, body string) {
	n := &Notification{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()

		if err := m.store.Create(ctx, n); err != nil {
			m.logger.Error().Err(err).Str("user_id", userID).Msg("create notification failed")
			return
		}
		m.logger.Debug().Str("user_id", userID).Str("notification_id", n.ID).Msg("notification created")
	}()
}

func (m *Manager) List(ctx context.Context, userID string, limit int) ([]*Notification, error) {
	return m.store.ListByUser(ctx, userID, limit)
}

func (m *Manager) MarkRead(ctx context.Context, userID, id string) error {
	return m.store.MarkRead(ctx, userID, id)
}

// Wait blocks until every pending Notify has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}
