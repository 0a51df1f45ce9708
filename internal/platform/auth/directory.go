package auth

import (
	"context"
	"errors"
	"sync"
)

var ErrAccountNotFound = errors.New("account not found")

// Account is the directory view of a platform user.
type Account struct {
	ID          string
	DisplayName string
	Role        string
	Avatar      string
	Status      AccountStatus
}

// Directory looks up accounts by user id. Implementations return
// ErrAccountNotFound for unknown ids.
type Directory interface {
	GetAccount(ctx context.Context, userID string) (*Account, error)
}

// Recorder is implemented by directories that can learn accounts at runtime.
type Recorder interface {
	Put(acct Account)
}

// MemoryDirectory is a process-local Directory.
type MemoryDirectory struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

func NewMemoryDirectory(seed ...Account) *MemoryDirectory {
	d := &MemoryDirectory{accounts: make(map[string]Account, len(seed))}
	for _, a := range seed {
		d.accounts[a.ID] = a
	}
	return d
}

func (d *MemoryDirectory) GetAccount(_ context.Context, userID string) (*Account, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &a, nil
}

func (d *MemoryDirectory) Put(acct Account) {
	d.mu.Lock()
	d.accounts[acct.ID] = acct
	d.mu.Unlock()
}
