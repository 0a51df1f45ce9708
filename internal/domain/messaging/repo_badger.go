package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const badgerConflictRetries = 3

// BadgerStore persists messages in an embedded Badger database. Each message
// is one JSON value under "msg:{id}".
type BadgerStore struct {
	db *badger.DB
}

func OpenBadgerStore(path string) (*BadgerStore, error) {
	bdb, err := badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	return &BadgerStore{db: bdb}, nil
}

func NewBadgerStore(bdb *badger.DB) *BadgerStore {
	return &BadgerStore{db: bdb}
}

func messageKey(id string) []byte {
	return []byte("msg:" + id)
}

func (s *BadgerStore) Create(_ context.Context, m *Message) error {
	stamp(m)
	value, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(m.ID), value)
	})
}

func (s *BadgerStore) Get(_ context.Context, id string) (*Message, error) {
	var m *Message
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		m, err = readMessage(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *BadgerStore) MarkRead(_ context.Context, id string, at time.Time) (*Message, bool, error) {
	var (
		m            *Message
		transitioned bool
		err          error
	)
	for attempt := 0; attempt < badgerConflictRetries; attempt++ {
		transitioned = false
		err = s.db.Update(func(txn *badger.Txn) error {
			var rerr error
			m, rerr = readMessage(txn, id)
			if rerr != nil {
				return rerr
			}
			if m.ReadReceipt {
				return nil
			}
			m.ReadReceipt = true
			m.ReadAt = &at
			value, rerr := json.Marshal(m)
			if rerr != nil {
				return fmt.Errorf("encode message: %w", rerr)
			}
			transitioned = true
			return txn.Set(messageKey(id), value)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return nil, false, err
	}
	return m, transitioned, nil
}

func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger database is closed")
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func readMessage(txn *badger.Txn, id string) (*Message, error) {
	item, err := txn.Get(messageKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	var m Message
	if err := item.Value(func(v []byte) error {
		return json.Unmarshal(v, &m)
	}); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}
	return &m, nil
}
