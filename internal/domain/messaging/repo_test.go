package messaging_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"github.com/telecare/relay/internal/domain/messaging"
	"github.com/telecare/relay/internal/platform/db/dbtest"
)

func storeContract(t *testing.T, store messaging.Store) {
	ctx := context.Background()

	t.Run("create assigns id and time", func(t *testing.T) {
		req := require.New(t)
		m := &messaging.Message{SenderID: "doc-1", RecipientID: "pat-1", Content: "hello", Subject: "labs"}
		req.NoError(store.Create(ctx, m))
		req.NotEmpty(m.ID)
		req.False(m.SentAt.IsZero())

		got, err := store.Get(ctx, m.ID)
		req.NoError(err)
		req.Equal(m.Content, got.Content)
		req.Equal("labs", got.Subject)
		req.False(got.ReadReceipt)
		req.Nil(got.ReadAt)
	})

	t.Run("get unknown", func(t *testing.T) {
		_, err := store.Get(ctx, "00000000-0000-0000-0000-000000000000")
		require.ErrorIs(t, err, messaging.ErrMessageNotFound)
	})

	t.Run("mark read transitions once", func(t *testing.T) {
		req := require.New(t)
		m := &messaging.Message{SenderID: "doc-1", RecipientID: "pat-1", Content: "x"}
		req.NoError(store.Create(ctx, m))

		at := time.Now().UTC().Truncate(time.Millisecond)
		got, transitioned, err := store.MarkRead(ctx, m.ID, at)
		req.NoError(err)
		req.True(transitioned)
		req.True(got.ReadReceipt)
		req.True(got.ReadAt.Equal(at))

		got, transitioned, err = store.MarkRead(ctx, m.ID, at.Add(time.Minute))
		req.NoError(err)
		req.False(transitioned)
		req.True(got.ReadAt.Equal(at))
	})

	t.Run("concurrent mark read has one winner", func(t *testing.T) {
		req := require.New(t)
		m := &messaging.Message{SenderID: "doc-1", RecipientID: "pat-1", Content: "race"}
		req.NoError(store.Create(ctx, m))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, transitioned, err := store.MarkRead(ctx, m.ID, time.Now())
				if err == nil && transitioned {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		req.Equal(int32(1), wins.Load())
	})

	t.Run("mark read unknown", func(t *testing.T) {
		_, _, err := store.MarkRead(ctx, "00000000-0000-0000-0000-000000000000", time.Now())
		require.ErrorIs(t, err, messaging.ErrMessageNotFound)
	})

	require.NoError(t, store.Ping(ctx))
}

func TestStore_Memory(t *testing.T) {
	storeContract(t, messaging.NewMemoryStore())
}

func TestStore_Badger(t *testing.T) {
	req := require.New(t)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	req.NoError(err)
	store := messaging.NewBadgerStore(db)

	storeContract(t, store)

	req.NoError(store.Close())
	req.Error(store.Ping(context.Background()))
}

func TestStore_Postgres(t *testing.T) {
	storeContract(t, messaging.NewMessageRepoPG(dbtest.Pool(t)))
}
