package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telecare/relay/internal/platform/db"
)

type messageRepoPG struct{ pool *pgxpool.Pool }

func NewMessageRepoPG(pool *pgxpool.Pool) Store {
	return &messageRepoPG{pool: pool}
}

const msgCols = `id::text, sender_id, recipient_id, content, subject, sent_at, read_receipt, read_at`

func (r *messageRepoPG) scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Content, &m.Subject,
		&m.SentAt, &m.ReadReceipt, &m.ReadAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *messageRepoPG) Create(ctx context.Context, m *Message) error {
	stamp(m)
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO messages (id, sender_id, recipient_id, content, subject, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.SenderID, m.RecipientID, m.Content, m.Subject, m.SentAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *messageRepoPG) Get(ctx context.Context, id string) (*Message, error) {
	return r.scanMessage(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+msgCols+` FROM messages WHERE id = $1`, id))
}

// MarkRead locks the row so concurrent readers agree on which call made the
// transition.
func (r *messageRepoPG) MarkRead(ctx context.Context, id string, at time.Time) (*Message, bool, error) {
	var (
		m            *Message
		transitioned bool
	)
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := db.Conn(ctx, r.pool)
		var err error
		m, err = r.scanMessage(q.QueryRow(ctx, `SELECT `+msgCols+` FROM messages WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if m.ReadReceipt {
			return nil
		}
		if _, err := q.Exec(ctx, `UPDATE messages SET read_receipt = TRUE, read_at = $2 WHERE id = $1`, id, at); err != nil {
			return fmt.Errorf("update read receipt: %w", err)
		}
		m.ReadReceipt = true
		m.ReadAt = &at
		transitioned = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return m, transitioned, nil
}

func (r *messageRepoPG) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
