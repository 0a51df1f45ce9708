package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGDirectory reads accounts from the accounts table.
type PGDirectory struct {
	pool *pgxpool.Pool
}

func NewPGDirectory(pool *pgxpool.Pool) *PGDirectory {
	return &PGDirectory{pool: pool}
}

const accountCols = `id, display_name, role, COALESCE(avatar_url, ''), status`

func (d *PGDirectory) GetAccount(ctx context.Context, userID string) (*Account, error) {
	var a Account
	var status string
	err := d.pool.QueryRow(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = $1`, userID).
		Scan(&a.ID, &a.DisplayName, &a.Role, &a.Avatar, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", userID, err)
	}
	a.Status = AccountStatus(status)
	return &a, nil
}
