package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/telecare/relay/internal/platform/db/dbtest"
)

func TestPGDirectory_GetAccount(t *testing.T) {
	pool := dbtest.Pool(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `
		INSERT INTO accounts (id, display_name, role, avatar_url, status)
		VALUES ('dr-house', 'Dr. House', 'doctor', NULL, 'pending')`)
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}

	dir := NewPGDirectory(pool)
	acct, err := dir.GetAccount(ctx, "dr-house")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acct.DisplayName != "Dr. House" || acct.Role != RoleDoctor || acct.Status != StatusPending || acct.Avatar != "" {
		t.Errorf("unexpected account %+v", acct)
	}

	if _, err := dir.GetAccount(ctx, "nobody"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}
