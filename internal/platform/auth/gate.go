package auth

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/telecare/relay/internal/platform/apperror"
	"github.com/telecare/relay/internal/platform/protocol"
)

const (
	RoleAdmin   = "admin"
	RoleDoctor  = "doctor"
	RolePatient = "patient"
)

type AccountStatus string

const (
	StatusActive   AccountStatus = "active"
	StatusPending  AccountStatus = "pending"
	StatusBlocked  AccountStatus = "blocked"
	StatusRejected AccountStatus = "rejected"
)

// Admitted reports whether an account in this status may open a session.
func (s AccountStatus) Admitted() bool {
	return s != StatusBlocked && s != StatusRejected
}

// Identity is the result of a successful handshake validation.
type Identity struct {
	UserID        string
	Role          string
	AccountStatus AccountStatus
	Snapshot      protocol.UserSnapshot
}

// Gate resolves a bearer credential into an Identity. Token verification is
// delegated to the TokenValidator; account status and profile come from the
// Directory.
type Gate struct {
	tokens   *TokenValidator
	accounts Directory
	// trustClaims builds the account from token claims when the directory
	// has no record for the subject.
	trustClaims bool
	logger      zerolog.Logger
}

type GateOption func(*Gate)

// WithClaimsFallback admits subjects unknown to the directory using the
// profile carried in the token. The derived account is recorded when the
// directory supports it.
func WithClaimsFallback() GateOption {
	return func(g *Gate) { g.trustClaims = true }
}

func NewGate(tokens *TokenValidator, accounts Directory, logger zerolog.Logger, opts ...GateOption) *Gate {
	g := &Gate{
		tokens:   tokens,
		accounts: accounts,
		logger:   logger.With().Str("component", "identity-gate").Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Validate returns an authentication error for a missing, malformed, expired
// or unknown credential, and an authorization error for blocked or rejected
// accounts.
func (g *Gate) Validate(ctx context.Context, credential string) (*Identity, error) {
	if credential == "" {
		return nil, apperror.Authentication("missing credential", nil)
	}

	claims, err := g.tokens.Parse(credential)
	if err != nil {
		g.logger.Debug().Err(err).Msg("token rejected")
		return nil, apperror.Authentication("invalid credential", err)
	}

	acct, err := g.accounts.GetAccount(ctx, claims.Subject)
	switch {
	case errors.Is(err, ErrAccountNotFound) && g.trustClaims:
		acct = accountFromClaims(claims)
		if rec, ok := g.accounts.(Recorder); ok {
			rec.Put(*acct)
		}
	case errors.Is(err, ErrAccountNotFound):
		return nil, apperror.Authentication("unknown account", err)
	case err != nil:
		return nil, apperror.Persistence("account lookup failed", err)
	}

	if !acct.Status.Admitted() {
		return nil, apperror.Authorization("account is " + string(acct.Status))
	}

	return &Identity{
		UserID:        acct.ID,
		Role:          acct.Role,
		AccountStatus: acct.Status,
		Snapshot: protocol.UserSnapshot{
			ID:          acct.ID,
			DisplayName: acct.DisplayName,
			Role:        acct.Role,
			Avatar:      acct.Avatar,
		},
	}, nil
}

func accountFromClaims(c *Claims) *Account {
	status := AccountStatus(c.AccountStatus)
	if status == "" {
		status = StatusActive
	}
	name := c.Name
	if name == "" {
		name = c.Subject
	}
	return &Account{
		ID:          c.Subject,
		DisplayName: name,
		Role:        c.Role,
		Avatar:      c.Picture,
		Status:      status,
	}
}
