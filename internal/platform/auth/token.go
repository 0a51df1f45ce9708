package auth

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer mints HS256 tokens. It exists for local development and tests; the
// relay itself never hands out credentials.
type Issuer struct {
	key      []byte
	issuer   string
	audience string
}

func NewIssuer(key []byte, issuer, audience string) *Issuer {
	return &Issuer{key: key, issuer: issuer, audience: audience}
}

// Mint signs a token for acct valid for ttl.
func (i *Issuer) Mint(acct Account, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   acct.ID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:          acct.DisplayName,
		Role:          acct.Role,
		Picture:       acct.Avatar,
		AccountStatus: string(acct.Status),
	}
	if i.audience != "" {
		claims.Audience = jwt.ClaimStrings{i.audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// RandomKey returns a fresh 32-byte HMAC key.
func RandomKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return key, nil
}
