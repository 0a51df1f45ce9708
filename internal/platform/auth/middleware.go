package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
)

// Claims is the token shape accepted by the relay. Subject carries the user id.
type Claims struct {
	jwt.RegisteredClaims
	Name          string `json:"name,omitempty"`
	Role          string `json:"role,omitempty"`
	Picture       string `json:"picture,omitempty"`
	AccountStatus string `json:"account_status,omitempty"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey selects HMAC validation instead of JWKS.
	SigningKey []byte
	KeySetTTL  time.Duration
}

// TokenValidator parses and verifies bearer tokens. It is shared by the REST
// middleware and the websocket Identity Gate.
type TokenValidator struct {
	keyFunc jwt.Keyfunc
	opts    []jwt.ParserOption
}

// NewTokenValidator builds a validator. With a SigningKey tokens must be
// HS256; otherwise keys are resolved from JWKSURL (or OIDC discovery on the
// issuer).
func NewTokenValidator(cfg JWTConfig) (*TokenValidator, error) {
	v := &TokenValidator{}
	if cfg.Issuer != "" {
		v.opts = append(v.opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		v.opts = append(v.opts, jwt.WithAudience(cfg.Audience))
	}

	if len(cfg.SigningKey) > 0 {
		key := cfg.SigningKey
		v.opts = append(v.opts, jwt.WithValidMethods([]string{"HS256"}))
		v.keyFunc = func(*jwt.Token) (interface{}, error) { return key, nil }
		return v, nil
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" && cfg.Issuer != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		discovered, err := discoverKeySet(ctx, cfg.Issuer)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("discover JWKS for issuer %s: %w", cfg.Issuer, err)
		}
		jwksURL = discovered
	}
	if jwksURL == "" {
		return nil, fmt.Errorf("either a signing key or a JWKS source is required")
	}

	keys := NewKeySet(jwksURL, cfg.KeySetTTL)
	v.opts = append(v.opts, jwt.WithValidMethods([]string{"RS256"}))
	v.keyFunc = func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return keys.Key(ctx, kid)
	}
	return v, nil
}

// Parse verifies tokenStr and returns its claims.
func (v *TokenValidator) Parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.keyFunc, v.opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return claims, nil
}

// BearerToken extracts the credential from an Authorization header or, for
// browser websocket clients that cannot set headers, the given query parameter.
func BearerToken(r *http.Request, queryParam string) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if queryParam != "" {
		return r.URL.Query().Get(queryParam)
	}
	return ""
}

// JWTMiddleware authenticates REST requests. Requests for which skipper
// returns true pass through untouched.
func JWTMiddleware(v *TokenValidator, skipper func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}

			tokenStr := BearerToken(c.Request(), "")
			if tokenStr == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			claims, err := v.Parse(tokenStr)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, UserIDKey, claims.Subject)
			ctx = context.WithValue(ctx, UserRolesKey, rolesOf(claims))
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

func rolesOf(c *Claims) []string {
	if c.Role == "" {
		return nil
	}
	return []string{c.Role}
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
