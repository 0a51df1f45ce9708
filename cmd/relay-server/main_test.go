package main

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/telecare/relay/internal/config"
)

func TestResolveSigningKey_FromConfig(t *testing.T) {
	want := strings.Repeat("ab", 32)
	key, random, err := resolveSigningKey(&config.Config{AuthSigningKey: want})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if random {
		t.Error("expected random=false when a key is configured")
	}
	if hex.EncodeToString(key) != want {
		t.Errorf("unexpected key %x", key)
	}
}

func TestResolveSigningKey_InvalidHex(t *testing.T) {
	if _, _, err := resolveSigningKey(&config.Config{AuthSigningKey: "not-valid-hex!!!"}); err == nil {
		t.Fatal("expected error for invalid hex, got nil")
	}
}

func TestResolveSigningKey_IssuerMeansNoKey(t *testing.T) {
	key, random, err := resolveSigningKey(&config.Config{AuthIssuer: "https://idp.example.org"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != nil || random {
		t.Errorf("expected JWKS mode, got key=%x random=%v", key, random)
	}
}

func TestResolveSigningKey_RandomGeneration(t *testing.T) {
	key, random, err := resolveSigningKey(&config.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !random {
		t.Error("expected random=true with no key and no issuer")
	}
	if len(key) != 32 {
		t.Errorf("expected 32-byte key, got %d bytes", len(key))
	}

	key2, _, _ := resolveSigningKey(&config.Config{})
	if hex.EncodeToString(key) == hex.EncodeToString(key2) {
		t.Error("two random keys should not be identical")
	}
}

func TestNewLogger_ProductionIsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("production", &buf)
	logger.Info().Msg("hello")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("expected JSON output, got %q", buf.String())
	}
}

func TestTokenCmd_RequiresSigningKey(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("AUTH_SIGNING_KEY", "")

	cmd := tokenCmd()
	cmd.SetArgs([]string{"dr-house"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error without a signing key")
	}
}

func TestTokenCmd_MintsToken(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("AUTH_SIGNING_KEY", strings.Repeat("0f", 32))

	var out bytes.Buffer
	cmd := tokenCmd()
	cmd.SetArgs([]string{"dr-house", "--role", "doctor"})
	cmd.SetOut(&out)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parts := strings.Split(strings.TrimSpace(out.String()), "."); len(parts) != 3 {
		t.Errorf("expected a JWT, got %q", out.String())
	}
}
