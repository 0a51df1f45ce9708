package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreBadger   = "badger"
	StoreMemory   = "memory"
)

type Config struct {
	Port              string   `mapstructure:"PORT"`
	Env               string   `mapstructure:"ENV"`
	InstanceID        string   `mapstructure:"INSTANCE_ID"`
	StoreDriver       string   `mapstructure:"STORE_DRIVER"`
	DatabaseURL       string   `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32    `mapstructure:"DB_MIN_CONNS"`
	BadgerPath        string   `mapstructure:"BADGER_PATH"`
	RedisURL          string   `mapstructure:"REDIS_URL"`
	AuthSigningKey    string   `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer        string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience      string   `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL       string   `mapstructure:"AUTH_JWKS_URL"`
	TypingTimeoutMS   int      `mapstructure:"TYPING_TIMEOUT_MS"`
	WSSendBuffer      int      `mapstructure:"WS_SEND_BUFFER"`
	WSWriteWaitSec    int      `mapstructure:"WS_WRITE_WAIT_SEC"`
	WSPongWaitSec     int      `mapstructure:"WS_PONG_WAIT_SEC"`
	WSMaxMessageBytes int64    `mapstructure:"WS_MAX_MESSAGE_BYTES"`
	WSAllowedOrigins  []string `mapstructure:"WS_ALLOWED_ORIGINS"`
	CloseSuperseded   bool     `mapstructure:"CLOSE_SUPERSEDED"`
	NotifyRoles       []string `mapstructure:"NOTIFY_ROLES"`
	CORSOrigins       []string `mapstructure:"CORS_ORIGINS"`
}

var envKeys = []string{
	"PORT", "ENV", "INSTANCE_ID", "STORE_DRIVER", "DATABASE_URL",
	"DB_MAX_CONNS", "DB_MIN_CONNS", "BADGER_PATH", "REDIS_URL",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL",
	"TYPING_TIMEOUT_MS", "WS_SEND_BUFFER", "WS_WRITE_WAIT_SEC",
	"WS_PONG_WAIT_SEC", "WS_MAX_MESSAGE_BYTES", "WS_ALLOWED_ORIGINS",
	"CLOSE_SUPERSEDED", "NOTIFY_ROLES", "CORS_ORIGINS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("BADGER_PATH", "./data/messages")
	v.SetDefault("TYPING_TIMEOUT_MS", 3000)
	v.SetDefault("WS_SEND_BUFFER", 256)
	v.SetDefault("WS_WRITE_WAIT_SEC", 10)
	v.SetDefault("WS_PONG_WAIT_SEC", 60)
	v.SetDefault("WS_MAX_MESSAGE_BYTES", 64*1024)
	v.SetDefault("CLOSE_SUPERSEDED", false)
	v.SetDefault("NOTIFY_ROLES", "patient,doctor")
	v.SetDefault("CORS_ORIGINS", "http://localhost:4200")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.WSAllowedOrigins = splitList(v.GetString("WS_ALLOWED_ORIGINS"))
	cfg.NotifyRoles = splitList(v.GetString("NOTIFY_ROLES"))

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
	}
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)

	if cfg.StoreDriver == StorePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StorePostgres)
	}

	if cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthIssuer == "" {
		log.Println("WARNING: no AUTH_SIGNING_KEY or AUTH_ISSUER configured; a random signing key will be generated")
		log.Println("WARNING: tokens minted with `relay-server token` will not survive a restart")
	}

	return cfg, nil
}

// splitList parses a comma-separated env value, trimming blanks.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func (c *Config) TypingTimeout() time.Duration {
	return time.Duration(c.TypingTimeoutMS) * time.Millisecond
}

func (c *Config) WriteWait() time.Duration {
	return time.Duration(c.WSWriteWaitSec) * time.Second
}

func (c *Config) PongWait() time.Duration {
	return time.Duration(c.WSPongWaitSec) * time.Second
}

// SigningKey decodes AUTH_SIGNING_KEY. A nil slice means no key is configured.
func (c *Config) SigningKey() ([]byte, error) {
	if c.AuthSigningKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.AuthSigningKey)
	if err != nil {
		return nil, fmt.Errorf("AUTH_SIGNING_KEY is not valid hex: %w", err)
	}
	return key, nil
}

// Validate checks that the configuration is safe to run. Outside development
// either an HMAC signing key or an issuer must be configured, and the typing
// timeout and socket tunables must be positive.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StorePostgres, StoreBadger, StoreMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q, %q or %q, got %q", StorePostgres, StoreBadger, StoreMemory, c.StoreDriver)
	}

	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthIssuer == "" {
		return fmt.Errorf(
			"AUTH_SIGNING_KEY or AUTH_ISSUER must be set outside development (current ENV=%q)", c.Env)
	}

	key, err := c.SigningKey()
	if err != nil {
		return err
	}
	if key != nil && len(key) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes (64 hex chars), got %d bytes", len(key))
	}

	if c.IsProduction() && c.StoreDriver == StoreMemory {
		return fmt.Errorf("STORE_DRIVER=%q is not durable and is refused in production", StoreMemory)
	}

	if c.TypingTimeoutMS <= 0 {
		return fmt.Errorf("TYPING_TIMEOUT_MS must be positive, got %d", c.TypingTimeoutMS)
	}
	if c.WSSendBuffer <= 0 {
		return fmt.Errorf("WS_SEND_BUFFER must be positive, got %d", c.WSSendBuffer)
	}
	if c.WSWriteWaitSec <= 0 || c.WSPongWaitSec <= 0 {
		return fmt.Errorf("WS_WRITE_WAIT_SEC and WS_PONG_WAIT_SEC must be positive")
	}
	if c.WSMaxMessageBytes <= 0 {
		return fmt.Errorf("WS_MAX_MESSAGE_BYTES must be positive, got %d", c.WSMaxMessageBytes)
	}

	return nil
}
