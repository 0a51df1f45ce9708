package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/telecare/relay/internal/config"
	"github.com/telecare/relay/internal/domain/messaging"
	"github.com/telecare/relay/internal/domain/presence"
	"github.com/telecare/relay/internal/domain/typing"
	"github.com/telecare/relay/internal/platform/auth"
	"github.com/telecare/relay/internal/platform/backplane"
	"github.com/telecare/relay/internal/platform/db"
	"github.com/telecare/relay/internal/platform/metrics"
	"github.com/telecare/relay/internal/platform/middleware"
	"github.com/telecare/relay/internal/platform/notification"
	"github.com/telecare/relay/internal/platform/websocket"
)

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// resolveSigningKey returns the configured HMAC key. In development with no
// key and no issuer a random one is generated; random reports that case.
func resolveSigningKey(cfg *config.Config) (key []byte, random bool, err error) {
	key, err = cfg.SigningKey()
	if err != nil {
		return nil, false, err
	}
	if key != nil || cfg.AuthIssuer != "" {
		return key, false, nil
	}
	key, err = auth.RandomKey()
	if err != nil {
		return nil, false, err
	}
	return key, true, nil
}

// stores bundles the persistence chosen by STORE_DRIVER.
type stores struct {
	messages      messaging.Store
	accounts      auth.Directory
	notifications notification.Store
	health        db.Pinger
	// trustClaims admits accounts the directory has never seen.
	trustClaims bool
	close       func()
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "relay-" + cfg.InstanceID,
	}
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, poolConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		logger.Info().Msg("connected to database")
		return &stores{
			messages:      messaging.NewMessageRepoPG(pool),
			accounts:      auth.NewPGDirectory(pool),
			notifications: notification.NewStorePG(pool),
			health:        pool,
			close:         pool.Close,
		}, nil

	case config.StoreBadger:
		bs, err := messaging.OpenBadgerStore(cfg.BadgerPath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.BadgerPath).Msg("opened badger message store")
		return &stores{
			messages:      bs,
			accounts:      auth.NewMemoryDirectory(),
			notifications: notification.NewMemoryStore(),
			health:        bs,
			trustClaims:   true,
			close: func() {
				if err := bs.Close(); err != nil {
					logger.Error().Err(err).Msg("close badger store")
				}
			},
		}, nil

	default:
		ms := messaging.NewMemoryStore()
		logger.Warn().Msg("using in-memory stores; messages are lost on restart")
		return &stores{
			messages:      ms,
			accounts:      auth.NewMemoryDirectory(),
			notifications: notification.NewMemoryStore(),
			health:        ms,
			trustClaims:   true,
			close:         func() {},
		}, nil
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger = logger.With().Str("instance", cfg.InstanceID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open stores")
	}
	defer st.close()

	// Identity
	key, random, err := resolveSigningKey(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid signing key")
	}
	if random {
		logger.Warn().Msg("generated a random AUTH_SIGNING_KEY; tokens will not survive a restart")
	}
	validator, err := auth.NewTokenValidator(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: key,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure token validation")
	}
	var gateOpts []auth.GateOption
	if st.trustClaims {
		gateOpts = append(gateOpts, auth.WithClaimsFallback())
	}
	gate := auth.NewGate(validator, st.accounts, logger, gateOpts...)

	// Presence and fan-out
	registry := presence.NewRegistry()
	var routerOpts []backplane.RouterOption
	var mirror *backplane.RedisMirror
	backplaneKind := "local"
	if cfg.RedisURL != "" {
		client, err := backplane.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		mirror = backplane.NewRedisMirror(client)
		routerOpts = append(routerOpts, backplane.WithBackplane(backplane.NewRedisBus(client), mirror))
		backplaneKind = "redis"
		defer client.Close()
	}
	router := backplane.NewRouter(registry, cfg.InstanceID, logger, routerOpts...)

	routerCtx, stopRouter := context.WithCancel(context.Background())
	routerDone := make(chan struct{})
	go func() {
		defer close(routerDone)
		if err := router.Run(routerCtx); err != nil {
			logger.Error().Err(err).Msg("backplane stopped")
		}
	}()

	// Domain services
	coordinator := typing.NewCoordinator(router, cfg.TypingTimeout(), logger)
	notifications := notification.NewManager(st.notifications, logger)
	relay := messaging.NewRelay(st.messages, router, notifications, st.accounts, cfg.NotifyRoles, logger)

	sup := websocket.NewSupervisor(gate, registry, router, relay, coordinator, websocket.Options{
		SendBuffer:      cfg.WSSendBuffer,
		WriteWait:       cfg.WriteWait(),
		PongWait:        cfg.PongWait(),
		MaxMessageBytes: cfg.WSMaxMessageBytes,
		AllowedOrigins:  cfg.WSAllowedOrigins,
		CloseSuperseded: cfg.CloseSuperseded,
	}, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(auth.JWTMiddleware(validator, auth.AuthSkipper))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":      "ok",
			"instance":    cfg.InstanceID,
			"connections": registry.Count(),
			"backplane":   backplaneKind,
		})
	})
	e.GET("/health/db", db.HealthHandler(st.health, cfg.StoreDriver))
	e.GET("/metrics", metrics.Handler())
	sup.RegisterRoutes(e, middleware.RateLimit(middleware.HandshakeRateLimitConfig()))

	apiV1 := e.Group("/api/v1", middleware.RateLimit(middleware.DefaultRateLimitConfig()))
	presence.NewHandler(registry, router).RegisterRoutes(apiV1)
	notification.NewHandler(notifications).RegisterRoutes(apiV1)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Str("backplane", backplaneKind).Msg("starting relay server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Stop accepting handshakes first; hijacked sockets outlive e.Shutdown.
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("connections did not drain in time")
	}
	coordinator.Close()
	stopRouter()
	<-routerDone
	if mirror != nil {
		if err := mirror.Release(shutdownCtx, cfg.InstanceID); err != nil {
			logger.Warn().Err(err).Msg("failed to release presence entries")
		}
	}
	notifications.Wait()

	logger.Info().Msg("server stopped")
	return nil
}
