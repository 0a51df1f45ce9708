// Package websocket accepts client sockets, authenticates them and runs the
// read and write pumps that connect each socket to the relay.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/telecare/relay/internal/domain/messaging"
	"github.com/telecare/relay/internal/domain/presence"
	"github.com/telecare/relay/internal/platform/apperror"
	"github.com/telecare/relay/internal/platform/auth"
	"github.com/telecare/relay/internal/platform/metrics"
	"github.com/telecare/relay/internal/platform/protocol"
)

// Authenticator resolves a handshake credential to an identity.
type Authenticator interface {
	Validate(ctx context.Context, credential string) (*auth.Identity, error)
}

// Fanout reaches users beyond this connection.
type Fanout interface {
	DeliverToUser(userID string, env protocol.Envelope) bool
	Broadcast(env protocol.Envelope, exceptUserID string) int
	IsOnline(userID string) bool
	Announce(ctx context.Context, userID string)
	Retract(ctx context.Context, userID string)
}

type MessageService interface {
	Send(ctx context.Context, senderID string, req protocol.SendMessageRequest) (*messaging.Message, error)
	MarkRead(ctx context.Context, readerID, messageID string) (*messaging.Message, error)
}

type TypingService interface {
	Start(senderID, recipientID string)
	Stop(senderID, recipientID string)
	PurgeForUser(userID string)
}

type Options struct {
	SendBuffer      int
	WriteWait       time.Duration
	PongWait        time.Duration
	MaxMessageBytes int64
	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins []string
	// CloseSuperseded closes a user's previous connection when a newer one
	// registers. Otherwise the old socket stays open but unreachable.
	CloseSuperseded bool
}

func (o *Options) defaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 * 1024
	}
}

// Supervisor owns the connection lifecycle: handshake, registration,
// event dispatch and teardown.
type Supervisor struct {
	gate     Authenticator
	registry *presence.Registry
	fanout   Fanout
	messages MessageService
	typing   TypingService
	opts     Options
	logger   zerolog.Logger
	upgrader gorillawebsocket.Upgrader

	baseCtx context.Context
	cancel  context.CancelFunc
	// mu orders wg.Add against Shutdown's wg.Wait.
	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup
	// conns tracks every open socket, including superseded ones the
	// registry no longer knows about.
	conns sync.Map
}

const mirrorTimeout = 2 * time.Second

func NewSupervisor(gate Authenticator, registry *presence.Registry, fanout Fanout, messages MessageService, typing TypingService, opts Options, logger zerolog.Logger) *Supervisor {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		gate:     gate,
		registry: registry,
		fanout:   fanout,
		messages: messages,
		typing:   typing,
		opts:     opts,
		logger:   logger.With().Str("component", "supervisor").Logger(),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	s.upgrader = gorillawebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Supervisor) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return lo.ContainsBy(s.opts.AllowedOrigins, func(allowed string) bool {
		return strings.EqualFold(strings.TrimRight(allowed, "/"), u.Scheme+"://"+u.Host)
	})
}

// RegisterRoutes mounts the websocket endpoint. mw runs before the
// handshake, e.g. a connection rate limit.
func (s *Supervisor) RegisterRoutes(e *echo.Echo, mw ...echo.MiddlewareFunc) {
	e.GET("/ws", s.HandleConnect, mw...)
}

// HandleConnect authenticates the request and upgrades it. A rejected
// credential is answered with 401 or 403 and never reaches the upgrade.
func (s *Supervisor) HandleConnect(c echo.Context) error {
	if s.isStopping() {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "server is shutting down")
	}

	r := c.Request()
	identity, err := s.gate.Validate(r.Context(), auth.BearerToken(r, "token"))
	if err != nil {
		metrics.Handshakes.WithLabelValues(string(apperror.KindOf(err))).Inc()
		s.logger.Debug().Err(err).Str("remote_addr", c.RealIP()).Msg("handshake rejected")
		return echo.NewHTTPError(apperror.HTTPStatus(err), apperror.PublicMessage(err))
	}

	ws, err := s.upgrader.Upgrade(c.Response(), r, nil)
	if err != nil {
		metrics.Handshakes.WithLabelValues("upgrade_failed").Inc()
		s.logger.Warn().Err(err).Str("user_id", identity.UserID).Msg("websocket upgrade failed")
		return nil
	}
	metrics.Handshakes.WithLabelValues("accepted").Inc()

	conn := newConn(ws, identity.UserID, identity.Snapshot, s.opts.SendBuffer, s.opts.WriteWait)
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		conn.Close(gorillawebsocket.CloseGoingAway, "server shutting down")
		return nil
	}
	s.conns.Store(conn.id, conn)
	s.wg.Add(2)
	s.mu.Unlock()
	go s.writePump(conn)
	go s.readPump(conn)
	return nil
}

// accept publishes a freshly upgraded connection.
func (s *Supervisor) accept(conn *Conn) {
	previous, replaced := s.registry.Register(conn.userID, conn)
	if replaced {
		metrics.SupersededConnections.Inc()
		s.logger.Info().Str("user_id", conn.userID).Str("previous_conn", previous.ID()).Msg("connection superseded")
		if s.opts.CloseSuperseded {
			previous.Close(CloseSuperseded, "superseded by a newer connection")
		}
	}
	s.registry.Join(presence.UserRoom(conn.userID), conn)
	conn.activate()
	metrics.ActiveConnections.Inc()

	mctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	s.fanout.Announce(mctx, conn.userID)
	cancel()

	s.fanout.Broadcast(protocol.MustNew(protocol.EventUserOnline, protocol.PresenceChange{
		UserID:   conn.userID,
		Snapshot: conn.snapshot,
	}), conn.userID)

	conn.Send(protocol.MustNew(protocol.EventSessionAccepted, protocol.SessionAccepted{
		UserID:       conn.userID,
		ConnectionID: conn.id,
		OnlineUsers:  s.registry.SnapshotOnlineUsers(),
	}))

	s.logger.Info().Str("user_id", conn.userID).Str("conn_id", conn.id).Msg("connection active")
}

// teardown unpublishes conn. Peers only hear user:offline when this
// connection was still the user's registered one.
func (s *Supervisor) teardown(conn *Conn, code int, reason string) {
	conn.Close(code, reason)
	s.conns.Delete(conn.id)
	s.registry.Leave(presence.UserRoom(conn.userID), conn)
	metrics.ActiveConnections.Dec()

	if !s.registry.Unregister(conn.userID, conn) {
		s.logger.Debug().Str("user_id", conn.userID).Str("conn_id", conn.id).Msg("superseded connection closed")
		return
	}
	s.typing.PurgeForUser(conn.userID)

	mctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	s.fanout.Retract(mctx, conn.userID)
	cancel()

	s.fanout.Broadcast(protocol.MustNew(protocol.EventUserOffline, protocol.PresenceChange{
		UserID:   conn.userID,
		Snapshot: conn.snapshot,
	}), conn.userID)
	s.logger.Info().Str("user_id", conn.userID).Str("conn_id", conn.id).Msg("connection closed")
}

// readPump reads frames from the socket and dispatches them in arrival
// order. It owns the connection's lifetime.
func (s *Supervisor) readPump(conn *Conn) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()

	ws := conn.ws
	ws.SetReadLimit(s.opts.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	s.accept(conn)

	code, reason := gorillawebsocket.CloseNormalClosure, ""
	defer func() { s.teardown(conn, code, reason) }()

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, gorillawebsocket.ErrReadLimit):
				code, reason = gorillawebsocket.CloseMessageTooBig, "frame too large"
			case gorillawebsocket.IsUnexpectedCloseError(err, gorillawebsocket.CloseNormalClosure, gorillawebsocket.CloseGoingAway, CloseSuperseded):
				s.logger.Debug().Err(err).Str("user_id", conn.userID).Msg("unexpected close")
			}
			return
		}
		if msgType != gorillawebsocket.TextMessage {
			code, reason = gorillawebsocket.CloseUnsupportedData, "only text frames are accepted"
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			conn.Reply(errorEvent("", "malformed", "frame is not a valid event envelope"))
			continue
		}
		s.dispatch(ctx, conn, env)
	}
}

// writePump drains the send buffer and keeps the peer alive with pings.
func (s *Supervisor) writePump(conn *Conn) {
	defer s.wg.Done()

	ping := time.NewTicker(s.opts.PongWait * 9 / 10)
	defer ping.Stop()

	for {
		select {
		case <-conn.done:
			return
		case data := <-conn.send:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := conn.ws.WriteMessage(gorillawebsocket.TextMessage, data); err != nil {
				conn.Close(gorillawebsocket.CloseAbnormalClosure, "")
				return
			}
		case <-ping.C:
			if err := conn.ws.WriteControl(gorillawebsocket.PingMessage, nil, time.Now().Add(s.opts.WriteWait)); err != nil {
				conn.Close(gorillawebsocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

func (s *Supervisor) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// Shutdown closes every connection and waits for their pumps to exit.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.cancel()
	s.conns.Range(func(_, v any) bool {
		v.(*Conn).Close(gorillawebsocket.CloseGoingAway, "server shutting down")
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
