package backplane

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/telecare/relay/internal/domain/presence"
	"github.com/telecare/relay/internal/platform/metrics"
	"github.com/telecare/relay/internal/platform/protocol"
)

const (
	outboxSize    = 1024
	locateTimeout = 500 * time.Millisecond
	publishTries  = 3
)

type RouterOption func(*Router)

// WithBackplane links the router to other instances. Without it the router
// only ever delivers to local connections.
func WithBackplane(bus Bus, mirror Mirror) RouterOption {
	return func(r *Router) {
		r.bus = bus
		r.mirror = mirror
	}
}

// Router delivers envelopes to users and rooms. Local connections are
// served straight from the registry; users held by another instance are
// reached through the bus.
type Router struct {
	registry   *presence.Registry
	bus        Bus
	mirror     Mirror
	instanceID string
	logger     zerolog.Logger

	outbox chan Frame
}

func NewRouter(registry *presence.Registry, instanceID string, logger zerolog.Logger, opts ...RouterOption) *Router {
	r := &Router{
		registry:   registry,
		bus:        LocalBus{},
		mirror:     LocalMirror{},
		instanceID: instanceID,
		logger:     logger.With().Str("component", "backplane").Logger(),
		outbox:     make(chan Frame, outboxSize),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) InstanceID() string { return r.instanceID }

// DeliverToUser pushes env to userID's connection, wherever it lives. It
// returns false when the user is offline or the frame was dropped.
func (r *Router) DeliverToUser(userID string, env protocol.Envelope) bool {
	if c, ok := r.registry.Lookup(userID); ok {
		if c.Send(env) {
			metrics.LiveDeliveries.WithLabelValues("local").Inc()
			return true
		}
		return false
	}
	if r.remoteHolder(userID) == "" {
		metrics.LiveDeliveries.WithLabelValues("offline").Inc()
		return false
	}
	if !r.enqueue(Frame{Kind: FrameUser, Target: userID, Envelope: env}) {
		return false
	}
	metrics.LiveDeliveries.WithLabelValues("remote").Inc()
	return true
}

// SubscriberCount reports the members of room. Personal rooms held on
// another instance count as one subscriber.
func (r *Router) SubscriberCount(room string) int {
	n := r.registry.SubscriberCount(room)
	if n > 0 {
		return n
	}
	if userID, ok := strings.CutPrefix(room, "user:"); ok && r.remoteHolder(userID) != "" {
		return 1
	}
	return 0
}

// PublishToRoom sends env to every member of room and returns how many
// local members accepted it.
func (r *Router) PublishToRoom(room string, env protocol.Envelope) int {
	n := r.registry.PublishToRoom(room, env)
	if userID, ok := strings.CutPrefix(room, "user:"); ok {
		if n == 0 && r.remoteHolder(userID) != "" {
			r.enqueue(Frame{Kind: FrameRoom, Target: room, Envelope: env})
		}
		return n
	}
	r.enqueue(Frame{Kind: FrameRoom, Target: room, Envelope: env})
	return n
}

// Broadcast sends env to every connection in the cluster except those of
// exceptUserID.
func (r *Router) Broadcast(env protocol.Envelope, exceptUserID string) int {
	n := r.registry.Broadcast(env, exceptUserID)
	if _, local := r.bus.(LocalBus); !local {
		r.enqueue(Frame{Kind: FrameBroadcast, Except: exceptUserID, Envelope: env})
	}
	return n
}

// IsOnline consults the local registry, then the cluster mirror.
func (r *Router) IsOnline(userID string) bool {
	return r.registry.IsOnline(userID) || r.remoteHolder(userID) != ""
}

// Announce records that this instance now holds userID.
func (r *Router) Announce(ctx context.Context, userID string) {
	if err := r.mirror.SetOnline(ctx, userID, r.instanceID); err != nil {
		r.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to announce presence")
	}
}

// Retract clears the cluster entry for userID if this instance still owns it.
func (r *Router) Retract(ctx context.Context, userID string) {
	if err := r.mirror.SetOffline(ctx, userID, r.instanceID); err != nil {
		r.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to retract presence")
	}
}

// remoteHolder returns the other instance holding userID, or "".
func (r *Router) remoteHolder(userID string) string {
	ctx, cancel := context.WithTimeout(context.Background(), locateTimeout)
	defer cancel()
	instance, err := r.mirror.Locate(ctx, userID)
	if err != nil {
		r.logger.Warn().Err(err).Str("user_id", userID).Msg("presence mirror lookup failed")
		return ""
	}
	if instance == r.instanceID {
		return ""
	}
	return instance
}

func (r *Router) enqueue(f Frame) bool {
	if _, local := r.bus.(LocalBus); local {
		return false
	}
	f.Origin = r.instanceID
	select {
	case r.outbox <- f:
		return true
	default:
		metrics.DroppedFrames.Inc()
		r.logger.Warn().Str("kind", string(f.Kind)).Msg("backplane outbox full, dropping frame")
		return false
	}
}

// Run publishes queued frames in order and applies frames from other
// instances until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-r.outbox:
				r.publish(ctx, f)
			}
		}
	}()

	err := r.bus.Subscribe(ctx, r.apply)
	wg.Wait()
	return err
}

func (r *Router) publish(ctx context.Context, f Frame) {
	op := func() error {
		return r.bus.Publish(ctx, f)
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(50*time.Millisecond),
				backoff.WithMaxInterval(time.Second),
			),
			publishTries,
		),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		metrics.BackplanePublishRetries.Inc()
		r.logger.Warn().Err(err).Dur("retry_in", wait).Str("kind", string(f.Kind)).Msg("backplane publish failed, retrying")
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		r.logger.Error().Err(err).Str("kind", string(f.Kind)).Msg("backplane publish gave up")
		return
	}
	metrics.BackplanePublished.WithLabelValues(string(f.Kind)).Inc()
}

// apply executes a frame published by another instance against the local
// registry.
func (r *Router) apply(f Frame) {
	if f.Origin == r.instanceID {
		return
	}
	switch f.Kind {
	case FrameUser:
		if c, ok := r.registry.Lookup(f.Target); ok {
			c.Send(f.Envelope)
		}
	case FrameRoom:
		r.registry.PublishToRoom(f.Target, f.Envelope)
	case FrameBroadcast:
		r.registry.Broadcast(f.Envelope, f.Except)
	default:
		r.logger.Debug().Str("kind", string(f.Kind)).Msg("ignoring unknown backplane frame")
	}
}
