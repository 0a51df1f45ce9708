// Package backplane fans relay traffic out across server instances. A
// single-instance deployment uses the local implementations, which keep all
// routing in process.
package backplane

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/telecare/relay/internal/platform/protocol"
)

const framesChannel = "relay:frames"

type FrameKind string

const (
	// FrameUser targets the connection registered for Target.
	FrameUser FrameKind = "user"
	// FrameRoom targets every member of room Target.
	FrameRoom FrameKind = "room"
	// FrameBroadcast targets every connection except those of Except.
	FrameBroadcast FrameKind = "broadcast"
)

// Frame is one envelope in transit between instances.
type Frame struct {
	Kind     FrameKind         `json:"kind"`
	Origin   string            `json:"origin"`
	Target   string            `json:"target,omitempty"`
	Except   string            `json:"except,omitempty"`
	Envelope protocol.Envelope `json:"envelope"`
}

type Bus interface {
	Publish(ctx context.Context, f Frame) error
	// Subscribe calls handle for every frame until ctx is cancelled.
	Subscribe(ctx context.Context, handle func(Frame)) error
	Close() error
}

// LocalBus is the single-instance Bus. Publish discards frames.
type LocalBus struct{}

func (LocalBus) Publish(context.Context, Frame) error { return nil }

func (LocalBus) Subscribe(ctx context.Context, _ func(Frame)) error {
	<-ctx.Done()
	return nil
}

func (LocalBus) Close() error { return nil }

// NewRedisClient parses a redis:// URL and verifies the server is reachable.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// RedisBus carries frames over Redis pub/sub.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return b.client.Publish(ctx, framesChannel, data).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, handle func(Frame)) error {
	pubsub := b.client.Subscribe(ctx, framesChannel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before reading.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", framesChannel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var f Frame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				continue
			}
			handle(f)
		}
	}
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
