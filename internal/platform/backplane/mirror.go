package backplane

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

const presenceKey = "relay:presence"

// Mirror is the cluster-wide view of which instance holds each user's
// connection.
type Mirror interface {
	SetOnline(ctx context.Context, userID, instanceID string) error
	// SetOffline removes the entry only if it still names instanceID.
	SetOffline(ctx context.Context, userID, instanceID string) error
	// Locate returns the instance holding userID, or "" when offline.
	Locate(ctx context.Context, userID string) (string, error)
}

// LocalMirror is the single-instance Mirror; it knows nothing beyond the
// local registry.
type LocalMirror struct{}

func (LocalMirror) SetOnline(context.Context, string, string) error  { return nil }
func (LocalMirror) SetOffline(context.Context, string, string) error { return nil }
func (LocalMirror) Locate(context.Context, string) (string, error)   { return "", nil }

// releaseScript deletes the hash field only when this instance still owns it.
var releaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call("HDEL", KEYS[1], ARGV[1])
end
return 0`)

// RedisMirror stores user -> instance in one Redis hash.
type RedisMirror struct {
	client *redis.Client
}

func NewRedisMirror(client *redis.Client) *RedisMirror {
	return &RedisMirror{client: client}
}

func (m *RedisMirror) SetOnline(ctx context.Context, userID, instanceID string) error {
	if err := m.client.HSet(ctx, presenceKey, userID, instanceID).Err(); err != nil {
		return fmt.Errorf("mirror online %s: %w", userID, err)
	}
	return nil
}

func (m *RedisMirror) SetOffline(ctx context.Context, userID, instanceID string) error {
	if err := releaseScript.Run(ctx, m.client, []string{presenceKey}, userID, instanceID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("mirror offline %s: %w", userID, err)
	}
	return nil
}

func (m *RedisMirror) Locate(ctx context.Context, userID string) (string, error) {
	instance, err := m.client.HGet(ctx, presenceKey, userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("mirror locate %s: %w", userID, err)
	}
	return instance, nil
}

// Release drops every entry owned by instanceID. Called on shutdown.
func (m *RedisMirror) Release(ctx context.Context, instanceID string) error {
	entries, err := m.client.HGetAll(ctx, presenceKey).Result()
	if err != nil {
		return fmt.Errorf("mirror release: %w", err)
	}
	for userID, owner := range entries {
		if owner != instanceID {
			continue
		}
		if err := m.SetOffline(ctx, userID, instanceID); err != nil {
			return err
		}
	}
	return nil
}
