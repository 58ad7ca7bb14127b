package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const presenceKeyPrefix = "presence:"

// RedisPresenceRepository keeps a TTL key per device. A device counts as
// alive while its key exists; missing a few heartbeats lets the key expire
// without any cleanup pass.
type RedisPresenceRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPresenceRepository creates the presence store. ttl should be the
// heartbeat timeout, so the key survives a couple of missed beats.
func NewRedisPresenceRepository(client *redis.Client, ttl time.Duration) *RedisPresenceRepository {
	return &RedisPresenceRepository{client: client, ttl: ttl}
}

func (r *RedisPresenceRepository) Touch(ctx context.Context, deviceID string) error {
	key := presenceKey(deviceID)
	err := r.client.Set(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), r.ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to touch presence: %w", err)
	}
	return nil
}

func (r *RedisPresenceRepository) IsAlive(ctx context.Context, deviceID string) (bool, error) {
	n, err := r.client.Exists(ctx, presenceKey(deviceID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence: %w", err)
	}
	return n > 0, nil
}

// AliveSet checks liveness for multiple devices in one round trip.
func (r *RedisPresenceRepository) AliveSet(ctx context.Context, deviceIDs []string) (map[string]bool, error) {
	alive := make(map[string]bool, len(deviceIDs))
	if len(deviceIDs) == 0 {
		return alive, nil
	}

	keys := make([]string, len(deviceIDs))
	for i, id := range deviceIDs {
		keys[i] = presenceKey(id)
	}

	results, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get bulk presence: %w", err)
	}

	for i, result := range results {
		alive[deviceIDs[i]] = result != nil
	}
	return alive, nil
}

func (r *RedisPresenceRepository) Drop(ctx context.Context, deviceID string) error {
	if err := r.client.Del(ctx, presenceKey(deviceID)).Err(); err != nil {
		return fmt.Errorf("failed to drop presence: %w", err)
	}
	return nil
}

func presenceKey(deviceID string) string {
	return presenceKeyPrefix + deviceID
}
