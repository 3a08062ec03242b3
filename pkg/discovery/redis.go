package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is where the scheduler record is stored when no key is
// configured
const DefaultRedisKey = "burrow:scheduler"

// RedisRegistry shares the scheduler address through a Redis key, for
// clusters whose hosts have no common filesystem.
type RedisRegistry struct {
	client *redis.Client
	key    string
}

// NewRedisRegistry connects to the Redis server at url
func NewRedisRegistry(url, key string) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid redis url: %v", types.ErrConfiguration, err)
	}
	return NewRedisRegistryFromClient(redis.NewClient(opts), key), nil
}

// NewRedisRegistryFromClient wraps an existing client
func NewRedisRegistryFromClient(client *redis.Client, key string) *RedisRegistry {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisRegistry{client: client, key: key}
}

// Key returns the Redis key of the record
func (r *RedisRegistry) Key() string {
	return r.key
}

// Publish stores info. A positive ttl expires the record unless it is
// published again.
func (r *RedisRegistry) Publish(ctx context.Context, info Info, ttl time.Duration) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode scheduler info: %w", err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.key, data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: failed to publish scheduler: %v", types.ErrConnectivity, err)
	}
	return nil
}

// Lookup returns the published record, or ErrNotFound
func (r *RedisRegistry) Lookup(ctx context.Context) (*Info, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: redis key %s is empty", ErrNotFound, r.key)
		}
		return nil, fmt.Errorf("%w: failed to look up scheduler: %v", types.ErrConnectivity, err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("invalid scheduler record in %s: %w", r.key, err)
	}
	return &info, nil
}

// Remove deletes the record if it still names id
func (r *RedisRegistry) Remove(ctx context.Context, id string) error {
	info, err := r.Lookup(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if info.ID != id {
		return nil
	}
	return r.client.Del(ctx, r.key).Err()
}

// Close releases the Redis connection pool
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
