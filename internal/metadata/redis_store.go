package metadata

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the metadata directory with Redis, selected via the
// engine's metadata_backend=redis config key (SPEC_FULL.md §6). Grounded on
// go-coffee's use of github.com/redis/go-redis/v9 as a KV directory
// (other_examples).
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Store backed by the given Redis client. keyPrefix
// namespaces segment keys (e.g. "mooncake:segments:") to share a Redis
// instance with other tenants.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, prefix: keyPrefix}
}

func (r *RedisStore) key(name string) string {
	return r.prefix + name
}

func (r *RedisStore) GetSegmentDesc(ctx context.Context, name string) (SegmentDesc, error) {
	data, err := r.client.Get(ctx, r.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return SegmentDesc{}, ErrNotFound
	}
	if err != nil {
		return SegmentDesc{}, fmt.Errorf("metadata: redis get %s: %w", name, err)
	}
	return unmarshalDesc(data)
}

func (r *RedisStore) PutSegmentDesc(ctx context.Context, name string, desc SegmentDesc) error {
	data, err := marshalDesc(desc)
	if err != nil {
		return fmt.Errorf("metadata: marshal segment %s: %w", name, err)
	}
	if err := r.client.Set(ctx, r.key(name), data, 0).Err(); err != nil {
		return fmt.Errorf("metadata: redis set %s: %w", name, err)
	}
	return nil
}

func (r *RedisStore) RemoveSegmentDesc(ctx context.Context, name string) error {
	if err := r.client.Del(ctx, r.key(name)).Err(); err != nil {
		return fmt.Errorf("metadata: redis del %s: %w", name, err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
