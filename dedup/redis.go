package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "sqsjobs:processed:"

// RedisStore keeps one key per processed message. Entries expire on their own after
// the TTL, so Cleanup has nothing to do.
type RedisStore struct {
	client redis.Cmdable
	ttl    time.Duration
	closer func() error
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr string, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisStore{client: client, ttl: ttl, closer: client.Close}, nil
}

// NewRedisStoreFromClient uses an existing client, which the caller keeps owning.
func NewRedisStoreFromClient(client redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (r *RedisStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	n, err := r.client.Exists(ctx, redisKeyPrefix+messageID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisStore) MarkProcessed(ctx context.Context, messageID, jobType string) error {
	return r.client.SetNX(ctx, redisKeyPrefix+messageID, jobType, r.ttl).Err()
}

func (r *RedisStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	return nil
}

func (r *RedisStore) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
