package counter

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs Store with a shared Redis. It is the sole source of
// truth for daily wake and pair counters across instances.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Incr(ctx, key).Result()
}

func (s *RedisStore) Decr(ctx context.Context, key string) error {
	return s.rdb.Decr(ctx, key).Err()
}

func (s *RedisStore) Expire(ctx context.Context, key string, seconds int) error {
	return s.rdb.Expire(ctx, key, time.Duration(seconds)*time.Second).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (int64, bool, error) {
	v, err := s.rdb.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return v, true, nil
}

func (s *RedisStore) SetEx(ctx context.Context, key string, seconds int, value string) error {
	return s.rdb.SetEx(ctx, key, value, time.Duration(seconds)*time.Second).Err()
}
