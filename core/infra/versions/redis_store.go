package versions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cordum/davlock/core/infra/redisutil"
	"github.com/redis/go-redis/v9"
)

const (
	versionKeyPrefix      = "davlock:version:"
	defaultRedisOpTimeout = 3 * time.Second
)

// RedisStore keeps counters as plain integer keys bumped with INCR.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(url string) (*RedisStore, error) {
	client, err := redisutil.Connect(context.Background(), url)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, resource string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRedisOpTimeout)
	defer cancel()
	n, err := s.client.Get(ctx, versionKey(resource)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get version: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Incr(ctx context.Context, resource string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRedisOpTimeout)
	defer cancel()
	n, err := s.client.Incr(ctx, versionKey(resource)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr version: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func versionKey(resource string) string {
	return versionKeyPrefix + resource
}
