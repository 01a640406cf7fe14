package locks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cordum/davlock/core/infra/redisutil"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockKeyPrefix         = "davlock:lock:"
	defaultRedisOpTimeout = 3 * time.Second
)

// RedisStore keeps one JSON record per resource. Saves are optimistic
// WATCH/MULTI transactions on the single resource key.
type RedisStore struct {
	client redis.UniversalClient
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

type redisRecord struct {
	Revision string `json:"revision"`
	Locks    []Lock `json:"locks"`
}

func NewRedisStore(url string) (*RedisStore, error) {
	client, err := redisutil.Connect(context.Background(), url)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client. Close closes it.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) Load(ctx context.Context, resource string) (*LockSet, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRedisOpTimeout)
	defer cancel()
	rec, err := readRecord(ctx, s.client, lockKey(resource))
	if err != nil {
		return nil, err
	}
	return &LockSet{Resource: resource, Locks: rec.Locks, Revision: rec.Revision}, nil
}

func (s *RedisStore) Save(ctx context.Context, set *LockSet) error {
	ctx, cancel := context.WithTimeout(ctx, defaultRedisOpTimeout)
	defer cancel()
	key := lockKey(set.Resource)
	next := ""
	if !set.Empty() {
		next = uuid.NewString()
	}
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		if current.Revision != set.Revision {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if set.Empty() {
				pipe.Del(ctx, key)
				return nil
			}
			payload, err := json.Marshal(redisRecord{Revision: next, Locks: set.Locks})
			if err != nil {
				return fmt.Errorf("marshal lock record: %w", err)
			}
			pipe.Set(ctx, key, payload, 0)
			if latest, ok := set.LatestExpiry(); ok {
				pipe.PExpireAt(ctx, key, latest)
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	set.Revision = next
	return nil
}

func (s *RedisStore) Resources(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRedisOpTimeout)
	defer cancel()
	keys, err := redisutil.ScanKeys(ctx, s.client, redisutil.EscapeGlob(lockKeyPrefix+prefix)+"*")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, strings.TrimPrefix(key, lockKeyPrefix))
	}
	return out, nil
}

func readRecord(ctx context.Context, client getter, key string) (redisRecord, error) {
	var rec redisRecord
	data, err := client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return rec, nil
	}
	if err != nil {
		return rec, fmt.Errorf("get lock record: %w", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode lock record %s: %w", key, err)
	}
	return rec, nil
}

func lockKey(resource string) string {
	return lockKeyPrefix + resource
}
