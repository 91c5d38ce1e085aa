package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps idempotency records in Redis so replicas of a service
// share one retention window. Keys expire via TTL.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
	prefix    string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps the client. The prefix namespaces keys per service so
// two services can share one Redis without colliding.
func NewRedisStore(client *redis.Client, prefix string, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisStore{client: client, retention: retention, prefix: prefix}
}

func (s *RedisStore) key(key string) string {
	return fmt.Sprintf("idem:%s:%s", s.prefix, key)
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return data, true, nil
}

// Put records the result unless another replica already did: the first write
// wins so a duplicate key always replays one stable result.
func (s *RedisStore) Put(ctx context.Context, key string, result []byte) error {
	if err := s.client.SetNX(ctx, s.key(key), result, s.retention).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
