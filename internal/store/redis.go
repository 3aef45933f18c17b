package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// scanBatch is the COUNT hint passed to SCAN when listing a namespace.
const scanBatch = 256

// RedisStore backs the Store contract with a shared Redis instance so that
// challenges, grants and upstream registrations survive restarts and are
// visible to every gateway process. Keys are encoded "<namespace>:<key>" and
// expiry is delegated to Redis TTLs.
type RedisStore struct {
	client *redis.Client
	ttls   TTLs
}

// NewRedisStore wraps an existing client. Namespaces absent from ttls never
// expire.
func NewRedisStore(client *redis.Client, ttls TTLs) *RedisStore {
	if ttls == nil {
		ttls = DefaultTTLs()
	}
	return &RedisStore{client: client, ttls: ttls}
}

func redisKey(ns Namespace, key string) string {
	return string(ns) + ":" + key
}

func (s *RedisStore) Get(ctx context.Context, ns Namespace, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, redisKey(ns, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s/%s: %w", ns, key, err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, ns Namespace, key, value string) error {
	if err := s.client.Set(ctx, redisKey(ns, key), value, s.ttls[ns]).Err(); err != nil {
		return fmt.Errorf("redis set %s/%s: %w", ns, key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, ns Namespace, key string) error {
	if err := s.client.Del(ctx, redisKey(ns, key)).Err(); err != nil {
		return fmt.Errorf("redis del %s/%s: %w", ns, key, err)
	}
	return nil
}

// GetAll scans the namespace and bulk-fetches the values. Keys that expire
// between the SCAN and the MGET are skipped.
func (s *RedisStore) GetAll(ctx context.Context, ns Namespace) (map[string]string, error) {
	prefix := string(ns) + ":"
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", ns, err)
	}

	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget %s: %w", ns, err)
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		out[strings.TrimPrefix(keys[i], prefix)] = str
	}
	return out, nil
}

func (s *RedisStore) TTL(ns Namespace) time.Duration {
	return s.ttls[ns]
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
