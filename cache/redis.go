package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/warp/alarm-engine/alarm"
)

// DefaultRedisPrefix namespaces cache keys in a shared Redis.
const DefaultRedisPrefix = "alarm-engine:cache:"

const scanBatch = 100

// RedisBackend stores JSON-encoded entries under prefix+kind+":"+fingerprint
// with native expiry.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (r *RedisBackend) key(key Key) string {
	return r.prefix + string(key.Kind) + ":" + key.Fingerprint()
}

func (r *RedisBackend) Get(ctx context.Context, key Key) (Entry, bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: redis get: %w", alarm.ErrCache, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, fmt.Errorf("%w: decode entry: %w", alarm.ErrCache, err)
	}
	return e, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key Key, e Entry, ttl time.Duration) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: encode entry: %w", alarm.ErrCache, err)
	}
	if err := r.client.Set(ctx, r.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis set: %w", alarm.ErrCache, err)
	}
	return nil
}

func (r *RedisBackend) DeleteKind(ctx context.Context, kind Kind) (int, error) {
	return r.deleteMatching(ctx, r.prefix+string(kind)+":*", nil)
}

func (r *RedisBackend) Flush(ctx context.Context) error {
	_, err := r.deleteMatching(ctx, r.prefix+"*", nil)
	return err
}

func (r *RedisBackend) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	return r.deleteMatching(ctx, r.prefix+"*", func(k string) bool {
		data, err := r.client.Get(ctx, k).Bytes()
		if err != nil {
			return false
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return true
		}
		return e.StoredAt.Before(olderThan)
	})
}

func (r *RedisBackend) Len(ctx context.Context) (int, error) {
	n := 0
	err := r.scan(ctx, r.prefix+"*", func(string) error {
		n++
		return nil
	})
	return n, err
}

// deleteMatching removes keys matching pattern for which match is nil or
// returns true.
func (r *RedisBackend) deleteMatching(ctx context.Context, pattern string, match func(string) bool) (int, error) {
	var doomed []string
	err := r.scan(ctx, pattern, func(k string) error {
		if match == nil || match(k) {
			doomed = append(doomed, k)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(doomed) == 0 {
		return 0, nil
	}
	n, err := r.client.Del(ctx, doomed...).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: redis del: %w", alarm.ErrCache, err)
	}
	return int(n), nil
}

func (r *RedisBackend) scan(ctx context.Context, pattern string, fn func(string) error) error {
	iter := r.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: redis scan: %w", alarm.ErrCache, err)
	}
	return nil
}
