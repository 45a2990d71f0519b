package migration

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-redis/redis/v8"

	"github.com/warp/alarm-engine/alarm"
)

const (
	// LegacyFileName is the blob the previous app version wrote in its data dir.
	LegacyFileName = "savedAlarms.json"
	// LegacyRedisKey is where deployments that mirrored the blob kept it.
	LegacyRedisKey = "legacy:savedAlarms"
)

// LegacySource holds the legacy blob. Its existence is the only signal that
// a migration is still due.
type LegacySource interface {
	Exists(ctx context.Context) (bool, error)
	Load(ctx context.Context) ([]byte, error)
	Delete(ctx context.Context) error
	String() string
}

// =============================================================================
// FILE SOURCE
// =============================================================================

type FileSource struct {
	Path string
}

// NewFileSource points at the well-known blob inside dir.
func NewFileSource(dir string) *FileSource {
	return &FileSource{Path: filepath.Join(dir, LegacyFileName)}
}

func (f *FileSource) Exists(context.Context) (bool, error) {
	_, err := os.Stat(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: stat %s: %w", alarm.ErrStorage, f.Path, err)
	}
	return true, nil
}

func (f *FileSource) Load(context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", alarm.ErrStorage, f.Path, err)
	}
	return data, nil
}

func (f *FileSource) Delete(context.Context) error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %w", alarm.ErrStorage, f.Path, err)
	}
	return nil
}

func (f *FileSource) String() string { return "file:" + f.Path }

// =============================================================================
// REDIS SOURCE
// =============================================================================

type RedisSource struct {
	client *redis.Client
	key    string
}

func NewRedisSource(client *redis.Client, key string) *RedisSource {
	if key == "" {
		key = LegacyRedisKey
	}
	return &RedisSource{client: client, key: key}
}

func (r *RedisSource) Exists(ctx context.Context) (bool, error) {
	n, err := r.client.Exists(ctx, r.key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: redis exists %s: %w", alarm.ErrStorage, r.key, err)
	}
	return n > 0, nil
}

func (r *RedisSource) Load(ctx context.Context) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: redis get %s: %w", alarm.ErrStorage, r.key, err)
	}
	return data, nil
}

func (r *RedisSource) Delete(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("%w: redis del %s: %w", alarm.ErrStorage, r.key, err)
	}
	return nil
}

func (r *RedisSource) String() string { return "redis:" + r.key }
