/*
Package cache holds query results keyed by structured keys.

PURPOSE:
  Serve repeated reads without touching the store, and never serve a result
  that predates a write to the same kind of entity.

KEYS:
  Key{Kind, Op, Predicate, Sort, Limit, Offset}. Writes invalidate a whole
  Kind; no key is ever matched by substring.

GENERATIONS:
  Each kind carries a generation counter, bumped by Invalidate. A load
  records the generation it started under and its result is stored only if
  the generation is unchanged, so a slow read racing a write cannot refill
  the cache with pre-write data. Entries from an older generation are
  treated as misses even if the backend still holds them.

EXPIRY:
  Entries older than the TTL are misses. Purge drops them from the backend.

BACKENDS:
  MemoryBackend (single process) and RedisBackend (go-redis). Backend
  failures degrade to misses and are logged; reads still succeed.
*/
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/warp/alarm-engine/alarm"
)

const DefaultTTL = 5 * time.Minute

type Options struct {
	TTL    time.Duration
	Clock  func() time.Time
	Logger *zap.Logger
}

type Cache struct {
	backend Backend
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger

	mu   sync.RWMutex
	gens map[Kind]uint64

	group singleflight.Group

	hits, misses, errs atomic.Uint64
}

// New builds a cache over backend. A nil backend means a MemoryBackend.
func New(backend Backend, opts Options) *Cache {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Cache{
		backend: backend,
		ttl:     opts.TTL,
		now:     opts.Clock,
		logger:  opts.Logger.Named("cache"),
		gens:    make(map[Kind]uint64),
	}
}

func (c *Cache) TTL() time.Duration { return c.ttl }

func (c *Cache) generation(kind Kind) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[kind]
}

// Load returns the cached bytes for key, or calls load and caches its
// result. Concurrent misses on one key share a single load.
func (c *Cache) Load(ctx context.Context, key Key, load func(context.Context) ([]byte, error)) ([]byte, error) {
	gen := c.generation(key.Kind)

	e, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.errs.Add(1)
		c.logger.Warn("cache read failed", zap.String("key", key.String()), zap.Error(err))
	}
	if ok && e.Gen == gen && c.now().Sub(e.StoredAt) < c.ttl {
		c.hits.Add(1)
		return e.Value, nil
	}
	c.misses.Add(1)

	// The shared load outlives any single caller; a caller that gives up
	// returns alone and the others keep waiting.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key.Fingerprint()+"#"+strconv.FormatUint(gen, 10), func() (any, error) {
		data, err := load(shared)
		if err != nil {
			return nil, err
		}
		c.store(shared, key, gen, data)
		return data, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.([]byte), nil
	}
}

// store writes the entry unless the kind was invalidated since gen was read.
func (c *Cache) store(ctx context.Context, key Key, gen uint64, data []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.gens[key.Kind] != gen {
		return
	}
	e := Entry{Value: data, StoredAt: c.now(), Gen: gen}
	if err := c.backend.Set(ctx, key, e, c.ttl); err != nil {
		c.errs.Add(1)
		c.logger.Warn("cache write failed", zap.String("key", key.String()), zap.Error(err))
	}
}

// Fetch is Load for JSON-encodable values.
func Fetch[T any](ctx context.Context, c *Cache, key Key, load func(context.Context) (T, error)) (T, error) {
	var out T
	data, err := c.Load(ctx, key, func(ctx context.Context) ([]byte, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%w: decode %s: %w", alarm.ErrCache, key, err)
	}
	return out, nil
}

// Invalidate drops every entry of the given kinds.
func (c *Cache) Invalidate(ctx context.Context, kinds ...Kind) {
	c.mu.Lock()
	for _, k := range kinds {
		c.gens[k]++
	}
	c.mu.Unlock()

	for _, k := range kinds {
		n, err := c.backend.DeleteKind(ctx, k)
		if err != nil {
			// Stale entries stay unreachable through their generation.
			c.errs.Add(1)
			c.logger.Warn("cache invalidation failed", zap.String("kind", string(k)), zap.Error(err))
			continue
		}
		c.logger.Debug("cache invalidated", zap.String("kind", string(k)), zap.Int("entries", n))
	}
}

// InvalidateAll empties the cache.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	c.mu.Lock()
	for _, k := range AllKinds {
		c.gens[k]++
	}
	c.mu.Unlock()

	if err := c.backend.Flush(ctx); err != nil {
		c.errs.Add(1)
		return fmt.Errorf("%w: flush: %w", alarm.ErrCache, err)
	}
	return nil
}

// Purge removes entries older than the TTL.
func (c *Cache) Purge(ctx context.Context) (int, error) {
	n, err := c.backend.Purge(ctx, c.now().Add(-c.ttl))
	if err != nil {
		c.errs.Add(1)
		return 0, fmt.Errorf("%w: purge: %w", alarm.ErrCache, err)
	}
	return n, nil
}

type Stats struct {
	Hits        uint64          `json:"hits"`
	Misses      uint64          `json:"misses"`
	Errors      uint64          `json:"errors"`
	Entries     int             `json:"entries"`
	HitRatio    decimal.Decimal `json:"hit_ratio"`
	Generations map[Kind]uint64 `json:"generations"`
}

func (c *Cache) Stats(ctx context.Context) Stats {
	s := Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Errors:      c.errs.Load(),
		HitRatio:    decimal.Zero,
		Generations: make(map[Kind]uint64),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRatio = decimal.NewFromInt(int64(s.Hits)).
			DivRound(decimal.NewFromInt(int64(total)), 4)
	}
	if n, err := c.backend.Len(ctx); err == nil {
		s.Entries = n
	}
	c.mu.RLock()
	for k, g := range c.gens {
		s.Generations[k] = g
	}
	c.mu.RUnlock()
	return s
}
