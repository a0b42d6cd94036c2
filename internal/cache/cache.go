// Package cache provides a Redis-based caching layer with cache-aside reads
// and explicit, pattern-based invalidation.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pliu/chatty/internal/metrics"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// scanCount is the SCAN batch size used by DeletePattern.
const scanCount = 100

// generationTTL outlives every cached entry and any load in flight.
const generationTTL = time.Hour

// Cache stores JSON encoded values in Redis. Values are decoded into typed
// destinations, so time.Time fields come back as time.Time.
type Cache struct {
	client redis.UniversalClient
	prefix string
	group  singleflight.Group
	stats  Stats
}

// Stats tracks cache statistics.
type Stats struct {
	Hits    atomic.Uint64
	Misses  atomic.Uint64
	Sets    atomic.Uint64
	Deletes atomic.Uint64
	Errors  atomic.Uint64
}

type StatsSnapshot struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Sets    uint64  `json:"sets"`
	Deletes uint64  `json:"deletes"`
	Errors  uint64  `json:"errors"`
	HitRate float64 `json:"hitRate"`
}

func New(client redis.UniversalClient, prefix string) *Cache {
	return &Cache{client: client, prefix: prefix}
}

// Get decodes the value at key into dest. It reports false on a miss.
func (c *Cache) Get(ctx context.Context, key string, dest any) (bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.stats.Misses.Add(1)
			metrics.CacheRequests.WithLabelValues("miss").Inc()
			return false, nil
		}
		c.fail()
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.fail()
		return false, fmt.Errorf("cache decode %s: %w", key, err)
	}

	c.stats.Hits.Add(1)
	metrics.CacheRequests.WithLabelValues("hit").Inc()
	return true, nil
}

// Set stores value under key for ttl. A zero ttl keeps the key forever.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		c.fail()
		return fmt.Errorf("cache encode %s: %w", key, err)
	}

	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		c.fail()
		return fmt.Errorf("cache set %s: %w", key, err)
	}

	c.stats.Sets.Add(1)
	return nil
}

// Delete removes the given keys and bumps each key's generation, so a load
// that started before the delete cannot store its result afterwards. Missing
// keys are not an error.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.prefix + k
	}

	var del *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			c.bump(ctx, pipe, k)
		}
		del = pipe.Del(ctx, full...)
		return nil
	})
	if err != nil {
		c.fail()
		return fmt.Errorf("cache delete: %w", err)
	}

	n := del.Val()
	c.stats.Deletes.Add(uint64(n))
	metrics.CacheInvalidations.Add(float64(n))
	return nil
}

// Bump advances the generation of each scope. Loads started under an older
// generation of the scope are not stored.
func (c *Cache) Bump(ctx context.Context, scopes ...string) error {
	if len(scopes) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, scope := range scopes {
			c.bump(ctx, pipe, scope)
		}
		return nil
	})
	if err != nil {
		c.fail()
		return fmt.Errorf("cache bump: %w", err)
	}
	return nil
}

func (c *Cache) bump(ctx context.Context, pipe redis.Pipeliner, scope string) {
	pipe.Incr(ctx, c.genKey(scope))
	pipe.Expire(ctx, c.genKey(scope), generationTTL)
}

func (c *Cache) genKey(scope string) string {
	return c.prefix + "gen:" + scope
}

// generation returns the current generation of scope, 0 if it was never
// bumped.
func (c *Cache) generation(ctx context.Context, scope string) (int64, error) {
	gen, err := c.client.Get(ctx, c.genKey(scope)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		c.fail()
		return 0, fmt.Errorf("cache generation %s: %w", scope, err)
	}
	return gen, nil
}

// DeletePattern removes all keys matching a glob pattern and returns how
// many were deleted. Keys are collected over the whole SCAN before any is
// deleted: deleting mid-iteration can make SCAN skip keys.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) (int, error) {
	fullPattern := c.prefix + pattern

	var (
		cursor uint64
		found  []string
	)
	seen := make(map[string]struct{})
	for {
		keys, next, err := c.client.Scan(ctx, cursor, fullPattern, scanCount).Result()
		if err != nil {
			c.fail()
			return 0, fmt.Errorf("cache scan %s: %w", pattern, err)
		}
		for _, k := range keys {
			// SCAN may return a key more than once.
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				found = append(found, k)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	deleted := 0
	for start := 0; start < len(found); start += scanCount {
		batch := found[start:min(start+scanCount, len(found))]
		n, err := c.client.Del(ctx, batch...).Result()
		if err != nil {
			c.fail()
			return deleted, fmt.Errorf("cache delete %s: %w", pattern, err)
		}
		deleted += int(n)
	}

	c.stats.Deletes.Add(uint64(deleted))
	metrics.CacheInvalidations.Add(float64(deleted))
	return deleted, nil
}

// setIfGeneration stores a value only while the scope's generation still
// matches the one read before the load.
var setIfGeneration = redis.NewScript(`
local gen = redis.call('GET', KEYS[1]) or '0'
if gen ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[2], ARGV[2])
end
return 1
`)

// Wrap is a cache-aside read scoped to key itself. See WrapScoped.
func (c *Cache) Wrap(ctx context.Context, key string, ttl time.Duration, dest any, load func(ctx context.Context) (any, error), keep func(v any) bool) error {
	return c.WrapScoped(ctx, key, key, ttl, dest, load, keep)
}

// WrapScoped is a cache-aside read: it returns the cached value for key if
// present, otherwise calls load, stores its result when keep reports true and
// decodes it into dest. Concurrent misses on the same key share one load.
//
// The result is stored only if scope's generation did not move while load
// ran, so an invalidation that lands mid-load is never undone by a late
// write. Readers that arrive after a bump start a fresh load instead of
// joining one that began before it.
//
// Cache read and write failures are returned as is; callers decide whether
// to fall back to load.
func (c *Cache) WrapScoped(ctx context.Context, scope, key string, ttl time.Duration, dest any, load func(ctx context.Context) (any, error), keep func(v any) bool) error {
	hit, err := c.Get(ctx, key, dest)
	if err != nil {
		return err
	}
	if hit {
		return nil
	}

	gen, err := c.generation(ctx, scope)
	if err != nil {
		return err
	}
	genArg := strconv.FormatInt(gen, 10)

	// The load outlives any single waiter; it is shared by all of them.
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key+"@"+genArg, func() (any, error) {
		v, err := load(flightCtx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("cache encode %s: %w", key, err)
		}
		if keep == nil || keep(v) {
			stored, err := setIfGeneration.Run(flightCtx, c.client,
				[]string{c.genKey(scope), c.prefix + key},
				genArg, data, ttl.Milliseconds()).Int()
			if err != nil {
				c.fail()
				return nil, fmt.Errorf("cache set %s: %w", key, err)
			}
			if stored == 1 {
				c.stats.Sets.Add(1)
			}
		}
		return data, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		return json.Unmarshal(res.Val.([]byte), dest)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache) fail() {
	c.stats.Errors.Add(1)
	metrics.CacheRequests.WithLabelValues("error").Inc()
}

func (c *Cache) Stats() StatsSnapshot {
	hits := c.stats.Hits.Load()
	misses := c.stats.Misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return StatsSnapshot{
		Hits:    hits,
		Misses:  misses,
		Sets:    c.stats.Sets.Load(),
		Deletes: c.stats.Deletes.Load(),
		Errors:  c.stats.Errors.Load(),
		HitRate: hitRate,
	}
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
