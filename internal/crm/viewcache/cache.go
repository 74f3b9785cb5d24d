// Package viewcache is the Redis-backed TTL cache shared by the derived
// projections (access matrix, dashboard metrics). Entries expire logically
// after the configured TTL but are retained longer so an expired entry can
// still be served when a recompute fails.
package viewcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// retentionFactor stretches the physical Redis TTL past the logical expiry
// to keep a stale-serve fallback around.
const retentionFactor = 6

// ErrMiss indicates no cached entry and a failed or absent loader result.
var ErrMiss = errors.New("viewcache: miss")

// MetricsRecorder counts lookups. Optional.
type MetricsRecorder interface {
	RecordCacheLookup(view string, hit bool)
}

// Meta describes the entry that served a Fetch.
type Meta struct {
	ComputedAt time.Time
	ExpiresAt  time.Time
	// Stale is set when an expired entry was served because the recompute
	// failed or the caller's context ran out first.
	Stale bool
}

type envelope struct {
	ComputedAt time.Time       `json:"computed_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
	Data       json.RawMessage `json:"data"`
}

// Cache coalesces concurrent recomputations per key with singleflight so a
// cold entry under concurrent readers is computed once.
type Cache struct {
	client  *redis.Client
	ttl     time.Duration
	logger  *slog.Logger
	metrics MetricsRecorder
	group   singleflight.Group

	// now is replaceable in tests.
	now func() time.Time
}

// New constructs a cache with the given logical TTL.
func New(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	return &Cache{client: client, ttl: ttl, logger: logger, now: time.Now}
}

// SetMetrics attaches an optional metrics recorder.
func (c *Cache) SetMetrics(m MetricsRecorder) { c.metrics = m }

// SetClock replaces the time source; tests use it to cross the TTL boundary.
func (c *Cache) SetClock(now func() time.Time) { c.now = now }

// TTL returns the configured logical TTL.
func (c *Cache) TTL() time.Duration { return c.ttl }

func (c *Cache) key(view, id string) string {
	return fmt.Sprintf("views:%s:%s", view, id)
}

func (c *Cache) record(view string, hit bool) {
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(view, hit)
	}
}

// Fetch returns the cached entry for (view, id) when it is fresher than the
// TTL; otherwise it recomputes through loader, extends the expiry and stores
// the result. Recompute failures degrade to serving the stale entry when one
// is retained.
func (c *Cache) Fetch(ctx context.Context, view, id string, dest any, loader func(ctx context.Context) (any, error)) (Meta, error) {
	key := c.key(view, id)
	stale := c.load(ctx, key)
	if stale != nil && c.now().Before(stale.ExpiresAt) {
		c.record(view, true)
		return Meta{ComputedAt: stale.ComputedAt, ExpiresAt: stale.ExpiresAt}, json.Unmarshal(stale.Data, dest)
	}
	c.record(view, false)

	// The loader runs detached from the waiter's deadline: a reader timing
	// out must not wedge the flight for everyone coalesced behind it.
	resultCh := c.group.DoChan(key, func() (any, error) {
		return c.recompute(context.WithoutCancel(ctx), key, loader)
	})

	select {
	case <-ctx.Done():
		if stale != nil {
			return c.serveStale(view, stale, dest, ctx.Err())
		}
		return Meta{}, ctx.Err()
	case res := <-resultCh:
		if res.Err != nil {
			if stale != nil {
				return c.serveStale(view, stale, dest, res.Err)
			}
			return Meta{}, res.Err
		}
		env := res.Val.(envelope)
		return Meta{ComputedAt: env.ComputedAt, ExpiresAt: env.ExpiresAt}, json.Unmarshal(env.Data, dest)
	}
}

func (c *Cache) recompute(ctx context.Context, key string, loader func(ctx context.Context) (any, error)) (any, error) {
	value, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("viewcache: marshal %s: %w", key, err)
	}
	now := c.now().UTC()
	env := envelope{ComputedAt: now, ExpiresAt: now.Add(c.ttl), Data: data}
	if c.client != nil {
		raw, err := json.Marshal(env)
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(ctx, key, raw, c.ttl*retentionFactor).Err(); err != nil {
			// The computed value is still good; only the fallback is lost.
			c.logger.Warn("viewcache store failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	return env, nil
}

func (c *Cache) load(ctx context.Context, key string) *envelope {
	if c.client == nil {
		return nil
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		c.logger.Warn("viewcache load failed", slog.String("key", key), slog.Any("error", err))
		return nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Warn("viewcache decode failed", slog.String("key", key), slog.Any("error", err))
		return nil
	}
	return &env
}

func (c *Cache) serveStale(view string, env *envelope, dest any, cause error) (Meta, error) {
	c.logger.Warn("serving stale cache entry",
		slog.String("view", view),
		slog.Time("computed_at", env.ComputedAt),
		slog.Any("error", cause))
	if err := json.Unmarshal(env.Data, dest); err != nil {
		return Meta{}, err
	}
	return Meta{ComputedAt: env.ComputedAt, ExpiresAt: env.ExpiresAt, Stale: true}, nil
}

// Invalidate drops the entries for the given ids.
func (c *Cache) Invalidate(ctx context.Context, view string, ids ...string) error {
	if c.client == nil || len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.key(view, id)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("viewcache: invalidate %s: %w", view, err)
	}
	return nil
}
