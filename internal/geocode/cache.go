package geocode

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	redisstore "github.com/eko/gocache/store/redis/v4"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/example/vendor-tracking/internal/models"
)

// sharedLookupTimeout bounds a provider call that several callers may be
// waiting on; it no longer belongs to any single caller's context.
const sharedLookupTimeout = 5 * time.Second

// Cached remembers addresses in Redis keyed by coordinates rounded to four
// decimals (about 11 m), and collapses concurrent lookups for the same key.
type Cached struct {
	next   Provider
	cache  *cache.Cache[string]
	group  singleflight.Group
	logger *slog.Logger
}

func NewCached(next Provider, client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cached {
	redisStore := redisstore.NewRedis(client, store.WithExpiration(ttl))
	return &Cached{
		next:   next,
		cache:  cache.New[string](redisStore),
		logger: logger,
	}
}

func cacheKey(lat, lng float64) string {
	return fmt.Sprintf("geo:rev:%.4f,%.4f", lat, lng)
}

func (c *Cached) ReverseGeocode(ctx context.Context, lat, lng float64) (string, error) {
	key := cacheKey(lat, lng)
	if addr, err := c.cache.Get(ctx, key); err == nil && addr != "" {
		return addr, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedLookupTimeout)
		defer cancel()
		addr, err := c.next.ReverseGeocode(lctx, lat, lng)
		if err != nil {
			return "", err
		}
		if err := c.cache.Set(lctx, key, addr); err != nil {
			c.logger.Warn("geocode cache write failed", "key", key, "error", err)
		}
		return addr, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: reverse geocode: %w", models.ErrDependencyDegraded, ctx.Err())
	}
}
