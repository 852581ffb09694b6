package geo

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/example/vendor-tracking/internal/models"
)

// halfEarthMeters covers the whole globe as a GEORADIUS radius.
const halfEarthMeters = 20037508.0

// RedisIndex implements Index using Redis GEO commands. Category and roaming
// flags live in a small hash per vendor so queries can filter on them.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Put(ctx context.Context, e Entry) error {
	if err := e.Point.Validate(); err != nil {
		return err
	}
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.key, &redis.GeoLocation{Name: e.VendorID, Longitude: e.Point.Lng, Latitude: e.Point.Lat})
		p.HSet(ctx, r.metaKey(e.VendorID), "category", e.Category, "roaming", strconv.FormatBool(e.Roaming))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis geo put %s: %w", e.VendorID, err)
	}
	return nil
}

func (r *RedisIndex) Remove(ctx context.Context, vendorID string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, r.key, vendorID)
		p.Del(ctx, r.metaKey(vendorID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis geo remove %s: %w", vendorID, err)
	}
	return nil
}

func (r *RedisIndex) Within(ctx context.Context, origin models.Coord, radiusMeters float64, f Filter) ([]Hit, error) {
	if err := origin.Validate(); err != nil {
		return nil, err
	}
	if radiusMeters < 0 {
		return nil, fmt.Errorf("%w: radius must be >= 0", models.ErrValidation)
	}
	return r.query(ctx, origin, radiusMeters, 0, f)
}

func (r *RedisIndex) Nearest(ctx context.Context, origin models.Coord, k int, f Filter) ([]Hit, error) {
	if err := origin.Validate(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []Hit{}, nil
	}
	return r.query(ctx, origin, halfEarthMeters, k, f)
}

func (r *RedisIndex) query(ctx context.Context, origin models.Coord, radiusMeters float64, k int, f Filter) ([]Hit, error) {
	q := &redis.GeoRadiusQuery{Radius: radiusMeters, Unit: "m", WithCoord: true, WithDist: true, Sort: "ASC"}
	filtered := f.Category != "" || f.RoamingOnly
	if k > 0 && !filtered {
		q.Count = k
	}
	res, err := r.client.GeoRadius(ctx, r.key, origin.Lng, origin.Lat, q).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geo radius: %w", err)
	}

	var metas []*redis.SliceCmd
	if filtered && len(res) > 0 {
		pipe := r.client.Pipeline()
		metas = make([]*redis.SliceCmd, len(res))
		for i, g := range res {
			metas[i] = pipe.HMGet(ctx, r.metaKey(g.Name), "category", "roaming")
		}
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return nil, fmt.Errorf("redis geo meta: %w", err)
		}
	}

	hits := make([]Hit, 0, len(res))
	for i, g := range res {
		if filtered {
			category, roaming := metaValues(metas[i])
			if !f.Match(category, roaming) {
				continue
			}
		}
		hits = append(hits, Hit{
			VendorID:   g.Name,
			Point:      models.Coord{Lat: g.Latitude, Lng: g.Longitude},
			DistanceKm: g.Dist / 1000,
		})
	}
	sortHits(hits)
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func metaValues(cmd *redis.SliceCmd) (string, bool) {
	vals, err := cmd.Result()
	if err != nil || len(vals) < 2 {
		return "", false
	}
	category, _ := vals[0].(string)
	roaming, _ := vals[1].(string)
	return category, roaming == "true"
}

func (r *RedisIndex) metaKey(id string) string { return r.key + ":meta:" + id }
