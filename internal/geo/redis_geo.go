package geo

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands. The sample time of each
// member is kept in a side hash so stale entries can be told apart.
type RedisGeo struct {
	client  *redis.Client
	key     string
	radiusM float64
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key, radiusM: 5000}
}

func (r *RedisGeo) Upsert(ctx context.Context, p models.Position) error {
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Coord.Lng, Latitude: p.Coord.Lat, Name: p.DriverID})
	pipe.HSet(ctx, seenKey(r.key), p.DriverID, p.RecordedAt.UTC().Format(time.RFC3339Nano))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("geo upsert %s: %w", p.DriverID, err)
	}
	return nil
}

func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key, driverID)
	pipe.HDel(ctx, seenKey(r.key), driverID)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisGeo) Nearby(ctx context.Context, at models.Coord, limit int) ([]Nearby, error) {
	res, err := r.client.GeoRadius(ctx, r.key, at.Lng, at.Lat, &redis.GeoRadiusQuery{
		Radius:    r.radiusM,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo radius: %w", err)
	}
	out := make([]Nearby, 0, len(res))
	names := make([]string, 0, len(res))
	for _, g := range res {
		out = append(out, Nearby{
			Position:  models.Position{DriverID: g.Name, Coord: models.Coord{Lat: g.Latitude, Lng: g.Longitude}},
			DistanceM: g.Dist,
		})
		names = append(names, g.Name)
	}
	if len(names) == 0 {
		return out, nil
	}
	seen, err := r.client.HMGet(ctx, seenKey(r.key), names...).Result()
	if err != nil {
		// positions are still useful without their sample time
		return out, nil
	}
	for i, v := range seen {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			out[i].RecordedAt = ts
		}
	}
	return out, nil
}

func seenKey(key string) string { return key + ":seen" }
