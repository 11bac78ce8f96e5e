// README: Driver geo index contract and its Redis GEO implementation.
package location

import (
	"context"

	"github.com/redis/go-redis/v9"

	"ridedispatch/internal/types"
)

// Index holds the positions of drivers that are currently dispatchable.
type Index interface {
	Upsert(ctx context.Context, driverID types.ID, p types.Point) error
	Remove(ctx context.Context, driverID types.ID) error
	// Nearby returns drivers within radiusKm of p sorted by ascending distance.
	// limit <= 0 means no limit.
	Nearby(ctx context.Context, p types.Point, radiusKm float64, limit int) ([]Nearby, error)
}

const driverGeoKey = "dispatch:drivers:available"

type RedisIndex struct {
	redis *redis.Client
	key   string
}

func NewRedisIndex(client *redis.Client) *RedisIndex {
	return &RedisIndex{redis: client, key: driverGeoKey}
}

func (s *RedisIndex) Upsert(ctx context.Context, driverID types.ID, p types.Point) error {
	return s.redis.GeoAdd(ctx, s.key, &redis.GeoLocation{
		Name:      string(driverID),
		Longitude: p.Lng,
		Latitude:  p.Lat,
	}).Err()
}

func (s *RedisIndex) Remove(ctx context.Context, driverID types.ID) error {
	return s.redis.ZRem(ctx, s.key, string(driverID)).Err()
}

func (s *RedisIndex) Nearby(ctx context.Context, p types.Point, radiusKm float64, limit int) ([]Nearby, error) {
	q := &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}
	if limit > 0 {
		q.Count = limit
	}
	results, err := s.redis.GeoRadius(ctx, s.key, p.Lng, p.Lat, q).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Nearby, len(results))
	for i, r := range results {
		out[i] = Nearby{
			DriverID:   types.ID(r.Name),
			Position:   types.Point{Lat: r.Latitude, Lng: r.Longitude},
			DistanceKm: r.Dist,
		}
	}
	return out, nil
}
