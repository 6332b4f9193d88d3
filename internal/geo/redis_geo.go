package geo

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisIndex implements Index with one GEO set per group.
type RedisIndex struct {
	client *redis.Client
	prefix string
}

func NewRedisIndex(addr, password, prefix string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisIndexFromClient(c, prefix)
}

func NewRedisIndexFromClient(c *redis.Client, prefix string) *RedisIndex {
	if prefix == "" {
		prefix = "rides_geo"
	}
	return &RedisIndex{client: c, prefix: prefix}
}

func (r *RedisIndex) key(groupID string) string { return r.prefix + ":" + groupID }

func (r *RedisIndex) Upsert(ctx context.Context, p Pin) error {
	return r.client.GeoAdd(ctx, r.key(p.GroupID), &redis.GeoLocation{Longitude: p.Loc.Lon, Latitude: p.Loc.Lat, Name: p.RideID}).Err()
}

func (r *RedisIndex) Remove(ctx context.Context, groupID, rideID string) error {
	return r.client.ZRem(ctx, r.key(groupID), rideID).Err()
}

func (r *RedisIndex) Nearby(ctx context.Context, groupID string, lat, lon, radiusM float64, limit int) ([]Pin, error) {
	res, err := r.client.GeoRadius(ctx, r.key(groupID), lon, lat, &redis.GeoRadiusQuery{
		Radius: radiusM, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Pin, 0, len(res))
	for _, g := range res {
		p := Pin{RideID: g.Name, GroupID: groupID, DistM: g.Dist}
		p.Loc.Lat = g.Latitude
		p.Loc.Lon = g.Longitude
		out = append(out, p)
	}
	return out, nil
}

func (r *RedisIndex) Close() error { return r.client.Close() }
