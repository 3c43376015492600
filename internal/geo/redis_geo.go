package geo

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/fleet-sync/internal/models"
)

// Updater is the subset of redis operations the mirror writes with.
type Updater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	Forget(ctx context.Context, key, member string) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, key, loc).Err()
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

func (r *redisAdapter) Forget(ctx context.Context, key, member string) error {
	pipe := r.c.TxPipeline()
	pipe.ZRem(ctx, key, member)
	pipe.Del(ctx, metaKey(member))
	_, err := pipe.Exec(ctx)
	return err
}

// RedisGeo mirrors driver positions into a Redis GEO set so other
// services can run radius queries without going through the daemon.
type RedisGeo struct {
	client   *redis.Client
	updater  Updater
	key      string
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

func NewRedisGeo(client *redis.Client, key string, logger *slog.Logger) *RedisGeo {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisGeo{
		client:   client,
		updater:  &redisAdapter{c: client},
		key:      key,
		attempts: 3,
		delay:    200 * time.Millisecond,
		logger:   logger,
	}
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

// Write stores d's position and presence metadata.
func (r *RedisGeo) Write(ctx context.Context, d *models.Driver) error {
	if d.Position == nil {
		return r.Delete(ctx, d.ID)
	}
	return updateWithRetry(ctx, r.updater, r.key, d, r.attempts, r.delay)
}

func (r *RedisGeo) Delete(ctx context.Context, id string) error {
	return r.updater.Forget(ctx, r.key, id)
}

// Nearby returns up to limit mirrored drivers within radiusM of the point.
func (r *RedisGeo) Nearby(ctx context.Context, lat, lng, radiusM float64, limit int) ([]Near, error) {
	res, err := r.client.GeoRadius(ctx, r.key, lng, lat, &redis.GeoRadiusQuery{
		Radius: radiusM, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Near, 0, len(res))
	for _, g := range res {
		n := Near{DriverID: g.Name, Lat: g.Latitude, Lng: g.Longitude, DistanceM: g.Dist}
		if m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			n.FullName = m["full_name"]
			if v, ok := m["last_seen"]; ok {
				if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
					n.LastSeen = ts
				}
			}
		}
		out = append(out, n)
	}
	return out, nil
}

func updateWithRetry(ctx context.Context, rc Updater, key string, d *models.Driver, attempts int, delay time.Duration) error {
	meta := map[string]interface{}{
		"full_name": d.FullName,
		"active":    strconv.FormatBool(d.Active),
	}
	if d.LastSeen != nil {
		meta["last_seen"] = d.LastSeen.UTC().Format(time.RFC3339Nano)
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = rc.GeoAdd(ctx, key, &redis.GeoLocation{Longitude: d.Position.Lng, Latitude: d.Position.Lat, Name: d.ID}); err == nil {
			if err = rc.HSet(ctx, metaKey(d.ID), meta); err == nil {
				return nil
			}
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func metaKey(id string) string { return "driver:meta:" + id }
