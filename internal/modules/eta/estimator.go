// README: ETA providers: straight-line fallback and a Redis cache in front of the maps API.
package eta

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ridepool/internal/logger"
	"ridepool/internal/modules/location"
	"ridepool/internal/types"
)

// Estimator returns the travel time between two points. Implementations are treated as
// pure and may be cached.
type Estimator interface {
	Estimate(ctx context.Context, origin, destination types.Point) (time.Duration, error)
}

type EstimatorFunc func(ctx context.Context, origin, destination types.Point) (time.Duration, error)

func (f EstimatorFunc) Estimate(ctx context.Context, origin, destination types.Point) (time.Duration, error) {
	return f(ctx, origin, destination)
}

// StraightLine converts great-circle distance into time at a fixed speed.
type StraightLine struct {
	Kmh float64
}

func (s StraightLine) Estimate(_ context.Context, origin, destination types.Point) (time.Duration, error) {
	return s.duration(origin, destination), nil
}

func (s StraightLine) duration(origin, destination types.Point) time.Duration {
	return s.ForDistance(location.HaversineMeters(origin, destination))
}

// ForDistance is the time needed to cover meters at the configured speed.
func (s StraightLine) ForDistance(meters float64) time.Duration {
	kmh := s.Kmh
	if kmh <= 0 {
		kmh = 25
	}
	hours := meters / 1000 / kmh
	return time.Duration(hours * float64(time.Hour)).Round(time.Second)
}

// CachedEstimator memoizes another estimator in Redis. Cache failures never fail the call.
type CachedEstimator struct {
	redis *redis.Client
	next  Estimator
	ttl   time.Duration
	log   *zap.Logger
}

func NewCachedEstimator(rdb *redis.Client, next Estimator, ttl time.Duration, log *zap.Logger) *CachedEstimator {
	return &CachedEstimator{redis: rdb, next: next, ttl: ttl, log: logger.OrNop(log)}
}

func cacheKey(origin, destination types.Point) string {
	return "eta:" + origin.Key() + ":" + destination.Key()
}

func (c *CachedEstimator) Estimate(ctx context.Context, origin, destination types.Point) (time.Duration, error) {
	key := cacheKey(origin, destination)
	v, err := c.redis.Get(ctx, key).Result()
	switch {
	case err == nil:
		if secs, convErr := strconv.Atoi(v); convErr == nil {
			return time.Duration(secs) * time.Second, nil
		}
	case !errors.Is(err, redis.Nil):
		c.log.Warn("eta cache read failed", zap.String("key", key), zap.Error(err))
	}

	d, err := c.next.Estimate(ctx, origin, destination)
	if err != nil {
		return 0, err
	}
	secs := int(d.Round(time.Second) / time.Second)
	if err := c.redis.Set(ctx, key, secs, c.ttl).Err(); err != nil {
		c.log.Warn("eta cache write failed", zap.String("key", key), zap.Error(err))
	}
	return d, nil
}
