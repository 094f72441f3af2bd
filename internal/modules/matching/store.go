// README: Matching store backed by Redis: how many search passes saw each pending request.
package matching

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"ridepool/internal/types"
)

const attemptsKeyPrefix = "matching:request:%s:attempts"

type Store struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *Store {
	return &Store{redis: redis}
}

// RecordAttempt counts one more search pass over the request and returns the total.
func (s *Store) RecordAttempt(ctx context.Context, requestID types.ID) (int, error) {
	key := attemptsKey(requestID)
	pipe := s.redis.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, attemptsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

// Forget drops the counter once the request leaves the pending set.
func (s *Store) Forget(ctx context.Context, requestID types.ID) error {
	return s.redis.Del(ctx, attemptsKey(requestID)).Err()
}

func attemptsKey(requestID types.ID) string {
	return fmt.Sprintf(attemptsKeyPrefix, string(requestID))
}
