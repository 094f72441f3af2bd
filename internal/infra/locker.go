// README: Distributed and in-process locks for request claims and per-driver route serialization.
package infra

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"ridepool/internal/types"
)

// ErrLockTimeout is returned by Lock when the key stays held past the caller's deadline.
var ErrLockTimeout = errors.New("lock wait timed out")

// Unlock releases a lock acquired from a Locker. Releasing an expired lock is a no-op.
type Unlock func(ctx context.Context) error

type Locker interface {
	// TryLock acquires key without waiting. ok is false when another holder owns it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock Unlock, ok bool, err error)
	// Lock waits for key until ctx is done.
	Lock(ctx context.Context, key string, ttl time.Duration) (Unlock, error)
}

const lockRetryInterval = 25 * time.Millisecond

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	redis *redis.Client
}

func NewRedisLocker(redis *redis.Client) *RedisLocker {
	return &RedisLocker{redis: redis}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Unlock, bool, error) {
	token := string(types.NewID())
	ok, err := l.redis.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.redis, []string{key}, token).Err()
	}, true, nil
}

func (l *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (Unlock, error) {
	return waitLock(ctx, l, key, ttl)
}

// LocalLocker is the single-process Locker used with the in-memory store.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localLease
	clock func() time.Time
}

type localLease struct {
	token   types.ID
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localLease), clock: time.Now}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (Unlock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if lease, ok := l.held[key]; ok && now.Before(lease.expires) {
		return nil, false, nil
	}
	token := types.NewID()
	l.held[key] = localLease{token: token, expires: now.Add(ttl)}
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if lease, ok := l.held[key]; ok && lease.token == token {
			delete(l.held, key)
		}
		return nil
	}, true, nil
}

func (l *LocalLocker) Lock(ctx context.Context, key string, ttl time.Duration) (Unlock, error) {
	return waitLock(ctx, l, key, ttl)
}

func waitLock(ctx context.Context, l Locker, key string, ttl time.Duration) (Unlock, error) {
	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()
	for {
		unlock, ok, err := l.TryLock(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ErrLockTimeout
		case <-ticker.C:
		}
	}
}

func RequestClaimKey(requestID types.ID) string {
	return "dispatch:request:" + string(requestID) + ":claim"
}

func DriverRouteKey(driverID types.ID) string {
	return "dispatch:driver:" + string(driverID) + ":route"
}
