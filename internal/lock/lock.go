// Package lock implements a TTL-bounded distributed mutex on Redis. It
// serializes overlapping periodic pipeline invocations and guards the single
// shared Lightning channel, which has no database row of its own to lock.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if it is still owned by the caller.
// A plain DEL could release a lock that expired and was re-acquired by
// someone else.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Locker runs critical sections under a key-scoped distributed lock.
type Locker interface {
	// WithLock attempts to acquire the lock for key, runs body if acquired,
	// and reports whether the body ran. The body's error is returned as-is.
	WithLock(ctx context.Context, key string, body func(ctx context.Context) error) (bool, error)
}

// RedisLock is a Locker backed by a single Redis instance using SET NX PX.
type RedisLock struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// New creates a Redis-backed locker with the given lock TTL.
func New(client *redis.Client, ttl time.Duration) *RedisLock {
	return &RedisLock{client: client, ttl: ttl, now: time.Now}
}

// SetNow overrides the clock, for tests.
func (l *RedisLock) SetNow(now func() time.Time) {
	l.now = now
}

// WithLock implements Locker. The lock entry holds a per-call owner token;
// release is skipped entirely when the body overran the TTL, since the lock
// has expired and may have been legitimately re-acquired by another caller.
func (l *RedisLock) WithLock(ctx context.Context, key string, body func(ctx context.Context) error) (bool, error) {
	owner := uuid.New().String()

	acquired, err := l.client.SetNX(ctx, key, owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !acquired {
		return false, nil
	}

	start := l.now()
	defer func() {
		if l.now().Sub(start) >= l.ttl {
			return
		}
		// Release uses a fresh context: the body may have cancelled ours,
		// and the lock must still be freed.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = releaseScript.Run(releaseCtx, l.client, []string{key}, owner).Result() // nolint:errcheck // TTL reclaims the lock if release fails
	}()

	return true, body(ctx)
}
