package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockScript deletes the lock only while it still holds our token, so an
// expired lock re-acquired by someone else is left alone.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// GetOrSetExclusive behaves like GetOrSet but lets at most one caller run
// fallback for a missing key at a time. Callers in this process share a
// single in-flight populate; across processes an advisory "lock:<key>"
// marker with a TTL elects one populator while the others poll the key.
// Waiters whose ctx ends return an error matching ErrLockTimeout. The shared
// populate runs detached from any single caller's cancellation, bounded by
// the lock TTL, so one caller giving up never fails the others.
func GetOrSetExclusive[T any](ctx context.Context, m *Machine, key string, fallback Fallback[T], ttl time.Duration) (T, error) {
	var zero T
	flight := m.flight.DoChan(key, func() (any, error) {
		return getOrSetLocked(context.WithoutCancel(ctx), m, key, fallback, ttl)
	})
	select {
	case <-ctx.Done():
		return zero, errors.Mark(errors.Wrapf(ctx.Err(), "cache: waiting on populate of %q", key), ErrLockTimeout)
	case res := <-flight:
		if res.Err != nil {
			return zero, res.Err
		}
		if typed, ok := res.Val.(T); ok {
			return typed, nil
		}
	}
	// A concurrent flight for the same key asked for a different type.
	return getOrSetLocked(ctx, m, key, fallback, ttl)
}

func getOrSetLocked[T any](ctx context.Context, m *Machine, key string, fallback Fallback[T], ttl time.Duration) (T, error) {
	var zero T
	lockKey := m.key("lock:" + key)
	for {
		res, err := Get[T](ctx, m, key)
		if err != nil {
			return zero, err
		}
		if res.Found() {
			return res.Value, nil
		}

		token := uuid.NewString()
		acquired, err := m.acquire(ctx, lockKey, token)
		if err != nil {
			return zero, err
		}
		if acquired {
			defer m.release(ctx, lockKey, token)
			// the previous holder may have stored the value between our
			// miss and our acquire
			res, err := Get[T](ctx, m, key)
			if err != nil {
				return zero, err
			}
			if res.Found() {
				return res.Value, nil
			}
			return populate(ctx, m, key, fallback, ttl)
		}

		m.logger.Debug("waiting on populate lock for %s", key)
		select {
		case <-ctx.Done():
			return zero, errors.Mark(errors.Wrapf(ctx.Err(), "cache: waiting on populate lock for %q", key), ErrLockTimeout)
		case <-time.After(m.cfg.lockPoll):
		}
	}
}

func (m *Machine) acquire(ctx context.Context, lockKey, token string) (bool, error) {
	qctx, cancel := m.queryCtx(ctx)
	defer cancel()
	return m.client.SetNX(qctx, lockKey, token, m.cfg.lockTTL).Result()
}

func (m *Machine) release(ctx context.Context, lockKey, token string) {
	qctx, cancel := m.queryCtx(context.WithoutCancel(ctx))
	defer cancel()
	if err := unlockScript.Run(qctx, m.client, []string{lockKey}, token).Err(); err != nil {
		m.logger.Warn("failed to release populate lock %s: %s", lockKey, err)
	}
}
