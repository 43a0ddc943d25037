package cache

import (
	"context"
	"math"
	"time"

	"github.com/agentuity/cachemachine/metrics"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRateLimit is the number of calls allowed per window when
	// RateLimit is given a non-positive limit.
	DefaultRateLimit int64 = 1
	// DefaultRateWindow is the window used when RateLimit is given a
	// non-positive window.
	DefaultRateWindow = 30 * time.Second
)

// RateLimit counts a call against key in a fixed window and reports whether
// the count now exceeds limit. The first limit calls in a window return
// false. Windows have one second granularity and round up.
//
// The window is created by setting a temporary key with the window's expiry
// and renaming it onto the counter only when the counter does not exist, so
// concurrent first calls cannot each restart the window. A counter found
// without an expiry, such as one left by an older writer, gets the window
// applied again.
func (m *Machine) RateLimit(ctx context.Context, key string, limit int64, window time.Duration) (limited bool, err error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	window = time.Duration(math.Ceil(window.Seconds())) * time.Second

	ctx, done := m.start(ctx, "ratelimit", key)
	defer func() { done(err) }()
	qctx, cancel := m.queryCtx(ctx)
	defer cancel()

	temp := m.key("temp:rate:" + key)
	counter := m.key("rate:" + key)

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err = m.client.TxPipelined(qctx, func(pipe redis.Pipeliner) error {
		pipe.SetEx(qctx, temp, 0, window)
		pipe.RenameNX(qctx, temp, counter)
		incr = pipe.Incr(qctx, counter)
		ttl = pipe.TTL(qctx, counter)
		return nil
	})
	if err != nil {
		return false, err
	}

	// TTL replies -1 for a key that exists without an expiry
	if ttl.Val() == -1 {
		m.logger.Debug("rate counter %s had no expiry, applying %s", counter, window)
		if err := m.client.Expire(qctx, counter, window).Err(); err != nil {
			return false, err
		}
	}

	limited = incr.Val() > limit
	metrics.ObserveRateLimit(limited)
	return limited, nil
}
