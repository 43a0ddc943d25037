package cache

import (
	"context"
	"time"

	"github.com/agentuity/cachemachine/metrics"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// Fallback produces the value for a missing key.
type Fallback[T any] func(ctx context.Context) (T, error)

// Set encodes value and stores it at key. A positive ttl expires the key
// after ttl, zero applies the configured default, NoExpiry keeps it forever.
func (m *Machine) Set(ctx context.Context, key string, value any, ttl time.Duration) (err error) {
	ctx, done := m.start(ctx, "set", key)
	defer func() { done(err) }()
	data, err := m.encode(key, value)
	if err != nil {
		return err
	}
	qctx, cancel := m.queryCtx(ctx)
	defer cancel()
	return m.client.Set(qctx, m.key(key), data, m.expiry(ttl)).Err()
}

// GetRaw returns the stored bytes at key and whether the key exists.
func (m *Machine) GetRaw(ctx context.Context, key string) (raw []byte, ok bool, err error) {
	ctx, done := m.start(ctx, "get", key)
	defer func() { done(err) }()
	qctx, cancel := m.queryCtx(ctx)
	defer cancel()
	raw, err = m.client.Get(qctx, m.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// Get reads and decodes the value at key.
func Get[T any](ctx context.Context, m *Machine, key string) (Result[T], error) {
	raw, ok, err := m.GetRaw(ctx, key)
	if err != nil {
		return notFound[T](), err
	}
	if !ok {
		raw = nil
	}
	return observe(m, key, Decode[T](m.cfg.codec, raw)), nil
}

// GetOrDefault reads the value at key, returning def when the key is absent
// or its value cannot be decoded.
func GetOrDefault[T any](ctx context.Context, m *Machine, key string, def T) (T, error) {
	res, err := Get[T](ctx, m, key)
	if err != nil {
		return def, err
	}
	return res.Or(def), nil
}

// GetAndDel reads and removes key in one MULTI/EXEC round trip.
func GetAndDel[T any](ctx context.Context, m *Machine, key string) (res Result[T], err error) {
	ctx, done := m.start(ctx, "getdel", key)
	defer func() { done(err) }()
	qctx, cancel := m.queryCtx(ctx)
	defer cancel()

	k := m.key(key)
	pipe := m.client.TxPipeline()
	get := pipe.Get(qctx, k)
	pipe.Del(qctx, k)
	if _, err := pipe.Exec(qctx); err != nil && !errors.Is(err, redis.Nil) {
		return notFound[T](), err
	}
	raw, err := get.Bytes()
	if errors.Is(err, redis.Nil) {
		return observe(m, key, notFound[T]()), nil
	}
	if err != nil {
		return notFound[T](), err
	}
	return observe(m, key, Decode[T](m.cfg.codec, raw)), nil
}

// GetOrSet returns the value at key, or calls fallback once, stores its
// result with ttl and returns it. Absent and corrupt values are both misses.
//
// Concurrent callers missing on the same key may each run fallback and each
// write; the last write wins. Use GetOrSetExclusive to coordinate them.
func GetOrSet[T any](ctx context.Context, m *Machine, key string, fallback Fallback[T], ttl time.Duration) (T, error) {
	res, err := Get[T](ctx, m, key)
	if err != nil {
		var zero T
		return zero, err
	}
	if res.Found() {
		return res.Value, nil
	}
	return populate(ctx, m, key, fallback, ttl)
}

func populate[T any](ctx context.Context, m *Machine, key string, fallback Fallback[T], ttl time.Duration) (T, error) {
	var value T
	if fallback != nil {
		var err error
		if value, err = fallback(ctx); err != nil {
			var zero T
			return zero, err
		}
	}
	if err := m.Set(ctx, key, value, ttl); err != nil {
		return value, errors.Wrapf(err, "cache: store computed value for %q", key)
	}
	return value, nil
}

func observe[T any](m *Machine, key string, res Result[T]) Result[T] {
	switch res.Status {
	case StatusFound:
		metrics.ObserveLookup(metrics.ResultHit)
	case StatusCorrupt:
		metrics.ObserveLookup(metrics.ResultCorrupt)
		m.logger.Warn("undecodable value at %s: %s", key, res.Cause)
	default:
		metrics.ObserveLookup(metrics.ResultMiss)
	}
	return res
}
