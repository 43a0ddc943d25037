package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func newTestMachine(t *testing.T, opts ...Option) (*miniredis.Miniredis, *Machine) {
	t.Helper()
	mr, client := newTestRedis(t)
	return mr, New(client, opts...)
}

// fakeClock is a settable clock in Unix milliseconds.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(ms int64) *fakeClock {
	return &fakeClock{now: time.UnixMilli(ms)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.UnixMilli(ms)
}

func TestNewDefaults(t *testing.T) {
	_, client := newTestRedis(t)
	m := New(client, WithLockTTL(0), WithLockPoll(-1), WithScanCount(0), WithCodec(nil), WithLogger(nil), WithClock(nil))

	assert.Equal(t, DefaultExpires, m.cfg.defaultExpires)
	assert.Equal(t, DefaultLockTTL, m.cfg.lockTTL)
	assert.Equal(t, DefaultLockPoll, m.cfg.lockPoll)
	assert.Equal(t, int64(DefaultScanCount), m.cfg.scanCount)
	assert.Equal(t, JSONCodec, m.Codec())
	assert.NotNil(t, m.cfg.clock)
	assert.Same(t, client, m.Client())
}

func TestPing(t *testing.T) {
	mr, m := newTestMachine(t, WithQueryTimeout(time.Second))
	assert.NoError(t, m.Ping(context.Background()))

	mr.SetError("ERR boom")
	assert.Error(t, m.Ping(context.Background()))
}

func TestExpiryMapping(t *testing.T) {
	_, m := newTestMachine(t)
	assert.Equal(t, time.Minute, m.expiry(time.Minute))
	assert.Equal(t, DefaultExpires, m.expiry(0))
	assert.Equal(t, time.Duration(0), m.expiry(NoExpiry))

	_, forever := newTestMachine(t, WithExpires(NoExpiry))
	assert.Equal(t, time.Duration(0), forever.expiry(0))
}

func TestKeyPrefix(t *testing.T) {
	_, plain := newTestMachine(t)
	assert.Equal(t, "user:1", plain.key("user:1"))

	_, prefixed := newTestMachine(t, WithPrefix("app"))
	assert.Equal(t, "app:user:1", prefixed.key("user:1"))
}
