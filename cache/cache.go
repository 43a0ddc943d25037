package cache

import (
	"context"
	"time"

	"github.com/agentuity/cachemachine/logger"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// DefaultExpires is the TTL applied by Set when it is called with a zero TTL.
const DefaultExpires = 24 * time.Hour

// NoExpiry stores a value without an expiry when passed as a TTL.
const NoExpiry time.Duration = -1

const (
	// DefaultLockTTL bounds how long an exclusive populate may hold its lock.
	DefaultLockTTL = 10 * time.Second
	// DefaultLockPoll is how often a caller waiting on a lock re-checks the key.
	DefaultLockPoll = 50 * time.Millisecond
	// DefaultScanCount is the COUNT hint sent with each SCAN request.
	DefaultScanCount = 100
)

var (
	// ErrEmptyKey is returned by operations that refuse to share a bucket
	// across callers through an empty key.
	ErrEmptyKey = errors.New("cache: empty key")
	// ErrTxExecuted is returned when a transaction is executed twice.
	ErrTxExecuted = errors.New("cache: transaction already executed")
	// ErrTxNotExecuted is returned when a pending result is read before Exec.
	ErrTxNotExecuted = errors.New("cache: transaction not executed")
	// ErrLockTimeout marks errors from callers that gave up waiting on
	// another caller's exclusive populate.
	ErrLockTimeout = errors.New("cache: timed out waiting for lock")
)

type config struct {
	defaultExpires time.Duration
	queryTimeout   time.Duration
	prefix         string
	codec          Codec
	logger         logger.Logger
	clock          func() time.Time
	lockTTL        time.Duration
	lockPoll       time.Duration
	scanCount      int64
}

// Option configures a Machine.
type Option func(*config)

func defaultConfig() config {
	return config{
		defaultExpires: DefaultExpires,
		codec:          JSONCodec,
		logger:         logger.NewNopLogger(),
		clock:          time.Now,
		lockTTL:        DefaultLockTTL,
		lockPoll:       DefaultLockPoll,
		scanCount:      DefaultScanCount,
	}
}

// WithExpires sets the TTL used when Set is called with a zero TTL.
// Pass NoExpiry to store such values without an expiry.
func WithExpires(d time.Duration) Option {
	return func(c *config) { c.defaultExpires = d }
}

// WithQueryTimeout bounds every facade operation with its own timeout. By
// default no timeout is applied and the connection's settings govern.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithPrefix namespaces every key as "prefix:key".
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

// WithCodec sets the codec used for stored values and queue members.
func WithCodec(codec Codec) Option {
	return func(c *config) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(log logger.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.logger = log
		}
	}
}

// WithClock overrides the source of "now" used for queue scores.
func WithClock(clock func() time.Time) Option {
	return func(c *config) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLockTTL sets the lifetime of the advisory lock taken by GetOrSetExclusive.
func WithLockTTL(d time.Duration) Option {
	return func(c *config) { c.lockTTL = d }
}

// WithLockPoll sets how often GetOrSetExclusive waiters re-check the key.
func WithLockPoll(d time.Duration) Option {
	return func(c *config) { c.lockPoll = d }
}

// WithScanCount sets the COUNT hint for SCAN based key enumeration.
func WithScanCount(n int64) Option {
	return func(c *config) { c.scanCount = n }
}

// Machine is a thin facade over one Redis connection. It keeps no state of
// its own besides configuration: every operation maps onto one or more store
// commands, so it is safe for concurrent use whenever the client is.
type Machine struct {
	client redis.UniversalClient
	cfg    config
	logger logger.Logger
	flight singleflight.Group
}

// New returns a Machine backed by client.
// The caller owns the client lifecycle.
func New(client redis.UniversalClient, opts ...Option) *Machine {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.lockTTL <= 0 {
		cfg.lockTTL = DefaultLockTTL
	}
	if cfg.lockPoll <= 0 {
		cfg.lockPoll = DefaultLockPoll
	}
	if cfg.scanCount <= 0 {
		cfg.scanCount = DefaultScanCount
	}
	return &Machine{
		client: client,
		cfg:    cfg,
		logger: cfg.logger.With(map[string]interface{}{"component": "cache"}),
	}
}

// Client returns the underlying store client.
func (m *Machine) Client() redis.UniversalClient {
	return m.client
}

// Codec returns the codec used to encode values.
func (m *Machine) Codec() Codec {
	return m.cfg.codec
}

// Ping checks connectivity with the store.
func (m *Machine) Ping(ctx context.Context) (err error) {
	ctx, done := m.start(ctx, "ping", "")
	defer func() { done(err) }()
	qctx, cancel := m.queryCtx(ctx)
	defer cancel()
	return m.client.Ping(qctx).Err()
}

func (m *Machine) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.queryTimeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, m.cfg.queryTimeout)
}

func (m *Machine) key(key string) string {
	if m.cfg.prefix == "" {
		return key
	}
	return m.cfg.prefix + ":" + key
}

// Now reads the machine's clock, the reference for queue scores.
func (m *Machine) Now() time.Time {
	return m.cfg.clock()
}

// expiry maps a caller TTL onto the expiration passed to SET, where zero
// means "no expiry".
func (m *Machine) expiry(ttl time.Duration) time.Duration {
	if ttl == 0 {
		ttl = m.cfg.defaultExpires
	}
	if ttl < 0 {
		return 0
	}
	return ttl
}

func (m *Machine) encode(key string, value any) ([]byte, error) {
	data, err := m.cfg.codec.Marshal(value)
	if err != nil {
		return nil, errors.Wrapf(err, "cache: encode value for %q", key)
	}
	return data, nil
}
