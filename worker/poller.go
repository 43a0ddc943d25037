// Package worker consumes cachemachine delayed queues.
package worker

import (
	"context"
	"time"

	"github.com/agentuity/cachemachine/cache"
	"github.com/agentuity/cachemachine/logger"
	"github.com/agentuity/cachemachine/metrics"
	"github.com/agentuity/cachemachine/resilience"
	"github.com/agentuity/cachemachine/telemetry"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/agentuity/cachemachine/worker")

// DefaultInterval is how often an idle key is polled.
const DefaultInterval = time.Second

// Handler processes one queue entry. Returning an error leaves the entry in
// the queue so it is delivered again.
type Handler func(ctx context.Context, key string, entry cache.Entry) error

type config struct {
	interval   time.Duration
	retryDelay time.Duration
	logger     logger.Logger
	breaker    resilience.CircuitBreakerConfig
}

// Option configures a Poller.
type Option func(*config)

func defaultConfig() config {
	breaker := resilience.DefaultCircuitBreakerConfig()
	breaker.Timeout = 5 * time.Second
	return config{
		interval: DefaultInterval,
		logger:   logger.NewNopLogger(),
		breaker:  breaker,
	}
}

// WithInterval sets how often an idle key is polled.
func WithInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithRetryDelay moves an entry whose handler failed to now+d instead of
// leaving it at the head of the queue. Zero keeps it in place.
func WithRetryDelay(d time.Duration) Option {
	return func(c *config) { c.retryDelay = d }
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.logger = log
		}
	}
}

// WithBreaker replaces the circuit breaker settings guarding store calls.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *config) { c.breaker = cfg }
}

// Poller consumes delayed queues. Every eligible entry is handed to the
// handler and removed only once the handler succeeds, so delivery is at
// least once.
type Poller struct {
	m       *cache.Machine
	keys    []string
	handler Handler
	cfg     config
	logger  logger.Logger
	breaker *resilience.CircuitBreaker
}

// New returns a Poller for keys. The keys share one circuit breaker since
// they share one store.
func New(m *cache.Machine, handler Handler, keys []string, opts ...Option) *Poller {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.logger.With(map[string]interface{}{"component": "worker"})
	breakerCfg := cfg.breaker
	breakerCfg.OnStateChange = func(from, to resilience.CircuitBreakerState) {
		log.Warn("store circuit %s -> %s", from, to)
	}
	return &Poller{
		m:       m,
		keys:    keys,
		handler: handler,
		cfg:     cfg,
		logger:  log,
		breaker: resilience.NewCircuitBreaker(breakerCfg),
	}
}

// Run polls every key, each in its own goroutine, until ctx is done.
// Cancellation is a clean stop and returns nil.
func (p *Poller) Run(ctx context.Context) error {
	if len(p.keys) == 0 {
		return errors.New("worker: no queue keys")
	}
	if p.handler == nil {
		return errors.New("worker: nil handler")
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, key := range p.keys {
		g.Go(func() error {
			return p.loop(ctx, key)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Poller) loop(ctx context.Context, key string) error {
	p.logger.Debug("polling %s every %s", key, p.cfg.interval)
	ticker := time.NewTicker(p.cfg.interval)
	defer ticker.Stop()
	for {
		if _, err := p.Drain(ctx, key); err != nil && ctx.Err() == nil {
			p.logger.Debug("drain of %s stopped: %s", key, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain handles eligible entries of key until none is left, the handler
// fails, or a store call fails. It returns how many entries were
// acknowledged.
func (p *Poller) Drain(ctx context.Context, key string) (int, error) {
	acked := 0
	for ctx.Err() == nil {
		ok, err := p.step(ctx, key)
		if err != nil {
			return acked, err
		}
		if !ok {
			return acked, nil
		}
		acked++
	}
	return acked, ctx.Err()
}

// step delivers the head of key. It reports true when an entry was handled
// and acknowledged.
func (p *Poller) step(ctx context.Context, key string) (bool, error) {
	var entry *cache.Entry
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		entry, err = p.m.PeekEntry(ctx, key)
		return err
	})
	if err != nil {
		if !errors.Is(err, resilience.ErrCircuitBreakerOpen) {
			p.logger.Warn("failed to peek %s: %s", key, err)
		}
		return false, err
	}
	if entry == nil {
		return false, nil
	}

	ctx, log, span := telemetry.StartSpan(ctx, p.logger, tracer, "worker.deliver",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("queue.key", key),
			attribute.Int64("queue.score", int64(entry.Score)),
		),
	)
	defer span.End()

	if err := p.handler(ctx, key, *entry); err != nil {
		log.Warn("handler failed for entry in %s: %s", key, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.postpone(ctx, log, key, *entry)
		return false, errors.Wrapf(err, "worker: handling entry in %s", key)
	}

	var removed bool
	err = p.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		removed, err = p.m.RemoveEntry(ctx, key, entry.Member)
		return err
	})
	if err != nil {
		log.Warn("failed to acknowledge entry in %s: %s", key, err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	if !removed {
		// someone else acknowledged it first
		log.Debug("entry in %s already acknowledged", key)
	}
	metrics.ObserveDelivery(metrics.DeliveryAcked)
	return true, nil
}

func (p *Poller) postpone(ctx context.Context, log logger.Logger, key string, entry cache.Entry) {
	if p.cfg.retryDelay <= 0 {
		metrics.ObserveDelivery(metrics.DeliveryFailed)
		return
	}
	at := p.m.Now().Add(p.cfg.retryDelay)
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := p.m.Reschedule(ctx, key, entry.Member, at.UnixMilli())
		return err
	})
	if err != nil {
		log.Warn("failed to defer entry in %s: %s", key, err)
		metrics.ObserveDelivery(metrics.DeliveryFailed)
		return
	}
	metrics.ObserveDelivery(metrics.DeliveryDeferred)
}
