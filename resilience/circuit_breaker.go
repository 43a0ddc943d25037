package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrCircuitBreakerOpen    = errors.New("circuit breaker is open")
	ErrCircuitBreakerTimeout = errors.New("circuit breaker operation timeout")
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int32

const (
	StateClosed CircuitBreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig defines configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit
	MaxFailures int

	// Timeout is how long the circuit stays open before letting a probe through
	Timeout time.Duration

	// MaxConcurrentRequests is the number of probes allowed while half-open
	MaxConcurrentRequests int

	// SuccessThreshold is the number of probe successes that close the circuit
	SuccessThreshold int

	// RequestTimeout bounds a single call. Zero leaves the caller's context alone.
	RequestTimeout time.Duration

	// OnStateChange, when set, is called after every transition with the
	// breaker's lock released.
	OnStateChange func(from, to CircuitBreakerState)
}

// DefaultCircuitBreakerConfig returns a default configuration
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:           5,
		Timeout:               30 * time.Second,
		MaxConcurrentRequests: 1,
		SuccessThreshold:      3,
		RequestTimeout:        10 * time.Second,
	}
}

// CircuitBreaker stops calling a failing dependency for a while after a run
// of consecutive failures, then lets a few probes decide whether to resume.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	now    func() time.Time

	mu        sync.Mutex
	state     CircuitBreakerState
	failures  int
	successes int
	inflight  int
	openedAt  time.Time
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 1
	}
	if config.MaxConcurrentRequests <= 0 {
		config.MaxConcurrentRequests = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &CircuitBreaker{config: config, now: time.Now}
}

// Execute runs fn unless the circuit is open. Errors from fn count as
// failures, except cancellation of the caller's own context.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	callCtx := ctx
	if cb.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cb.config.RequestTimeout)
		defer cancel()
	}

	err = fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = errors.Mark(errors.Wrap(err, "request timeout"), ErrCircuitBreakerTimeout)
	}
	cb.afterRequest(probe, err, ctx.Err() != nil)
	return err
}

func (cb *CircuitBreaker) beforeRequest() (probe bool, err error) {
	cb.mu.Lock()
	var from, to CircuitBreakerState
	changed := false
	defer func() {
		cb.mu.Unlock()
		if changed {
			cb.notify(from, to)
		}
	}()

	switch cb.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Timeout {
			return false, ErrCircuitBreakerOpen
		}
		from, to, changed = cb.state, StateHalfOpen, true
		cb.setLocked(StateHalfOpen)
	}
	if cb.inflight >= cb.config.MaxConcurrentRequests {
		return false, ErrCircuitBreakerOpen
	}
	cb.inflight++
	return true, nil
}

func (cb *CircuitBreaker) afterRequest(probe bool, err error, canceled bool) {
	cb.mu.Lock()
	from := cb.state
	if probe && cb.inflight > 0 {
		cb.inflight--
	}
	switch {
	case canceled:
		// the caller gave up; that says nothing about the dependency
	case err != nil:
		cb.failures++
		if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.failures >= cb.config.MaxFailures) {
			cb.setLocked(StateOpen)
		}
	case cb.state == StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.setLocked(StateClosed)
		}
	default:
		cb.failures = 0
	}
	to := cb.state
	cb.mu.Unlock()
	if from != to {
		cb.notify(from, to)
	}
}

func (cb *CircuitBreaker) setLocked(state CircuitBreakerState) {
	cb.state = state
	cb.successes = 0
	switch state {
	case StateClosed:
		cb.failures = 0
		cb.inflight = 0
	case StateOpen:
		cb.openedAt = cb.now()
	}
}

func (cb *CircuitBreaker) notify(from, to CircuitBreakerState) {
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, to)
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset manually closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.setLocked(StateClosed)
	cb.mu.Unlock()
	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}

// CircuitBreakerStats is a point in time view of a circuit breaker.
type CircuitBreakerStats struct {
	State     CircuitBreakerState
	Failures  int
	Successes int
	Requests  int
}

// Stats returns current statistics
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:     cb.state,
		Failures:  cb.failures,
		Successes: cb.successes,
		Requests:  cb.inflight,
	}
}

// RetryWithCircuitBreaker retries fn through cb. An open circuit ends the
// retries immediately.
func RetryWithCircuitBreaker(ctx context.Context, config RetryConfig, cb *CircuitBreaker, fn func(ctx context.Context) error) error {
	return Retry(ctx, config, func() error {
		return cb.Execute(ctx, fn)
	})
}
