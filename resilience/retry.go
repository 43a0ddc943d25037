package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cockroachdb/errors"
)

// RetryConfig controls Retry.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first one
	MaxRetries int

	// InitialBackoff is the wait before the first retry
	InitialBackoff time.Duration

	// MaxBackoff caps every wait
	MaxBackoff time.Duration

	// BackoffMultiplier grows the wait after each retry
	BackoffMultiplier float64

	// Jitter spreads each wait between 90% and 120% of its nominal value
	Jitter bool

	// RetryableErrors decides whether an error is worth another attempt
	RetryableErrors func(error) bool

	// OnRetry, when set, is called before each wait
	OnRetry func(attempt int, err error, backoff time.Duration)
}

// DefaultRetryConfig returns a default configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryableErrors:   DefaultRetryableErrors,
	}
}

// DefaultRetryableErrors retries everything except an open or timed out
// circuit and a finished context.
func DefaultRetryableErrors(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrCircuitBreakerOpen), errors.Is(err, ErrCircuitBreakerTimeout):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// RetryStats describes one Retry run.
type RetryStats struct {
	TotalAttempts   int
	SuccessfulCalls int
	TotalRetries    int
	AverageBackoff  time.Duration
}

// Retry calls fn until it succeeds, returns a non-retryable error, runs out
// of retries, or ctx ends.
func Retry(ctx context.Context, config RetryConfig, fn func() error) error {
	_, err := RetryWithStats(ctx, config, fn)
	return err
}

// RetryWithStats is Retry that also reports what happened.
func RetryWithStats(ctx context.Context, config RetryConfig, fn func() error) (RetryStats, error) {
	var stats RetryStats
	var waited time.Duration
	retryable := config.RetryableErrors
	if retryable == nil {
		retryable = DefaultRetryableErrors
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.TotalAttempts++
		err := fn()
		if err == nil {
			stats.SuccessfulCalls++
			return stats, nil
		}
		if attempt >= config.MaxRetries || !retryable(err) {
			return stats, err
		}

		backoff := calculateBackoff(attempt, config)
		if config.OnRetry != nil {
			config.OnRetry(attempt+1, err, backoff)
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return stats, errors.WithSecondaryError(err, ctx.Err())
		case <-timer.C:
		}
		stats.TotalRetries++
		waited += backoff
		stats.AverageBackoff = waited / time.Duration(stats.TotalRetries)
	}
}

// ExponentialBackoff retries fn up to maxRetries times, doubling the wait
// from initial each time.
func ExponentialBackoff(ctx context.Context, maxRetries int, initial time.Duration, fn func() error) error {
	return Retry(ctx, RetryConfig{
		MaxRetries:        maxRetries,
		InitialBackoff:    initial,
		MaxBackoff:        initial * time.Duration(math.Pow(2, float64(maxRetries))),
		BackoffMultiplier: 2.0,
		RetryableErrors:   DefaultRetryableErrors,
	}, fn)
}

func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	multiplier := config.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	backoff := float64(config.InitialBackoff) * math.Pow(multiplier, float64(attempt))
	if config.MaxBackoff > 0 && backoff > float64(config.MaxBackoff) {
		backoff = float64(config.MaxBackoff)
	}
	if config.Jitter {
		backoff *= 0.9 + rand.Float64()*0.3
	}
	return time.Duration(backoff)
}
