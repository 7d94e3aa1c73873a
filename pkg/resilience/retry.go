package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

var (
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrContextCanceled    = errors.New("context canceled during retry")
)

// RetryConfig holds configuration for retry behavior
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0-1, percentage of delay to randomize
	ShouldRetry  func(error) bool
}

// DefaultRetryConfig returns sensible defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Retryer implements retry logic with exponential backoff
type Retryer struct {
	config RetryConfig
}

// NewRetryer creates a new retryer with the given configuration
func NewRetryer(config RetryConfig) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 10 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	return &Retryer{config: config}
}

// Execute runs the given function with retry logic and returns the last error
func (r *Retryer) Execute(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ErrContextCanceled
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if r.config.ShouldRetry != nil && !r.config.ShouldRetry(err) {
			return lastErr
		}

		if attempt < r.config.MaxAttempts {
			select {
			case <-ctx.Done():
				return ErrContextCanceled
			case <-time.After(r.calculateDelay(attempt)):
			}
		}
	}

	return lastErr
}

// calculateDelay computes exponential backoff with jitter for an attempt
func (r *Retryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))

	if r.config.Jitter > 0 {
		jitterRange := delay * r.config.Jitter
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	return time.Duration(delay)
}

// Retry is a convenience function for simple retry operations
func Retry(ctx context.Context, maxAttempts int, fn func(context.Context) error) error {
	config := DefaultRetryConfig()
	config.MaxAttempts = maxAttempts
	return NewRetryer(config).Execute(ctx, fn)
}
