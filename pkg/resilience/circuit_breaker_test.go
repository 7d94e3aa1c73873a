package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetor/fleetor/pkg/models"
)

var errBoom = errors.New("boom")

func failing(context.Context) error { return errBoom }
func succeeding(context.Context) error { return nil }

func TestBreakerOpensAfterFailureThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
		HalfOpenMaxCalls: 1,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, failing), errBoom)
	}
	assert.Equal(t, models.CircuitOpen, cb.State())

	err := cb.Execute(ctx, succeeding)
	assert.ErrorIs(t, err, ErrCircuitOpen, "open breaker rejects without calling fn")
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
		HalfOpenMaxCalls: 1,
	})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, failing))
	require.NoError(t, cb.Execute(ctx, succeeding))
	require.Error(t, cb.Execute(ctx, failing))

	assert.Equal(t, models.CircuitClosed, cb.State())
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          10 * time.Millisecond,
		HalfOpenMaxCalls: 1,
	})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, failing))
	require.Equal(t, models.CircuitOpen, cb.State())

	time.Sleep(20 * time.Millisecond)

	require.NoError(t, cb.Execute(ctx, succeeding))
	assert.Equal(t, models.CircuitHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, succeeding))
	assert.Equal(t, models.CircuitClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          10 * time.Millisecond,
		HalfOpenMaxCalls: 1,
	})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, failing))
	time.Sleep(20 * time.Millisecond)

	require.ErrorIs(t, cb.Execute(ctx, failing), errBoom)
	assert.Equal(t, models.CircuitOpen, cb.State())
}

func TestBreakerSetIsolatesKeys(t *testing.T) {
	set := NewBreakerSet(CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
		HalfOpenMaxCalls: 1,
	})
	ctx := context.Background()

	require.Error(t, set.Execute(ctx, "agent-1", failing))
	assert.Equal(t, models.CircuitOpen, set.Get("agent-1").State())

	// A broken agent must not trip dispatch to the rest of the fleet
	assert.NoError(t, set.Execute(ctx, "agent-2", succeeding))
	assert.Equal(t, models.CircuitClosed, set.Get("agent-2").State())
}

func TestRetryerStopsAfterMaxAttempts(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1,
	})

	calls := 0
	err := r.Execute(context.Background(), func(context.Context) error {
		calls++
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 3, calls)
}

func TestRetryerSucceedsMidway(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1,
	})

	calls := 0
	err := r.Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryerHonorsShouldRetry(t *testing.T) {
	permanent := errors.New("permanent")
	r := NewRetryer(RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		ShouldRetry:  func(err error) bool { return !errors.Is(err, permanent) },
	})

	calls := 0
	err := r.Execute(context.Background(), func(context.Context) error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryerRespectsContextCancellation(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:  10,
		InitialDelay: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := r.Execute(ctx, func(context.Context) error {
		calls++
		return errBoom
	})
	assert.ErrorIs(t, err, ErrContextCanceled)
	assert.LessOrEqual(t, calls, 2)
}
