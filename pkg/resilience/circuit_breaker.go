package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fleetor/fleetor/pkg/models"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests")
)

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name            string
	state           models.CircuitState
	failureCount    int
	successCount    int
	lastStateChange time.Time

	failureThreshold int
	successThreshold int
	timeout          time.Duration
	halfOpenMaxCalls int
	halfOpenCalls    int

	mu sync.Mutex
}

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int           // failures before opening
	SuccessThreshold int           // successes in half-open to close
	Timeout          time.Duration // wait before transitioning to half-open
	HalfOpenMaxCalls int           // max concurrent calls in half-open
}

// DefaultCircuitBreakerConfig returns sensible defaults
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:             config.Name,
		state:            models.CircuitClosed,
		failureThreshold: config.FailureThreshold,
		successThreshold: config.SuccessThreshold,
		timeout:          config.Timeout,
		halfOpenMaxCalls: config.HalfOpenMaxCalls,
		lastStateChange:  time.Now(),
	}
}

// Execute runs the given function with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.allowRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.recordResult(err)
	return err
}

// State returns the current breaker state
func (cb *CircuitBreaker) State() models.CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) allowRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case models.CircuitClosed:
		return nil

	case models.CircuitOpen:
		if time.Since(cb.lastStateChange) >= cb.timeout {
			cb.transitionTo(models.CircuitHalfOpen)
			cb.halfOpenCalls = 1
			return nil
		}
		return ErrCircuitOpen

	case models.CircuitHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMaxCalls {
			return ErrTooManyRequests
		}
		cb.halfOpenCalls++
		return nil
	}

	return nil
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failureCount++
		switch cb.state {
		case models.CircuitClosed:
			if cb.failureCount >= cb.failureThreshold {
				cb.transitionTo(models.CircuitOpen)
			}
		case models.CircuitHalfOpen:
			// Any failure in half-open returns to open
			cb.transitionTo(models.CircuitOpen)
		}
		return
	}

	switch cb.state {
	case models.CircuitClosed:
		cb.failureCount = 0
	case models.CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.transitionTo(models.CircuitClosed)
		}
	}
}

func (cb *CircuitBreaker) transitionTo(state models.CircuitState) {
	cb.state = state
	cb.lastStateChange = time.Now()
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenCalls = 0
}

// BreakerSet maintains one circuit breaker per key (e.g. per agent), so a
// flapping agent fails fast without affecting dispatch to the rest of the
// fleet.
type BreakerSet struct {
	config   CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
	mu       sync.Mutex
}

// NewBreakerSet creates an empty breaker set using config as the template
func NewBreakerSet(config CircuitBreakerConfig) *BreakerSet {
	return &BreakerSet{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for a key, creating it on first use
func (s *BreakerSet) Get(key string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.breakers[key]
	if !ok {
		config := s.config
		config.Name = key
		cb = NewCircuitBreaker(config)
		s.breakers[key] = cb
	}
	return cb
}

// Execute runs fn under the breaker for the given key
func (s *BreakerSet) Execute(ctx context.Context, key string, fn func(context.Context) error) error {
	return s.Get(key).Execute(ctx, fn)
}
