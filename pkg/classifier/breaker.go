package classifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// BreakerState represents the state of a circuit breaker.
type BreakerState string

const (
	// StateClosed indicates the circuit is closed and calls are allowed.
	StateClosed BreakerState = "closed"
	// StateOpen indicates the circuit is open and calls are rejected.
	StateOpen BreakerState = "open"
	// StateHalfOpen indicates the circuit is testing if the service has recovered.
	StateHalfOpen BreakerState = "half-open"
)

// BreakerConfig defines thresholds for circuit breaking.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures int
	// OpenTimeout is how long the circuit stays open before allowing a probe.
	OpenTimeout time.Duration
	// MaxHalfOpenRequests is the number of concurrent probes allowed while half-open.
	MaxHalfOpenRequests int
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:         5,
		OpenTimeout:         30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// Breaker wraps a Classifier and rejects calls with ErrCircuitOpen after
// repeated failures, so an unhealthy classifier fails fast instead of
// consuming each caller's timeout. Caller cancellation is not counted as a
// failure; deadline expiry is.
type Breaker struct {
	next   Classifier
	config BreakerConfig
	now    func() time.Time

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	halfOpenInFlight    int
	openUntil           time.Time
}

// NewBreaker wraps next with a circuit breaker.
func NewBreaker(next Classifier, config BreakerConfig) *Breaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = DefaultBreakerConfig().MaxFailures
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = DefaultBreakerConfig().OpenTimeout
	}
	if config.MaxHalfOpenRequests <= 0 {
		config.MaxHalfOpenRequests = 1
	}
	return &Breaker{
		next:   next,
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	return b.state
}

// Classify implements Classifier.
func (b *Breaker) Classify(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	probe, err := b.beforeCall()
	if err != nil {
		return Result{}, err
	}

	res, err := b.next.Classify(ctx, req)
	b.afterCall(probe, err)
	return res, err
}

func (b *Breaker) beforeCall() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advanceLocked()
	switch b.state {
	case StateOpen:
		return false, fmt.Errorf("%w until %s", ErrCircuitOpen, b.openUntil.Format(time.RFC3339))
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.config.MaxHalfOpenRequests {
			return false, ErrCircuitOpen
		}
		b.halfOpenInFlight++
		return true, nil
	default:
		return false, nil
	}
}

func (b *Breaker) afterCall(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.halfOpenInFlight--
	}
	if errors.Is(err, context.Canceled) {
		return
	}

	if err == nil {
		b.consecutiveFailures = 0
		if b.state == StateHalfOpen {
			b.state = StateClosed
		}
		return
	}

	b.consecutiveFailures++
	if b.state == StateHalfOpen || b.consecutiveFailures >= b.config.MaxFailures {
		b.state = StateOpen
		b.openUntil = b.now().Add(b.config.OpenTimeout)
	}
}

func (b *Breaker) advanceLocked() {
	if b.state == StateOpen && !b.now().Before(b.openUntil) {
		b.state = StateHalfOpen
		b.halfOpenInFlight = 0
	}
}
