package retry

import (
	"sync"
	"time"

	"github.com/rendis/pulse/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting attempts
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before allowing a trial call.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the defaults used by pulse watch.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         time.Minute,
	}
}

// Breaker stops a reconnect loop from hammering an endpoint that keeps
// failing. After FailureThreshold consecutive failures it rejects attempts
// until Cooldown has passed, then lets one trial call through.
type Breaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailure         time.Time
	probing             bool
	config              BreakerConfig
	now                 func() time.Time
}

// NewBreaker creates a closed Breaker. now may be nil.
func NewBreaker(config BreakerConfig, now func() time.Time) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{config: config, now: now}
}

// Allow returns nil if an attempt may proceed, or a CIRCUIT_OPEN error
// carrying the remaining cooldown.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		remaining := b.config.Cooldown - b.now().Sub(b.lastFailure)
		if remaining <= 0 {
			b.state = CircuitHalfOpen
			b.probing = true
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open after %d consecutive failures", b.consecutiveFailures).
			WithDetails(map[string]any{
				"consecutive_failures": b.consecutiveFailures,
				"cooldown_remaining":   remaining,
			})
	case CircuitHalfOpen:
		if b.probing {
			return schema.NewError(schema.ErrCodeCircuitOpen, "circuit half-open: trial call in flight")
		}
		b.probing = true
	}
	return nil
}

// RecordSuccess closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.probing = false
	b.state = CircuitClosed
}

// RecordFailure counts a failed attempt and returns the new state.
func (b *Breaker) RecordFailure() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailure = b.now()
	b.probing = false

	if b.state == CircuitHalfOpen || b.consecutiveFailures >= b.config.FailureThreshold {
		b.state = CircuitOpen
	}
	return b.state
}

// State returns the current state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the number of consecutive failures.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}
