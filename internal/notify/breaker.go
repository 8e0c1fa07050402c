package notify

import (
	"sync"
	"time"

	"github.com/rendis/entityflow/pkg/schema"
)

// CircuitState represents the state of a channel circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // sends flow
	CircuitOpen                         // sends rejected
	CircuitHalfOpen                     // probing recovery
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

// BreakerConfig configures per-channel circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive send failures that opens the circuit.
	FailureThreshold int `yaml:"failure_threshold"`
	// Cooldown is how long the circuit stays open before letting a probe through.
	Cooldown time.Duration `yaml:"cooldown"`
	// HalfOpenMax is the number of probe sends allowed while half-open.
	HalfOpenMax int `yaml:"half_open_max"`
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailure         time.Time
	halfOpenAttempts    int
}

// Breakers holds one circuit breaker per channel type, so a failing
// provider stops draining attempts from every job on that channel.
type Breakers struct {
	mu       sync.Mutex
	breakers map[schema.ChannelType]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakers creates a breaker set. Zero config fields take defaults.
func NewBreakers(config BreakerConfig) *Breakers {
	def := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = def.HalfOpenMax
	}
	return &Breakers{
		breakers: make(map[schema.ChannelType]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// Cooldown returns the configured open period.
func (b *Breakers) Cooldown() time.Duration { return b.config.Cooldown }

// Allow returns nil when a send on ch may proceed, or CIRCUIT_OPEN.
func (b *Breakers) Allow(ch schema.ChannelType) error {
	cb := b.get(ch)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := b.now().Sub(cb.lastFailure)
		if elapsed >= b.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for channel %q after %d consecutive failures", ch, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"channel":              string(ch),
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (b.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for channel %q: probe in flight", ch)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// Success closes the circuit for ch.
func (b *Breakers) Success(ch schema.ChannelType) {
	cb := b.get(ch)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// Failure records a failed send on ch and returns the resulting state.
func (b *Breakers) Failure(ch schema.ChannelType) CircuitState {
	cb := b.get(ch)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailure = b.now()
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= b.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// State returns the current state for ch.
func (b *Breakers) State(ch schema.ChannelType) CircuitState {
	cb := b.get(ch)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && b.now().Sub(cb.lastFailure) >= b.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// Stats returns diagnostic information for ch.
func (b *Breakers) Stats(ch schema.ChannelType) map[string]any {
	cb := b.get(ch)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]any{
		"channel":              string(ch),
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    b.config.FailureThreshold,
		"cooldown":             b.config.Cooldown.String(),
	}
}

func (b *Breakers) get(ch schema.ChannelType) *breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[ch]
	if !ok {
		cb = &breaker{state: CircuitClosed}
		b.breakers[ch] = cb
	}
	return cb
}
