// Package circuitbreaker guards calls to flaky downstreams with a sony/gobreaker breaker.
package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/eq-rebalancer/internal/logging"
	"github.com/sony/gobreaker"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means the circuit is closed and requests are allowed
	StateClosed State = "closed"
	// StateOpen means the circuit is open and requests are blocked
	StateOpen State = "open"
	// StateHalfOpen means the circuit is testing if the service has recovered
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTooManyRequests is returned when too many requests are made in half-open state
var ErrTooManyRequests = errors.New("too many requests in half-open state")

// Config configures a circuit breaker
type Config struct {
	Name string
	// MaxFailures is both the consecutive-failure trip point and the minimum
	// number of calls before FailureThreshold is considered
	MaxFailures      int
	FailureThreshold float64
	// Timeout is how long the breaker stays open before probing
	Timeout          time.Duration
	HalfOpenMaxCalls int
	// Interval clears closed-state counts periodically; zero keeps them until a state change
	Interval time.Duration
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		MaxFailures:      5,
		FailureThreshold: 0.5,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 1,
		Interval:         time.Minute,
	}
}

// CircuitBreaker wraps gobreaker with context-aware execution
type CircuitBreaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig("default")
	}

	maxFailures := uint32(1)
	if config.MaxFailures > 0 {
		maxFailures = uint32(config.MaxFailures) // #nosec G115 - positive, small
	}
	halfOpen := uint32(1)
	if config.HalfOpenMaxCalls > 0 {
		halfOpen = uint32(config.HalfOpenMaxCalls) // #nosec G115 - positive, small
	}
	threshold := config.FailureThreshold
	name := config.Name

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: halfOpen,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= maxFailures {
				return true
			}
			if counts.Requests < maxFailures || threshold <= 0 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger := logging.WithFields(map[string]interface{}{
				"circuitBreaker": name,
				"from":           convertState(from),
				"state":          convertState(to),
			})
			if to == gobreaker.StateOpen {
				logger.Warn("Circuit breaker opened")
				return
			}
			logger.Info("Circuit breaker state changed")
		},
		// A caller giving up is not a downstream failure
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}

	return &CircuitBreaker{
		name: name,
		cb:   gobreaker.NewCircuitBreaker(settings),
	}
}

// Execute executes a function with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := cb.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return ErrCircuitOpen
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return ErrTooManyRequests
	default:
		return err
	}
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	return convertState(cb.cb.State())
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name             string  `json:"name"`
	State            State   `json:"state"`
	Failures         uint32  `json:"failures"`
	Successes        uint32  `json:"successes"`
	TotalCalls       uint32  `json:"totalCalls"`
	ConsecutiveFails uint32  `json:"consecutiveFails"`
	FailureRate      float64 `json:"failureRate"`
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() *Stats {
	counts := cb.cb.Counts()

	stats := &Stats{
		Name:             cb.name,
		State:            cb.GetState(),
		Failures:         counts.TotalFailures,
		Successes:        counts.TotalSuccesses,
		TotalCalls:       counts.Requests,
		ConsecutiveFails: counts.ConsecutiveFailures,
	}
	if counts.Requests > 0 {
		stats.FailureRate = float64(counts.TotalFailures) / float64(counts.Requests)
	}
	return stats
}

func convertState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
