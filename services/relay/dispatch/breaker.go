// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
//
// # States
//
//   - Closed: Normal operation, executions flow through
//   - Open: Circuit tripped, executions are rejected immediately
//   - HalfOpen: Testing if the callback recovered, limited executions allowed
//
// # State Diagram
//
//	   ┌─────────────────────────────────────┐
//	   │                                     │
//	   ▼                                     │
//	CLOSED ──[failure threshold]──► OPEN ───┘
//	   ▲                              │
//	   │                              │
//	   └───[success]◄── HALF_OPEN ◄──┘
//	                    [timeout]
type CircuitState int

const (
	// CircuitClosed is the normal operating state.
	CircuitClosed CircuitState = iota

	// CircuitOpen means the circuit has tripped and executions are rejected.
	CircuitOpen

	// CircuitHalfOpen means we're testing if the callback has recovered.
	CircuitHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrUnknownBreaker is returned when a named breaker does not exist.
var ErrUnknownBreaker = errors.New("unknown circuit breaker")

// BreakerConfig configures circuit breaker behavior.
//
// # Description
//
// Controls how a breaker responds to callback failures and recovers.
//
// # Example
//
//	config := BreakerConfig{
//	    FailureThreshold: 5,              // Open after 5 consecutive failures
//	    SuccessThreshold: 2,              // Close after 2 consecutive successes
//	    OpenTimeout:      30*time.Second, // Stay open for 30s
//	}
type BreakerConfig struct {
	// FailureThreshold is consecutive failures before opening the circuit.
	// Default: 5
	FailureThreshold int

	// SuccessThreshold is consecutive successes to close from half-open.
	// Default: 2
	SuccessThreshold int

	// OpenTimeout is how long to stay open before trying half-open.
	// Default: 30 seconds
	OpenTimeout time.Duration

	// OnStateChange is called when the state transitions.
	// Called asynchronously to avoid blocking.
	OnStateChange func(from, to CircuitState)
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
	}
}

// CircuitBreaker implements the circuit breaker pattern for one callback.
//
// # Description
//
// Prevents a persistently failing callback (or upstream backend) from
// being invoked on every event. After a timeout, allows limited
// executions to test whether it recovered.
//
// # Thread Safety
//
// CircuitBreaker is safe for concurrent use.
//
// # Example
//
//	cb := NewCircuitBreaker(DefaultBreakerConfig())
//
//	err := cb.Execute(func() error {
//	    return archiveSession(ctx, sessionID)
//	})
//	if errors.Is(err, ErrCircuitOpen) {
//	    // Archiver is known to be down, fail fast
//	    return
//	}
type CircuitBreaker struct {
	config      BreakerConfig
	state       CircuitState
	failures    int
	successes   int
	lastFailure time.Time
	mu          sync.RWMutex
}

// NewCircuitBreaker creates a new circuit breaker in the closed state.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	// Apply defaults for zero values
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}

	return &CircuitBreaker{
		config: config,
		state:  CircuitClosed,
	}
}

// Execute runs the function if the circuit allows it.
//
// # Description
//
// Checks if the circuit allows the execution, runs the function if so,
// and records the result (success or failure) to update the circuit
// state.
//
// # Outputs
//
//   - error: ErrCircuitOpen if the circuit is open, or the error from fn
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allowRequest() {
		return ErrCircuitOpen
	}

	err := fn()
	cb.recordResult(err)
	return err
}

// allowRequest checks if an execution should be allowed.
func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true

	case CircuitOpen:
		// Check if we should transition to half-open
		if time.Since(cb.lastFailure) > cb.config.OpenTimeout {
			cb.transitionTo(CircuitHalfOpen)
			return true
		}
		return false

	case CircuitHalfOpen:
		// Allow limited executions in half-open to test recovery
		return true

	default:
		return false
	}
}

// recordResult records the result of an execution.
func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.failures++
	cb.successes = 0
	cb.lastFailure = time.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		// Any failure in half-open goes back to open
		cb.transitionTo(CircuitOpen)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.successes++

	switch cb.state {
	case CircuitClosed:
		// Reset failure count on success
		cb.failures = 0
	case CircuitHalfOpen:
		if cb.successes >= cb.config.SuccessThreshold {
			cb.failures = 0
			cb.transitionTo(CircuitClosed)
		}
	}
}

func (cb *CircuitBreaker) transitionTo(state CircuitState) {
	if cb.state == state {
		return
	}

	old := cb.state
	cb.state = state

	if cb.config.OnStateChange != nil {
		// Call callback without holding lock to prevent deadlocks
		go cb.config.OnStateChange(old, state)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Reset forces the circuit to the closed state.
//
// # Description
//
// Resets the circuit breaker to its initial closed state, clearing all
// failure and success counts. Used by the admin API when an operator
// knows the callback has been fixed externally.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	old := cb.state
	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0

	if old != CircuitClosed && cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(old, CircuitClosed)
	}
}

// status returns a point-in-time view of the breaker's counters.
func (cb *CircuitBreaker) status(name string) BreakerStatus {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return BreakerStatus{
		Name:        name,
		State:       cb.state.String(),
		Failures:    cb.failures,
		Successes:   cb.successes,
		LastFailure: cb.lastFailure,
	}
}

// BreakerStatus is the admin-facing view of one circuit breaker.
type BreakerStatus struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	Successes   int       `json:"successes"`
	LastFailure time.Time `json:"last_failure"`
}

// StateChangeFunc receives registry-level state change notifications
// with the breaker's name attached.
type StateChangeFunc func(name string, from, to CircuitState)

// BreakerRegistry manages circuit breakers for multiple callbacks.
//
// # Description
//
// Provides a centralized registry for circuit breakers, creating them
// on demand with consistent configuration. The dispatcher keeps one
// breaker per registered callback; the upstream client registers its
// backends under "upstream:<backend>".
//
// # Thread Safety
//
// BreakerRegistry is safe for concurrent use.
//
// # Example
//
//	registry := NewBreakerRegistry(DefaultBreakerConfig(), nil)
//	cb := registry.Get("session_archiver")
//	cb.Execute(func() error { ... })
type BreakerRegistry struct {
	defaultConfig BreakerConfig
	onChange      StateChangeFunc
	breakers      map[string]*CircuitBreaker
	mu            sync.RWMutex
}

// NewBreakerRegistry creates a new registry.
//
// # Inputs
//
//   - defaultConfig: Default configuration for new circuit breakers
//   - onChange: Optional hook invoked on every breaker state change,
//     with the breaker's name. May be nil.
func NewBreakerRegistry(defaultConfig BreakerConfig, onChange StateChangeFunc) *BreakerRegistry {
	return &BreakerRegistry{
		defaultConfig: defaultConfig,
		onChange:      onChange,
		breakers:      make(map[string]*CircuitBreaker),
	}
}

// configFor attaches the registry's named hook to a breaker config,
// preserving any per-breaker hook already set.
func (r *BreakerRegistry) configFor(name string, base BreakerConfig) BreakerConfig {
	userHook := base.OnStateChange
	regHook := r.onChange
	if userHook == nil && regHook == nil {
		return base
	}

	base.OnStateChange = func(from, to CircuitState) {
		if userHook != nil {
			userHook(from, to)
		}
		if regHook != nil {
			regHook(name, from, to)
		}
	}
	return base
}

// Get returns the circuit breaker for a name, creating it if needed.
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, exists := r.breakers[name]
	r.mu.RUnlock()

	if exists {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists = r.breakers[name]; exists {
		return cb
	}

	cb = NewCircuitBreaker(r.configFor(name, r.defaultConfig))
	r.breakers[name] = cb
	return cb
}

// GetWithConfig returns a circuit breaker with custom config.
//
// The config applies only if the breaker does not already exist.
func (r *BreakerRegistry) GetWithConfig(name string, config BreakerConfig) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, exists := r.breakers[name]; exists {
		return cb
	}

	cb := NewCircuitBreaker(r.configFor(name, config))
	r.breakers[name] = cb
	return cb
}

// Reset resets one named breaker to closed.
//
// # Outputs
//
//   - error: ErrUnknownBreaker if no breaker exists under that name
func (r *BreakerRegistry) Reset(name string) error {
	r.mu.RLock()
	cb, exists := r.breakers[name]
	r.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownBreaker, name)
	}

	cb.Reset()
	return nil
}

// ResetAll resets all circuit breakers in the registry.
func (r *BreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}

// States returns the current state of all circuit breakers.
func (r *BreakerRegistry) States() map[string]CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]CircuitState, len(r.breakers))
	for name, cb := range r.breakers {
		result[name] = cb.State()
	}
	return result
}

// NumericStates returns each breaker's state as a number for metric
// gauges: 0=closed, 1=open, 2=half-open.
func (r *BreakerRegistry) NumericStates() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]int64, len(r.breakers))
	for name, cb := range r.breakers {
		result[name] = int64(cb.State())
	}
	return result
}

// Snapshot returns the status of every breaker, sorted by name.
func (r *BreakerRegistry) Snapshot() []BreakerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]BreakerStatus, 0, len(r.breakers))
	for name, cb := range r.breakers {
		result = append(result, cb.status(name))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}
