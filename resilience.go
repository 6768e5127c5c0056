package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// CircuitState is the state of one per-key circuit breaker.
type CircuitState int

const (
	// StateClosed allows requests through.
	StateClosed CircuitState = iota
	// StateOpen rejects requests without issuing them.
	StateOpen
	// StateHalfOpen admits a single trial request.
	StateHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText lets states render by name in JSON snapshots.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ResilienceConfig controls retries and circuit breaking.
type ResilienceConfig struct {
	// FailureThreshold is the failure count that opens a closed breaker.
	FailureThreshold int
	// ResetTimeout is how long an open breaker waits after its last failure
	// before admitting a trial call.
	ResetTimeout time.Duration
	// MaxRetries is the number of attempts after the first.
	MaxRetries int
	// InitialDelay is the backoff before the first retry; it doubles per attempt.
	InitialDelay time.Duration
	// MaxDelay caps every backoff, including server-requested ones.
	MaxDelay time.Duration
}

// DefaultResilienceConfig returns the production defaults.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		MaxRetries:       3,
		InitialDelay:     time.Second,
		MaxDelay:         20 * time.Second,
	}
}

// Validate rejects settings the caller cannot operate with.
func (c ResilienceConfig) Validate() error {
	switch {
	case c.FailureThreshold < 1:
		return fmt.Errorf("circuit failure threshold must be at least 1, got %d", c.FailureThreshold)
	case c.ResetTimeout <= 0:
		return errors.New("circuit reset timeout must be positive")
	case c.MaxRetries < 0:
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	case c.InitialDelay < 0 || c.MaxDelay < c.InitialDelay:
		return errors.New("retry delays must satisfy 0 <= initial <= max")
	}
	return nil
}

// circuitBreaker tracks failures for a single key. All fields are guarded by
// the owning ResilientCaller's mutex.
type circuitBreaker struct {
	state         CircuitState
	failures      int
	lastFailure   time.Time
	trialInFlight bool
}

// BreakerStatus is a point-in-time view of one breaker.
type BreakerStatus struct {
	Key         string       `json:"key"`
	State       CircuitState `json:"state"`
	Failures    int          `json:"failures"`
	LastFailure time.Time    `json:"last_failure,omitempty"`
}

// ResilientCaller wraps outbound calls with a per-attempt timeout, retry with
// exponential backoff, and one circuit breaker per key.
type ResilientCaller struct {
	config ResilienceConfig
	logger *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	breakers map[string]*circuitBreaker
}

// NewResilientCaller creates a caller with its own breaker table.
func NewResilientCaller(config ResilienceConfig, logger *slog.Logger) *ResilientCaller {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResilientCaller{
		config:   config,
		logger:   logger.With("component", "resilient_caller"),
		now:      time.Now,
		sleep:    sleepContext,
		breakers: make(map[string]*circuitBreaker),
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Call runs op under the breaker for key. Each attempt gets its own timeout
// (zero means none). Transient errors are retried with backoff; terminal
// errors stop immediately. Exactly one success or failure is recorded on the
// breaker per call. A cancelled parent context ends the call without
// counting against the endpoint.
func (r *ResilientCaller) Call(ctx context.Context, key string, timeout time.Duration, op func(ctx context.Context) error) error {
	if !r.acquire(key) {
		r.logger.Debug("call rejected by open circuit", "key", key)
		return &CircuitOpenError{Key: key}
	}

	var lastErr error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.backoff(attempt, lastErr)
			r.logger.Debug("retrying call", "key", key, "attempt", attempt, "delay", delay, "error", lastErr)
			if err := r.sleep(ctx, delay); err != nil {
				r.release(key)
				return fmt.Errorf("call to %s aborted: %w", key, err)
			}
		}

		err := r.attempt(ctx, timeout, op)
		if err == nil {
			r.recordSuccess(key)
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			r.release(key)
			return fmt.Errorf("call to %s aborted: %w", key, ctx.Err())
		}

		if !IsRetryable(err) {
			r.logger.Warn("terminal error", "key", key, "attempt", attempt, "error", err)
			r.recordFailure(key)
			return err
		}
	}

	r.logger.Warn("retries exhausted", "key", key, "attempts", r.config.MaxRetries+1, "error", lastErr)
	r.recordFailure(key)
	return fmt.Errorf("%w for %s: %w", ErrRetriesExhausted, key, lastErr)
}

// attempt runs op once with its own deadline.
func (r *ResilientCaller) attempt(ctx context.Context, timeout time.Duration, op func(ctx context.Context) error) error {
	if timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(attemptCtx)
}

// backoff returns the delay before the given retry attempt (1-based):
// InitialDelay doubled per attempt, or the server's Retry-After, capped at MaxDelay.
func (r *ResilientCaller) backoff(attempt int, lastErr error) time.Duration {
	var apiErr *APIError
	if errors.As(lastErr, &apiErr) && apiErr.RetryAfter > 0 {
		return min(apiErr.RetryAfter, r.config.MaxDelay)
	}

	delay := r.config.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= r.config.MaxDelay {
			return r.config.MaxDelay
		}
	}
	return min(delay, r.config.MaxDelay)
}

// breakerLocked returns the breaker for key, creating it closed. r.mu must be held.
func (r *ResilientCaller) breakerLocked(key string) *circuitBreaker {
	cb, ok := r.breakers[key]
	if !ok {
		cb = &circuitBreaker{state: StateClosed}
		r.breakers[key] = cb
	}
	return cb
}

// acquire decides whether a call for key may proceed, moving an open breaker
// to half-open once ResetTimeout has elapsed and claiming its single trial.
func (r *ResilientCaller) acquire(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb := r.breakerLocked(key)
	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if r.now().Sub(cb.lastFailure) < r.config.ResetTimeout {
			return false
		}
		cb.state = StateHalfOpen
		cb.trialInFlight = true
		r.logger.Info("circuit half-open", "key", key)
		return true
	case StateHalfOpen:
		if cb.trialInFlight {
			return false
		}
		cb.trialInFlight = true
		return true
	}
	return false
}

// release gives back a half-open trial slot without recording an outcome.
func (r *ResilientCaller) release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[key]; ok && cb.state == StateHalfOpen {
		cb.trialInFlight = false
	}
}

func (r *ResilientCaller) recordSuccess(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb := r.breakerLocked(key)
	switch cb.state {
	case StateHalfOpen:
		cb.state = StateClosed
		cb.failures = 0
		cb.trialInFlight = false
		r.logger.Info("circuit closed", "key", key)
	case StateClosed:
		if cb.failures > 0 {
			cb.failures--
		}
	}
}

func (r *ResilientCaller) recordFailure(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb := r.breakerLocked(key)
	cb.lastFailure = r.now()
	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
		cb.trialInFlight = false
		r.logger.Warn("circuit reopened after failed trial", "key", key)
	case StateClosed:
		cb.failures++
		if cb.failures >= r.config.FailureThreshold {
			cb.state = StateOpen
			r.logger.Warn("circuit opened", "key", key, "failures", cb.failures)
		}
	}
}

// RecordFailure records one failure for key outside of Call.
func (r *ResilientCaller) RecordFailure(key string) {
	r.recordFailure(key)
}

// RecordSuccess records one success for key outside of Call.
func (r *ResilientCaller) RecordSuccess(key string) {
	r.recordSuccess(key)
}

// CanExecute reports whether a call for key would currently be admitted.
// It does not claim the half-open trial.
func (r *ResilientCaller) CanExecute(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[key]
	if !ok {
		return true
	}
	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		return r.now().Sub(cb.lastFailure) >= r.config.ResetTimeout
	case StateHalfOpen:
		return !cb.trialInFlight
	}
	return false
}

// State returns the breaker state for key; unknown keys are closed.
func (r *ResilientCaller) State(key string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[key]; ok {
		return cb.state
	}
	return StateClosed
}

// Snapshot lists every known breaker sorted by key.
func (r *ResilientCaller) Snapshot() []BreakerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	statuses := make([]BreakerStatus, 0, len(r.breakers))
	for key, cb := range r.breakers {
		statuses = append(statuses, BreakerStatus{
			Key:         key,
			State:       cb.state,
			Failures:    cb.failures,
			LastFailure: cb.lastFailure,
		})
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Key < statuses[j].Key
	})
	return statuses
}
