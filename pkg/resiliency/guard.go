package resiliency

import (
	"context"
	"time"
)

// GuardConfig configures a Guard.
type GuardConfig struct {
	Threshold    int
	ResetTimeout time.Duration
	Retry        Policy
	Store        StateStore // nil keeps breaker state in process memory
}

// DefaultGuardConfig returns threshold 5, reset 60s and DefaultPolicy retries.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Threshold:    5,
		ResetTimeout: 60 * time.Second,
		Retry:        DefaultPolicy(),
	}
}

// Guard wraps the retry loop inside a circuit breaker, so one breaker
// failure corresponds to one exhausted retry sequence.
type Guard struct {
	breaker *CircuitBreaker
	policy  Policy
}

// NewGuard creates a guard with its own breaker.
func NewGuard(name string, cfg GuardConfig) *Guard {
	cb := NewCircuitBreaker(name, cfg.Threshold, cfg.ResetTimeout)
	if cfg.Store != nil {
		cb = cb.WithStore(cfg.Store)
	}
	return &Guard{breaker: cb, policy: cfg.Retry}
}

// WithClock overrides the breaker clock for deterministic testing.
func (g *Guard) WithClock(clock func() time.Time) *Guard {
	g.breaker.WithClock(clock)
	return g
}

// Breaker exposes the underlying breaker.
func (g *Guard) Breaker() *CircuitBreaker {
	return g.breaker
}

// Do runs op as breaker.Execute(retryWithBackoff(op)).
func (g *Guard) Do(ctx context.Context, op func(ctx context.Context) error) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return RetryWithBackoff(ctx, g.policy, op)
	})
}

// Call is the value-returning form of Guard.Do.
func Call[T any](ctx context.Context, g *Guard, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
