package resiliency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// State of a circuit breaker.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrCircuitOpen is returned when the breaker rejects a call without running it.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Snapshot is the observable breaker state.
type Snapshot struct {
	State       State
	Failures    int
	LastFailure time.Time
	// TrialStarted is when the current HALF_OPEN trial was admitted.
	TrialStarted time.Time
}

// CircuitBreaker stops calling a dependency after repeated failures.
// State lives in a StateStore; the default is process-local memory.
type CircuitBreaker struct {
	name         string
	threshold    int
	resetTimeout time.Duration
	store        StateStore
	clock        func() time.Time
	logger       *slog.Logger
}

// NewCircuitBreaker creates a breaker backed by an in-memory state store.
func NewCircuitBreaker(name string, threshold int, resetTimeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		store:        NewMemoryStateStore(),
		clock:        time.Now,
		logger:       slog.Default().With("component", "circuit_breaker", "breaker", name),
	}
}

// WithClock overrides the clock for deterministic testing.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

// WithStore swaps the state store, e.g. for one shared across replicas.
func (cb *CircuitBreaker) WithStore(store StateStore) *CircuitBreaker {
	cb.store = store
	return cb
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs op unless the breaker is open.
// Permanent errors mean the dependency answered, so they do not count as failures.
// A panicking op is recorded as a failure before the panic propagates.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	allowed, err := cb.store.Acquire(ctx, cb.name, cb.clock(), cb.resetTimeout)
	if err != nil {
		return fmt.Errorf("circuit breaker %s: state store: %w", cb.name, err)
	}
	if !allowed {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, cb.name)
	}

	settled := false
	defer func() {
		if settled {
			return
		}
		if _, err := cb.store.RecordFailure(context.WithoutCancel(ctx), cb.name, cb.clock(), cb.threshold); err != nil {
			cb.logger.WarnContext(ctx, "failed to record breaker failure after panic", "error", err)
		}
	}()
	opErr := op(ctx)
	settled = true
	if opErr == nil || IsPermanent(opErr) {
		if err := cb.store.RecordSuccess(ctx, cb.name); err != nil {
			cb.logger.WarnContext(ctx, "failed to record breaker success", "error", err)
		}
		return opErr
	}

	snap, err := cb.store.RecordFailure(ctx, cb.name, cb.clock(), cb.threshold)
	if err != nil {
		cb.logger.WarnContext(ctx, "failed to record breaker failure", "error", err)
	} else if snap.State == StateOpen {
		cb.logger.WarnContext(ctx, "circuit breaker open", "failures", snap.Failures, "error", opErr)
	}
	return opErr
}

// State returns the current snapshot.
func (cb *CircuitBreaker) State(ctx context.Context) (Snapshot, error) {
	return cb.store.Snapshot(ctx, cb.name)
}
