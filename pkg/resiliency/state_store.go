package resiliency

import (
	"context"
	"sync"
	"time"
)

// StateStore persists breaker state and performs its transitions atomically.
type StateStore interface {
	Snapshot(ctx context.Context, name string) (Snapshot, error)
	// Acquire admits a call. An OPEN breaker whose reset timeout has elapsed
	// moves to HALF_OPEN and admits exactly one trial call. A trial that has
	// not settled within the reset timeout is abandoned and a new one admitted.
	Acquire(ctx context.Context, name string, now time.Time, resetTimeout time.Duration) (bool, error)
	RecordSuccess(ctx context.Context, name string) error
	RecordFailure(ctx context.Context, name string, now time.Time, threshold int) (Snapshot, error)
}

// MemoryStateStore keeps breaker state in process memory.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]*Snapshot
}

// NewMemoryStateStore creates an empty in-memory store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]*Snapshot)}
}

func (s *MemoryStateStore) get(name string) *Snapshot {
	st, ok := s.states[name]
	if !ok {
		st = &Snapshot{State: StateClosed}
		s.states[name] = st
	}
	return st
}

func (s *MemoryStateStore) Snapshot(_ context.Context, name string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.get(name), nil
}

func (s *MemoryStateStore) Acquire(_ context.Context, name string, now time.Time, resetTimeout time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.get(name)
	switch st.State {
	case StateOpen:
		if now.Sub(st.LastFailure) >= resetTimeout {
			st.State = StateHalfOpen
			st.TrialStarted = now
			return true, nil
		}
		return false, nil
	case StateHalfOpen:
		if now.Sub(st.TrialStarted) >= resetTimeout {
			st.TrialStarted = now
			return true, nil
		}
		return false, nil
	default:
		return true, nil
	}
}

func (s *MemoryStateStore) RecordSuccess(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.get(name)
	if st.State == StateOpen {
		// late success from a call admitted before the breaker opened
		return nil
	}
	st.State = StateClosed
	st.Failures = 0
	return nil
}

func (s *MemoryStateStore) RecordFailure(_ context.Context, name string, now time.Time, threshold int) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.get(name)
	st.Failures++
	st.LastFailure = now
	if st.State == StateHalfOpen || st.Failures >= threshold {
		st.State = StateOpen
	}
	return *st, nil
}
