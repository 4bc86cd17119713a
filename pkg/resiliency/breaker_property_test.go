//go:build property
// +build property

package resiliency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestRetryInvocationCount verifies an operation failing n times is called
// min(n+1, maxAttempts) times.
func TestRetryInvocationCount(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("invocations = min(failures+1, maxAttempts)", prop.ForAll(
		func(maxAttempts, failures int) bool {
			calls := 0
			p := Policy{MaxAttempts: maxAttempts, BaseDelay: time.Millisecond, Sleep: func(context.Context, time.Duration) error { return nil }}
			err := RetryWithBackoff(context.Background(), p, func(context.Context) error {
				calls++
				if calls <= failures {
					return errors.New("fail")
				}
				return nil
			})
			if failures < maxAttempts {
				return err == nil && calls == failures+1
			}
			return err != nil && calls == maxAttempts
		},
		gen.IntRange(1, 8),
		gen.IntRange(0, 12),
	))

	properties.TestingRun(t)
}

// TestBreakerNeverInvokesWhileOpen verifies that an open breaker rejects every
// call made before the reset timeout.
func TestBreakerNeverInvokesWhileOpen(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("open breaker short-circuits until reset", prop.ForAll(
		func(threshold int, elapsedSec int) bool {
			now := time.Unix(0, 0)
			cb := NewCircuitBreaker("p", threshold, time.Minute).WithClock(func() time.Time { return now })
			calls := 0
			for i := 0; i < threshold; i++ {
				_ = cb.Execute(context.Background(), func(context.Context) error { calls++; return errors.New("x") })
			}
			now = now.Add(time.Duration(elapsedSec) * time.Second)
			before := calls
			err := cb.Execute(context.Background(), func(context.Context) error { calls++; return nil })
			if elapsedSec < 60 {
				return errors.Is(err, ErrCircuitOpen) && calls == before
			}
			return err == nil && calls == before+1
		},
		gen.IntRange(1, 10),
		gen.IntRange(0, 120),
	))

	properties.TestingRun(t)
}
