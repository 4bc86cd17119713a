package resiliency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisStateStore_Integration requires a running Redis on localhost.
func TestRedisStateStore_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	defer func() { _ = client.Close() }()

	prefix := "assure-test:breaker:" + time.Now().Format("150405.000000") + ":"
	store := NewRedisStateStore(client, prefix)
	defer client.Del(ctx, prefix+"github")

	now := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	replicaA := NewCircuitBreaker("github", 2, time.Minute).WithStore(store).WithClock(func() time.Time { return now })
	replicaB := NewCircuitBreaker("github", 2, time.Minute).WithStore(store).WithClock(func() time.Time { return now })

	fail := func(context.Context) error { return errors.New("502") }
	require.Error(t, replicaA.Execute(ctx, fail))
	require.Error(t, replicaA.Execute(ctx, fail))

	// The second replica sees the breaker opened by the first.
	err := replicaB.Execute(ctx, func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)

	now = now.Add(time.Minute)
	require.NoError(t, replicaB.Execute(ctx, func(context.Context) error { return nil }))

	snap, err := store.Snapshot(ctx, "github")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, snap.State)

	// A replica that dies mid-trial does not wedge the others.
	require.Error(t, replicaA.Execute(ctx, fail))
	require.Error(t, replicaA.Execute(ctx, fail))
	now = now.Add(time.Minute)
	ok, err := store.Acquire(ctx, "github", now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.ErrorIs(t, replicaB.Execute(ctx, func(context.Context) error { return nil }), ErrCircuitOpen)

	now = now.Add(time.Minute)
	require.NoError(t, replicaB.Execute(ctx, func(context.Context) error { return nil }))
	snap, err = store.Snapshot(ctx, "github")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, snap.State)
}
