package resiliency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisAcquireScript admits a call and performs OPEN -> HALF_OPEN atomically.
// A HALF_OPEN trial older than the reset timeout is replaced by a new one.
// KEYS[1] = breaker hash
// ARGV[1] = now (unix ms)
// ARGV[2] = reset timeout (ms)
var redisAcquireScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state or state == "CLOSED" then
    return 1
end
local since = "last_failure"
if state == "HALF_OPEN" then
    since = "half_open_at"
end
local last = tonumber(redis.call("HGET", KEYS[1], since) or "0")
if tonumber(ARGV[1]) - last >= tonumber(ARGV[2]) then
    redis.call("HSET", KEYS[1], "state", "HALF_OPEN", "half_open_at", ARGV[1])
    return 1
end
return 0
`)

// redisFailureScript records a failure and opens the breaker at the threshold.
// KEYS[1] = breaker hash
// ARGV[1] = now (unix ms)
// ARGV[2] = threshold
var redisFailureScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state") or "CLOSED"
local failures = redis.call("HINCRBY", KEYS[1], "failures", 1)
redis.call("HSET", KEYS[1], "last_failure", ARGV[1])
if state == "HALF_OPEN" or failures >= tonumber(ARGV[2]) then
    state = "OPEN"
end
redis.call("HSET", KEYS[1], "state", state)
return {state, failures}
`)

// redisSuccessScript closes the breaker unless it is OPEN.
var redisSuccessScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if state == "OPEN" then
    return 0
end
redis.call("HSET", KEYS[1], "state", "CLOSED", "failures", 0)
return 1
`)

// RedisStateStore shares breaker state between worker replicas.
type RedisStateStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStateStore creates a store keyed under prefix (default "assure:breaker:").
func NewRedisStateStore(client redis.UniversalClient, prefix string) *RedisStateStore {
	if prefix == "" {
		prefix = "assure:breaker:"
	}
	return &RedisStateStore{client: client, prefix: prefix}
}

func (s *RedisStateStore) key(name string) string {
	return s.prefix + name
}

func (s *RedisStateStore) Snapshot(ctx context.Context, name string) (Snapshot, error) {
	vals, err := s.client.HGetAll(ctx, s.key(name)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("redis breaker snapshot: %w", err)
	}
	snap := Snapshot{State: StateClosed}
	if st, ok := vals["state"]; ok && st != "" {
		snap.State = State(st)
	}
	if f, ok := vals["failures"]; ok {
		snap.Failures, _ = strconv.Atoi(f)
	}
	if lf, ok := vals["last_failure"]; ok {
		if ms, err := strconv.ParseInt(lf, 10, 64); err == nil {
			snap.LastFailure = time.UnixMilli(ms)
		}
	}
	if ho, ok := vals["half_open_at"]; ok {
		if ms, err := strconv.ParseInt(ho, 10, 64); err == nil {
			snap.TrialStarted = time.UnixMilli(ms)
		}
	}
	return snap, nil
}

func (s *RedisStateStore) Acquire(ctx context.Context, name string, now time.Time, resetTimeout time.Duration) (bool, error) {
	res, err := redisAcquireScript.Run(ctx, s.client, []string{s.key(name)}, now.UnixMilli(), resetTimeout.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis breaker acquire: %w", err)
	}
	return res == 1, nil
}

func (s *RedisStateStore) RecordSuccess(ctx context.Context, name string) error {
	if err := redisSuccessScript.Run(ctx, s.client, []string{s.key(name)}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis breaker success: %w", err)
	}
	return nil
}

func (s *RedisStateStore) RecordFailure(ctx context.Context, name string, now time.Time, threshold int) (Snapshot, error) {
	res, err := redisFailureScript.Run(ctx, s.client, []string{s.key(name)}, now.UnixMilli(), threshold).Slice()
	if err != nil {
		return Snapshot{}, fmt.Errorf("redis breaker failure: %w", err)
	}
	if len(res) != 2 {
		return Snapshot{}, fmt.Errorf("invalid response from breaker script")
	}
	state, _ := res[0].(string)
	failures, _ := res[1].(int64)
	return Snapshot{State: State(state), Failures: int(failures), LastFailure: now}, nil
}
