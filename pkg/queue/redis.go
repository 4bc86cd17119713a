package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisPromoteScript moves due delayed jobs onto the ready list.
// KEYS[1] = delayed zset
// KEYS[2] = ready list
// ARGV[1] = now (unix ms)
var redisPromoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, job in ipairs(due) do
    redis.call("ZREM", KEYS[1], job)
    redis.call("LPUSH", KEYS[2], job)
end
return #due
`)

// redisReclaimScript returns jobs whose processing lease expired to the
// ready list. Processing entries without a lease (the worker died between
// BLMOVE and ZADD) get one, so they are reclaimed on a later pass.
// KEYS[1] = lease zset
// KEYS[2] = processing list
// KEYS[3] = ready list
// ARGV[1] = now (unix ms)
// ARGV[2] = lease deadline for unleased entries (unix ms)
var redisReclaimScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
local n = 0
for _, job in ipairs(expired) do
    redis.call("ZREM", KEYS[1], job)
    if redis.call("LREM", KEYS[2], 1, job) > 0 then
        redis.call("LPUSH", KEYS[3], job)
        n = n + 1
    end
end
for _, job in ipairs(redis.call("LRANGE", KEYS[2], 0, -1)) do
    if not redis.call("ZSCORE", KEYS[1], job) then
        redis.call("ZADD", KEYS[1], ARGV[2], job)
    end
end
return n
`)

// DefaultVisibilityTimeout is how long a dequeued job may stay unsettled
// before another consumer may receive it.
const DefaultVisibilityTimeout = 10 * time.Minute

// RedisQueue shares queues between worker replicas.
//
// Each queue uses five keys under the prefix: a ready list consumed with
// BLMOVE into a processing list, a lease sorted set scored by visibility
// deadline, a delayed sorted set scored by due time, and a failed list.
// A job whose lease expires before Ack, Retry or Fail is redelivered.
type RedisQueue struct {
	client     redis.UniversalClient
	prefix     string
	visibility time.Duration
	clock      func() time.Time
}

// NewRedisQueue creates a queue keyed under prefix (default "assure:queue:").
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "assure:queue:"
	}
	return &RedisQueue{client: client, prefix: prefix, visibility: DefaultVisibilityTimeout, clock: time.Now}
}

// WithVisibilityTimeout sets how long a job may be processed before it is
// redelivered. It must exceed the longest handler run.
func (r *RedisQueue) WithVisibilityTimeout(d time.Duration) *RedisQueue {
	if d > 0 {
		r.visibility = d
	}
	return r
}

// WithClock overrides the clock for deterministic testing.
func (r *RedisQueue) WithClock(clock func() time.Time) *RedisQueue {
	r.clock = clock
	return r
}

func (r *RedisQueue) key(queue, part string) string {
	return r.prefix + queue + ":" + part
}

func encode(job *Job) (string, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	return string(data), nil
}

func decodeRaw(raw string) (*Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decode queued job: %w", err)
	}
	job.raw = raw
	return &job, nil
}

func (r *RedisQueue) Enqueue(ctx context.Context, queue string, payload any) (*Job, error) {
	job, err := newJob(queue, payload, r.clock())
	if err != nil {
		return nil, err
	}
	raw, err := encode(job)
	if err != nil {
		return nil, err
	}
	if err := r.client.LPush(ctx, r.key(queue, "ready"), raw).Err(); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", queue, err)
	}
	return job, nil
}

func (r *RedisQueue) Dequeue(ctx context.Context, queue string, wait time.Duration) (*Job, error) {
	ready := r.key(queue, "ready")
	processing := r.key(queue, "processing")
	leases := r.key(queue, "leases")
	now := r.clock()

	if err := redisPromoteScript.Run(ctx, r.client, []string{r.key(queue, "delayed"), ready}, now.UnixMilli()).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("promote delayed %s jobs: %w", queue, err)
	}
	if err := redisReclaimScript.Run(ctx, r.client, []string{leases, processing, ready},
		now.UnixMilli(), now.Add(r.visibility).UnixMilli()).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("reclaim expired %s jobs: %w", queue, err)
	}

	raw, err := r.client.BLMove(ctx, ready, processing, "RIGHT", "LEFT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("dequeue %s: %w", queue, err)
	}
	deadline := r.clock().Add(r.visibility).UnixMilli()
	if err := r.client.ZAdd(ctx, leases, redis.Z{Score: float64(deadline), Member: raw}).Err(); err != nil {
		// The job is still recoverable: the next reclaim pass leases it.
		return nil, fmt.Errorf("lease %s job: %w", queue, err)
	}
	return decodeRaw(raw)
}

func (r *RedisQueue) Ack(ctx context.Context, job *Job) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, r.key(job.Queue, "processing"), 1, job.raw)
		pipe.ZRem(ctx, r.key(job.Queue, "leases"), job.raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}
	return nil
}

func (r *RedisQueue) Retry(ctx context.Context, job *Job, delay time.Duration) error {
	raw, err := encode(job)
	if err != nil {
		return err
	}
	due := r.clock().Add(delay).UnixMilli()
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, r.key(job.Queue, "processing"), 1, job.raw)
		pipe.ZRem(ctx, r.key(job.Queue, "leases"), job.raw)
		pipe.ZAdd(ctx, r.key(job.Queue, "delayed"), redis.Z{Score: float64(due), Member: raw})
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry job %s: %w", job.ID, err)
	}
	return nil
}

func (r *RedisQueue) Fail(ctx context.Context, job *Job, cause error) error {
	failed := *job
	if cause != nil {
		failed.LastError = cause.Error()
	}
	at := r.clock().UTC()
	failed.FailedAt = &at
	raw, err := encode(&failed)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, r.key(job.Queue, "processing"), 1, job.raw)
		pipe.ZRem(ctx, r.key(job.Queue, "leases"), job.raw)
		pipe.LPush(ctx, r.key(job.Queue, "failed"), raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	return nil
}

// Failed returns failed jobs, most recent first.
func (r *RedisQueue) Failed(ctx context.Context, queue string) ([]Job, error) {
	raws, err := r.client.LRange(ctx, r.key(queue, "failed"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed %s jobs: %w", queue, err)
	}
	jobs := make([]Job, 0, len(raws))
	for _, raw := range raws {
		job, err := decodeRaw(raw)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

func (r *RedisQueue) Stats(ctx context.Context, queue string) (Stats, error) {
	pipe := r.client.Pipeline()
	ready := pipe.LLen(ctx, r.key(queue, "ready"))
	delayed := pipe.ZCard(ctx, r.key(queue, "delayed"))
	processing := pipe.LLen(ctx, r.key(queue, "processing"))
	failed := pipe.LLen(ctx, r.key(queue, "failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats %s: %w", queue, err)
	}
	return Stats{
		Ready:      int(ready.Val()),
		Delayed:    int(delayed.Val()),
		Processing: int(processing.Val()),
		Failed:     int(failed.Val()),
	}, nil
}
