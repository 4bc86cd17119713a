package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/assure/pkg/observability"
	"github.com/Mindburn-Labs/assure/pkg/resiliency"
)

// Handler processes one job. Returning an error marked with
// resiliency.Permanent fails the job without further attempts.
type Handler func(ctx context.Context, job *Job) error

// PoolConfig configures a worker pool for one queue.
type PoolConfig struct {
	Queue       string
	Concurrency int
	MaxAttempts int           // default 3
	Backoff     time.Duration // base delay, doubled per attempt; default 2s, negative for none
	Poll        time.Duration // Dequeue wait; default 1s
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff < 0 {
		c.Backoff = 0
	} else if c.Backoff == 0 {
		c.Backoff = 2 * time.Second
	}
	if c.Poll <= 0 {
		c.Poll = time.Second
	}
	return c
}

// Pool runs Concurrency consumers against one queue.
type Pool struct {
	q       Queue
	cfg     PoolConfig
	handler Handler
	obs     *observability.Provider
	logger  *slog.Logger
}

// NewPool creates a pool. obs may be nil.
func NewPool(q Queue, cfg PoolConfig, handler Handler, obs *observability.Provider) *Pool {
	if obs == nil {
		obs = observability.Disabled()
	}
	return &Pool{
		q:       q,
		cfg:     cfg.withDefaults(),
		handler: handler,
		obs:     obs,
		logger:  slog.Default().With("component", "queue", "queue", cfg.Queue),
	}
}

// Run consumes jobs until ctx is cancelled. In-flight jobs finish first.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "worker pool started", "concurrency", p.cfg.Concurrency)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		g.Go(func() error {
			return p.consume(gctx)
		})
	}
	err := g.Wait()
	p.logger.InfoContext(ctx, "worker pool stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) consume(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		job, err := p.q.Dequeue(ctx, p.cfg.Queue, p.cfg.Poll)
		if errors.Is(err, ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.ErrorContext(ctx, "dequeue failed", "error", err)
			if sleepErr := sleep(ctx, p.cfg.Poll); sleepErr != nil {
				return nil
			}
			continue
		}
		// Settle the job even if shutdown starts mid-flight.
		p.Process(context.WithoutCancel(ctx), job)
	}
}

// Process runs the handler for one dequeued job and settles it:
// ack on success, retry with backoff on transient failure, fail otherwise.
func (p *Pool) Process(ctx context.Context, job *Job) {
	job.Attempts++
	ctx, finish := p.obs.TrackJob(ctx, job.Queue, job.ID, job.Attempts)
	err := p.handler(ctx, job)
	finish(err)

	log := p.logger.With("job_id", job.ID, "attempt", job.Attempts)
	switch {
	case err == nil:
		if ackErr := p.q.Ack(ctx, job); ackErr != nil {
			log.ErrorContext(ctx, "ack failed", "error", ackErr)
		}
		p.obs.RecordJobSettled(ctx, job.Queue, observability.OutcomeAcked)
	case resiliency.IsPermanent(err) || job.Attempts >= p.cfg.MaxAttempts:
		log.ErrorContext(ctx, "job failed", "error", err, "permanent", resiliency.IsPermanent(err))
		if failErr := p.q.Fail(ctx, job, err); failErr != nil {
			log.ErrorContext(ctx, "moving job to failed list failed", "error", failErr)
		}
		p.obs.RecordJobSettled(ctx, job.Queue, observability.OutcomeFailed)
	default:
		delay := p.cfg.Backoff * time.Duration(1<<(job.Attempts-1))
		job.LastError = err.Error()
		log.WarnContext(ctx, "job attempt failed, retrying", "error", err, "delay", delay)
		if retryErr := p.q.Retry(ctx, job, delay); retryErr != nil {
			log.ErrorContext(ctx, "retry scheduling failed", "error", retryErr)
		}
		p.obs.RecordJobSettled(ctx, job.Queue, observability.OutcomeRetried)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
