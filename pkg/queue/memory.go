package queue

import (
	"context"
	"sync"
	"time"
)

type delayedJob struct {
	job Job
	due time.Time
}

type memQueue struct {
	ready      []Job
	delayed    []delayedJob
	processing map[string]Job
	failed     []Job
	wake       chan struct{}
}

// MemoryQueue is an in-process Queue for lite mode and tests.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	clock  func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queues: make(map[string]*memQueue),
		clock:  time.Now,
	}
}

func (m *MemoryQueue) queue(name string) *memQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{processing: make(map[string]Job), wake: make(chan struct{})}
		m.queues[name] = q
	}
	return q
}

// signal wakes every blocked Dequeue. Caller holds m.mu.
func (q *memQueue) signal() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *memQueue) promote(now time.Time) {
	kept := q.delayed[:0]
	for _, d := range q.delayed {
		if !d.due.After(now) {
			q.ready = append(q.ready, d.job)
			continue
		}
		kept = append(kept, d)
	}
	q.delayed = kept
}

func (q *memQueue) nextDue() (time.Time, bool) {
	var next time.Time
	for _, d := range q.delayed {
		if next.IsZero() || d.due.Before(next) {
			next = d.due
		}
	}
	return next, !next.IsZero()
}

func (m *MemoryQueue) Enqueue(_ context.Context, name string, payload any) (*Job, error) {
	job, err := newJob(name, payload, m.clock())
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(name)
	q.ready = append(q.ready, *job)
	q.signal()
	return job, nil
}

func (m *MemoryQueue) Dequeue(ctx context.Context, name string, wait time.Duration) (*Job, error) {
	deadline := time.Now().Add(wait)
	for {
		m.mu.Lock()
		q := m.queue(name)
		now := m.clock()
		q.promote(now)
		if len(q.ready) > 0 {
			job := q.ready[0]
			q.ready = q.ready[1:]
			q.processing[job.ID] = job
			m.mu.Unlock()
			return &job, nil
		}
		wake := q.wake
		remaining := time.Until(deadline)
		if due, ok := q.nextDue(); ok && due.Sub(now) < remaining {
			remaining = due.Sub(now)
		}
		m.mu.Unlock()

		if time.Until(deadline) <= 0 {
			return nil, ErrEmpty
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (m *MemoryQueue) Ack(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queue(job.Queue).processing, job.ID)
	return nil
}

func (m *MemoryQueue) Retry(_ context.Context, job *Job, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(job.Queue)
	delete(q.processing, job.ID)
	q.delayed = append(q.delayed, delayedJob{job: *job, due: m.clock().Add(delay)})
	q.signal()
	return nil
}

func (m *MemoryQueue) Fail(_ context.Context, job *Job, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(job.Queue)
	delete(q.processing, job.ID)
	failed := *job
	if cause != nil {
		failed.LastError = cause.Error()
	}
	at := m.clock().UTC()
	failed.FailedAt = &at
	q.failed = append(q.failed, failed)
	return nil
}

func (m *MemoryQueue) Failed(_ context.Context, name string) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Job(nil), m.queue(name).failed...), nil
}

func (m *MemoryQueue) Stats(_ context.Context, name string) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(name)
	return Stats{
		Ready:      len(q.ready),
		Delayed:    len(q.delayed),
		Processing: len(q.processing),
		Failed:     len(q.failed),
	}, nil
}
