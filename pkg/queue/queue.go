// Package queue provides named at-least-once job queues and the worker pool
// that drains them.
//
// A job is dequeued into a processing state and must then be acknowledged,
// scheduled for retry, or moved to the queue's failed list. Failed jobs are
// kept for inspection and never re-enqueued automatically.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/assure/pkg/resiliency"
)

// Queue names used by the pipeline.
const (
	EvidenceCollection = "evidence-collection"
	ComplianceCheck    = "compliance-check"
)

// ErrEmpty is returned by Dequeue when no job became ready within the wait.
var ErrEmpty = errors.New("queue: no job ready")

// Job is one unit of queued work.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
	FailedAt   *time.Time      `json:"failed_at,omitempty"`

	// raw is the serialized form the job was dequeued as.
	raw string
}

// Stats counts jobs per state for one queue.
type Stats struct {
	Ready      int `json:"ready"`
	Delayed    int `json:"delayed"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
}

// Queue is a set of named job queues.
type Queue interface {
	Enqueue(ctx context.Context, queue string, payload any) (*Job, error)
	// Dequeue blocks up to wait for a ready job; it returns ErrEmpty on timeout.
	Dequeue(ctx context.Context, queue string, wait time.Duration) (*Job, error)
	Ack(ctx context.Context, job *Job) error
	// Retry makes the job ready again after delay.
	Retry(ctx context.Context, job *Job, delay time.Duration) error
	// Fail moves the job to the failed list.
	Fail(ctx context.Context, job *Job, cause error) error
	Failed(ctx context.Context, queue string) ([]Job, error)
	Stats(ctx context.Context, queue string) (Stats, error)
}

func newJob(queue string, payload any, now time.Time) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", queue, err)
	}
	return &Job{
		ID:         uuid.NewString(),
		Queue:      queue,
		Payload:    data,
		EnqueuedAt: now.UTC(),
	}, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode unmarshals the job payload into v and validates its struct tags.
// Malformed payloads are permanent failures.
func Decode(job *Job, v any) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return resiliency.Permanent(fmt.Errorf("decode %s job %s: %w", job.Queue, job.ID, err))
	}
	if err := validate.Struct(v); err != nil {
		return resiliency.Permanent(fmt.Errorf("invalid %s job %s: %w", job.Queue, job.ID, err))
	}
	return nil
}
