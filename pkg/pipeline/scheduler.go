package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/assure/pkg/queue"
	"github.com/Mindburn-Labs/assure/pkg/store"
)

// Scheduler enqueues compliance checks that are due.
type Scheduler struct {
	store    store.Store
	queue    queue.Queue
	interval time.Duration
	clock    func() time.Time
	logger   *slog.Logger
}

// NewScheduler creates a scheduler that fans out every interval when Run.
func NewScheduler(s store.Store, q queue.Queue, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		store:    s,
		queue:    q,
		interval: interval,
		clock:    time.Now,
		logger:   slog.Default().With("component", "pipeline.scheduler"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// ScheduleCustomer enqueues a check for every control the customer has never
// checked or whose next check is due. It returns the number enqueued.
func (s *Scheduler) ScheduleCustomer(ctx context.Context, customerID string) (int, error) {
	controls, err := s.store.ListControls(ctx)
	if err != nil {
		return 0, fmt.Errorf("list controls: %w", err)
	}
	now := s.clock()

	enqueued := 0
	for _, control := range controls {
		latest, err := s.store.LatestCheck(ctx, customerID, control.ID)
		if err != nil {
			return enqueued, fmt.Errorf("latest check %s: %w", control.ID, err)
		}
		if latest != nil && latest.NextCheckAt.After(now) {
			continue
		}
		if _, err := s.queue.Enqueue(ctx, queue.ComplianceCheck, CheckJob{CustomerID: customerID, ControlID: control.ID}); err != nil {
			return enqueued, err
		}
		enqueued++
	}

	s.logger.InfoContext(ctx, "customer scheduled", "customer_id", customerID, "enqueued", enqueued, "controls", len(controls))
	return enqueued, nil
}

// FanOut enqueues one schedule job per customer with an active integration.
func (s *Scheduler) FanOut(ctx context.Context) (int, error) {
	customers, err := s.store.ActiveCustomers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list customers: %w", err)
	}
	for i, customerID := range customers {
		if _, err := s.queue.Enqueue(ctx, queue.ComplianceCheck, CheckJob{CustomerID: customerID}); err != nil {
			return i, err
		}
	}
	return len(customers), nil
}

// Run fans out immediately and then every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if n, err := s.FanOut(ctx); err != nil {
			s.logger.ErrorContext(ctx, "schedule fan-out failed", "error", err)
		} else {
			s.logger.InfoContext(ctx, "schedule fan-out", "customers", n)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
