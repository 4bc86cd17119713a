package pipeline

import (
	"context"

	"github.com/Mindburn-Labs/assure/pkg/queue"
)

// CheckHandler serves the compliance-check queue: schedule fan-out jobs go
// to the scheduler, control jobs to the check worker.
func CheckHandler(w *CheckWorker, s *Scheduler) queue.Handler {
	return func(ctx context.Context, j *queue.Job) error {
		var job CheckJob
		if err := queue.Decode(j, &job); err != nil {
			return err
		}
		if job.IsSchedule() {
			_, err := s.ScheduleCustomer(ctx, job.CustomerID)
			return err
		}
		_, err := w.Check(ctx, job)
		return err
	}
}
