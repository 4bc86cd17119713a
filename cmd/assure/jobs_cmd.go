package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/Mindburn-Labs/assure/pkg/pipeline"
	"github.com/Mindburn-Labs/assure/pkg/queue"
)

// runScheduleCmd implements `assure schedule`.
//
// Without --customer it fans out to every customer with an active
// integration. With --drain the enqueued work is processed in this process
// until both queues are empty, which is how lite mode runs a cycle.
func runScheduleCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("schedule", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	customer := cmd.String("customer", "", "Schedule a single customer")
	drain := cmd.Bool("drain", false, "Process the enqueued jobs before exiting")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid configuration: %v\n", err)
		return 2
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	if cfg.RedisURL == "" && !*drain {
		_, _ = fmt.Fprintln(stderr, "Error: without REDIS_URL jobs live only in this process; pass --drain")
		return 2
	}

	var n int
	if *customer != "" {
		n, err = a.scheduler.ScheduleCustomer(ctx, *customer)
	} else {
		n, err = a.scheduler.FanOut(ctx)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: schedule: %v\n", err)
		return 1
	}
	if *customer != "" {
		_, _ = fmt.Fprintf(stdout, "Enqueued %d check(s) for %s\n", n, *customer)
	} else {
		_, _ = fmt.Fprintf(stdout, "Enqueued schedule jobs for %d customer(s)\n", n)
	}

	if *drain {
		processed, err := drainQueues(ctx, a)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: drain: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "Processed %d job(s)\n", processed)
		for _, name := range []string{queue.ComplianceCheck, queue.EvidenceCollection} {
			failed, err := a.queue.Failed(ctx, name)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 1
			}
			for _, job := range failed {
				_, _ = fmt.Fprintf(stdout, "FAILED %s %s: %s\n", name, job.ID, job.LastError)
			}
		}
	}
	return 0
}

// drainQueues settles jobs until both queues have nothing ready. Jobs
// waiting on a retry delay are waited for.
func drainQueues(ctx context.Context, a *app) (int, error) {
	collect, check := a.pools()
	processed := 0
	for {
		progressed := false
		for _, p := range []struct {
			name string
			pool *queue.Pool
		}{{queue.ComplianceCheck, check}, {queue.EvidenceCollection, collect}} {
			job, err := a.queue.Dequeue(ctx, p.name, 10*time.Millisecond)
			if errors.Is(err, queue.ErrEmpty) {
				continue
			}
			if err != nil {
				return processed, err
			}
			p.pool.Process(ctx, job)
			processed++
			progressed = true
		}
		if progressed {
			continue
		}
		pending := 0
		for _, name := range []string{queue.ComplianceCheck, queue.EvidenceCollection} {
			stats, err := a.queue.Stats(ctx, name)
			if err != nil {
				return processed, err
			}
			pending += stats.Ready + stats.Delayed
		}
		if pending == 0 {
			return processed, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// runCollectCmd implements `assure collect`: enqueue one collection job, or
// run it inline with --now.
func runCollectCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("collect", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var job pipeline.CollectionJob
	cmd.StringVar(&job.CustomerID, "customer", "", "Customer ID (REQUIRED)")
	cmd.StringVar(&job.IntegrationID, "integration", "", "Collector integration ID (REQUIRED)")
	cmd.StringVar(&job.ControlID, "control", "", "Control ID (REQUIRED)")
	now := cmd.Bool("now", false, "Collect inline instead of enqueueing")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if job.CustomerID == "" || job.IntegrationID == "" || job.ControlID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --customer, --integration and --control are required")
		return 2
	}
	job.JobType = pipeline.JobManual

	cfg, err := loadConfig(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid configuration: %v\n", err)
		return 2
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	if *now {
		ev, err := a.collection.Collect(ctx, "", job)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: collect: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "Evidence %s recorded (seq %d, hash %s)\n", ev.ID, ev.Seq, ev.Hash)
		return 0
	}

	if cfg.RedisURL == "" {
		_, _ = fmt.Fprintln(stderr, "Error: without REDIS_URL jobs live only in this process; pass --now")
		return 2
	}
	queued, err := a.queue.Enqueue(ctx, queue.EvidenceCollection, job)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: enqueue: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "Enqueued collection job %s\n", queued.ID)
	return 0
}

// runFailedCmd implements `assure failed`: print the failed list as JSON.
func runFailedCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("failed", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	name := cmd.String("queue", queue.EvidenceCollection, "Queue name (evidence-collection or compliance-check)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *name != queue.EvidenceCollection && *name != queue.ComplianceCheck {
		_, _ = fmt.Fprintf(stderr, "Error: unknown queue %q\n", *name)
		return 2
	}

	cfg, err := loadConfig(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid configuration: %v\n", err)
		return 2
	}
	if cfg.RedisURL == "" {
		_, _ = fmt.Fprintln(stderr, "Error: REDIS_URL is required to inspect shared queues")
		return 2
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	jobs, err := a.queue.Failed(ctx, *name)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(jobs); err != nil {
		return 1
	}
	return 0
}
