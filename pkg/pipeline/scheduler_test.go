package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/assure/pkg/compliance"
	"github.com/Mindburn-Labs/assure/pkg/queue"
	"github.com/Mindburn-Labs/assure/pkg/store"
)

func TestScheduleCustomer_EnqueuesNeverCheckedAndDueControls(t *testing.T) {
	h := newHarness(t, noSleepGuardConfig())
	controls := len(store.DefaultControls())

	n, err := h.scheduler.ScheduleCustomer(h.ctx, "cust-x")
	require.NoError(t, err)
	assert.Equal(t, controls, n)

	require.NoError(t, h.repo.CreateCheck(h.ctx, &compliance.ComplianceCheck{
		ID: "chk-fresh", CustomerID: "cust-x", ControlID: "CC6.1", Status: compliance.StatusPass,
		CheckedAt: t0, NextCheckAt: t0.AddDate(0, 0, 1),
	}))
	require.NoError(t, h.repo.CreateCheck(h.ctx, &compliance.ComplianceCheck{
		ID: "chk-due", CustomerID: "cust-x", ControlID: "CC6.2", Status: compliance.StatusPass,
		CheckedAt: t0.AddDate(0, 0, -7), NextCheckAt: t0,
	}))

	n, err = h.scheduler.ScheduleCustomer(h.ctx, "cust-x")
	require.NoError(t, err)
	assert.Equal(t, controls-1, n, "only the control checked today is skipped")
}

func TestFanOut_OneScheduleJobPerActiveCustomer(t *testing.T) {
	h := newHarness(t, noSleepGuardConfig())
	h.addIntegration(t, "aws-1", "cust-a", compliance.IntegrationAWS, compliance.KindCollector, nil)
	h.addIntegration(t, "aws-2", "cust-b", compliance.IntegrationAWS, compliance.KindCollector, nil)

	n, err := h.scheduler.FanOut(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var job CheckJob
	require.NoError(t, queue.Decode(h.dequeue(t, queue.ComplianceCheck), &job))
	assert.True(t, job.IsSchedule())
	assert.Equal(t, "cust-a", job.CustomerID)
}

func TestSchedulerRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, noSleepGuardConfig())
	h.addIntegration(t, "aws-1", "cust-a", compliance.IntegrationAWS, compliance.KindCollector, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.scheduler.Run(ctx) }()

	require.Eventually(t, func() bool {
		stats, _ := h.queue.Stats(h.ctx, queue.ComplianceCheck)
		return stats.Ready == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

// drain settles every ready job on both queues through the pool handlers.
func drain(t *testing.T, h *harness, collect, check *queue.Pool) {
	t.Helper()
	for i := 0; i < 100; i++ {
		job, err := h.queue.Dequeue(h.ctx, queue.ComplianceCheck, time.Millisecond)
		if err == nil {
			check.Process(h.ctx, job)
			continue
		}
		require.True(t, errors.Is(err, queue.ErrEmpty))
		job, err = h.queue.Dequeue(h.ctx, queue.EvidenceCollection, time.Millisecond)
		if err == nil {
			collect.Process(h.ctx, job)
			continue
		}
		require.True(t, errors.Is(err, queue.ErrEmpty))
		return
	}
	t.Fatal("queues did not drain")
}

func TestPipeline_EndToEnd(t *testing.T) {
	h := newHarness(t, noSleepGuardConfig())
	require.NoError(t, h.repo.UpsertControl(h.ctx, compliance.Control{ID: "CC6.1", Title: "Encryption at rest", Frequency: compliance.FrequencyWeekly}))
	h.aws.status = compliance.StatusFail
	h.addIntegration(t, "aws-1", "cust-x", compliance.IntegrationAWS, compliance.KindCollector, nil)
	h.addIntegration(t, "jira-1", "cust-x", compliance.IntegrationJira, compliance.KindTicketing, nil)

	poolCfg := func(name string) queue.PoolConfig {
		return queue.PoolConfig{Queue: name, MaxAttempts: 3, Backoff: -1}
	}
	collect := queue.NewPool(h.queue, poolCfg(queue.EvidenceCollection), h.collection.Handle, nil)
	check := queue.NewPool(h.queue, poolCfg(queue.ComplianceCheck), CheckHandler(h.check, h.scheduler), nil)

	_, err := h.scheduler.FanOut(h.ctx)
	require.NoError(t, err)
	drain(t, h, collect, check)

	// First pass: every control deferred, one collection each, no checks.
	assert.Empty(t, h.repo.Checks())
	chain, err := h.repo.ListChain(h.ctx, "cust-x", "CC6.1")
	require.NoError(t, err)
	require.Len(t, chain, 1)

	// Second pass evaluates the collected evidence.
	_, err = h.scheduler.FanOut(h.ctx)
	require.NoError(t, err)
	drain(t, h, collect, check)

	checks := h.repo.Checks()
	require.Len(t, checks, len(store.DefaultControls()))
	for _, c := range checks {
		assert.Equal(t, compliance.StatusFail, c.Status)
	}
	assert.Len(t, h.repo.Tickets(), len(checks))

	// Nothing is due on the third pass.
	n, err := h.scheduler.ScheduleCustomer(h.ctx, "cust-x")
	require.NoError(t, err)
	assert.Zero(t, n)

	failedCollect, _ := h.queue.Failed(h.ctx, queue.EvidenceCollection)
	failedCheck, _ := h.queue.Failed(h.ctx, queue.ComplianceCheck)
	assert.Empty(t, failedCollect)
	assert.Empty(t, failedCheck)
}
