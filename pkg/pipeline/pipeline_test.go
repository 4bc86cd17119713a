package pipeline

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/assure/pkg/compliance"
	"github.com/Mindburn-Labs/assure/pkg/observability"
	"github.com/Mindburn-Labs/assure/pkg/queue"
	"github.com/Mindburn-Labs/assure/pkg/remediation"
	"github.com/Mindburn-Labs/assure/pkg/resiliency"
)

func TestCheck_NoEvidenceDefersAndEnqueuesOneCollection(t *testing.T) {
	h := newHarness(t, noSleepGuardConfig())
	h.addIntegration(t, "gh-1", "cust-x", compliance.IntegrationGitHub, compliance.KindCollector, nil)
	h.now = t0.Add(time.Minute)
	h.addIntegration(t, "aws-1", "cust-x", compliance.IntegrationAWS, compliance.KindCollector, nil)

	res, err := h.check.Check(h.ctx, CheckJob{CustomerID: "cust-x", ControlID: "CC6.1"})
	require.NoError(t, err)
	assert.True(t, res.Deferred)
	assert.Empty(t, res.CheckID)

	stats, err := h.queue.Stats(h.ctx, queue.EvidenceCollection)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Ready)
	assert.Empty(t, h.repo.Checks())

	var job CollectionJob
	require.NoError(t, queue.Decode(h.dequeue(t, queue.EvidenceCollection), &job))
	assert.Equal(t, CollectionJob{CustomerID: "cust-x", IntegrationID: "aws-1", ControlID: "CC6.1", JobType: JobMissingEvidence}, job,
		"the integration matching the control's mapped capability is preferred")
}

func TestCheck_NoEvidenceAndNoIntegrationIsPermanent(t *testing.T) {
	h := newHarness(t, noSleepGuardConfig())

	_, err := h.check.Check(h.ctx, CheckJob{CustomerID: "cust-x", ControlID: "CC6.1"})
	require.ErrorIs(t, err, compliance.ErrNoActiveIntegration)
	assert.True(t, resiliency.IsPermanent(err))
}

func TestCheck_FailingEvidenceRemediates(t *testing.T) {
	h := newHarness(t, noSleepGuardConfig())
	h.aws.status = compliance.StatusFail
	h.addIntegration(t, "aws-1", "cust-x", compliance.IntegrationAWS, compliance.KindCollector, map[string]string{"region": "eu-west-1"})
	h.addIntegration(t, "jira-1", "cust-x", compliance.IntegrationJira, compliance.KindTicketing, map[string]string{"project_key": "SEC"})

	ev, err := h.collection.Collect(h.ctx, "job-1", CollectionJob{CustomerID: "cust-x", IntegrationID: "aws-1", ControlID: "CC6.1"})
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", h.aws.cfgs[0]["region"])

	h.now = t0.Add(time.Hour)
	res, err := h.check.Check(h.ctx, CheckJob{CustomerID: "cust-x", ControlID: "CC6.1"})
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusFail, res.Status)

	checks := h.repo.Checks()
	require.Len(t, checks, 1)
	assert.Equal(t, ev.ID, checks[0].EvidenceID)
	assert.Equal(t, h.now.AddDate(0, 0, 1), checks[0].NextCheckAt, "CC6.1 is checked daily")

	require.NotNil(t, res.Remediation)
	assert.Equal(t, remediation.StepSent, res.Remediation.Notification.Status)
	assert.Equal(t, remediation.StepSent, res.Remediation.Ticket.Status)
	require.Len(t, h.notifier.alerts, 1)
	assert.Equal(t, ev.ID, h.notifier.alerts[0].EvidenceID)

	tickets := h.repo.Tickets()
	require.Len(t, tickets, 1)
	assert.Equal(t, res.CheckID, tickets[0].CheckID)
	assert.Equal(t, "SEC-1", tickets[0].ExternalIssueKey)
}

func TestCheck_PassingEvidenceDoesNotRemediate(t *testing.T) {
	h := newHarness(t, noSleepGuardConfig())
	h.addIntegration(t, "aws-1", "cust-x", compliance.IntegrationAWS, compliance.KindCollector, nil)
	h.addIntegration(t, "jira-1", "cust-x", compliance.IntegrationJira, compliance.KindTicketing, nil)

	ev, err := h.collection.Collect(h.ctx, "", CollectionJob{CustomerID: "cust-x", IntegrationID: "aws-1", ControlID: "A1.2"})
	require.NoError(t, err)

	res, err := h.check.Check(h.ctx, CheckJob{CustomerID: "cust-x", ControlID: "A1.2", EvidenceID: ev.ID})
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusPass, res.Status)
	assert.Nil(t, res.Remediation)
	assert.Empty(t, h.notifier.alerts)
	assert.Empty(t, h.repo.Tickets())
}

func TestCheck_UnknownStatusIsWarning(t *testing.T) {
	h := newHarness(t, noSleepGuardConfig())
	h.aws.status = compliance.StatusWarning
	h.addIntegration(t, "aws-1", "cust-x", compliance.IntegrationAWS, compliance.KindCollector, nil)

	_, err := h.collection.Collect(h.ctx, "", CollectionJob{CustomerID: "cust-x", IntegrationID: "aws-1", ControlID: "CC6.6"})
	require.NoError(t, err)

	res, err := h.check.Check(h.ctx, CheckJob{CustomerID: "cust-x", ControlID: "CC6.6"})
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusWarning, res.Status)
}

func TestCheck_UnknownControlIsPermanent(t *testing.T) {
	h := newHarness(t, noSleepGuardConfig())
	_, err := h.check.Check(h.ctx, CheckJob{CustomerID: "cust-x", ControlID: "ZZ9.9"})
	require.ErrorIs(t, err, compliance.ErrControlNotFound)
	assert.True(t, resiliency.IsPermanent(err))
}

func TestCheck_EvidenceFromAnotherControlRejected(t *testing.T) {
	h := newHarness(t, noSleepGuardConfig())
	h.addIntegration(t, "aws-1", "cust-x", compliance.IntegrationAWS, compliance.KindCollector, nil)
	ev, err := h.collection.Collect(h.ctx, "", CollectionJob{CustomerID: "cust-x", IntegrationID: "aws-1", ControlID: "CC6.1"})
	require.NoError(t, err)

	_, err = h.check.Check(h.ctx, CheckJob{CustomerID: "cust-x", ControlID: "CC6.6", EvidenceID: ev.ID})
	require.ErrorIs(t, err, compliance.ErrEvidenceNotFound)
	assert.True(t, resiliency.IsPermanent(err))
}

func TestCollect_OwnershipMismatchIsPermanent(t *testing.T) {
	h := newHarness(t, noSleepGuardConfig())
	h.addIntegration(t, "aws-1", "cust-y", compliance.IntegrationAWS, compliance.KindCollector, nil)

	_, err := h.collection.Collect(h.ctx, "", CollectionJob{CustomerID: "cust-x", IntegrationID: "aws-1", ControlID: "CC6.1"})
	require.ErrorIs(t, err, compliance.ErrIntegrationNotFound)
	assert.True(t, resiliency.IsPermanent(err))

	_, err = h.collection.Collect(h.ctx, "", CollectionJob{CustomerID: "cust-x", IntegrationID: "missing", ControlID: "CC6.1"})
	require.ErrorIs(t, err, compliance.ErrIntegrationNotFound)
	assert.Equal(t, 0, h.aws.callCount())
}

func TestCollect_UnknownControlIsPermanent(t *testing.T) {
	h := newHarness(t, noSleepGuardConfig())
	h.addIntegration(t, "aws-1", "cust-x", compliance.IntegrationAWS, compliance.KindCollector, nil)

	_, err := h.collection.Collect(h.ctx, "", CollectionJob{CustomerID: "cust-x", IntegrationID: "aws-1", ControlID: "ZZ9.9"})
	require.ErrorIs(t, err, compliance.ErrControlNotFound)
	assert.True(t, resiliency.IsPermanent(err))
}

func TestCollect_FallbackMappingForOtherIntegrationType(t *testing.T) {
	h := newHarness(t, noSleepGuardConfig())
	h.addIntegration(t, "aws-1", "cust-x", compliance.IntegrationAWS, compliance.KindCollector, nil)

	// CC8.1 maps to GitHub branch protection; an AWS integration falls back to its default aspect.
	ev, err := h.collection.Collect(h.ctx, "", CollectionJob{CustomerID: "cust-x", IntegrationID: "aws-1", ControlID: "CC8.1"})
	require.NoError(t, err)
	assert.Contains(t, string(ev.Data), `"aspect":"s3_encryption"`)
}

func TestCollect_IdempotentByJobID(t *testing.T) {
	h := newHarness(t, noSleepGuardConfig())
	h.addIntegration(t, "aws-1", "cust-x", compliance.IntegrationAWS, compliance.KindCollector, nil)
	job := CollectionJob{CustomerID: "cust-x", IntegrationID: "aws-1", ControlID: "CC6.1"}

	first, err := h.collection.Collect(h.ctx, "job-7", job)
	require.NoError(t, err)
	second, err := h.collection.Collect(h.ctx, "job-7", job)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, h.aws.callCount())
}

func TestCollect_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := noSleepGuardConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.Threshold = 5
	cfg.ResetTimeout = time.Minute
	h := newHarness(t, cfg)
	h.aws.err = errors.New("503 service unavailable")
	h.addIntegration(t, "aws-1", "cust-x", compliance.IntegrationAWS, compliance.KindCollector, nil)

	breakerNow := t0
	h.registry.Guard(compliance.IntegrationAWS).WithClock(func() time.Time { return breakerNow })
	job := CollectionJob{CustomerID: "cust-x", IntegrationID: "aws-1", ControlID: "CC6.1"}

	for i := 0; i < 5; i++ {
		_, err := h.collection.Collect(h.ctx, "", job)
		require.Error(t, err)
	}
	assert.Equal(t, 5, h.aws.callCount())

	_, err := h.collection.Collect(h.ctx, "", job)
	require.ErrorIs(t, err, resiliency.ErrCircuitOpen)
	assert.Equal(t, 5, h.aws.callCount(), "open breaker fails fast")

	breakerNow = breakerNow.Add(time.Minute)
	h.aws.err = nil
	_, err = h.collection.Collect(h.ctx, "", job)
	require.NoError(t, err)
	assert.Equal(t, 6, h.aws.callCount(), "trial call allowed after reset timeout")
}

func TestCollect_LargePayloadOffloadedAndVerifiable(t *testing.T) {
	h := newHarness(t, noSleepGuardConfig())
	h.aws.pad = 200 * 1024
	h.aws.status = compliance.StatusFail
	h.addIntegration(t, "aws-1", "cust-x", compliance.IntegrationAWS, compliance.KindCollector, nil)

	ev, err := h.collection.Collect(h.ctx, "job-big", CollectionJob{CustomerID: "cust-x", IntegrationID: "aws-1", ControlID: "CC6.1"})
	require.NoError(t, err)
	require.NotNil(t, ev.Offload)
	assert.Nil(t, ev.Data)
	assert.Equal(t, 1, h.blobs.Len())

	ok, err := h.ledger.VerifyEvidence(h.ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	res, err := h.check.Check(h.ctx, CheckJob{CustomerID: "cust-x", ControlID: "CC6.1"})
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusFail, res.Status, "status is read from the offloaded payload")
}

func TestCheck_RecordsStatusMetric(t *testing.T) {
	h := newHarness(t, noSleepGuardConfig())
	obs, err := observability.New(h.ctx, &observability.Config{ServiceName: "assure-test", Prometheus: true})
	require.NoError(t, err)
	defer func() { _ = obs.Shutdown(h.ctx) }()
	h.check.WithObservability(obs)

	h.aws.status = compliance.StatusFail
	h.addIntegration(t, "aws-1", "cust-x", compliance.IntegrationAWS, compliance.KindCollector, nil)
	_, err = h.collection.Collect(h.ctx, "job-1", CollectionJob{CustomerID: "cust-x", IntegrationID: "aws-1", ControlID: "CC6.1"})
	require.NoError(t, err)

	res, err := h.check.Check(h.ctx, CheckJob{CustomerID: "cust-x", ControlID: "CC6.1"})
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusFail, res.Status)

	rec := httptest.NewRecorder()
	obs.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "assure_checks_recorded")
	assert.Contains(t, string(body), `"FAIL"`)
}
