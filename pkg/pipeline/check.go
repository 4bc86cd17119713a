package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/assure/pkg/collector"
	"github.com/Mindburn-Labs/assure/pkg/compliance"
	"github.com/Mindburn-Labs/assure/pkg/ledger"
	"github.com/Mindburn-Labs/assure/pkg/observability"
	"github.com/Mindburn-Labs/assure/pkg/queue"
	"github.com/Mindburn-Labs/assure/pkg/remediation"
	"github.com/Mindburn-Labs/assure/pkg/resiliency"
	"github.com/Mindburn-Labs/assure/pkg/store"
)

// CheckResult is the outcome of one compliance check job.
type CheckResult struct {
	Status   compliance.CheckStatus `json:"status,omitempty"`
	CheckID  string                 `json:"checkId,omitempty"`
	Deferred bool                   `json:"deferred,omitempty"`
	// CollectionJobID is set when the check was deferred pending collection.
	CollectionJobID string               `json:"collectionJobId,omitempty"`
	Remediation     *remediation.Outcome `json:"remediation,omitempty"`
}

// CheckWorker evaluates the latest evidence of a control and records a check.
type CheckWorker struct {
	store       store.Store
	ledger      *ledger.Ledger
	resolver    *collector.Resolver
	queue       queue.Queue
	coordinator *remediation.Coordinator // nil disables remediation
	obs         *observability.Provider
	clock       func() time.Time
	logger      *slog.Logger
}

func NewCheckWorker(s store.Store, l *ledger.Ledger, resolver *collector.Resolver, q queue.Queue, coordinator *remediation.Coordinator) *CheckWorker {
	return &CheckWorker{
		store:       s,
		ledger:      l,
		resolver:    resolver,
		queue:       q,
		coordinator: coordinator,
		obs:         observability.Disabled(),
		clock:       time.Now,
		logger:      slog.Default().With("component", "pipeline.check"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (w *CheckWorker) WithClock(clock func() time.Time) *CheckWorker {
	w.clock = clock
	return w
}

// WithObservability records check metrics on p.
func (w *CheckWorker) WithObservability(p *observability.Provider) *CheckWorker {
	if p != nil {
		w.obs = p
	}
	return w
}

// Check runs one compliance check job.
func (w *CheckWorker) Check(ctx context.Context, job CheckJob) (*CheckResult, error) {
	if job.ControlID == "" {
		return nil, resiliency.Permanent(errors.New("check job has no control id"))
	}

	control, err := w.store.GetControl(ctx, job.ControlID)
	if errors.Is(err, compliance.ErrControlNotFound) {
		return nil, resiliency.Permanent(fmt.Errorf("%w: %s", compliance.ErrControlNotFound, job.ControlID))
	}
	if err != nil {
		return nil, err
	}

	ev, err := w.evidence(ctx, job)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return w.deferCollection(ctx, job, control)
	}

	payload, err := w.ledger.Payload(ctx, ev)
	if errors.Is(err, ledger.ErrPayloadMismatch) {
		return nil, resiliency.Permanent(err)
	}
	if err != nil {
		return nil, err
	}

	checkedAt := w.clock().UTC().Truncate(time.Microsecond)
	check := &compliance.ComplianceCheck{
		ID:          uuid.NewString(),
		CustomerID:  job.CustomerID,
		ControlID:   control.ID,
		EvidenceID:  ev.ID,
		Status:      compliance.StatusFromPayload(payload),
		CheckedAt:   checkedAt,
		NextCheckAt: compliance.NextCheckAt(checkedAt, control.Frequency),
	}
	if err := w.store.CreateCheck(ctx, check); err != nil {
		return nil, fmt.Errorf("record check: %w", err)
	}
	w.obs.RecordCheck(ctx, string(check.Status))
	observability.AddSpanEvent(ctx, "check.recorded",
		append(observability.ControlOperation(check.CustomerID, check.ControlID),
			observability.AttrStatus.String(string(check.Status)))...)

	w.logger.InfoContext(ctx, "compliance check recorded",
		"customer_id", check.CustomerID,
		"control_id", check.ControlID,
		"check_id", check.ID,
		"evidence_id", ev.ID,
		"status", check.Status,
		"next_check_at", check.NextCheckAt,
	)

	result := &CheckResult{Status: check.Status, CheckID: check.ID}
	if check.Status == compliance.StatusFail && w.coordinator != nil {
		outcome := w.coordinator.HandleFailure(ctx, check, control)
		result.Remediation = &outcome
	}
	return result, nil
}

func (w *CheckWorker) evidence(ctx context.Context, job CheckJob) (*compliance.Evidence, error) {
	if job.EvidenceID == "" {
		return w.ledger.Latest(ctx, job.CustomerID, job.ControlID)
	}
	ev, err := w.ledger.Get(ctx, job.EvidenceID)
	if errors.Is(err, compliance.ErrEvidenceNotFound) {
		return nil, resiliency.Permanent(fmt.Errorf("%w: %s", compliance.ErrEvidenceNotFound, job.EvidenceID))
	}
	if err != nil {
		return nil, err
	}
	if ev.CustomerID != job.CustomerID || ev.ControlID != job.ControlID {
		return nil, resiliency.Permanent(fmt.Errorf("%w: %s does not belong to %s/%s",
			compliance.ErrEvidenceNotFound, job.EvidenceID, job.CustomerID, job.ControlID))
	}
	return ev, nil
}

// deferCollection enqueues a collection for a control with no evidence yet.
func (w *CheckWorker) deferCollection(ctx context.Context, job CheckJob, control *compliance.Control) (*CheckResult, error) {
	var prefer compliance.IntegrationType
	if res, ok := w.resolver.Preferred(control); ok {
		prefer = res.Capability.Integration
	}
	integration, err := w.store.DefaultCollector(ctx, job.CustomerID, prefer)
	if errors.Is(err, compliance.ErrNoActiveIntegration) {
		return nil, resiliency.Permanent(fmt.Errorf("%w: %s", compliance.ErrNoActiveIntegration, job.CustomerID))
	}
	if err != nil {
		return nil, err
	}

	queued, err := w.queue.Enqueue(ctx, queue.EvidenceCollection, CollectionJob{
		CustomerID:    job.CustomerID,
		IntegrationID: integration.ID,
		ControlID:     control.ID,
		JobType:       JobMissingEvidence,
	})
	if err != nil {
		return nil, err
	}

	observability.AddSpanEvent(ctx, "check.deferred", observability.ControlOperation(job.CustomerID, control.ID)...)
	w.logger.InfoContext(ctx, "no evidence, collection enqueued",
		"customer_id", job.CustomerID,
		"control_id", control.ID,
		"integration_id", integration.ID,
		"collection_job_id", queued.ID,
	)
	return &CheckResult{Deferred: true, CollectionJobID: queued.ID}, nil
}
