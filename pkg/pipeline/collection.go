package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/assure/pkg/collector"
	"github.com/Mindburn-Labs/assure/pkg/compliance"
	"github.com/Mindburn-Labs/assure/pkg/ledger"
	"github.com/Mindburn-Labs/assure/pkg/observability"
	"github.com/Mindburn-Labs/assure/pkg/queue"
	"github.com/Mindburn-Labs/assure/pkg/resiliency"
	"github.com/Mindburn-Labs/assure/pkg/secrets"
	"github.com/Mindburn-Labs/assure/pkg/store"
)

// CollectionWorker runs a collector for one (customer, integration, control)
// and appends the result to the evidence ledger.
type CollectionWorker struct {
	integrations store.IntegrationRepository
	controls     store.ControlCatalog
	resolver     *collector.Resolver
	registry     *collector.Registry
	secrets      secrets.Decrypter
	ledger       *ledger.Ledger
	logger       *slog.Logger
}

func NewCollectionWorker(
	integrations store.IntegrationRepository,
	controls store.ControlCatalog,
	resolver *collector.Resolver,
	registry *collector.Registry,
	dec secrets.Decrypter,
	l *ledger.Ledger,
) *CollectionWorker {
	return &CollectionWorker{
		integrations: integrations,
		controls:     controls,
		resolver:     resolver,
		registry:     registry,
		secrets:      dec,
		ledger:       l,
		logger:       slog.Default().With("component", "pipeline.collection"),
	}
}

// Collect executes a collection job. A non-empty jobID makes the call
// idempotent: a job that already wrote evidence returns that record.
func (w *CollectionWorker) Collect(ctx context.Context, jobID string, job CollectionJob) (*compliance.Evidence, error) {
	if jobID != "" {
		existing, err := w.ledger.FindByJobID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			w.logger.InfoContext(ctx, "job already collected", "job_id", jobID, "evidence_id", existing.ID)
			return existing, nil
		}
	}

	integration, err := w.integrations.GetIntegration(ctx, job.IntegrationID)
	if errors.Is(err, compliance.ErrIntegrationNotFound) {
		return nil, resiliency.Permanent(fmt.Errorf("%w: %s", compliance.ErrIntegrationNotFound, job.IntegrationID))
	}
	if err != nil {
		return nil, err
	}
	if integration.CustomerID != job.CustomerID || integration.Kind != compliance.KindCollector {
		return nil, resiliency.Permanent(fmt.Errorf("%w: %s", compliance.ErrIntegrationNotFound, job.IntegrationID))
	}

	control, err := w.controls.GetControl(ctx, job.ControlID)
	if errors.Is(err, compliance.ErrControlNotFound) {
		return nil, resiliency.Permanent(fmt.Errorf("%w: %s", compliance.ErrControlNotFound, job.ControlID))
	}
	if err != nil {
		return nil, err
	}

	res, err := w.resolver.Resolve(control, integration.Type)
	if err != nil {
		return nil, err
	}

	cfg, err := w.secrets.DecryptConfig(ctx, integration)
	if err != nil {
		if errors.Is(err, secrets.ErrDecrypt) {
			return nil, resiliency.Permanent(err)
		}
		return nil, err
	}

	result, err := w.registry.Invoke(ctx, res.Capability, collector.Config(cfg))
	if err != nil {
		return nil, fmt.Errorf("collect %s for %s: %w", res.Capability, control.ID, err)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, resiliency.Permanent(fmt.Errorf("encode collector result: %w", err))
	}

	ev, err := w.ledger.StoreEvidence(ctx, ledger.Input{
		CustomerID:    job.CustomerID,
		ControlID:     control.ID,
		IntegrationID: integration.ID,
		JobID:         jobID,
		Payload:       payload,
	})
	if err != nil {
		return nil, err
	}

	observability.AddSpanEvent(ctx, "evidence.collected",
		append(observability.ControlOperation(job.CustomerID, control.ID),
			observability.AttrCollector.String(res.Capability.String()))...)
	w.logger.InfoContext(ctx, "evidence collected",
		"customer_id", job.CustomerID,
		"control_id", control.ID,
		"capability", res.Capability.String(),
		"match", res.Kind,
		"evidence_id", ev.ID,
		"status", result.Status,
	)
	return ev, nil
}

// Handle is the evidence-collection queue handler.
func (w *CollectionWorker) Handle(ctx context.Context, j *queue.Job) error {
	var job CollectionJob
	if err := queue.Decode(j, &job); err != nil {
		return err
	}
	_, err := w.Collect(ctx, j.ID, job)
	return err
}
