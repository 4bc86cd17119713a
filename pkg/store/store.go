// Package store persists controls, integrations, evidence, compliance checks
// and remediation tickets. SQLStore backs production (Postgres) and lite mode
// (SQLite); Memory backs tests and single-process runs.
package store

import (
	"context"
	"errors"
	"sort"

	"github.com/Mindburn-Labs/assure/pkg/compliance"
)

// ErrConflict is returned by AppendEvidence when another writer extended the
// chain first. Callers retry with the new tail.
var ErrConflict = errors.New("evidence chain append conflict")

// ErrDuplicateJob is returned when evidence for a job ID already exists.
var ErrDuplicateJob = errors.New("evidence already recorded for job")

// ControlCatalog serves immutable control reference data.
type ControlCatalog interface {
	GetControl(ctx context.Context, id string) (*compliance.Control, error)
	ListControls(ctx context.Context) ([]compliance.Control, error)
}

// IntegrationRepository resolves customer integrations.
type IntegrationRepository interface {
	GetIntegration(ctx context.Context, id string) (*compliance.Integration, error)
	// DefaultCollector returns the active collector integration to use when a
	// check finds no evidence. Integrations of type prefer win when present.
	DefaultCollector(ctx context.Context, customerID string, prefer compliance.IntegrationType) (*compliance.Integration, error)
	// ActiveTicketing returns nil, nil when the customer has no ticketing integration.
	ActiveTicketing(ctx context.Context, customerID string) (*compliance.Integration, error)
	ActiveCustomers(ctx context.Context) ([]string, error)
	SaveIntegration(ctx context.Context, in *compliance.Integration) error
}

// BuildFunc derives the next chain record from the current tail (nil for the first record).
// It may be called more than once when appends race.
type BuildFunc func(prev *compliance.Evidence) (*compliance.Evidence, error)

// EvidenceRepository is the append-only evidence chain storage.
type EvidenceRepository interface {
	GetEvidence(ctx context.Context, id string) (*compliance.Evidence, error)
	// LatestEvidence returns nil, nil for an empty chain.
	LatestEvidence(ctx context.Context, customerID, controlID string) (*compliance.Evidence, error)
	// EvidenceByJobID returns nil, nil when the job wrote nothing.
	EvidenceByJobID(ctx context.Context, jobID string) (*compliance.Evidence, error)
	// AppendEvidence atomically reads the chain tail, builds the next record and
	// inserts it with Seq = tail.Seq + 1.
	AppendEvidence(ctx context.Context, customerID, controlID string, build BuildFunc) (*compliance.Evidence, error)
	// ListChain returns the chain ordered by Seq ascending.
	ListChain(ctx context.Context, customerID, controlID string) ([]compliance.Evidence, error)
}

// CheckRepository stores compliance check results.
type CheckRepository interface {
	CreateCheck(ctx context.Context, c *compliance.ComplianceCheck) error
	// LatestCheck returns nil, nil when the control was never checked.
	LatestCheck(ctx context.Context, customerID, controlID string) (*compliance.ComplianceCheck, error)
	LatestCheckWithStatus(ctx context.Context, customerID, controlID string, status compliance.CheckStatus) (*compliance.ComplianceCheck, error)
}

// TicketRepository stores remediation ticket links.
type TicketRepository interface {
	CreateTicket(ctx context.Context, t *compliance.RemediationTicket) error
	// LatestTicket returns nil, nil when no ticket exists.
	LatestTicket(ctx context.Context, customerID, controlID string) (*compliance.RemediationTicket, error)
}

// Store bundles every repository.
type Store interface {
	ControlCatalog
	IntegrationRepository
	EvidenceRepository
	CheckRepository
	TicketRepository
	UpsertControl(ctx context.Context, c compliance.Control) error
}

// pickDefault chooses among a customer's active collector integrations:
// matching type first, then the Default flag, then the oldest.
func pickDefault(candidates []compliance.Integration, prefer compliance.IntegrationType) (*compliance.Integration, error) {
	if len(candidates) == 0 {
		return nil, compliance.ErrNoActiveIntegration
	}
	sorted := append([]compliance.Integration(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if am, bm := a.Type == prefer, b.Type == prefer; am != bm {
			return am
		}
		if a.Default != b.Default {
			return a.Default
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	chosen := sorted[0]
	return &chosen, nil
}

func nextSeq(prev *compliance.Evidence) int64 {
	if prev == nil {
		return 1
	}
	return prev.Seq + 1
}
