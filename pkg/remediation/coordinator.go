// Package remediation escalates failed compliance checks: an alert to the
// notification channel and, when the customer has a ticketing integration,
// an issue in their tracker. Both steps are best effort and reported in an
// Outcome; neither can undo the recorded check.
package remediation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/assure/pkg/compliance"
	"github.com/Mindburn-Labs/assure/pkg/notify"
	"github.com/Mindburn-Labs/assure/pkg/resiliency"
	"github.com/Mindburn-Labs/assure/pkg/secrets"
	"github.com/Mindburn-Labs/assure/pkg/store"
	"github.com/Mindburn-Labs/assure/pkg/ticketing"
)

// StepStatus is the result of one remediation side effect.
type StepStatus string

const (
	StepSent         StepStatus = "sent"
	StepSkipped      StepStatus = "skipped"
	StepFailed       StepStatus = "failed"
	StepDeduplicated StepStatus = "deduplicated"
)

// StepResult reports one side effect.
type StepResult struct {
	Status StepStatus `json:"status"`
	Detail string     `json:"detail,omitempty"`
	Err    error      `json:"-"`
}

// Outcome reports every remediation step for one failed check.
type Outcome struct {
	Notification StepResult                    `json:"notification"`
	Ticket       StepResult                    `json:"ticket"`
	TicketRecord *compliance.RemediationTicket `json:"ticket_record,omitempty"`
}

// TicketerFactory builds a Ticketer for a ticketing integration.
type TicketerFactory interface {
	Build(in *compliance.Integration, cfg map[string]string) (ticketing.Ticketer, error)
}

// Repositories are the records the coordinator reads and writes.
type Repositories interface {
	store.IntegrationRepository
	store.CheckRepository
	store.TicketRepository
}

// Coordinator runs remediation for failed checks.
type Coordinator struct {
	repos       Repositories
	notifier    notify.Notifier // nil skips alerts
	secrets     secrets.Decrypter
	ticketers   TicketerFactory
	notifyGuard *resiliency.Guard
	ticketGuard *resiliency.Guard
	clock       func() time.Time
	logger      *slog.Logger
}

// NewCoordinator creates a coordinator. Alerts and ticket creation each run
// behind their own Guard built from guardCfg.
func NewCoordinator(repos Repositories, notifier notify.Notifier, dec secrets.Decrypter, ticketers TicketerFactory, guardCfg resiliency.GuardConfig) *Coordinator {
	return &Coordinator{
		repos:       repos,
		notifier:    notifier,
		secrets:     dec,
		ticketers:   ticketers,
		notifyGuard: resiliency.NewGuard("notify", guardCfg),
		ticketGuard: resiliency.NewGuard("ticketing", guardCfg),
		clock:       time.Now,
		logger:      slog.Default().With("component", "remediation"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// HandleFailure alerts and opens (or reuses) a ticket for a FAIL check.
func (c *Coordinator) HandleFailure(ctx context.Context, check *compliance.ComplianceCheck, control *compliance.Control) Outcome {
	out := Outcome{
		Notification: c.sendAlert(ctx, check, control),
	}
	out.Ticket, out.TicketRecord = c.openTicket(ctx, check, control)

	c.logger.InfoContext(ctx, "remediation complete",
		"check_id", check.ID, "control_id", control.ID,
		"notification", out.Notification.Status, "ticket", out.Ticket.Status)
	return out
}

func failed(err error) StepResult {
	return StepResult{Status: StepFailed, Detail: err.Error(), Err: err}
}

func (c *Coordinator) sendAlert(ctx context.Context, check *compliance.ComplianceCheck, control *compliance.Control) StepResult {
	if c.notifier == nil {
		return StepResult{Status: StepSkipped, Detail: "no notifier configured"}
	}
	alert := notify.Alert{
		Title:      fmt.Sprintf("Compliance check failed: %s", control.ID),
		Message:    fmt.Sprintf("Control %s (%s) failed its %s check; evidence %s.", control.ID, control.Title, control.Frequency, check.EvidenceID),
		Severity:   notify.SeverityError,
		CustomerID: check.CustomerID,
		ControlID:  control.ID,
		EvidenceID: check.EvidenceID,
		CheckID:    check.ID,
	}
	ack, err := resiliency.Call(ctx, c.notifyGuard, func(ctx context.Context) (*notify.Ack, error) {
		return c.notifier.SendAlert(ctx, alert)
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "alert delivery failed", "check_id", check.ID, "error", err)
		return failed(err)
	}
	return StepResult{Status: StepSent, Detail: ack.Channel}
}

func (c *Coordinator) openTicket(ctx context.Context, check *compliance.ComplianceCheck, control *compliance.Control) (StepResult, *compliance.RemediationTicket) {
	integration, err := c.repos.ActiveTicketing(ctx, check.CustomerID)
	if err != nil {
		return failed(fmt.Errorf("load ticketing integration: %w", err)), nil
	}
	if integration == nil {
		return StepResult{Status: StepSkipped, Detail: "no ticketing integration"}, nil
	}

	if existing, err := c.openIssue(ctx, check.CustomerID, control.ID); err != nil {
		return failed(err), nil
	} else if existing != nil {
		record, err := c.record(ctx, check, existing.ExternalIssueKey, existing.ExternalIssueID)
		if err != nil {
			return failed(err), nil
		}
		return StepResult{Status: StepDeduplicated, Detail: existing.ExternalIssueKey}, record
	}

	cfg, err := c.secrets.DecryptConfig(ctx, integration)
	if err != nil {
		return failed(err), nil
	}
	ticketer, err := c.ticketers.Build(integration, cfg)
	if err != nil {
		return failed(err), nil
	}

	req := ticketing.TicketRequest{
		ControlID: control.ID,
		Title:     fmt.Sprintf("Remediate compliance control %s", control.ID),
		Description: fmt.Sprintf("Compliance check %s for control %s (%s) failed.\nEvidence: %s\nNext check due: %s",
			check.ID, control.ID, control.Title, check.EvidenceID, check.NextCheckAt.Format(time.RFC3339)),
		Labels:   []string{control.ID, "compliance"},
		DedupKey: "assure-check-" + check.ID,
	}
	ref, err := resiliency.Call(ctx, c.ticketGuard, func(ctx context.Context) (*ticketing.TicketRef, error) {
		return ticketer.CreateTicket(ctx, req)
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "ticket creation failed", "check_id", check.ID, "error", err)
		return failed(err), nil
	}

	record, err := c.record(ctx, check, ref.IssueKey, ref.IssueID)
	if err != nil {
		return failed(fmt.Errorf("issue %s created but not recorded: %w", ref.IssueKey, err)), nil
	}
	return StepResult{Status: StepSent, Detail: ref.IssueKey}, record
}

// openIssue returns the ticket raised since the control last passed, if any.
func (c *Coordinator) openIssue(ctx context.Context, customerID, controlID string) (*compliance.RemediationTicket, error) {
	last, err := c.repos.LatestTicket(ctx, customerID, controlID)
	if err != nil || last == nil {
		return nil, err
	}
	pass, err := c.repos.LatestCheckWithStatus(ctx, customerID, controlID, compliance.StatusPass)
	if err != nil {
		return nil, err
	}
	if pass != nil && !last.CreatedAt.After(pass.CheckedAt) {
		return nil, nil
	}
	return last, nil
}

func (c *Coordinator) record(ctx context.Context, check *compliance.ComplianceCheck, key, id string) (*compliance.RemediationTicket, error) {
	t := &compliance.RemediationTicket{
		ID:               uuid.NewString(),
		CheckID:          check.ID,
		CustomerID:       check.CustomerID,
		ControlID:        check.ControlID,
		ExternalIssueKey: key,
		ExternalIssueID:  id,
		CreatedAt:        c.clock().UTC(),
	}
	if err := c.repos.CreateTicket(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}
