// Package compliance holds the domain records shared by the evidence pipeline:
// controls, integrations, evidence, compliance checks and remediation tickets.
package compliance

import (
	"encoding/json"
	"time"
)

// Frequency is the cadence at which a control must be re-checked.
type Frequency string

const (
	FrequencyDaily     Frequency = "DAILY"
	FrequencyWeekly    Frequency = "WEEKLY"
	FrequencyMonthly   Frequency = "MONTHLY"
	FrequencyQuarterly Frequency = "QUARTERLY"
	FrequencyAnnual    Frequency = "ANNUAL"
)

// Control is immutable reference data describing one compliance requirement.
type Control struct {
	ID        string    `json:"id" yaml:"id"`
	Title     string    `json:"title" yaml:"title"`
	Frequency Frequency `json:"frequency" yaml:"frequency"`
	// Collector optionally pins the control to "<integration>/<aspect>", e.g. "aws/s3_encryption".
	Collector string `json:"collector,omitempty" yaml:"collector,omitempty"`
}

// IntegrationType identifies the external system behind an integration.
type IntegrationType string

const (
	IntegrationAWS    IntegrationType = "aws"
	IntegrationGCP    IntegrationType = "gcp"
	IntegrationGitHub IntegrationType = "github"
	IntegrationJira   IntegrationType = "jira"
)

// IntegrationKind separates evidence sources from ticketing destinations.
type IntegrationKind string

const (
	KindCollector IntegrationKind = "collector"
	KindTicketing IntegrationKind = "ticketing"
)

// Integration is a customer's connection to an external system.
// EncryptedConfig is opaque to the pipeline until handed to the secrets collaborator.
type Integration struct {
	ID              string          `json:"id"`
	CustomerID      string          `json:"customer_id"`
	Type            IntegrationType `json:"type"`
	Kind            IntegrationKind `json:"kind"`
	Active          bool            `json:"active"`
	Default         bool            `json:"default"`
	EncryptedConfig string          `json:"-"`
	CreatedAt       time.Time       `json:"created_at"`
}

// OffloadRef describes a payload that was moved to blob storage.
type OffloadRef struct {
	Reference       string `json:"reference"`
	Size            int    `json:"size"`
	ContentChecksum string `json:"contentChecksum"`
	Compression     string `json:"compression,omitempty"`
}

// Evidence is one immutable observation, hash-chained per (customer, control).
type Evidence struct {
	ID            string          `json:"id"`
	CustomerID    string          `json:"customer_id"`
	ControlID     string          `json:"control_id"`
	IntegrationID string          `json:"integration_id"`
	JobID         string          `json:"job_id,omitempty"`
	Seq           int64           `json:"seq"`
	CollectedAt   time.Time       `json:"collected_at"`
	Hash          string          `json:"hash"`
	PreviousHash  *string         `json:"previous_hash"`
	Data          json.RawMessage `json:"data,omitempty"`
	Offload       *OffloadRef     `json:"offload,omitempty"`
}

// Offloaded reports whether the payload lives in blob storage.
func (e *Evidence) Offloaded() bool {
	return e.Offload != nil
}

// StoredData returns the bytes that participate in the evidence hash:
// the inline payload, or the JSON form of the offload descriptor.
func (e *Evidence) StoredData() (json.RawMessage, error) {
	if e.Offload != nil {
		return json.Marshal(e.Offload)
	}
	return e.Data, nil
}

// CheckStatus is the verdict of a compliance check.
type CheckStatus string

const (
	StatusPass    CheckStatus = "PASS"
	StatusFail    CheckStatus = "FAIL"
	StatusWarning CheckStatus = "WARNING"
)

// ComplianceCheck is the immutable result of evaluating one evidence record.
type ComplianceCheck struct {
	ID          string      `json:"id"`
	CustomerID  string      `json:"customer_id"`
	ControlID   string      `json:"control_id"`
	EvidenceID  string      `json:"evidence_id"`
	Status      CheckStatus `json:"status"`
	CheckedAt   time.Time   `json:"checked_at"`
	NextCheckAt time.Time   `json:"next_check_at"`
}

// RemediationTicket links a failed check to an externally tracked issue.
type RemediationTicket struct {
	ID               string    `json:"id"`
	CheckID          string    `json:"check_id"`
	CustomerID       string    `json:"customer_id"`
	ControlID        string    `json:"control_id"`
	ExternalIssueKey string    `json:"external_issue_key"`
	ExternalIssueID  string    `json:"external_issue_id"`
	CreatedAt        time.Time `json:"created_at"`
}
