// Package pipeline implements the two job stages of the evidence pipeline
// (collect, then evaluate) and the scheduler that feeds them.
package pipeline

// JobType says why a collection was requested.
type JobType string

const (
	// JobMissingEvidence is enqueued by a check that found no evidence.
	JobMissingEvidence JobType = "missing_evidence"
	// JobManual is enqueued by an operator.
	JobManual JobType = "manual"
)

// CollectionJob is the evidence-collection queue payload.
type CollectionJob struct {
	CustomerID    string  `json:"customerId" validate:"required"`
	IntegrationID string  `json:"integrationId" validate:"required"`
	ControlID     string  `json:"controlId" validate:"required"`
	JobType       JobType `json:"jobType" validate:"omitempty,oneof=missing_evidence manual"`
}

// CheckJob is the compliance-check queue payload. Without a ControlID it is
// a schedule fan-out for the customer.
type CheckJob struct {
	CustomerID string `json:"customerId" validate:"required"`
	ControlID  string `json:"controlId,omitempty"`
	EvidenceID string `json:"evidenceId,omitempty"`
}

// IsSchedule reports whether the job asks for the customer's due checks to be enqueued.
func (j CheckJob) IsSchedule() bool {
	return j.ControlID == ""
}
