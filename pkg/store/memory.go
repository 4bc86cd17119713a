package store

import (
	"context"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/assure/pkg/compliance"
)

// Memory is an in-process Store.
type Memory struct {
	mu           sync.RWMutex
	controls     map[string]compliance.Control
	integrations map[string]compliance.Integration
	evidence     map[string]compliance.Evidence
	chains       map[string][]string // chain key -> evidence IDs in seq order
	jobs         map[string]string   // job ID -> evidence ID
	checks       []compliance.ComplianceCheck
	tickets      []compliance.RemediationTicket
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		controls:     make(map[string]compliance.Control),
		integrations: make(map[string]compliance.Integration),
		evidence:     make(map[string]compliance.Evidence),
		chains:       make(map[string][]string),
		jobs:         make(map[string]string),
	}
}

func chainKey(customerID, controlID string) string {
	return customerID + "\x00" + controlID
}

func (m *Memory) UpsertControl(_ context.Context, c compliance.Control) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controls[c.ID] = c
	return nil
}

func (m *Memory) GetControl(_ context.Context, id string) (*compliance.Control, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.controls[id]
	if !ok {
		return nil, compliance.ErrControlNotFound
	}
	return &c, nil
}

func (m *Memory) ListControls(_ context.Context) ([]compliance.Control, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]compliance.Control, 0, len(m.controls))
	for _, c := range m.controls {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveIntegration(_ context.Context, in *compliance.Integration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.integrations[in.ID] = *in
	return nil
}

func (m *Memory) GetIntegration(_ context.Context, id string) (*compliance.Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.integrations[id]
	if !ok {
		return nil, compliance.ErrIntegrationNotFound
	}
	return &in, nil
}

func (m *Memory) activeOfKind(customerID string, kind compliance.IntegrationKind) []compliance.Integration {
	var out []compliance.Integration
	for _, in := range m.integrations {
		if in.CustomerID == customerID && in.Kind == kind && in.Active {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Memory) DefaultCollector(_ context.Context, customerID string, prefer compliance.IntegrationType) (*compliance.Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return pickDefault(m.activeOfKind(customerID, compliance.KindCollector), prefer)
}

func (m *Memory) ActiveTicketing(_ context.Context, customerID string) (*compliance.Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	active := m.activeOfKind(customerID, compliance.KindTicketing)
	if len(active) == 0 {
		return nil, nil
	}
	return &active[0], nil
}

func (m *Memory) ActiveCustomers(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, in := range m.integrations {
		if in.Active && !seen[in.CustomerID] {
			seen[in.CustomerID] = true
			out = append(out, in.CustomerID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) GetEvidence(_ context.Context, id string) (*compliance.Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.evidence[id]
	if !ok {
		return nil, compliance.ErrEvidenceNotFound
	}
	return &e, nil
}

func (m *Memory) latestLocked(customerID, controlID string) *compliance.Evidence {
	ids := m.chains[chainKey(customerID, controlID)]
	if len(ids) == 0 {
		return nil
	}
	e := m.evidence[ids[len(ids)-1]]
	return &e
}

func (m *Memory) LatestEvidence(_ context.Context, customerID, controlID string) (*compliance.Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestLocked(customerID, controlID), nil
}

func (m *Memory) EvidenceByJobID(_ context.Context, jobID string) (*compliance.Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.jobs[jobID]
	if !ok {
		return nil, nil
	}
	e := m.evidence[id]
	return &e, nil
}

// AppendEvidence holds the write lock across build, so appends never conflict.
func (m *Memory) AppendEvidence(_ context.Context, customerID, controlID string, build BuildFunc) (*compliance.Evidence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.latestLocked(customerID, controlID)
	e, err := build(prev)
	if err != nil {
		return nil, err
	}
	if e.JobID != "" {
		if _, dup := m.jobs[e.JobID]; dup {
			return nil, ErrDuplicateJob
		}
	}
	e.Seq = nextSeq(prev)

	key := chainKey(customerID, controlID)
	m.evidence[e.ID] = *e
	m.chains[key] = append(m.chains[key], e.ID)
	if e.JobID != "" {
		m.jobs[e.JobID] = e.ID
	}
	out := *e
	return &out, nil
}

func (m *Memory) ListChain(_ context.Context, customerID, controlID string) ([]compliance.Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.chains[chainKey(customerID, controlID)]
	out := make([]compliance.Evidence, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.evidence[id])
	}
	return out, nil
}

// ReplaceEvidence overwrites a stored record in place. Only tests use it, to
// simulate tampering.
func (m *Memory) ReplaceEvidence(e compliance.Evidence) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evidence[e.ID] = e
}

func (m *Memory) CreateCheck(_ context.Context, c *compliance.ComplianceCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, *c)
	return nil
}

func (m *Memory) LatestCheck(_ context.Context, customerID, controlID string) (*compliance.ComplianceCheck, error) {
	return m.latestCheck(customerID, controlID, "")
}

func (m *Memory) LatestCheckWithStatus(_ context.Context, customerID, controlID string, status compliance.CheckStatus) (*compliance.ComplianceCheck, error) {
	return m.latestCheck(customerID, controlID, status)
}

func (m *Memory) latestCheck(customerID, controlID string, status compliance.CheckStatus) (*compliance.ComplianceCheck, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *compliance.ComplianceCheck
	for i := range m.checks {
		c := m.checks[i]
		if c.CustomerID != customerID || c.ControlID != controlID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		if latest == nil || !c.CheckedAt.Before(latest.CheckedAt) {
			latest = &c
		}
	}
	return latest, nil
}

// Checks returns every recorded check in insertion order.
func (m *Memory) Checks() []compliance.ComplianceCheck {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]compliance.ComplianceCheck(nil), m.checks...)
}

func (m *Memory) CreateTicket(_ context.Context, t *compliance.RemediationTicket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickets = append(m.tickets, *t)
	return nil
}

func (m *Memory) LatestTicket(_ context.Context, customerID, controlID string) (*compliance.RemediationTicket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *compliance.RemediationTicket
	for i := range m.tickets {
		t := m.tickets[i]
		if t.CustomerID != customerID || t.ControlID != controlID {
			continue
		}
		if latest == nil || !t.CreatedAt.Before(latest.CreatedAt) {
			latest = &t
		}
	}
	return latest, nil
}

// Tickets returns every recorded ticket link in insertion order.
func (m *Memory) Tickets() []compliance.RemediationTicket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]compliance.RemediationTicket(nil), m.tickets...)
}
