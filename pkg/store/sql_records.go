package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/assure/pkg/compliance"
)

func (s *SQLStore) UpsertControl(ctx context.Context, c compliance.Control) error {
	query := s.rebind(`
		INSERT INTO controls (id, title, frequency, collector) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET title = excluded.title, frequency = excluded.frequency, collector = excluded.collector`)
	if _, err := s.db.ExecContext(ctx, query, c.ID, c.Title, string(c.Frequency), c.Collector); err != nil {
		return fmt.Errorf("failed to upsert control %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLStore) GetControl(ctx context.Context, id string) (*compliance.Control, error) {
	var c compliance.Control
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, title, frequency, collector FROM controls WHERE id = ?`), id).
		Scan(&c.ID, &c.Title, &c.Frequency, &c.Collector)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, compliance.ErrControlNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *SQLStore) ListControls(ctx context.Context) ([]compliance.Control, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, frequency, collector FROM controls ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []compliance.Control
	for rows.Next() {
		var c compliance.Control
		if err := rows.Scan(&c.ID, &c.Title, &c.Frequency, &c.Collector); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const integrationColumns = `id, customer_id, type, kind, active, is_default, encrypted_config, created_at`

func scanIntegration(row interface{ Scan(...any) error }) (*compliance.Integration, error) {
	var (
		in        compliance.Integration
		createdAt dbTime
	)
	if err := row.Scan(&in.ID, &in.CustomerID, &in.Type, &in.Kind, &in.Active, &in.Default, &in.EncryptedConfig, &createdAt); err != nil {
		return nil, err
	}
	in.CreatedAt = createdAt.Time
	return &in, nil
}

func (s *SQLStore) SaveIntegration(ctx context.Context, in *compliance.Integration) error {
	query := s.rebind(`
		INSERT INTO integrations (` + integrationColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET active = excluded.active, is_default = excluded.is_default, encrypted_config = excluded.encrypted_config`)
	_, err := s.db.ExecContext(ctx, query,
		in.ID, in.CustomerID, string(in.Type), string(in.Kind), in.Active, in.Default, in.EncryptedConfig, s.timeArg(in.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save integration %s: %w", in.ID, err)
	}
	return nil
}

func (s *SQLStore) GetIntegration(ctx context.Context, id string) (*compliance.Integration, error) {
	in, err := scanIntegration(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+integrationColumns+` FROM integrations WHERE id = ?`), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, compliance.ErrIntegrationNotFound
		}
		return nil, err
	}
	return in, nil
}

func (s *SQLStore) activeOfKind(ctx context.Context, customerID string, kind compliance.IntegrationKind) ([]compliance.Integration, error) {
	query := s.rebind(`SELECT ` + integrationColumns + ` FROM integrations WHERE customer_id = ? AND kind = ? AND active = TRUE ORDER BY created_at ASC`)
	rows, err := s.db.QueryContext(ctx, query, customerID, string(kind))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []compliance.Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *in)
	}
	return out, rows.Err()
}

func (s *SQLStore) DefaultCollector(ctx context.Context, customerID string, prefer compliance.IntegrationType) (*compliance.Integration, error) {
	candidates, err := s.activeOfKind(ctx, customerID, compliance.KindCollector)
	if err != nil {
		return nil, err
	}
	return pickDefault(candidates, prefer)
}

func (s *SQLStore) ActiveTicketing(ctx context.Context, customerID string) (*compliance.Integration, error) {
	active, err := s.activeOfKind(ctx, customerID, compliance.KindTicketing)
	if err != nil || len(active) == 0 {
		return nil, err
	}
	return &active[0], nil
}

func (s *SQLStore) ActiveCustomers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT customer_id FROM integrations WHERE active = TRUE ORDER BY customer_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLStore) CreateCheck(ctx context.Context, c *compliance.ComplianceCheck) error {
	query := s.rebind(`
		INSERT INTO compliance_checks (id, customer_id, control_id, evidence_id, status, checked_at, next_check_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.CustomerID, c.ControlID, c.EvidenceID, string(c.Status), s.timeArg(c.CheckedAt), s.timeArg(c.NextCheckAt))
	if err != nil {
		return fmt.Errorf("failed to insert compliance check: %w", err)
	}
	return nil
}

func (s *SQLStore) queryCheck(ctx context.Context, where string, args ...any) (*compliance.ComplianceCheck, error) {
	query := s.rebind(`SELECT id, customer_id, control_id, evidence_id, status, checked_at, next_check_at
		FROM compliance_checks WHERE ` + where + ` ORDER BY checked_at DESC LIMIT 1`)
	var (
		c                compliance.ComplianceCheck
		checked, nextDue dbTime
	)
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&c.ID, &c.CustomerID, &c.ControlID, &c.EvidenceID, &c.Status, &checked, &nextDue)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	c.CheckedAt, c.NextCheckAt = checked.Time, nextDue.Time
	return &c, nil
}

func (s *SQLStore) LatestCheck(ctx context.Context, customerID, controlID string) (*compliance.ComplianceCheck, error) {
	return s.queryCheck(ctx, `customer_id = ? AND control_id = ?`, customerID, controlID)
}

func (s *SQLStore) LatestCheckWithStatus(ctx context.Context, customerID, controlID string, status compliance.CheckStatus) (*compliance.ComplianceCheck, error) {
	return s.queryCheck(ctx, `customer_id = ? AND control_id = ? AND status = ?`, customerID, controlID, string(status))
}

func (s *SQLStore) CreateTicket(ctx context.Context, t *compliance.RemediationTicket) error {
	query := s.rebind(`
		INSERT INTO remediation_tickets (id, check_id, customer_id, control_id, external_issue_key, external_issue_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.CheckID, t.CustomerID, t.ControlID, t.ExternalIssueKey, t.ExternalIssueID, s.timeArg(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert remediation ticket: %w", err)
	}
	return nil
}

func (s *SQLStore) LatestTicket(ctx context.Context, customerID, controlID string) (*compliance.RemediationTicket, error) {
	query := s.rebind(`SELECT id, check_id, customer_id, control_id, external_issue_key, external_issue_id, created_at
		FROM remediation_tickets WHERE customer_id = ? AND control_id = ? ORDER BY created_at DESC LIMIT 1`)
	var (
		t       compliance.RemediationTicket
		created dbTime
	)
	err := s.db.QueryRowContext(ctx, query, customerID, controlID).
		Scan(&t.ID, &t.CheckID, &t.CustomerID, &t.ControlID, &t.ExternalIssueKey, &t.ExternalIssueID, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.CreatedAt = created.Time
	return &t, nil
}

var (
	_ Store = (*SQLStore)(nil)
	_ Store = (*Memory)(nil)
)
