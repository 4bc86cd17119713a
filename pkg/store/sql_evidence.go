package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/assure/pkg/compliance"
)

const evidenceColumns = `id, customer_id, control_id, integration_id, job_id, seq, collected_at, hash, previous_hash, data, offload`

func scanEvidence(row interface{ Scan(...any) error }) (*compliance.Evidence, error) {
	var (
		e                              compliance.Evidence
		jobID, prevHash, data, offload sql.NullString
		collectedAt                    dbTime
	)
	if err := row.Scan(&e.ID, &e.CustomerID, &e.ControlID, &e.IntegrationID, &jobID, &e.Seq, &collectedAt, &e.Hash, &prevHash, &data, &offload); err != nil {
		return nil, err
	}
	e.JobID = jobID.String
	e.CollectedAt = collectedAt.Time
	if prevHash.Valid {
		h := prevHash.String
		e.PreviousHash = &h
	}
	if data.Valid {
		e.Data = json.RawMessage(data.String)
	}
	if offload.Valid && offload.String != "" {
		var ref compliance.OffloadRef
		if err := json.Unmarshal([]byte(offload.String), &ref); err != nil {
			return nil, fmt.Errorf("corrupt offload descriptor for %s: %w", e.ID, err)
		}
		e.Offload = &ref
	}
	return &e, nil
}

func (s *SQLStore) queryEvidence(ctx context.Context, q queryer, where string, args ...any) (*compliance.Evidence, error) {
	query := s.rebind(`SELECT ` + evidenceColumns + ` FROM evidence WHERE ` + where)
	e, err := scanEvidence(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

func (s *SQLStore) GetEvidence(ctx context.Context, id string) (*compliance.Evidence, error) {
	e, err := s.queryEvidence(ctx, s.db, `id = ?`, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, compliance.ErrEvidenceNotFound
	}
	return e, nil
}

func (s *SQLStore) LatestEvidence(ctx context.Context, customerID, controlID string) (*compliance.Evidence, error) {
	return s.queryEvidence(ctx, s.db, `customer_id = ? AND control_id = ? ORDER BY seq DESC LIMIT 1`, customerID, controlID)
}

func (s *SQLStore) EvidenceByJobID(ctx context.Context, jobID string) (*compliance.Evidence, error) {
	return s.queryEvidence(ctx, s.db, `job_id = ?`, jobID)
}

// AppendEvidence runs tail read, build and insert in one transaction. On
// Postgres an advisory transaction lock keyed by the chain serializes writers;
// SQLite relies on IMMEDIATE transactions. The (customer_id, control_id, seq)
// unique index catches anything that slips past either.
func (s *SQLStore) AppendEvidence(ctx context.Context, customerID, controlID string, build BuildFunc) (*compliance.Evidence, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }() // Safe to call even if committed (no-op)

	if s.dialect == Postgres {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, customerID+"/"+controlID); err != nil {
			return nil, fmt.Errorf("chain lock: %w", err)
		}
	}

	prev, err := s.queryEvidence(ctx, tx, `customer_id = ? AND control_id = ? ORDER BY seq DESC LIMIT 1`, customerID, controlID)
	if err != nil {
		return nil, err
	}
	e, err := build(prev)
	if err != nil {
		return nil, err
	}
	e.Seq = nextSeq(prev)

	var offload any
	if e.Offload != nil {
		raw, err := json.Marshal(e.Offload)
		if err != nil {
			return nil, err
		}
		offload = string(raw)
	}
	var data any
	if e.Data != nil {
		data = string(e.Data)
	}
	var prevHash any
	if e.PreviousHash != nil {
		prevHash = *e.PreviousHash
	}

	query := s.rebind(`INSERT INTO evidence (` + evidenceColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, query,
		e.ID, e.CustomerID, e.ControlID, e.IntegrationID, nullable(e.JobID), e.Seq,
		s.timeArg(e.CollectedAt), e.Hash, prevHash, data, offload,
	); err != nil {
		if isUniqueViolation(err) {
			if e.JobID != "" {
				if existing, _ := s.EvidenceByJobID(ctx, e.JobID); existing != nil {
					return nil, ErrDuplicateJob
				}
			}
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to insert evidence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, err
	}
	return e, nil
}

func (s *SQLStore) ListChain(ctx context.Context, customerID, controlID string) ([]compliance.Evidence, error) {
	query := s.rebind(`SELECT ` + evidenceColumns + ` FROM evidence WHERE customer_id = ? AND control_id = ? ORDER BY seq ASC`)
	rows, err := s.db.QueryContext(ctx, query, customerID, controlID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chain []compliance.Evidence
	for rows.Next() {
		e, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		chain = append(chain, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return chain, nil
}
