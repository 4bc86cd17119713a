// Package ledger is the tamper-evident evidence store.
//
// Every evidence record is hash-chained to its predecessor within the same
// (customer, control) pair:
//   - Hash = SHA-256 over canonical {customerId, controlId, data, collectedAt}
//   - PreviousHash = Hash of the prior record in the chain (nil for the first)
//   - Payloads above OffloadThreshold live in blob storage; the chain hashes the descriptor
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/assure/pkg/blob"
	"github.com/Mindburn-Labs/assure/pkg/canonicalize"
	"github.com/Mindburn-Labs/assure/pkg/compliance"
	"github.com/Mindburn-Labs/assure/pkg/store"
)

// OffloadThreshold is the serialized payload size above which evidence is offloaded.
const OffloadThreshold = 100 * 1024

const maxAppendAttempts = 5

// ErrPayloadMismatch is returned when an offloaded blob no longer matches its descriptor.
var ErrPayloadMismatch = errors.New("offloaded payload does not match descriptor")

// Input is one collected observation to record.
type Input struct {
	CustomerID    string
	ControlID     string
	IntegrationID string
	JobID         string
	Payload       json.RawMessage
}

// Ledger appends and verifies evidence chains.
type Ledger struct {
	repo      store.EvidenceRepository
	blobs     blob.Store
	locks     *keyedMutex
	clock     func() time.Time
	threshold int
	logger    *slog.Logger
}

// New creates a ledger over an evidence repository and a blob store.
func New(repo store.EvidenceRepository, blobs blob.Store) *Ledger {
	return &Ledger{
		repo:      repo,
		blobs:     blobs,
		locks:     newKeyedMutex(),
		clock:     time.Now,
		threshold: OffloadThreshold,
		logger:    slog.Default().With("component", "ledger"),
	}
}

// WithClock overrides clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithThreshold overrides the offload threshold.
func (l *Ledger) WithThreshold(n int) *Ledger {
	l.threshold = n
	return l
}

// StoreEvidence serializes, optionally offloads, chains and persists one record.
// A job ID that already produced evidence returns that record unchanged.
func (l *Ledger) StoreEvidence(ctx context.Context, in Input) (*compliance.Evidence, error) {
	if len(in.Payload) == 0 {
		return nil, errors.New("serialize evidence: empty payload")
	}
	data, err := canonicalize.JCS(in.Payload)
	if err != nil {
		return nil, fmt.Errorf("serialize evidence: %w", err)
	}

	now := l.clock().UTC().Truncate(time.Microsecond)
	id := uuid.NewString()

	var offload *compliance.OffloadRef
	if len(data) > l.threshold {
		offload, err = l.offload(ctx, in, id, now, data)
		if err != nil {
			return nil, err
		}
	}

	unlock := l.locks.Lock(in.CustomerID + "/" + in.ControlID)
	defer unlock()

	build := func(prev *compliance.Evidence) (*compliance.Evidence, error) {
		collectedAt := now
		if prev != nil && collectedAt.Before(prev.CollectedAt) {
			collectedAt = prev.CollectedAt
		}
		e := &compliance.Evidence{
			ID:            id,
			CustomerID:    in.CustomerID,
			ControlID:     in.ControlID,
			IntegrationID: in.IntegrationID,
			JobID:         in.JobID,
			CollectedAt:   collectedAt,
			Offload:       offload,
		}
		if offload == nil {
			e.Data = data
		}
		if prev != nil {
			h := prev.Hash
			e.PreviousHash = &h
		}
		hash, err := ComputeHash(e)
		if err != nil {
			return nil, err
		}
		e.Hash = hash
		return e, nil
	}

	for attempt := 1; ; attempt++ {
		e, err := l.repo.AppendEvidence(ctx, in.CustomerID, in.ControlID, build)
		switch {
		case err == nil:
			l.logger.InfoContext(ctx, "evidence recorded",
				"evidence_id", e.ID, "customer_id", e.CustomerID, "control_id", e.ControlID,
				"seq", e.Seq, "offloaded", e.Offloaded())
			return e, nil
		case errors.Is(err, store.ErrDuplicateJob):
			return l.repo.EvidenceByJobID(ctx, in.JobID)
		case errors.Is(err, store.ErrConflict) && attempt < maxAppendAttempts:
			l.logger.WarnContext(ctx, "evidence chain append conflict, retrying",
				"customer_id", in.CustomerID, "control_id", in.ControlID, "attempt", attempt)
			continue
		default:
			return nil, fmt.Errorf("append evidence: %w", err)
		}
	}
}

func (l *Ledger) offload(ctx context.Context, in Input, id string, now time.Time, data []byte) (*compliance.OffloadRef, error) {
	suffix := in.JobID
	if suffix == "" {
		suffix = id
	}
	key := fmt.Sprintf("evidence/%s/%s/%d-%s", in.CustomerID, in.ControlID, now.UnixMilli(), suffix)

	packed, err := blob.Compress(data)
	if err != nil {
		return nil, err
	}
	loc, err := l.blobs.Put(ctx, key, packed)
	if err != nil {
		return nil, fmt.Errorf("offload evidence: %w", err)
	}
	l.logger.InfoContext(ctx, "evidence payload offloaded", "key", key, "size", len(data), "stored", len(packed))

	return &compliance.OffloadRef{
		Reference:       loc.URL,
		Size:            len(data),
		ContentChecksum: canonicalize.HashBytes(data),
		Compression:     blob.CompressionZstd,
	}, nil
}

type hashInput struct {
	CustomerID  string          `json:"customerId"`
	ControlID   string          `json:"controlId"`
	Data        json.RawMessage `json:"data"`
	CollectedAt string          `json:"collectedAt"`
}

// ComputeHash returns the chain hash of e from its stored fields.
func ComputeHash(e *compliance.Evidence) (string, error) {
	stored, err := e.StoredData()
	if err != nil {
		return "", fmt.Errorf("evidence data: %w", err)
	}
	if len(stored) == 0 {
		stored = json.RawMessage("null")
	}
	return canonicalize.CanonicalHash(hashInput{
		CustomerID:  e.CustomerID,
		ControlID:   e.ControlID,
		Data:        stored,
		CollectedAt: e.CollectedAt.UTC().Format(time.RFC3339Nano),
	})
}

// FindByJobID returns evidence already written by a job, or nil.
func (l *Ledger) FindByJobID(ctx context.Context, jobID string) (*compliance.Evidence, error) {
	if jobID == "" {
		return nil, nil
	}
	return l.repo.EvidenceByJobID(ctx, jobID)
}

// Get loads one evidence record.
func (l *Ledger) Get(ctx context.Context, id string) (*compliance.Evidence, error) {
	return l.repo.GetEvidence(ctx, id)
}

// Latest returns the chain tail, or nil.
func (l *Ledger) Latest(ctx context.Context, customerID, controlID string) (*compliance.Evidence, error) {
	return l.repo.LatestEvidence(ctx, customerID, controlID)
}

// VerifyEvidence recomputes the stored hash of one record and checks its
// link to the record before it. IntegrationID and JobID are not hashed.
func (l *Ledger) VerifyEvidence(ctx context.Context, id string) (bool, error) {
	e, err := l.repo.GetEvidence(ctx, id)
	if err != nil {
		return false, err
	}
	hash, err := ComputeHash(e)
	if err != nil {
		return false, err
	}
	if hash != e.Hash {
		return false, nil
	}
	return l.linked(ctx, e)
}

// linked reports whether e.PreviousHash names the hash of record Seq-1.
func (l *Ledger) linked(ctx context.Context, e *compliance.Evidence) (bool, error) {
	if e.Seq <= 1 {
		return e.PreviousHash == nil, nil
	}
	if e.PreviousHash == nil {
		return false, nil
	}
	chain, err := l.repo.ListChain(ctx, e.CustomerID, e.ControlID)
	if err != nil {
		return false, err
	}
	for i := range chain {
		if chain[i].Seq == e.Seq-1 {
			return *e.PreviousHash == chain[i].Hash, nil
		}
	}
	return false, nil
}

// ChainReport summarizes a chain walk.
type ChainReport struct {
	CustomerID string `json:"customer_id"`
	ControlID  string `json:"control_id"`
	Length     int    `json:"length"`
	Valid      bool   `json:"valid"`
	BrokenAt   string `json:"broken_at,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// VerifyChain checks every hash and predecessor link in a chain.
func (l *Ledger) VerifyChain(ctx context.Context, customerID, controlID string) (*ChainReport, error) {
	chain, err := l.repo.ListChain(ctx, customerID, controlID)
	if err != nil {
		return nil, err
	}
	report := &ChainReport{CustomerID: customerID, ControlID: controlID, Length: len(chain), Valid: true}

	broken := func(e compliance.Evidence, reason string) (*ChainReport, error) {
		report.Valid = false
		report.BrokenAt = e.ID
		report.Reason = reason
		l.logger.WarnContext(ctx, "evidence chain broken",
			"customer_id", customerID, "control_id", controlID, "evidence_id", e.ID, "reason", reason)
		return report, nil
	}

	for i := range chain {
		e := chain[i]
		hash, err := ComputeHash(&e)
		if err != nil {
			return nil, err
		}
		if hash != e.Hash {
			return broken(e, "hash mismatch")
		}
		if e.Seq != int64(i+1) {
			return broken(e, fmt.Sprintf("sequence gap: expected %d, got %d", i+1, e.Seq))
		}
		if i == 0 {
			if e.PreviousHash != nil {
				return broken(e, "first record has a predecessor hash")
			}
			continue
		}
		if e.PreviousHash == nil || *e.PreviousHash != chain[i-1].Hash {
			return broken(e, "predecessor link mismatch")
		}
	}
	return report, nil
}

// Payload returns the evidence payload, downloading and checking offloaded blobs.
func (l *Ledger) Payload(ctx context.Context, e *compliance.Evidence) (json.RawMessage, error) {
	if !e.Offloaded() {
		return e.Data, nil
	}
	raw, err := l.blobs.Get(ctx, e.Offload.Reference)
	if err != nil {
		return nil, fmt.Errorf("fetch offloaded evidence %s: %w", e.ID, err)
	}
	if e.Offload.Compression == blob.CompressionZstd {
		if raw, err = blob.Decompress(raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPayloadMismatch, err)
		}
	}
	if len(raw) != e.Offload.Size || canonicalize.HashBytes(raw) != e.Offload.ContentChecksum {
		return nil, fmt.Errorf("%w: evidence %s", ErrPayloadMismatch, e.ID)
	}
	return raw, nil
}
