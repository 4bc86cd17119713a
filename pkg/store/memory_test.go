package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/assure/pkg/compliance"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func evidenceBuilder(id, jobID string) BuildFunc {
	return func(prev *compliance.Evidence) (*compliance.Evidence, error) {
		e := &compliance.Evidence{
			ID: id, CustomerID: "cust-1", ControlID: "CC6.1", IntegrationID: "int-1",
			JobID: jobID, CollectedAt: t0, Hash: "h-" + id, Data: json.RawMessage(`{"status":"PASS"}`),
		}
		if prev != nil {
			h := prev.Hash
			e.PreviousHash = &h
		}
		return e, nil
	}
}

func TestMemory_AppendEvidenceChains(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first, err := m.AppendEvidence(ctx, "cust-1", "CC6.1", evidenceBuilder("ev-1", "job-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Seq)
	assert.Nil(t, first.PreviousHash)

	second, err := m.AppendEvidence(ctx, "cust-1", "CC6.1", evidenceBuilder("ev-2", "job-2"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Seq)
	require.NotNil(t, second.PreviousHash)
	assert.Equal(t, "h-ev-1", *second.PreviousHash)

	latest, err := m.LatestEvidence(ctx, "cust-1", "CC6.1")
	require.NoError(t, err)
	assert.Equal(t, "ev-2", latest.ID)

	chain, err := m.ListChain(ctx, "cust-1", "CC6.1")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "ev-1", chain[0].ID)

	byJob, err := m.EvidenceByJobID(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, "ev-2", byJob.ID)

	_, err = m.AppendEvidence(ctx, "cust-1", "CC6.1", evidenceBuilder("ev-3", "job-2"))
	assert.ErrorIs(t, err, ErrDuplicateJob)

	_, err = m.GetEvidence(ctx, "missing")
	assert.ErrorIs(t, err, compliance.ErrEvidenceNotFound)
}

func TestMemory_EmptyChainHasNoTail(t *testing.T) {
	m := NewMemory()
	latest, err := m.LatestEvidence(context.Background(), "cust-1", "CC6.1")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestDefaultCollectorSelection(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.SaveIntegration(ctx, &compliance.Integration{ID: "gh", CustomerID: "c", Type: compliance.IntegrationGitHub, Kind: compliance.KindCollector, Active: true, CreatedAt: t0}))
	require.NoError(t, m.SaveIntegration(ctx, &compliance.Integration{ID: "aws-old", CustomerID: "c", Type: compliance.IntegrationAWS, Kind: compliance.KindCollector, Active: true, CreatedAt: t0.Add(time.Hour)}))
	require.NoError(t, m.SaveIntegration(ctx, &compliance.Integration{ID: "aws-default", CustomerID: "c", Type: compliance.IntegrationAWS, Kind: compliance.KindCollector, Active: true, Default: true, CreatedAt: t0.Add(2 * time.Hour)}))
	require.NoError(t, m.SaveIntegration(ctx, &compliance.Integration{ID: "aws-off", CustomerID: "c", Type: compliance.IntegrationAWS, Kind: compliance.KindCollector, Active: false, Default: true, CreatedAt: t0}))

	in, err := m.DefaultCollector(ctx, "c", compliance.IntegrationAWS)
	require.NoError(t, err)
	assert.Equal(t, "aws-default", in.ID)

	in, err = m.DefaultCollector(ctx, "c", compliance.IntegrationGitHub)
	require.NoError(t, err)
	assert.Equal(t, "gh", in.ID)

	// No preference match falls back to Default flag.
	in, err = m.DefaultCollector(ctx, "c", compliance.IntegrationGCP)
	require.NoError(t, err)
	assert.Equal(t, "aws-default", in.ID)

	_, err = m.DefaultCollector(ctx, "nobody", compliance.IntegrationAWS)
	assert.ErrorIs(t, err, compliance.ErrNoActiveIntegration)

	customers, err := m.ActiveCustomers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, customers)

	ticketing, err := m.ActiveTicketing(ctx, "c")
	require.NoError(t, err)
	assert.Nil(t, ticketing)
}

func TestMemory_LatestCheckAndTicket(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.CreateCheck(ctx, &compliance.ComplianceCheck{ID: "k1", CustomerID: "c", ControlID: "CC6.1", Status: compliance.StatusPass, CheckedAt: t0}))
	require.NoError(t, m.CreateCheck(ctx, &compliance.ComplianceCheck{ID: "k2", CustomerID: "c", ControlID: "CC6.1", Status: compliance.StatusFail, CheckedAt: t0.Add(time.Hour)}))

	latest, err := m.LatestCheck(ctx, "c", "CC6.1")
	require.NoError(t, err)
	assert.Equal(t, "k2", latest.ID)

	pass, err := m.LatestCheckWithStatus(ctx, "c", "CC6.1", compliance.StatusPass)
	require.NoError(t, err)
	assert.Equal(t, "k1", pass.ID)

	none, err := m.LatestCheck(ctx, "c", "CC8.1")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, m.CreateTicket(ctx, &compliance.RemediationTicket{ID: "t1", CheckID: "k2", CustomerID: "c", ControlID: "CC6.1", ExternalIssueKey: "SEC-1", CreatedAt: t0.Add(time.Hour)}))
	ticket, err := m.LatestTicket(ctx, "c", "CC6.1")
	require.NoError(t, err)
	assert.Equal(t, "SEC-1", ticket.ExternalIssueKey)
}

func TestCachedCatalog(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, Seed(ctx, m, DefaultControls()))

	cat, err := NewCachedCatalog(m, 16)
	require.NoError(t, err)

	c, err := cat.GetControl(ctx, "CC6.1")
	require.NoError(t, err)
	assert.Equal(t, compliance.FrequencyDaily, c.Frequency)

	// Served from cache after the backing entry changes.
	require.NoError(t, m.UpsertControl(ctx, compliance.Control{ID: "CC6.1", Frequency: compliance.FrequencyAnnual}))
	c, err = cat.GetControl(ctx, "CC6.1")
	require.NoError(t, err)
	assert.Equal(t, compliance.FrequencyDaily, c.Frequency)

	_, err = cat.GetControl(ctx, "nope")
	assert.ErrorIs(t, err, compliance.ErrControlNotFound)

	all, err := cat.ListControls(ctx)
	require.NoError(t, err)
	assert.Len(t, all, len(DefaultControls()))
}
