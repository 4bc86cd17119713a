package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/assure/pkg/blob"
	"github.com/Mindburn-Labs/assure/pkg/collector"
	"github.com/Mindburn-Labs/assure/pkg/compliance"
	"github.com/Mindburn-Labs/assure/pkg/ledger"
	"github.com/Mindburn-Labs/assure/pkg/notify"
	"github.com/Mindburn-Labs/assure/pkg/queue"
	"github.com/Mindburn-Labs/assure/pkg/remediation"
	"github.com/Mindburn-Labs/assure/pkg/resiliency"
	"github.com/Mindburn-Labs/assure/pkg/secrets"
	"github.com/Mindburn-Labs/assure/pkg/store"
	"github.com/Mindburn-Labs/assure/pkg/ticketing"
)

var t0 = time.Date(2026, time.April, 1, 8, 0, 0, 0, time.UTC)

// fakeCollector reports a fixed status, optionally padded to a given size.
type fakeCollector struct {
	mu     sync.Mutex
	typ    compliance.IntegrationType
	status compliance.CheckStatus
	pad    int
	err    error
	calls  int
	cfgs   []collector.Config
}

func (f *fakeCollector) Type() compliance.IntegrationType { return f.typ }

func (f *fakeCollector) Aspects() []string {
	return []string{collector.AspectS3Encryption, collector.AspectS3Versioning, collector.AspectS3PublicAccessBlock}
}

func (f *fakeCollector) Collect(_ context.Context, aspect string, cfg collector.Config) (*collector.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.cfgs = append(f.cfgs, cfg)
	if f.err != nil {
		return nil, f.err
	}
	data, _ := json.Marshal(map[string]string{"padding": strings.Repeat("x", f.pad)})
	return &collector.Result{Type: f.typ, Aspect: aspect, Timestamp: t0, Data: data, Status: f.status}, nil
}

func (f *fakeCollector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (n *recordingNotifier) SendAlert(_ context.Context, a notify.Alert) (*notify.Ack, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return &notify.Ack{Channel: "test"}, nil
}

type stubTicketer struct{ created int }

func (s *stubTicketer) CreateTicket(context.Context, ticketing.TicketRequest) (*ticketing.TicketRef, error) {
	s.created++
	return &ticketing.TicketRef{IssueKey: fmt.Sprintf("SEC-%d", s.created), IssueID: fmt.Sprint(s.created)}, nil
}

type stubFactory struct{ t *stubTicketer }

func (f stubFactory) Build(*compliance.Integration, map[string]string) (ticketing.Ticketer, error) {
	return f.t, nil
}

type harness struct {
	ctx        context.Context
	repo       *store.Memory
	blobs      *blob.MemoryStore
	ledger     *ledger.Ledger
	registry   *collector.Registry
	aws        *fakeCollector
	queue      *queue.MemoryQueue
	kms        *secrets.LocalKMS
	notifier   *recordingNotifier
	ticketer   *stubTicketer
	collection *CollectionWorker
	check      *CheckWorker
	scheduler  *Scheduler
	now        time.Time
}

func noSleepGuardConfig() resiliency.GuardConfig {
	cfg := resiliency.DefaultGuardConfig()
	cfg.Retry.Sleep = func(context.Context, time.Duration) error { return nil }
	return cfg
}

func newHarness(t *testing.T, guardCfg resiliency.GuardConfig) *harness {
	t.Helper()
	ctx := context.Background()

	h := &harness{
		ctx:      ctx,
		repo:     store.NewMemory(),
		blobs:    blob.NewMemoryStore(),
		aws:      &fakeCollector{typ: compliance.IntegrationAWS, status: compliance.StatusPass},
		queue:    queue.NewMemoryQueue(),
		notifier: &recordingNotifier{},
		ticketer: &stubTicketer{},
		now:      t0,
	}
	clock := func() time.Time { return h.now }

	kms, err := secrets.NewEphemeralKMS()
	require.NoError(t, err)
	h.kms = kms

	require.NoError(t, store.Seed(ctx, h.repo, store.DefaultControls()))

	h.ledger = ledger.New(h.repo, h.blobs).WithClock(clock)
	h.registry = collector.NewRegistry(guardCfg, h.aws)
	resolver := collector.NewResolver(collector.DefaultMapping())

	coordinator := remediation.NewCoordinator(h.repo, h.notifier, kms, stubFactory{h.ticketer}, noSleepGuardConfig()).WithClock(clock)

	h.collection = NewCollectionWorker(h.repo, h.repo, resolver, h.registry, kms, h.ledger)
	h.check = NewCheckWorker(h.repo, h.ledger, resolver, h.queue, coordinator).WithClock(clock)
	h.scheduler = NewScheduler(h.repo, h.queue, time.Hour).WithClock(clock)
	return h
}

func (h *harness) addIntegration(t *testing.T, id, customerID string, typ compliance.IntegrationType, kind compliance.IntegrationKind, cfg map[string]string) {
	t.Helper()
	sealed, err := h.kms.SealConfig(customerID, cfg)
	require.NoError(t, err)
	require.NoError(t, h.repo.SaveIntegration(h.ctx, &compliance.Integration{
		ID: id, CustomerID: customerID, Type: typ, Kind: kind, Active: true,
		EncryptedConfig: sealed, CreatedAt: h.now,
	}))
}

func (h *harness) dequeue(t *testing.T, name string) *queue.Job {
	t.Helper()
	job, err := h.queue.Dequeue(h.ctx, name, 10*time.Millisecond)
	require.NoError(t, err)
	return job
}
