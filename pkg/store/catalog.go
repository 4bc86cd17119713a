package store

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Mindburn-Labs/assure/pkg/compliance"
)

// CachedCatalog memoizes control lookups. Controls are immutable once
// seeded, so entries never need invalidation.
type CachedCatalog struct {
	inner ControlCatalog
	cache *lru.Cache[string, compliance.Control]
}

// NewCachedCatalog wraps inner with an LRU of the given size.
func NewCachedCatalog(inner ControlCatalog, size int) (*CachedCatalog, error) {
	cache, err := lru.New[string, compliance.Control](size)
	if err != nil {
		return nil, fmt.Errorf("control cache: %w", err)
	}
	return &CachedCatalog{inner: inner, cache: cache}, nil
}

func (c *CachedCatalog) GetControl(ctx context.Context, id string) (*compliance.Control, error) {
	if ctrl, ok := c.cache.Get(id); ok {
		return &ctrl, nil
	}
	ctrl, err := c.inner.GetControl(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.Add(id, *ctrl)
	return ctrl, nil
}

func (c *CachedCatalog) ListControls(ctx context.Context) ([]compliance.Control, error) {
	controls, err := c.inner.ListControls(ctx)
	if err != nil {
		return nil, err
	}
	for _, ctrl := range controls {
		c.cache.Add(ctrl.ID, ctrl)
	}
	return controls, nil
}

// DefaultControls is the built-in catalog used when no controls file is configured.
func DefaultControls() []compliance.Control {
	return []compliance.Control{
		{ID: "CC6.1", Title: "Logical access: data encrypted at rest", Frequency: compliance.FrequencyDaily, Collector: "aws/s3_encryption"},
		{ID: "CC6.2", Title: "User authentication enforces second factor", Frequency: compliance.FrequencyWeekly, Collector: "github/org_two_factor"},
		{ID: "CC6.6", Title: "Public access to storage is blocked", Frequency: compliance.FrequencyDaily, Collector: "aws/s3_public_access_block"},
		{ID: "CC6.7", Title: "Uniform bucket-level access on cloud storage", Frequency: compliance.FrequencyWeekly},
		{ID: "CC7.2", Title: "Secrets are detected in source repositories", Frequency: compliance.FrequencyWeekly, Collector: "github/secret_scanning"},
		{ID: "CC8.1", Title: "Changes reviewed before merge", Frequency: compliance.FrequencyWeekly, Collector: "github/branch_protection"},
		{ID: "A1.2", Title: "Storage objects are versioned for recovery", Frequency: compliance.FrequencyMonthly, Collector: "aws/s3_versioning"},
		{ID: "A1.3", Title: "Recovery tested", Frequency: compliance.FrequencyQuarterly},
		{ID: "CC1.1", Title: "Code of conduct acknowledged", Frequency: compliance.FrequencyAnnual},
	}
}

// Seed upserts controls into the catalog store.
func Seed(ctx context.Context, s interface {
	UpsertControl(ctx context.Context, c compliance.Control) error
}, controls []compliance.Control) error {
	for _, c := range controls {
		if err := s.UpsertControl(ctx, c); err != nil {
			return err
		}
	}
	return nil
}
