package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"golang.org/x/time/rate"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/Mindburn-Labs/assure/pkg/compliance"
)

// GCP aspects.
const (
	AspectGCSUniformAccess = "gcs_uniform_access"
	AspectGCSVersioning    = "gcs_versioning"
)

// BucketLister lists the buckets of a project.
type BucketLister interface {
	ListBuckets(ctx context.Context, projectID string) ([]*storage.BucketAttrs, error)
	Close() error
}

// BucketListerFactory builds a BucketLister from integration config.
type BucketListerFactory func(ctx context.Context, cfg Config) (BucketLister, error)

// GCPCollector inspects Cloud Storage bucket settings.
type GCPCollector struct {
	*BaseCollector
	newLister BucketListerFactory
}

// NewGCPCollector creates a GCP collector using service-account JSON or
// application default credentials.
func NewGCPCollector() *GCPCollector {
	return &GCPCollector{
		BaseCollector: NewBaseCollector(compliance.IntegrationGCP, map[string]float64{
			AspectGCSUniformAccess: 0.95,
			AspectGCSVersioning:    0.80,
		}, rate.Every(100*time.Millisecond), 10),
		newLister: defaultBucketLister,
	}
}

// WithListerFactory overrides client construction for testing.
func (c *GCPCollector) WithListerFactory(f BucketListerFactory) *GCPCollector {
	c.newLister = f
	return c
}

type gcsLister struct {
	client *storage.Client
}

func defaultBucketLister(ctx context.Context, cfg Config) (BucketLister, error) {
	var opts []option.ClientOption
	if creds := cfg["credentials_json"]; creds != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &gcsLister{client: client}, nil
}

func (l *gcsLister) ListBuckets(ctx context.Context, projectID string) ([]*storage.BucketAttrs, error) {
	var out []*storage.BucketAttrs
	it := l.client.Buckets(ctx, projectID)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, attrs)
	}
}

func (l *gcsLister) Close() error {
	return l.client.Close()
}

func (c *GCPCollector) Collect(ctx context.Context, aspect string, cfg Config) (*Result, error) {
	if _, err := c.Threshold(aspect); err != nil {
		return nil, err
	}
	if err := cfg.Require("project_id"); err != nil {
		return nil, err
	}
	lister, err := c.newLister(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lister.Close() }()

	if err := c.Wait(ctx); err != nil {
		return nil, err
	}
	buckets, err := lister.ListBuckets(ctx, cfg["project_id"])
	if err != nil {
		return nil, fmt.Errorf("gcp: list buckets: %w", err)
	}

	resources := make([]Resource, 0, len(buckets))
	for _, b := range buckets {
		switch aspect {
		case AspectGCSUniformAccess:
			on := b.UniformBucketLevelAccess.Enabled
			detail := ""
			if !on {
				detail = "fine-grained ACLs"
			}
			resources = append(resources, Resource{Name: b.Name, Compliant: on, Detail: detail})
		case AspectGCSVersioning:
			resources = append(resources, Resource{Name: b.Name, Compliant: b.VersioningEnabled})
		}
	}
	return c.Result(aspect, resources)
}
