// Package collector gathers compliance evidence from external services.
//
// Each integration type (aws, gcp, github) has one Collector exposing a
// fixed set of aspects. A collection produces a Summary whose status is
// derived from the share of compliant resources against a per-aspect
// threshold. Controls are mapped to capabilities by the Resolver.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/assure/pkg/compliance"
	"github.com/Mindburn-Labs/assure/pkg/resiliency"
)

// ErrUnsupportedAspect is returned for an aspect a collector does not implement.
var ErrUnsupportedAspect = errors.New("unsupported collector aspect")

// Config is the decrypted integration configuration.
type Config map[string]string

// Require returns the named keys or a permanent error listing the missing ones.
func (c Config) Require(keys ...string) error {
	var missing []string
	for _, k := range keys {
		if c[k] == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return resiliency.Permanent(fmt.Errorf("integration config missing %v", missing))
	}
	return nil
}

// Result is the outcome of one collection.
type Result struct {
	Type      compliance.IntegrationType `json:"type"`
	Aspect    string                     `json:"aspect"`
	Timestamp time.Time                  `json:"timestamp"`
	Data      json.RawMessage            `json:"data"`
	Status    compliance.CheckStatus     `json:"status"`
}

// Collector reads one external service.
type Collector interface {
	Type() compliance.IntegrationType
	Aspects() []string
	Collect(ctx context.Context, aspect string, cfg Config) (*Result, error)
}

// Resource is one inspected object (bucket, repository, member).
type Resource struct {
	Name      string `json:"name"`
	Compliant bool   `json:"compliant"`
	Detail    string `json:"detail,omitempty"`
}

// Summary is the evidence payload every collector emits. The pipeline reads
// only its top-level "status".
type Summary struct {
	Status         compliance.CheckStatus `json:"status"`
	Integration    string                 `json:"integration"`
	Aspect         string                 `json:"aspect"`
	CollectedAt    time.Time              `json:"collectedAt"`
	Total          int                    `json:"total"`
	Compliant      int                    `json:"compliant"`
	ComplianceRate float64                `json:"complianceRate"`
	Threshold      float64                `json:"threshold"`
	Resources      []Resource             `json:"resources"`
}

// Evaluate derives the status: no resources is WARNING, otherwise PASS when
// the compliance rate reaches threshold.
func Evaluate(resources []Resource, threshold float64) (compliance.CheckStatus, float64, int) {
	if len(resources) == 0 {
		return compliance.StatusWarning, 0, 0
	}
	compliant := 0
	for _, r := range resources {
		if r.Compliant {
			compliant++
		}
	}
	rate := float64(compliant) / float64(len(resources))
	if rate >= threshold {
		return compliance.StatusPass, rate, compliant
	}
	return compliance.StatusFail, rate, compliant
}

// BaseCollector provides aspect bookkeeping, thresholds and rate limiting.
type BaseCollector struct {
	typ        compliance.IntegrationType
	thresholds map[string]float64
	limiter    *rate.Limiter
	clock      func() time.Time
}

// NewBaseCollector creates a BaseCollector with the given aspect thresholds.
func NewBaseCollector(typ compliance.IntegrationType, thresholds map[string]float64, r rate.Limit, b int) *BaseCollector {
	return &BaseCollector{
		typ:        typ,
		thresholds: thresholds,
		limiter:    rate.NewLimiter(r, b),
		clock:      time.Now,
	}
}

func (c *BaseCollector) Type() compliance.IntegrationType {
	return c.typ
}

// Aspects returns the supported aspects in sorted order.
func (c *BaseCollector) Aspects() []string {
	out := make([]string, 0, len(c.thresholds))
	for a := range c.thresholds {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Threshold returns the pass threshold of an aspect.
func (c *BaseCollector) Threshold(aspect string) (float64, error) {
	t, ok := c.thresholds[aspect]
	if !ok {
		return 0, resiliency.Permanent(fmt.Errorf("%w: %s/%s", ErrUnsupportedAspect, c.typ, aspect))
	}
	return t, nil
}

// Wait blocks until the rate limiter allows an event.
func (c *BaseCollector) Wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// SetClock overrides the timestamp source for testing.
func (c *BaseCollector) SetClock(clock func() time.Time) {
	c.clock = clock
}

// Result builds the collection result for aspect from inspected resources.
func (c *BaseCollector) Result(aspect string, resources []Resource) (*Result, error) {
	threshold, err := c.Threshold(aspect)
	if err != nil {
		return nil, err
	}
	if resources == nil {
		resources = []Resource{}
	}
	now := c.clock().UTC()
	status, rate, compliant := Evaluate(resources, threshold)
	data, err := json.Marshal(Summary{
		Status:         status,
		Integration:    string(c.typ),
		Aspect:         aspect,
		CollectedAt:    now,
		Total:          len(resources),
		Compliant:      compliant,
		ComplianceRate: rate,
		Threshold:      threshold,
		Resources:      resources,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal summary: %w", err)
	}
	return &Result{Type: c.typ, Aspect: aspect, Timestamp: now, Data: data, Status: status}, nil
}
