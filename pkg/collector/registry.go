package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/assure/pkg/compliance"
	"github.com/Mindburn-Labs/assure/pkg/resiliency"
)

// Registry holds one collector per integration type, each behind its own Guard.
type Registry struct {
	mu         sync.RWMutex
	collectors map[compliance.IntegrationType]Collector
	guards     map[compliance.IntegrationType]*resiliency.Guard
	guardCfg   resiliency.GuardConfig
	logger     *slog.Logger
}

// NewRegistry creates a registry whose guards use cfg.
func NewRegistry(cfg resiliency.GuardConfig, collectors ...Collector) *Registry {
	r := &Registry{
		collectors: make(map[compliance.IntegrationType]Collector),
		guards:     make(map[compliance.IntegrationType]*resiliency.Guard),
		guardCfg:   cfg,
		logger:     slog.Default().With("component", "collector"),
	}
	for _, c := range collectors {
		r.Register(c)
	}
	return r
}

// Register adds or replaces the collector for its type.
func (r *Registry) Register(c Collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectors[c.Type()] = c
	r.guards[c.Type()] = resiliency.NewGuard("collector:"+string(c.Type()), r.guardCfg)
}

// Supports reports whether a capability has a registered collector.
func (r *Registry) Supports(capability Capability) bool {
	r.mu.RLock()
	c, ok := r.collectors[capability.Integration]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	for _, a := range c.Aspects() {
		if a == capability.Aspect {
			return true
		}
	}
	return false
}

// Guard returns the guard protecting an integration type.
func (r *Registry) Guard(t compliance.IntegrationType) *resiliency.Guard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.guards[t]
}

// Invoke collects a capability through the collector's Guard.
func (r *Registry) Invoke(ctx context.Context, capability Capability, cfg Config) (*Result, error) {
	r.mu.RLock()
	c, ok := r.collectors[capability.Integration]
	guard := r.guards[capability.Integration]
	r.mu.RUnlock()
	if !ok {
		return nil, resiliency.Permanent(fmt.Errorf("%w: no collector for %s", ErrUnsupportedAspect, capability.Integration))
	}

	res, err := resiliency.Call(ctx, guard, func(ctx context.Context) (*Result, error) {
		return c.Collect(ctx, capability.Aspect, cfg)
	})
	if err != nil {
		r.logger.WarnContext(ctx, "collection failed", "capability", capability.String(), "error", err)
		return nil, err
	}
	r.logger.InfoContext(ctx, "collection complete", "capability", capability.String(), "status", res.Status)
	return res, nil
}
