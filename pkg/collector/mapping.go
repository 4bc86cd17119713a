package collector

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/assure/pkg/compliance"
	"github.com/Mindburn-Labs/assure/pkg/resiliency"
)

// ErrNoCapability is returned when a control cannot be mapped for an integration.
var ErrNoCapability = errors.New("no collector capability for control")

// Capability names one collector aspect.
type Capability struct {
	Integration compliance.IntegrationType
	Aspect      string
}

func (c Capability) String() string {
	return string(c.Integration) + "/" + c.Aspect
}

// ParseCapability parses "<integration>/<aspect>".
func ParseCapability(s string) (Capability, error) {
	integration, aspect, ok := strings.Cut(s, "/")
	if !ok || integration == "" || aspect == "" {
		return Capability{}, fmt.Errorf("malformed capability %q", s)
	}
	return Capability{Integration: compliance.IntegrationType(integration), Aspect: aspect}, nil
}

// MatchKind records how a control was mapped.
type MatchKind string

const (
	MatchPinned   MatchKind = "pinned" // the control names its own collector
	MatchExact    MatchKind = "exact"
	MatchPrefix   MatchKind = "prefix"
	MatchFallback MatchKind = "fallback"
)

// Resolution is the outcome of mapping a control.
type Resolution struct {
	Capability Capability
	Kind       MatchKind
}

// PrefixRule maps every control ID starting with Prefix.
type PrefixRule struct {
	Prefix     string
	Capability Capability
}

// Mapping is the static control-to-capability table.
type Mapping struct {
	Exact    map[string]Capability
	Prefixes []PrefixRule // longest prefix wins
	Defaults map[compliance.IntegrationType]string
}

// DefaultMapping returns the built-in table.
func DefaultMapping() Mapping {
	return Mapping{
		Exact: map[string]Capability{
			"CC6.1": {compliance.IntegrationAWS, AspectS3Encryption},
			"CC6.6": {compliance.IntegrationAWS, AspectS3PublicAccessBlock},
			"CC6.7": {compliance.IntegrationGCP, AspectGCSUniformAccess},
			"A1.2":  {compliance.IntegrationAWS, AspectS3Versioning},
			"CC6.2": {compliance.IntegrationGitHub, AspectOrgTwoFactor},
			"CC7.2": {compliance.IntegrationGitHub, AspectSecretScanning},
			"CC8.1": {compliance.IntegrationGitHub, AspectBranchProtection},
		},
		Prefixes: []PrefixRule{
			{"CC6.", Capability{compliance.IntegrationAWS, AspectS3Encryption}},
			{"CC7.", Capability{compliance.IntegrationGitHub, AspectSecretScanning}},
			{"CC8.", Capability{compliance.IntegrationGitHub, AspectBranchProtection}},
			{"A1.", Capability{compliance.IntegrationAWS, AspectS3Versioning}},
		},
		Defaults: map[compliance.IntegrationType]string{
			compliance.IntegrationAWS:    AspectS3Encryption,
			compliance.IntegrationGCP:    AspectGCSUniformAccess,
			compliance.IntegrationGitHub: AspectBranchProtection,
		},
	}
}

// Resolver maps controls to collector capabilities.
type Resolver struct {
	mapping Mapping
	logger  *slog.Logger
}

// NewResolver creates a resolver over mapping.
func NewResolver(mapping Mapping) *Resolver {
	prefixes := append([]PrefixRule(nil), mapping.Prefixes...)
	sort.SliceStable(prefixes, func(i, j int) bool { return len(prefixes[i].Prefix) > len(prefixes[j].Prefix) })
	mapping.Prefixes = prefixes
	return &Resolver{mapping: mapping, logger: slog.Default().With("component", "collector.resolver")}
}

// Preferred returns the capability a control maps to without considering
// which integration will serve it.
func (r *Resolver) Preferred(control *compliance.Control) (Resolution, bool) {
	if control.Collector != "" {
		if c, err := ParseCapability(control.Collector); err == nil {
			return Resolution{Capability: c, Kind: MatchPinned}, true
		}
	}
	if c, ok := r.mapping.Exact[control.ID]; ok {
		return Resolution{Capability: c, Kind: MatchExact}, true
	}
	for _, rule := range r.mapping.Prefixes {
		if strings.HasPrefix(control.ID, rule.Prefix) {
			return Resolution{Capability: rule.Capability, Kind: MatchPrefix}, true
		}
	}
	return Resolution{}, false
}

// Resolve maps a control for an integration of type t. When the preferred
// capability belongs to another integration type, the integration's default
// aspect is used and a warning logged.
func (r *Resolver) Resolve(control *compliance.Control, t compliance.IntegrationType) (Resolution, error) {
	if res, ok := r.Preferred(control); ok && res.Capability.Integration == t {
		return res, nil
	}
	aspect, ok := r.mapping.Defaults[t]
	if !ok {
		return Resolution{}, resiliency.Permanent(fmt.Errorf("%w: %s on %s", ErrNoCapability, control.ID, t))
	}
	res := Resolution{Capability: Capability{Integration: t, Aspect: aspect}, Kind: MatchFallback}
	r.logger.Warn("control mapped by fallback", "control_id", control.ID, "capability", res.Capability.String())
	return res, nil
}

// Validate checks every mapped capability, plus any pinned by controls,
// against the registry. Run once at startup.
func (r *Resolver) Validate(reg *Registry, controls []compliance.Control) error {
	var errs []error
	check := func(source string, c Capability) {
		if !reg.Supports(c) {
			errs = append(errs, fmt.Errorf("%s maps to unsupported capability %s", source, c))
		}
	}
	for id, c := range r.mapping.Exact {
		check("control "+id, c)
	}
	for _, rule := range r.mapping.Prefixes {
		check("prefix "+rule.Prefix, rule.Capability)
	}
	for t, aspect := range r.mapping.Defaults {
		check("default for "+string(t), Capability{Integration: t, Aspect: aspect})
	}
	for _, ctrl := range controls {
		if ctrl.Collector == "" {
			continue
		}
		c, err := ParseCapability(ctrl.Collector)
		if err != nil {
			errs = append(errs, fmt.Errorf("control %s: %w", ctrl.ID, err))
			continue
		}
		check("control "+ctrl.ID, c)
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return errors.Join(errs...)
}
