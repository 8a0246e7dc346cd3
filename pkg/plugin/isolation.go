package plugin

import (
	"fmt"
	"slices"
)

// IsolationPolicy lists which capabilities plugins are allowed to request.
// An empty allow list permits everything not explicitly denied.
type IsolationPolicy struct {
	AllowedCapabilities []Capability `yaml:"allowedCapabilities" json:"allowedCapabilities"`
	DeniedCapabilities  []Capability `yaml:"deniedCapabilities" json:"deniedCapabilities"`
}

// Merge combines two policies, the receiver taking precedence.
func (p IsolationPolicy) Merge(other IsolationPolicy) IsolationPolicy {
	merged := IsolationPolicy{}
	merged.AllowedCapabilities = uniqueCapabilities(append(slices.Clone(p.AllowedCapabilities), other.AllowedCapabilities...))
	merged.DeniedCapabilities = uniqueCapabilities(append(slices.Clone(p.DeniedCapabilities), other.DeniedCapabilities...))
	return merged
}

// Denies reports whether the capability is on the deny list.
func (p IsolationPolicy) Denies(capability Capability) bool {
	return slices.Contains(p.DeniedCapabilities, capability)
}

// IsolationStrategy enforces security restrictions for plugins before they are loaded.
type IsolationStrategy interface {
	Validate(req LoadRequest, policy IsolationPolicy) error
	// Grant returns the capabilities the loaded plugin will actually receive.
	Grant(req LoadRequest, policy IsolationPolicy) []Capability
}

// CapabilityIsolation performs capability validation only.
type CapabilityIsolation struct{}

// Validate ensures the capabilities requested by the configuration are allowed.
func (CapabilityIsolation) Validate(req LoadRequest, policy IsolationPolicy) error {
	for _, c := range req.Capabilities {
		if policy.Denies(c) {
			return fmt.Errorf("capability %s is explicitly denied", c)
		}
	}
	if len(policy.AllowedCapabilities) == 0 {
		return nil
	}
	for _, c := range req.Capabilities {
		if !slices.Contains(policy.AllowedCapabilities, c) {
			return fmt.Errorf("capability %s not permitted", c)
		}
	}
	return nil
}

// Grant implements IsolationStrategy. Storage and console are granted unless denied.
func (CapabilityIsolation) Grant(req LoadRequest, policy IsolationPolicy) []Capability {
	granted := make([]Capability, 0, len(req.Capabilities)+2)
	for _, implicit := range []Capability{CapabilityStorage, CapabilityConsole} {
		if !policy.Denies(implicit) {
			granted = append(granted, implicit)
		}
	}
	for _, c := range req.Capabilities {
		if !policy.Denies(c) {
			granted = append(granted, c)
		}
	}
	return uniqueCapabilities(granted)
}

// NewIsolationStrategy returns a default isolation strategy if none is supplied.
func NewIsolationStrategy(strategy IsolationStrategy) IsolationStrategy {
	if strategy == nil {
		return CapabilityIsolation{}
	}
	return strategy
}

func uniqueCapabilities(in []Capability) []Capability {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[Capability]struct{}, len(in))
	out := make([]Capability, 0, len(in))
	for _, c := range in {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
