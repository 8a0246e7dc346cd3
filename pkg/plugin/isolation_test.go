package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilityIsolationValidate(t *testing.T) {
	strategy := NewIsolationStrategy(nil)
	req := LoadRequest{Capabilities: []Capability{CapabilityOS}}

	assert.NoError(t, strategy.Validate(req, IsolationPolicy{}))
	assert.NoError(t, strategy.Validate(req, IsolationPolicy{AllowedCapabilities: []Capability{CapabilityOS}}))
	assert.Error(t, strategy.Validate(req, IsolationPolicy{AllowedCapabilities: []Capability{CapabilityStorage}}))
	assert.Error(t, strategy.Validate(req, IsolationPolicy{DeniedCapabilities: []Capability{CapabilityOS}}))
}

func TestCapabilityIsolationGrant(t *testing.T) {
	strategy := CapabilityIsolation{}
	granted := strategy.Grant(LoadRequest{Capabilities: []Capability{CapabilityOS, CapabilityStorage}}, IsolationPolicy{})
	assert.ElementsMatch(t, []Capability{CapabilityStorage, CapabilityConsole, CapabilityOS}, granted)

	granted = strategy.Grant(LoadRequest{}, IsolationPolicy{DeniedCapabilities: []Capability{CapabilityStorage}})
	assert.Equal(t, []Capability{CapabilityConsole}, granted)
}

func TestIsolationPolicyMerge(t *testing.T) {
	merged := IsolationPolicy{DeniedCapabilities: []Capability{CapabilityOS}}.Merge(IsolationPolicy{
		AllowedCapabilities: []Capability{CapabilityStorage},
		DeniedCapabilities:  []Capability{CapabilityOS},
	})
	assert.Equal(t, []Capability{CapabilityStorage}, merged.AllowedCapabilities)
	assert.Equal(t, []Capability{CapabilityOS}, merged.DeniedCapabilities)
}
