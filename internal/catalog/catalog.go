// Package catalog implements PolicyCatalog: the process-lifetime store of
// regular and preemptive power policies and policy groups. It is grounded
// on the teacher's config.Defaults()/Validate() shape (built-ins merged
// with validated runtime additions) and on operator.MemRegistry's
// mutex-guarded map-with-typed-accessors pattern.
package catalog

import (
	"sync"

	"github.com/carplatform/vhalguard/internal/powercomponent"
	"github.com/carplatform/vhalguard/internal/rpcerr"
)

// allowedNoUserInteractionOverrides is the configurable subset of
// components the no_user_interaction policy permits vendor overrides for.
var allowedNoUserInteractionOverrides = map[powercomponent.Component]bool{
	powercomponent.Bluetooth:              true,
	powercomponent.NFC:                    true,
	powercomponent.TrustedDeviceDetection: true,
}

// Catalog holds regular and preemptive policies, policy groups, and the
// default group id. Safe for concurrent use.
type Catalog struct {
	mu sync.RWMutex

	regular    map[string]powercomponent.Policy
	preemptive map[string]powercomponent.Policy
	groups     map[string]powercomponent.PolicyGroup
	defaultGroupID string
}

// New creates a Catalog pre-populated with the four built-in system
// policies (all_on, initial_on, no_user_interaction, suspend_prep).
func New() *Catalog {
	c := &Catalog{
		regular:    make(map[string]powercomponent.Policy),
		preemptive: make(map[string]powercomponent.Policy),
		groups:     make(map[string]powercomponent.PolicyGroup),
	}
	c.installBuiltins()
	return c
}

func (c *Catalog) installBuiltins() {
	all := powercomponent.AllStandardComponents()

	c.regular[powercomponent.PolicyAllOn] = powercomponent.Policy{
		ID:              powercomponent.PolicyAllOn,
		EnabledStandard: all,
	}
	c.regular[powercomponent.PolicyInitialOn] = powercomponent.Policy{
		ID:              powercomponent.PolicyInitialOn,
		EnabledStandard: []powercomponent.Component{powercomponent.Audio, powercomponent.Display, powercomponent.CPU},
		DisabledStandard: without(all, powercomponent.Audio, powercomponent.Display, powercomponent.CPU),
	}
	c.preemptive[powercomponent.PolicyNoUserInteraction] = powercomponent.Policy{
		ID: powercomponent.PolicyNoUserInteraction,
		EnabledStandard: []powercomponent.Component{
			powercomponent.WiFi, powercomponent.Cellular, powercomponent.Ethernet,
			powercomponent.TrustedDeviceDetection, powercomponent.CPU,
		},
		DisabledStandard: []powercomponent.Component{
			powercomponent.Audio, powercomponent.Media, powercomponent.Display, powercomponent.Bluetooth,
			powercomponent.Projection, powercomponent.NFC, powercomponent.Input,
			powercomponent.VoiceInteraction, powercomponent.VisualInteraction,
			powercomponent.Location, powercomponent.Microphone,
		},
	}
	c.regular[powercomponent.PolicySuspendPrep] = powercomponent.Policy{
		ID: powercomponent.PolicySuspendPrep,
		DisabledStandard: []powercomponent.Component{
			powercomponent.Audio, powercomponent.Bluetooth, powercomponent.WiFi,
			powercomponent.Location, powercomponent.Microphone, powercomponent.CPU,
		},
	}
}

func without(all []powercomponent.Component, exclude ...powercomponent.Component) []powercomponent.Component {
	skip := make(map[powercomponent.Component]bool, len(exclude))
	for _, e := range exclude {
		skip[e] = true
	}
	out := make([]powercomponent.Component, 0, len(all))
	for _, c := range all {
		if !skip[c] {
			out = append(out, c)
		}
	}
	return out
}

// GetPolicy searches regular policies first, then preemptive.
func (c *Catalog) GetPolicy(id string) (powercomponent.AppliedPolicyMeta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.regular[id]; ok {
		return powercomponent.AppliedPolicyMeta{Policy: p, IsPreemptive: false}, nil
	}
	if p, ok := c.preemptive[id]; ok {
		return powercomponent.AppliedPolicyMeta{Policy: p, IsPreemptive: true}, nil
	}
	return powercomponent.AppliedPolicyMeta{}, rpcerr.New(rpcerr.InvalidArgument, "policy not found: "+id, nil)
}

// GetDefaultForState resolves the policy id applied for a vehicle power
// state, consulting groupID's entry, or the stored default group when
// groupID is empty.
func (c *Catalog) GetDefaultForState(groupID string, state powercomponent.VehiclePowerState) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	gid := groupID
	if gid == "" {
		gid = c.defaultGroupID
	}
	g, ok := c.groups[gid]
	if !ok {
		return "", rpcerr.New(rpcerr.InvalidArgument, "policy group not found: "+gid, nil)
	}
	var id string
	switch state {
	case powercomponent.WaitForVHAL:
		id = g.PolicyForWait
	case powercomponent.On:
		id = g.PolicyForOn
	}
	if id == "" {
		return "", rpcerr.New(rpcerr.InvalidArgument, "policy group has no entry for state", nil)
	}
	return id, nil
}

// DefinePolicy accepts a runtime-defined (typically vendor-loaded) policy.
// enabledStd/disabledStd are standard component values; enabledCustom/
// disabledCustom are integer ids that must satisfy the custom-component
// minimum.
func (c *Catalog) DefinePolicy(id string, enabledStd, disabledStd []powercomponent.Component, enabledCustom, disabledCustom []int32) error {
	if id == "" {
		return rpcerr.Invalid("policy id must not be empty")
	}
	for _, id32 := range append(append([]int32{}, enabledCustom...), disabledCustom...) {
		if !powercomponent.IsValidCustom(id32) {
			return rpcerr.New(rpcerr.InvalidArgument, "custom component below minimum", nil)
		}
	}
	for _, comp := range append(append([]powercomponent.Component{}, enabledStd...), disabledStd...) {
		if !comp.IsValidStandard() {
			return rpcerr.New(rpcerr.InvalidArgument, "unknown standard component", nil)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.regular[id]; exists {
		return rpcerr.New(rpcerr.InvalidArgument, "policy already defined: "+id, nil)
	}
	if _, exists := c.preemptive[id]; exists {
		return rpcerr.New(rpcerr.InvalidArgument, "policy already defined: "+id, nil)
	}
	c.regular[id] = powercomponent.Policy{
		ID:                id,
		EnabledStandard:   enabledStd,
		DisabledStandard:  disabledStd,
		EnabledCustom:     enabledCustom,
		DisabledCustom:    disabledCustom,
	}
	return nil
}

// DefinePolicyGroup requires exactly two entries (WaitForVHAL, On); an
// empty entry means "unset for that state"; any non-empty entry must name
// a registered policy.
func (c *Catalog) DefinePolicyGroup(groupID string, policyForWait, policyForOn string) error {
	if groupID == "" {
		return rpcerr.Invalid("group id must not be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ref := range []string{policyForWait, policyForOn} {
		if ref == "" {
			continue
		}
		if _, ok := c.regular[ref]; ok {
			continue
		}
		if _, ok := c.preemptive[ref]; ok {
			continue
		}
		return rpcerr.New(rpcerr.InvalidArgument, "policy group references unknown policy: "+ref, nil)
	}

	c.groups[groupID] = powercomponent.PolicyGroup{
		ID:            groupID,
		PolicyForWait: policyForWait,
		PolicyForOn:   policyForOn,
	}
	return nil
}

// SetDefaultGroup names the group used when GetDefaultForState is called
// with an empty groupID.
func (c *Catalog) SetDefaultGroup(groupID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.groups[groupID]; !ok {
		return rpcerr.New(rpcerr.InvalidArgument, "policy group not found: "+groupID, nil)
	}
	c.defaultGroupID = groupID
	return nil
}

// IsGroupAvailable reports whether groupID names a registered policy group.
func (c *Catalog) IsGroupAvailable(groupID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.groups[groupID]
	return ok
}

// CustomComponentIDs returns every custom component id referenced by any
// registered policy, de-duplicated.
func (c *Catalog) CustomComponentIDs() []int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[int32]bool)
	var out []int32
	collect := func(ids []int32) {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	for _, p := range c.regular {
		collect(p.EnabledCustom)
		collect(p.DisabledCustom)
	}
	for _, p := range c.preemptive {
		collect(p.EnabledCustom)
		collect(p.DisabledCustom)
	}
	return out
}

// RegisteredPolicies returns every registered policy id, regular and
// preemptive together.
func (c *Catalog) RegisteredPolicies() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.regular)+len(c.preemptive))
	for id := range c.regular {
		out = append(out, id)
	}
	for id := range c.preemptive {
		out = append(out, id)
	}
	return out
}

// MergeVendorOverride merges a vendor-supplied override into the
// no_user_interaction built-in, restricted to the allow-listed components.
// Components outside the allow-list are silently ignored, per the vendor
// contract in 4.1.
func (c *Catalog) MergeVendorOverride(enabledStd, disabledStd []powercomponent.Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.preemptive[powercomponent.PolicyNoUserInteraction]
	for _, comp := range enabledStd {
		if allowedNoUserInteractionOverrides[comp] {
			p.EnabledStandard = appendUnique(p.EnabledStandard, comp)
			p.DisabledStandard = removeComponent(p.DisabledStandard, comp)
		}
	}
	for _, comp := range disabledStd {
		if allowedNoUserInteractionOverrides[comp] {
			p.DisabledStandard = appendUnique(p.DisabledStandard, comp)
			p.EnabledStandard = removeComponent(p.EnabledStandard, comp)
		}
	}
	c.preemptive[powercomponent.PolicyNoUserInteraction] = p
}

func appendUnique(s []powercomponent.Component, c powercomponent.Component) []powercomponent.Component {
	for _, x := range s {
		if x == c {
			return s
		}
	}
	return append(s, c)
}

func removeComponent(s []powercomponent.Component, c powercomponent.Component) []powercomponent.Component {
	out := s[:0:0]
	for _, x := range s {
		if x != c {
			out = append(out, x)
		}
	}
	return out
}
