package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/carplatform/vhalguard/internal/powercomponent"
)

func TestBuiltinsPresent(t *testing.T) {
	c := New()
	for _, id := range []string{
		powercomponent.PolicyAllOn,
		powercomponent.PolicyInitialOn,
		powercomponent.PolicyNoUserInteraction,
		powercomponent.PolicySuspendPrep,
	} {
		_, err := c.GetPolicy(id)
		require.NoErrorf(t, err, "builtin %s must be registered", id)
	}

	meta, err := c.GetPolicy(powercomponent.PolicyNoUserInteraction)
	require.NoError(t, err)
	require.True(t, meta.IsPreemptive)

	meta, err = c.GetPolicy(powercomponent.PolicyAllOn)
	require.NoError(t, err)
	require.False(t, meta.IsPreemptive)
}

func TestDefinePolicyRoundTrip(t *testing.T) {
	c := New()
	enabled := []powercomponent.Component{powercomponent.Audio, powercomponent.Display}
	disabled := []powercomponent.Component{powercomponent.WiFi}

	require.NoError(t, c.DefinePolicy("vendor_regular_A", enabled, disabled, nil, nil))

	meta, err := c.GetPolicy("vendor_regular_A")
	require.NoError(t, err)
	require.ElementsMatch(t, enabled, meta.Policy.EnabledStandard)
	require.ElementsMatch(t, disabled, meta.Policy.DisabledStandard)
}

func TestDefinePolicyRejectsDuplicate(t *testing.T) {
	c := New()
	require.NoError(t, c.DefinePolicy("dup", nil, nil, nil, nil))
	err := c.DefinePolicy("dup", nil, nil, nil, nil)
	require.Error(t, err)
}

func TestDefinePolicyRejectsInvalidCustomComponent(t *testing.T) {
	c := New()
	err := c.DefinePolicy("bad", nil, nil, []int32{1}, nil)
	require.Error(t, err)
}

func TestDefinePolicyGroupRequiresKnownPolicies(t *testing.T) {
	c := New()
	require.NoError(t, c.DefinePolicy("vendor_regular_A", nil, nil, nil, nil))

	require.NoError(t, c.DefinePolicyGroup("g1", powercomponent.PolicyInitialOn, "vendor_regular_A"))
	require.Error(t, c.DefinePolicyGroup("g2", "nonexistent", ""))
}

func TestGetDefaultForStateUsesDefaultGroup(t *testing.T) {
	c := New()
	require.NoError(t, c.DefinePolicyGroup("g1", powercomponent.PolicyInitialOn, powercomponent.PolicyAllOn))
	require.NoError(t, c.SetDefaultGroup("g1"))

	id, err := c.GetDefaultForState("", powercomponent.WaitForVHAL)
	require.NoError(t, err)
	require.Equal(t, powercomponent.PolicyInitialOn, id)

	id, err = c.GetDefaultForState("g1", powercomponent.On)
	require.NoError(t, err)
	require.Equal(t, powercomponent.PolicyAllOn, id)
}

func TestMergeVendorOverrideRestrictedToAllowlist(t *testing.T) {
	c := New()
	c.MergeVendorOverride(
		[]powercomponent.Component{powercomponent.Bluetooth, powercomponent.Audio},
		nil,
	)
	meta, err := c.GetPolicy(powercomponent.PolicyNoUserInteraction)
	require.NoError(t, err)

	var hasBT, hasAudio bool
	for _, c := range meta.Policy.EnabledStandard {
		if c == powercomponent.Bluetooth {
			hasBT = true
		}
		if c == powercomponent.Audio {
			hasAudio = true
		}
	}
	require.True(t, hasBT, "bluetooth is allow-listed and must be overridable")
	require.False(t, hasAudio, "audio is not allow-listed and must not move")
}
