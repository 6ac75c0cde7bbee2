package powerstate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/carplatform/vhalguard/internal/powercomponent"
)

func TestInitialStateAllDisabled(t *testing.T) {
	s := New()
	for _, c := range powercomponent.AllStandardComponents() {
		on, err := s.StandardState(c)
		require.NoError(t, err)
		require.False(t, on)
	}
}

func TestApplyFoldsSequentially(t *testing.T) {
	s := New()
	s.Apply(powercomponent.Policy{
		ID:               "p1",
		EnabledStandard:  []powercomponent.Component{powercomponent.Audio, powercomponent.Display},
		DisabledStandard: []powercomponent.Component{powercomponent.WiFi},
	})
	s.Apply(powercomponent.Policy{
		ID:               "p2",
		EnabledStandard:  []powercomponent.Component{powercomponent.WiFi},
		DisabledStandard: []powercomponent.Component{powercomponent.Display},
	})

	audio, _ := s.StandardState(powercomponent.Audio)
	display, _ := s.StandardState(powercomponent.Display)
	wifi, _ := s.StandardState(powercomponent.WiFi)

	require.True(t, audio, "audio untouched by p2, should remain enabled from p1")
	require.False(t, display, "display disabled by p2")
	require.True(t, wifi, "wifi enabled by p2, overriding p1's disable")

	require.Equal(t, "p2", s.Accumulated().ID)
}

func TestCustomComponentAccumulation(t *testing.T) {
	s := New()
	s.Apply(powercomponent.Policy{ID: "p1", EnabledCustom: []int32{1000, 1001}})
	s.Apply(powercomponent.Policy{ID: "p2", DisabledCustom: []int32{1000}})

	require.False(t, s.CustomState(1000))
	require.True(t, s.CustomState(1001))
	require.False(t, s.CustomState(9999), "never-applied custom component reports false")
}

func TestUnknownStandardComponentError(t *testing.T) {
	s := New()
	_, err := s.StandardState(powercomponent.Component(999))
	require.Error(t, err)
}
