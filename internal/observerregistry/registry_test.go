package observerregistry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/carplatform/vhalguard/internal/powercomponent"
)

func TestRegisterAndSnapshot(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Entry{Handle: "h1", PID: 100}))
	require.Equal(t, 1, r.Len())

	snap := r.Snapshot(nil)
	require.Len(t, snap, 1)
	require.Equal(t, Handle("h1"), snap[0].Handle)
}

func TestRegisterRejectsDuplicateHandle(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Entry{Handle: "h1"}))
	err := r.Register(Entry{Handle: "h1"})
	require.Error(t, err)
	require.Equal(t, 1, r.Len())
}

func TestRegisterRejectsEmptyHandle(t *testing.T) {
	r := New()
	require.Error(t, r.Register(Entry{Handle: ""}))
}

func TestUnregisterRemovesEntry(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Entry{Handle: "h1"}))
	require.NoError(t, r.Unregister("h1"))
	require.Equal(t, 0, r.Len())
	require.Error(t, r.Unregister("h1"))
}

func TestOnDeathDropsEntrySilently(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Entry{Handle: "h1"}))
	r.OnDeath("h1")
	require.Equal(t, 0, r.Len())
	r.OnDeath("h1") // second call is a silent no-op, not an error
	require.Equal(t, 0, r.Len())
}

func TestSnapshotFiltersByComponent(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Entry{
		Handle: "audio-only",
		Filter: map[powercomponent.Component]bool{powercomponent.Audio: true},
	}))
	require.NoError(t, r.Register(Entry{
		Handle: "all",
	}))

	changed := map[powercomponent.Component]bool{powercomponent.WiFi: true}
	snap := r.Snapshot(changed)
	require.Len(t, snap, 1, "only the unfiltered observer should match a WiFi-only change")
	require.Equal(t, Handle("all"), snap[0].Handle)

	changed = map[powercomponent.Component]bool{powercomponent.Audio: true}
	snap = r.Snapshot(changed)
	require.Len(t, snap, 2, "both observers match when Audio changes")
}
