package silentmode

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/carplatform/vhalguard/internal/powercomponent"
)

type fakeCoord struct {
	tookOver  bool
	pending   string
	applied   []string
	preempted []string
}

func (f *fakeCoord) ApplyRegular(_ context.Context, id string, force bool) error {
	f.applied = append(f.applied, id)
	return nil
}
func (f *fakeCoord) ApplyPreemptive(_ context.Context, id string) error {
	f.preempted = append(f.preempted, id)
	return nil
}
func (f *fakeCoord) TookOver() bool   { return f.tookOver }
func (f *fakeCoord) PendingID() string { return f.pending }

func TestHandleChangeEnterAndExitSilent(t *testing.T) {
	dir := t.TempDir()
	hwPath := filepath.Join(dir, "silent_state")
	mirrorPath := filepath.Join(dir, "mirror")
	require.NoError(t, os.WriteFile(hwPath, []byte("0"), 0o644))

	coord := &fakeCoord{pending: "vendor_regular_A"}
	w := New(coord, hwPath, mirrorPath, NotForced, nil)

	require.NoError(t, os.WriteFile(hwPath, []byte("1"), 0o644))
	w.handleChange(context.Background())
	require.Equal(t, []string{powercomponent.PolicyNoUserInteraction}, coord.preempted)
	require.True(t, w.Silent())
	mirrored, err := os.ReadFile(mirrorPath)
	require.NoError(t, err)
	require.Equal(t, "1", string(mirrored))

	require.NoError(t, os.WriteFile(hwPath, []byte("0"), 0o644))
	w.handleChange(context.Background())
	require.Equal(t, []string{"vendor_regular_A"}, coord.applied)
	require.False(t, w.Silent())
}

func TestHandleChangeDiscardedAfterTakeover(t *testing.T) {
	dir := t.TempDir()
	hwPath := filepath.Join(dir, "silent_state")
	require.NoError(t, os.WriteFile(hwPath, []byte("1"), 0o644))

	coord := &fakeCoord{tookOver: true}
	w := New(coord, hwPath, "", NotForced, nil)
	w.handleChange(context.Background())

	require.Empty(t, coord.preempted)
	require.Empty(t, coord.applied)
}

func TestForcedModeSkipsMonitoring(t *testing.T) {
	coord := &fakeCoord{}
	w := New(coord, "/nonexistent", "", ForcedSilent, nil)
	require.NoError(t, w.Start(context.Background()))
	require.True(t, w.Silent())
}
