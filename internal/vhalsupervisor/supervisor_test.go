package vhalsupervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/carplatform/vhalguard/internal/dispatch"
	"github.com/carplatform/vhalguard/internal/ipc"
)

type fakeRegistry struct {
	proc ipc.ProcessIdentifier
	ok   bool
}

func (f *fakeRegistry) FindVhalProcess() (ipc.ProcessIdentifier, bool) { return f.proc, f.ok }

type fakeMonitor struct {
	calls [][]ipc.ProcessIdentifier
}

func (m *fakeMonitor) OnClientsNotResponding(list []ipc.ProcessIdentifier) {
	m.calls = append(m.calls, list)
}

func TestS6HeartbeatRegressionTerminatesVhal(t *testing.T) {
	reg := &fakeRegistry{proc: ipc.ProcessIdentifier{PID: 42}, ok: true}
	mon := &fakeMonitor{}
	clock := int64(0)
	s := New(reg, mon, dispatch.New(4), 3*time.Second, func() int64 { return clock }, nil)

	s.OnHeartbeat(context.Background(), 100)
	require.False(t, s.Terminated())

	s.OnHeartbeat(context.Background(), 95)
	require.True(t, s.Terminated())
	require.Len(t, mon.calls, 1)
	require.Equal(t, int32(42), mon.calls[0][0].PID)
}

func TestHeartbeatIncreaseDoesNotTerminate(t *testing.T) {
	reg := &fakeRegistry{ok: true}
	mon := &fakeMonitor{}
	s := New(reg, mon, dispatch.New(4), 3*time.Second, func() int64 { return 0 }, nil)

	s.OnHeartbeat(context.Background(), 1)
	s.OnHeartbeat(context.Background(), 2)
	require.False(t, s.Terminated())
	require.Empty(t, mon.calls)
}
