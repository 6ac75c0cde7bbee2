package healthcheck

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/carplatform/vhalguard/internal/clients"
	"github.com/carplatform/vhalguard/internal/dispatch"
	"github.com/carplatform/vhalguard/internal/ipc"
)

type fakeClient struct {
	id      string
	checked []int32
	failErr error
}

func (c *fakeClient) CheckIfAlive(sessionID int32, track ipc.TimeoutTrack) error {
	c.checked = append(c.checked, sessionID)
	return c.failErr
}
func (c *fakeClient) PrepareProcessTermination() {}

type fakeMonitor struct {
	calls [][]ipc.ProcessIdentifier
}

func (m *fakeMonitor) OnClientsNotResponding(list []ipc.ProcessIdentifier) {
	m.calls = append(m.calls, list)
}

func newScheduler() (*Scheduler, *clients.Registry) {
	reg := clients.New()
	s := New(reg, dispatch.New(8), nil, nil)
	return s, reg
}

func TestRegisterClientRejectsDuplicate(t *testing.T) {
	s, _ := newScheduler()
	c := &fakeClient{}
	require.NoError(t, s.RegisterClient(clients.Entry{Handle: "h1", Client: c, Track: ipc.Critical}))
	err := s.RegisterClient(clients.Entry{Handle: "h1", Client: c, Track: ipc.Critical})
	require.Error(t, err)
}

func TestS3HealthCheckEscalation(t *testing.T) {
	s, _ := newScheduler()
	mon := &fakeMonitor{}
	require.NoError(t, s.RegisterMonitor("test-monitor", mon))

	c1 := &fakeClient{id: "c1"}
	c2 := &fakeClient{id: "c2"}
	require.NoError(t, s.RegisterClient(clients.Entry{Handle: "h1", Client: c1, Track: ipc.Critical, PID: 1}))
	require.NoError(t, s.RegisterClient(clients.Entry{Handle: "h2", Client: c2, Track: ipc.Critical, PID: 2}))

	// First round: pings both clients (step 1's drain is empty the first
	// time since nothing was pinged before this round started).
	s.runRound(ipc.Critical)
	require.Len(t, c1.checked, 1)
	require.Len(t, c2.checked, 1)

	// c1 responds to its session id; c2 never does.
	require.NoError(t, s.TellClientAlive(c1.checked[0]))

	// Second round: c2's prior session is still pinged -> unresponsive.
	s.runRound(ipc.Critical)
	require.Len(t, mon.calls, 1)
	require.Len(t, mon.calls[0], 1)
	require.Equal(t, int32(2), mon.calls[0][0].PID)

	_, stillRegistered := s.reg.Get("h2")
	require.False(t, stillRegistered, "unresponsive client must be removed from the registry")
	_, c1Registered := s.reg.Get("h1")
	require.True(t, c1Registered)
}

func TestSessionIDsAreMonotonicWithinTrack(t *testing.T) {
	s, _ := newScheduler()
	c := &fakeClient{}
	require.NoError(t, s.RegisterClient(clients.Entry{Handle: "h1", Client: c, Track: ipc.Normal}))

	s.runRound(ipc.Normal)
	require.NoError(t, s.TellClientAlive(c.checked[0]))
	s.runRound(ipc.Normal)
	require.NoError(t, s.TellClientAlive(c.checked[1]))

	require.Less(t, c.checked[0], c.checked[1])
}

func TestTellClientAliveUnknownSessionIsInvalidArgument(t *testing.T) {
	s, _ := newScheduler()
	err := s.TellClientAlive(999)
	require.Error(t, err)
}

func TestSetOverrideRejectsBelowNormalTimeout(t *testing.T) {
	s, _ := newScheduler()
	err := s.SetOverride(1)
	require.Error(t, err)
}

func TestRegisterMonitorRejectsSecondDistinctHandle(t *testing.T) {
	s, _ := newScheduler()
	require.NoError(t, s.RegisterMonitor("m1", &fakeMonitor{}))
	err := s.RegisterMonitor("m2", &fakeMonitor{})
	require.Error(t, err)
}

func TestUnregisterMonitorRejectsUnknownHandle(t *testing.T) {
	s, _ := newScheduler()
	require.NoError(t, s.RegisterMonitor("m1", &fakeMonitor{}))
	err := s.UnregisterMonitor("other")
	require.Error(t, err)
	require.NoError(t, s.UnregisterMonitor("m1"))
}

func TestOnMonitorDeathDropsOnlyMatchingHandle(t *testing.T) {
	s, _ := newScheduler()
	mon := &fakeMonitor{}
	require.NoError(t, s.RegisterMonitor("m1", mon))
	s.OnMonitorDeath("other")
	s.mu.Lock()
	still := s.monitor
	s.mu.Unlock()
	require.NotNil(t, still)

	s.OnMonitorDeath("m1")
	s.mu.Lock()
	gone := s.monitor
	s.mu.Unlock()
	require.Nil(t, gone)
}

func TestTellDumpFinishedRejectsUnknownMonitor(t *testing.T) {
	s, _ := newScheduler()
	require.NoError(t, s.RegisterMonitor("m1", &fakeMonitor{}))
	err := s.TellDumpFinished("other", ipc.ProcessIdentifier{PID: 42})
	require.Error(t, err)
	require.NoError(t, s.TellDumpFinished("m1", ipc.ProcessIdentifier{PID: 42}))
}

func TestTellCarWatchdogServiceAliveForwardsNotRespondingList(t *testing.T) {
	s, _ := newScheduler()
	mon := &fakeMonitor{}
	require.NoError(t, s.RegisterMonitor("m1", mon))

	relay := &fakeClient{}
	require.NoError(t, s.RegisterCarWatchdogService(clients.Entry{Handle: "relay", Client: relay, Track: ipc.Critical}))
	s.runRound(ipc.Critical)
	require.Len(t, relay.checked, 1)

	notResponding := []ipc.ProcessIdentifier{{PID: 7}}
	require.NoError(t, s.TellCarWatchdogServiceAlive(relay.checked[0], notResponding))
	require.Len(t, mon.calls, 1)
	require.Equal(t, notResponding, mon.calls[0])
}
