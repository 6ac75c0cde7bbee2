package watchdogapi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/carplatform/vhalguard/internal/clients"
	"github.com/carplatform/vhalguard/internal/dispatch"
	"github.com/carplatform/vhalguard/internal/healthcheck"
	"github.com/carplatform/vhalguard/internal/ipc"
)

// fakeStream is a minimal grpc.ServerStream stand-in shared by every
// stream test below: it records sent messages and exposes a cancelable
// context so the RegisterX call under test can be unblocked.
type fakeStream struct {
	grpc.ServerStream
	ctx  context.Context
	sent []any
}

func (f *fakeStream) Context() context.Context { return f.ctx }
func (f *fakeStream) SendMsg(m any) error {
	f.sent = append(f.sent, m)
	return nil
}
func (f *fakeStream) RecvMsg(m any) error          { return nil }
func (f *fakeStream) SetHeader(metadata.MD) error  { return nil }
func (f *fakeStream) SendHeader(metadata.MD) error { return nil }
func (f *fakeStream) SetTrailer(metadata.MD)       {}

type noopMonitor struct{}

func (noopMonitor) OnClientsNotResponding([]ipc.ProcessIdentifier) {}

func newTestServer() (*Server, *healthcheck.Scheduler, *clients.Registry) {
	reg := clients.New()
	sched := healthcheck.New(reg, dispatch.New(8), nil, nil)
	return New(sched, nil), sched, reg
}

func TestRegisterClientStreamRegistersAndUnregistersOnExit(t *testing.T) {
	s, _, reg := newTestServer()
	ctx, cancel := context.WithCancel(context.Background())
	stream := &fakeStream{ctx: ctx}

	done := make(chan error, 1)
	go func() {
		done <- s.RegisterClient(&RegisterClientRequest{Handle: "h1", PID: 42, Track: ipc.Critical}, stream)
	}()

	require.Eventually(t, func() bool {
		_, ok := reg.Get("h1")
		return ok
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	require.Eventually(t, func() bool {
		_, ok := reg.Get("h1")
		return !ok
	}, time.Second, time.Millisecond)
}

func TestRegisterClientRejectsEmptyHandle(t *testing.T) {
	s, _, _ := newTestServer()
	ctx := context.Background()
	stream := &fakeStream{ctx: ctx}
	err := s.RegisterClient(&RegisterClientRequest{}, stream)
	require.Error(t, err)
}

func TestTellClientAliveUnknownSessionErrors(t *testing.T) {
	s, _, _ := newTestServer()
	_, err := s.TellClientAlive(context.Background(), &AliveRequest{SessionID: 999})
	require.Error(t, err)
}

func TestRegisterMonitorRejectsSecondDistinctHandle(t *testing.T) {
	s, sched, _ := newTestServer()
	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	stream1 := &fakeStream{ctx: ctx1}
	done1 := make(chan error, 1)
	go func() { done1 <- s.RegisterMonitor(&RegisterMonitorRequest{Handle: "m1"}, stream1) }()

	// RegisterMonitor("m1", ...) is idempotent: calling it again directly
	// guarantees the handle is set to "m1" before the assertion below,
	// regardless of how far the stream goroutine above has gotten.
	require.NoError(t, sched.RegisterMonitor("m1", noopMonitor{}))

	stream2 := &fakeStream{ctx: context.Background()}
	err := s.RegisterMonitor(&RegisterMonitorRequest{Handle: "m2"}, stream2)
	require.Error(t, err)

	cancel1()
	<-done1
}

func TestRegisterCarWatchdogServiceRejectsEmptyHandle(t *testing.T) {
	s, _, _ := newTestServer()
	stream := &fakeStream{ctx: context.Background()}
	err := s.RegisterCarWatchdogService(&RegisterServiceRequest{}, stream)
	require.Error(t, err)
}

func TestTellCarWatchdogServiceAliveUnknownSessionErrors(t *testing.T) {
	s, _, _ := newTestServer()
	_, err := s.TellCarWatchdogServiceAlive(context.Background(), &ServiceAliveRequest{SessionID: 999})
	require.Error(t, err)
}

// TestRegisterCarWatchdogServiceRegistersAsFrameworkServiceType exercises
// the relay registration path end to end: the stream blocks until
// canceled, and the registry records the entry under the
// framework-service type the scheduler forces regardless of the request.
func TestRegisterCarWatchdogServiceRegistersAsFrameworkServiceType(t *testing.T) {
	s, _, reg := newTestServer()
	ctx, cancel := context.WithCancel(context.Background())
	stream := &fakeStream{ctx: ctx}

	done := make(chan error, 1)
	go func() {
		done <- s.RegisterCarWatchdogService(&RegisterServiceRequest{Handle: "relay", PID: 1}, stream)
	}()

	require.Eventually(t, func() bool {
		e, ok := reg.Get("relay")
		return ok && e.Type == clients.FrameworkService
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	_, ok := reg.Get("relay")
	require.False(t, ok)
}

func TestTellDumpFinishedRejectsUnregisteredMonitor(t *testing.T) {
	s, _, _ := newTestServer()
	_, err := s.TellDumpFinished(context.Background(), &DumpFinishedRequest{MonitorHandle: "nope", PID: 1})
	require.Error(t, err)
}
