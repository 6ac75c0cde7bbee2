package powerpolicyapi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/carplatform/vhalguard/internal/catalog"
	"github.com/carplatform/vhalguard/internal/coordinator"
	"github.com/carplatform/vhalguard/internal/dispatch"
	"github.com/carplatform/vhalguard/internal/observerregistry"
	"github.com/carplatform/vhalguard/internal/powercomponent"
	"github.com/carplatform/vhalguard/internal/powerstate"
)

type fakeVhal struct{ lastID string }

func (f *fakeVhal) SetCurrentPolicy(_ context.Context, id string) { f.lastID = id }

func newTestServer(t *testing.T, enableDirectApply bool) (*Server, *coordinator.Coordinator) {
	t.Helper()
	cat := catalog.New()
	require.NoError(t, cat.DefinePolicy("vendor_a", []powercomponent.Component{powercomponent.Audio}, nil, nil, nil))
	coord := coordinator.New(cat, powerstate.New(), observerregistry.New(), &fakeVhal{}, dispatch.New(8), nil, func() int64 { return 0 })
	coord.SetVhalReady(true)
	return New(coord, cat, enableDirectApply, nil), coord
}

func TestGetCurrentPolicyBeforeAnyApplyIsIllegalState(t *testing.T) {
	s, _ := newTestServer(t, true)
	_, err := s.GetCurrentPolicy(context.Background(), &Empty{})
	require.Error(t, err)
}

func TestApplyPowerPolicyDisabledByDefaultFlag(t *testing.T) {
	s, _ := newTestServer(t, false)
	_, err := s.ApplyPowerPolicy(context.Background(), &ApplyRequest{PolicyID: "vendor_a"})
	require.Error(t, err)
}

func TestApplyPowerPolicyAppliesWhenEnabled(t *testing.T) {
	s, _ := newTestServer(t, true)
	_, err := s.ApplyPowerPolicy(context.Background(), &ApplyRequest{PolicyID: "vendor_a"})
	require.NoError(t, err)

	resp, err := s.GetCurrentPolicy(context.Background(), &Empty{})
	require.NoError(t, err)
	require.Equal(t, "vendor_a", resp.Policy.ID)
}

func TestNotifyCarServiceReadyReturnsSnapshot(t *testing.T) {
	s, _ := newTestServer(t, true)
	_, err := s.NotifyPowerPolicyChange(context.Background(), &NotifyChangeRequest{PolicyID: "vendor_a"})
	require.NoError(t, err)

	resp, err := s.NotifyCarServiceReady(context.Background(), &Empty{})
	require.NoError(t, err)
	require.Equal(t, "vendor_a", resp.CurrentPolicyID)
	require.Contains(t, resp.RegisteredPolicies, "vendor_a")
}

func TestApplyPowerPolicyAsyncRequiresTakeover(t *testing.T) {
	s, _ := newTestServer(t, true)
	_, err := s.ApplyPowerPolicyAsync(context.Background(), &ApplyAsyncRequest{RequestID: "r1", PolicyID: "vendor_a"})
	require.Error(t, err)
}

func TestNotifyPowerPolicyDefinitionAddsToCatalog(t *testing.T) {
	s, coord := newTestServer(t, true)
	_, err := s.NotifyPowerPolicyDefinition(context.Background(), &DefineRequest{
		PolicyID:   "vendor_new",
		EnabledStd: []powercomponent.Component{powercomponent.Display},
	})
	require.NoError(t, err)
	require.NoError(t, coord.ApplyRegular(context.Background(), "vendor_new", false))
}

// fakePolicyChangeStream is a minimal grpc.ServerStream stand-in that
// records every sent PolicyChangeEvent and terminates when closed is
// closed, the same shape the watchdogapi tests use for its streams.
type fakePolicyChangeStream struct {
	grpc.ServerStream
	ctx    context.Context
	sent   []*PolicyChangeEvent
}

func (f *fakePolicyChangeStream) Context() context.Context { return f.ctx }
func (f *fakePolicyChangeStream) SendMsg(m any) error {
	f.sent = append(f.sent, m.(*PolicyChangeEvent))
	return nil
}
func (f *fakePolicyChangeStream) SetHeader(metadata.MD) error  { return nil }
func (f *fakePolicyChangeStream) SendHeader(metadata.MD) error { return nil }
func (f *fakePolicyChangeStream) SetTrailer(metadata.MD)       {}
func (f *fakePolicyChangeStream) RecvMsg(m any) error          { return nil }

func TestRegisterPowerPolicyChangeCallbackReceivesFilteredEvents(t *testing.T) {
	s, coord := newTestServer(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	stream := &fakePolicyChangeStream{ctx: ctx}

	done := make(chan error, 1)
	go func() {
		done <- s.RegisterPowerPolicyChangeCallback(&RegisterCallbackRequest{
			Handle: "cb1",
			Filter: []powercomponent.Component{powercomponent.Audio},
		}, stream)
	}()

	require.Eventually(t, func() bool {
		// "cb1" is already registered by the goroutine above once this
		// duplicate registration attempt starts failing.
		return coord.RegisterObserver("cb1", 0, nil, nil) != nil
	}, time.Second, time.Millisecond, "callback must be registered before publishing")

	require.NoError(t, coord.ApplyRegular(context.Background(), "vendor_a", false))
	require.Eventually(t, func() bool { return len(stream.sent) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, "vendor_a", stream.sent[0].Accumulated.ID)

	cancel()
	require.NoError(t, <-done)
}
