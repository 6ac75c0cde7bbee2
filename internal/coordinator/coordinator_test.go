package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/carplatform/vhalguard/internal/catalog"
	"github.com/carplatform/vhalguard/internal/dispatch"
	"github.com/carplatform/vhalguard/internal/observerregistry"
	"github.com/carplatform/vhalguard/internal/powercomponent"
	"github.com/carplatform/vhalguard/internal/powerstate"
)

type fakeVhal struct{ lastID string }

func (f *fakeVhal) SetCurrentPolicy(_ context.Context, id string) { f.lastID = id }

type recordingObserver struct{ seen []string }

func (r *recordingObserver) OnPolicyChanged(accumulated powercomponent.Policy) {
	r.seen = append(r.seen, accumulated.ID)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *catalog.Catalog) {
	t.Helper()
	cat := catalog.New()
	require.NoError(t, cat.DefinePolicy("vendor_regular_A", []powercomponent.Component{powercomponent.Audio}, nil, nil, nil))
	require.NoError(t, cat.DefinePolicy("vendor_regular_B", []powercomponent.Component{powercomponent.Display}, nil, nil, nil))

	c := New(cat, powerstate.New(), observerregistry.New(), &fakeVhal{}, dispatch.New(8), nil, func() int64 { return 0 })
	c.SetVhalReady(true)
	return c, cat
}

func TestS1PreemptiveLockAndRecovery(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.ApplyRegular(ctx, "vendor_regular_A", false))
	require.NoError(t, c.ApplyPreemptive(ctx, powercomponent.PolicyNoUserInteraction))
	require.True(t, c.IsLocked())

	require.NoError(t, c.ApplyRegular(ctx, "vendor_regular_B", false))
	meta, err := c.GetCurrentPolicy()
	require.NoError(t, err)
	require.Equal(t, powercomponent.PolicyNoUserInteraction, meta.Policy.ID, "skipped apply must not change the applied policy")
	require.Equal(t, "vendor_regular_B", c.PendingID())

	require.NoError(t, c.ApplyRegular(ctx, "vendor_regular_B", true))
	meta, err = c.GetCurrentPolicy()
	require.NoError(t, err)
	require.Equal(t, "vendor_regular_B", meta.Policy.ID)
	require.Empty(t, c.PendingID())
	require.False(t, c.IsLocked())
}

func TestApplyBeforeVhalReadyIsDeferred(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.SetVhalReady(false)
	ctx := context.Background()

	require.NoError(t, c.ApplyRegular(ctx, "vendor_regular_A", false))
	_, err := c.GetCurrentPolicy()
	require.Error(t, err, "nothing applied while vhal is not ready")
	require.Equal(t, "vendor_regular_A", c.PendingID())
}

func TestSamePolicyIDIsSkipped(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, c.ApplyRegular(ctx, "vendor_regular_A", false))
	require.NoError(t, c.ApplyRegular(ctx, "vendor_regular_A", false))

	meta, err := c.GetCurrentPolicy()
	require.NoError(t, err)
	require.Equal(t, "vendor_regular_A", meta.Policy.ID)
}

func TestObserverReceivesAppliedOrderNotifications(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	obs := &recordingObserver{}
	require.NoError(t, c.RegisterObserver("h1", 100, nil, obs))

	require.NoError(t, c.ApplyRegular(ctx, "vendor_regular_A", false))
	require.NoError(t, c.ApplyRegular(ctx, "vendor_regular_B", false))

	require.Equal(t, []string{"vendor_regular_A", "vendor_regular_B"}, obs.seen)
}

func TestApplyAsyncRejectsDuplicateRequestID(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	go c.disp.Run(ctx)

	c.NotifyServiceReady(nil)
	require.NoError(t, c.ApplyAsync(ctx, "req-1", "vendor_regular_A", false))
	err := c.ApplyAsync(ctx, "req-1", "vendor_regular_B", false)
	require.Error(t, err)
}

func TestApplyAsyncRejectedBeforeTakeover(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	err := c.ApplyAsync(ctx, "req-1", "vendor_regular_A", false)
	require.Error(t, err)
}

func TestSetPowerPolicyGroupRejectedAfterTakeover(t *testing.T) {
	c, _ := newTestCoordinator(t)
	require.NoError(t, c.catalog.DefinePolicyGroup("g1", powercomponent.PolicyInitialOn, powercomponent.PolicyAllOn))
	require.NoError(t, c.SetPowerPolicyGroup("g1"))

	c.NotifyServiceReady(nil)
	require.Error(t, c.SetPowerPolicyGroup("g1"))
}

func TestDoubleNotifyServiceReadyIsIdempotent(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, c.ApplyRegular(ctx, "vendor_regular_A", false))

	var stopCalls int
	stop := func() { stopCalls++ }

	r1 := c.NotifyServiceReady(stop)
	r2 := c.NotifyServiceReady(stop)
	require.Equal(t, r1.CurrentPolicyID, r2.CurrentPolicyID)
	require.Equal(t, 2, stopCalls, "stop is invoked each call, but observable coordinator state is unchanged")
	require.True(t, c.TookOver())
}
