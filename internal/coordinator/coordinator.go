// Package coordinator implements PolicyCoordinator: the single
// decision-serializing component for every power policy change. Grounded
// on escalation.ProcessState's mutex-guarded state-with-transition-method
// shape (one lock, one decision function, explicit terminal states) and
// on the dispatcher pattern in internal/dispatch for the post-takeover
// request channel.
package coordinator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/carplatform/vhalguard/internal/catalog"
	"github.com/carplatform/vhalguard/internal/dispatch"
	"github.com/carplatform/vhalguard/internal/ipc"
	"github.com/carplatform/vhalguard/internal/observerregistry"
	"github.com/carplatform/vhalguard/internal/powercomponent"
	"github.com/carplatform/vhalguard/internal/powerstate"
	"github.com/carplatform/vhalguard/internal/rpcerr"
)

// Observer receives policy-change fan-out. Registered alongside an
// observerregistry.Entry so the registry can answer filter/death
// questions while this map answers "how do I call back".
type Observer interface {
	OnPolicyChanged(accumulated powercomponent.Policy)
}

// VhalMirror mirrors the current policy id to VHAL's current-policy
// property. A no-op implementation is used when VHAL is not yet
// connected; failures are logged by the implementation, not propagated.
type VhalMirror interface {
	SetCurrentPolicy(ctx context.Context, id string)
}

// Decision is the outcome of canApply.
type Decision int

const (
	Skip Decision = iota
	Proceed
)

// Coordinator serializes every policy-change decision behind one mutex,
// per the concurrency model: current applied policy, pending id, lock
// bit, and takeover bit are all guarded together.
type Coordinator struct {
	catalog   *catalog.Catalog
	state     *powerstate.State
	observers *observerregistry.Registry
	vhal      VhalMirror
	log       *zap.Logger
	disp      *dispatch.Dispatcher
	nowMs     func() int64

	mu                   sync.Mutex
	observerCallbacks    map[observerregistry.Handle]Observer
	delegate             ipc.PowerPolicyDelegate
	currentMeta          powercomponent.AppliedPolicyMeta
	currentSet           bool
	pendingID            string
	isLocked             bool
	carServiceTookOver   bool
	currentGroupID       string
	lastApplyUptimeMs    int64
	lastGroupSetUptimeMs int64
	vhalReady            bool
	seenRequestIDs       map[string]bool
}

// New creates a Coordinator. nowMs supplies uptime milliseconds (injected
// for deterministic tests); vhal may be nil until the VHAL bridge
// connects.
func New(cat *catalog.Catalog, state *powerstate.State, observers *observerregistry.Registry, vhal VhalMirror, disp *dispatch.Dispatcher, log *zap.Logger, nowMs func() int64) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		catalog:           cat,
		state:             state,
		observers:         observers,
		vhal:              vhal,
		log:               log,
		disp:              disp,
		nowMs:             nowMs,
		observerCallbacks: make(map[observerregistry.Handle]Observer),
		seenRequestIDs:    make(map[string]bool),
	}
}

// SetVhalReady flips the vhalReady gate; until set, every apply request
// is deferred (recorded as pending) rather than skipped outright.
func (c *Coordinator) SetVhalReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vhalReady = ready
}

// SetDelegate attaches the framework-side delegate. A nil delegate
// reports Connected() == false to every caller.
func (c *Coordinator) SetDelegate(d ipc.PowerPolicyDelegate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delegate = d
}

// RegisterObserver adds an observer entry and its callback atomically.
func (c *Coordinator) RegisterObserver(handle observerregistry.Handle, pid int32, filter map[powercomponent.Component]bool, cb Observer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.observers.Register(observerregistry.Entry{Handle: handle, Filter: filter, PID: pid}); err != nil {
		return err
	}
	c.observerCallbacks[handle] = cb
	return nil
}

// UnregisterObserver removes both the registry entry and its callback.
func (c *Coordinator) UnregisterObserver(handle observerregistry.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.observers.Unregister(handle); err != nil {
		return err
	}
	delete(c.observerCallbacks, handle)
	return nil
}

// OnObserverDeath drops an observer's subscription without error, per the
// death-notification-must-not-extend-lifetime invariant.
func (c *Coordinator) OnObserverDeath(handle observerregistry.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers.OnDeath(handle)
	delete(c.observerCallbacks, handle)
}

// GetCurrentPolicy returns the applied policy, or IllegalState if none
// has been applied yet.
func (c *Coordinator) GetCurrentPolicy() (powercomponent.AppliedPolicyMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.currentSet {
		return powercomponent.AppliedPolicyMeta{}, rpcerr.New(rpcerr.IllegalState, "no power policy has been applied", nil)
	}
	return c.currentMeta, nil
}

// GetPowerComponentState answers whether a standard component is
// currently enabled in the accumulated state.
func (c *Coordinator) GetPowerComponentState(comp powercomponent.Component) (bool, error) {
	return c.state.StandardState(comp)
}

// canApplyLocked implements the five-step decision procedure. Caller must hold
// c.mu.
func (c *Coordinator) canApplyLocked(meta powercomponent.AppliedPolicyMeta, force bool) Decision {
	if !c.vhalReady {
		c.pendingID = meta.Policy.ID
		return Skip
	}
	if c.currentSet && meta.Policy.ID == c.currentMeta.Policy.ID {
		return Skip
	}
	if meta.IsPreemptive {
		if c.currentSet && !c.currentMeta.IsPreemptive {
			c.pendingID = c.currentMeta.Policy.ID
		}
		c.isLocked = true
		return Proceed
	}
	// meta is regular
	if force {
		c.pendingID = ""
		c.isLocked = false
		return Proceed
	}
	if c.isLocked {
		c.pendingID = meta.Policy.ID
		return Skip
	}
	return Proceed
}

// ApplyRegular is the pre-takeover request channel: VHAL property-change
// events and SilentModeWatcher call this directly.
func (c *Coordinator) ApplyRegular(ctx context.Context, id string, force bool) error {
	meta, err := c.catalog.GetPolicy(id)
	if err != nil {
		return err
	}
	return c.apply(ctx, meta, force)
}

// ApplyPreemptive applies a preemptive (isPreemptive == true) policy,
// used for the no_user_interaction transition and any vendor-defined
// preemptive policy.
func (c *Coordinator) ApplyPreemptive(ctx context.Context, id string) error {
	meta, err := c.catalog.GetPolicy(id)
	if err != nil {
		return err
	}
	if !meta.IsPreemptive {
		return rpcerr.New(rpcerr.InvalidArgument, "policy is not preemptive: "+id, nil)
	}
	return c.apply(ctx, meta, false)
}

// ApplyAsync is the post-takeover request channel: only the delegate may
// drive policy changes here, serialized onto the dispatcher thread.
// Duplicate request ids are rejected synchronously, before any posting.
func (c *Coordinator) ApplyAsync(ctx context.Context, requestID, id string, force bool) error {
	c.mu.Lock()
	if !c.carServiceTookOver {
		c.mu.Unlock()
		return rpcerr.New(rpcerr.IllegalState, "applyPowerPolicyAsync requires takeover", nil)
	}
	if c.seenRequestIDs[requestID] {
		c.mu.Unlock()
		return rpcerr.New(rpcerr.InvalidArgument, "duplicate request id: "+requestID, nil)
	}
	c.seenRequestIDs[requestID] = true
	delegate := c.delegate
	c.mu.Unlock()

	meta, err := c.catalog.GetPolicy(id)
	if err != nil {
		if delegate != nil && delegate.Connected() {
			delegate.OnApplyPowerPolicyFailed(requestID, err.Error())
		}
		return err
	}

	c.disp.Post(func() {
		err := c.apply(ctx, meta, force)
		if delegate == nil || !delegate.Connected() {
			return
		}
		if err != nil {
			delegate.OnApplyPowerPolicyFailed(requestID, err.Error())
			return
		}
		delegate.OnApplyPowerPolicySucceeded(requestID, c.state.Accumulated())
	})
	return nil
}

// apply runs the decision procedure and, on Proceed, the fan-out
// sequence outside the lock.
func (c *Coordinator) apply(ctx context.Context, meta powercomponent.AppliedPolicyMeta, force bool) error {
	c.mu.Lock()
	decision := c.canApplyLocked(meta, force)
	if decision == Skip {
		c.mu.Unlock()
		return nil
	}
	c.currentMeta = meta
	c.currentSet = true
	c.lastApplyUptimeMs = c.nowMs()

	changed := make(map[powercomponent.Component]bool, len(meta.Policy.EnabledStandard)+len(meta.Policy.DisabledStandard))
	for _, comp := range meta.Policy.EnabledStandard {
		changed[comp] = true
	}
	for _, comp := range meta.Policy.DisabledStandard {
		changed[comp] = true
	}
	observerSnapshot := c.observers.Snapshot(changed)
	callbacks := make([]Observer, 0, len(observerSnapshot))
	for _, e := range observerSnapshot {
		if cb, ok := c.observerCallbacks[e.Handle]; ok {
			callbacks = append(callbacks, cb)
		}
	}
	delegate := c.delegate
	notifyDelegate := c.carServiceTookOver && delegate != nil && delegate.Connected()
	c.mu.Unlock()

	// Fan-out sequence runs outside the lock, in the order the design
	// calls for: state first, then delegate component push, then the
	// VHAL mirror, then observers, then the delegate's change callback.
	c.state.Apply(meta.Policy)
	accumulated := c.state.Accumulated()

	if delegate != nil && delegate.Connected() {
		delegate.UpdatePowerComponents(accumulated)
	}
	if c.vhal != nil {
		c.vhal.SetCurrentPolicy(ctx, meta.Policy.ID)
	}
	for _, cb := range callbacks {
		cb.OnPolicyChanged(accumulated)
	}
	if notifyDelegate {
		delegate.OnPowerPolicyChanged(accumulated)
	}
	return nil
}

// SetPowerPolicyGroup defines which policy applies in each vehicle power
// state for groupID. Rejected once carServiceTookOver is true.
func (c *Coordinator) SetPowerPolicyGroup(groupID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.carServiceTookOver {
		return rpcerr.New(rpcerr.IllegalState, "setPowerPolicyGroup rejected after takeover", nil)
	}
	if !c.catalog.IsGroupAvailable(groupID) {
		return rpcerr.New(rpcerr.InvalidArgument, "policy group not found: "+groupID, nil)
	}
	c.currentGroupID = groupID
	c.lastGroupSetUptimeMs = c.nowMs()
	return nil
}

// ReadyResult is returned by NotifyServiceReady.
type ReadyResult struct {
	CurrentPolicyID    string
	CurrentGroupID     string
	RegisteredPolicies []string
	CustomComponents   []int32
}

// NotifyServiceReady performs the takeover handshake: stop silent-mode
// hardware monitoring (via the supplied stop function), snapshot current
// state, and flip carServiceTookOver. Idempotent: a second call returns
// the same snapshot without side effects beyond the stop call, which the
// caller's watcher itself treats as idempotent.
func (c *Coordinator) NotifyServiceReady(stopSilentMode func()) ReadyResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stopSilentMode != nil {
		stopSilentMode()
	}
	result := ReadyResult{
		CurrentGroupID:     c.currentGroupID,
		RegisteredPolicies: c.catalog.RegisteredPolicies(),
		CustomComponents:   c.catalog.CustomComponentIDs(),
	}
	if c.currentSet {
		result.CurrentPolicyID = c.currentMeta.Policy.ID
	}
	c.carServiceTookOver = true
	return result
}

// TookOver reports whether the takeover handshake has completed.
func (c *Coordinator) TookOver() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.carServiceTookOver
}

// PendingID returns the currently pending policy id, if any, mostly for
// observability and tests.
func (c *Coordinator) PendingID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingID
}

// IsLocked reports whether the last applied policy was preemptive.
func (c *Coordinator) IsLocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLocked
}

// String renders a short diagnostic summary, used by the dump CLI.
func (c *Coordinator) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := "<unset>"
	if c.currentSet {
		id = c.currentMeta.Policy.ID
	}
	return fmt.Sprintf("policy=%s locked=%v pending=%q tookOver=%v group=%q", id, c.isLocked, c.pendingID, c.carServiceTookOver, c.currentGroupID)
}
