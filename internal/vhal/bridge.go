// Package vhal implements VhalBridge: the connect/retry/reconnect loop
// shared by both daemons against the vhalapi transport contract. Grounded
// on gossip.Server's connection lifecycle (dial, register a death/done
// hook, reconnect) and on kernel.Processor's dispatcher-goroutine shape
// for posting connectOnce as a single serialized operation.
package vhal

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/carplatform/vhalguard/internal/vhalapi"
)

const (
	retryDelay   = 200 * time.Millisecond
	maxAttempts  = 25
)

// Dialer establishes one connection attempt, returning a client and a
// closer invoked on disconnect. Production code dials a real grpc.ClientConn;
// tests supply an in-memory fake.
type Dialer func(ctx context.Context) (vhalapi.VhalClient, func() error, error)

// PowerSideCallbacks receives property-change dispatch for the power
// policy daemon's half of the bridge.
type PowerSideCallbacks interface {
	OnPolicyRequest(id string)
	OnPolicyGroupRequest(id string)
}

// Bridge owns the shared VHAL handle: connect state, retry bookkeeping,
// and the subscription goroutines that translate property-change events
// into daemon-specific callbacks.
type Bridge struct {
	dial   Dialer
	log    *zap.Logger

	mu        sync.Mutex
	client    vhalapi.VhalClient
	closer    func() error
	connected bool
	firstConnect bool

	supportMu sync.RWMutex
	support   map[vhalapi.Property]bool
}

// New creates a Bridge around dial. firstConnect starts true, per the
// "first connect applies an initial policy, subsequent connects merely
// re-announce" contract.
func New(dial Dialer, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		dial:         dial,
		log:          log,
		firstConnect: true,
		support:      make(map[vhalapi.Property]bool),
	}
}

// ConnectOnce performs a single connect attempt with retry, per the 200ms
// / 25-attempt contract. onConnected is invoked synchronously once the
// connection succeeds, while the bridge's lock is not held, so it may
// issue further calls against Client().
func (b *Bridge) ConnectOnce(ctx context.Context, onConnected func(b *Bridge, isFirstConnect bool)) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		client, closer, err := b.dial(ctx)
		if err == nil {
			b.mu.Lock()
			b.client = client
			b.closer = closer
			b.connected = true
			isFirst := b.firstConnect
			b.firstConnect = false
			b.mu.Unlock()

			if onConnected != nil {
				onConnected(b, isFirst)
			}
			return nil
		}
		lastErr = err
		b.log.Warn("vhal connect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	b.log.Error("vhal connect exhausted retries", zap.Error(lastErr))
	return lastErr
}

// OnDeath resets the shared handle; the caller is responsible for
// reposting ConnectOnce to its dispatcher.
func (b *Bridge) OnDeath() {
	b.mu.Lock()
	b.client = nil
	b.closer = nil
	b.connected = false
	b.mu.Unlock()

	b.supportMu.Lock()
	b.support = make(map[vhalapi.Property]bool)
	b.supportMu.Unlock()
}

// Connected reports whether a live client handle is held.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Client returns the current client, or nil if disconnected.
func (b *Bridge) Client() vhalapi.VhalClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

// Close tears down the active connection, if any.
func (b *Bridge) Close() error {
	b.mu.Lock()
	closer := b.closer
	b.client = nil
	b.closer = nil
	b.connected = false
	b.mu.Unlock()
	if closer != nil {
		return closer()
	}
	return nil
}

// ProbeSupport queries getPropertyConfig and caches the result. A
// previously cached answer is returned without a new RPC.
func (b *Bridge) ProbeSupport(ctx context.Context, prop vhalapi.Property) bool {
	b.supportMu.RLock()
	if v, ok := b.support[prop]; ok {
		b.supportMu.RUnlock()
		return v
	}
	b.supportMu.RUnlock()

	client := b.Client()
	if client == nil {
		return false
	}
	resp, err := client.GetPropertyConfig(ctx, &vhalapi.GetConfigRequest{Property: prop})
	supported := err == nil && resp.Supported
	b.supportMu.Lock()
	b.support[prop] = supported
	b.supportMu.Unlock()
	return supported
}

// SetCurrentPolicy mirrors id to CURRENT_POWER_POLICY. Failure is logged
// and swallowed; VHAL property writes do not retry.
func (b *Bridge) SetCurrentPolicy(ctx context.Context, id string) {
	client := b.Client()
	if client == nil {
		return
	}
	_, err := client.Set(ctx, &vhalapi.SetRequest{Value: vhalapi.PropertyValue{
		Property:    vhalapi.CurrentPowerPolicy,
		StringValue: id,
	}})
	if err != nil {
		b.log.Warn("failed to mirror current power policy to vhal", zap.String("policy", id), zap.Error(err))
	}
}

// ReportWatchdogAlive writes system uptime to WATCHDOG_ALIVE. Called
// periodically by resourcewatchdogd; non-fatal on failure.
func (b *Bridge) ReportWatchdogAlive(ctx context.Context, uptimeMs int64) {
	client := b.Client()
	if client == nil {
		return
	}
	if !b.ProbeSupport(ctx, vhalapi.WatchdogAlive) {
		return
	}
	_, err := client.Set(ctx, &vhalapi.SetRequest{Value: vhalapi.PropertyValue{
		Property:   vhalapi.WatchdogAlive,
		Int64Value: uptimeMs,
	}})
	if err != nil {
		b.log.Warn("failed to report watchdog alive", zap.Error(err))
	}
}

// ReportTerminatedProcess writes WATCHDOG_TERMINATED_PROCESS, if
// supported. Non-fatal on failure, and never called for the VHAL process
// itself (that would create a feedback loop through the same property).
func (b *Bridge) ReportTerminatedProcess(ctx context.Context, reason int32, cmdline string) {
	client := b.Client()
	if client == nil {
		return
	}
	if !b.ProbeSupport(ctx, vhalapi.WatchdogTerminatedProcess) {
		return
	}
	_, err := client.Set(ctx, &vhalapi.SetRequest{Value: vhalapi.PropertyValue{
		Property:    vhalapi.WatchdogTerminatedProcess,
		Int32Value:  reason,
		StringValue: cmdline,
	}})
	if err != nil {
		b.log.Warn("failed to report terminated process", zap.Error(err))
	}
}

// SubscribePower subscribes to the two power-policy request properties
// and dispatches every delivered value to cb, one goroutine per property.
// The subscription ends when the stream errors (typically on disconnect);
// callers detect this and drive OnDeath/reconnect.
func (b *Bridge) SubscribePower(ctx context.Context, cb PowerSideCallbacks) {
	go b.subscribeLoop(ctx, vhalapi.PowerPolicyReq, func(v *vhalapi.PropertyValue) {
		cb.OnPolicyRequest(v.StringValue)
	})
	go b.subscribeLoop(ctx, vhalapi.PowerPolicyGroupReq, func(v *vhalapi.PropertyValue) {
		cb.OnPolicyGroupRequest(v.StringValue)
	})
}

// SubscribeHeartbeat subscribes to VHAL_HEARTBEAT, if supported, and
// invokes onValue for every delivered counter value.
func (b *Bridge) SubscribeHeartbeat(ctx context.Context, onValue func(int64)) {
	if !b.ProbeSupport(ctx, vhalapi.VhalHeartbeat) {
		return
	}
	go b.subscribeLoop(ctx, vhalapi.VhalHeartbeat, func(v *vhalapi.PropertyValue) {
		onValue(v.Int64Value)
	})
}

func (b *Bridge) subscribeLoop(ctx context.Context, prop vhalapi.Property, handle func(*vhalapi.PropertyValue)) {
	client := b.Client()
	if client == nil {
		return
	}
	stream, err := client.Subscribe(ctx, &vhalapi.SubscribeRequest{Property: prop})
	if err != nil {
		b.log.Warn("subscribe failed", zap.Stringer("property", prop), zap.Error(err))
		return
	}
	for {
		v, err := stream.Recv()
		if err != nil {
			return
		}
		handle(v)
	}
}
