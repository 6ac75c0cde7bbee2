// Package ipc defines the post-takeover delegate interface consumed by
// PolicyCoordinator and the watchdog's client/monitor/service interfaces.
// Every interface carries a death-notification callback contract: the
// owner supplies OnDeath and the transport invokes it once, after which
// the owning registry drops the subscription (see observerregistry and
// clients). The wire format itself is out of scope (spec §1 Non-goals);
// these are the contracts the core consumes.
package ipc

import "github.com/carplatform/vhalguard/internal/powercomponent"

// PowerPolicyDelegate is the framework-side callback interface that
// receives fan-out of policy changes and async-apply results, once
// carServiceTookOver is true.
type PowerPolicyDelegate interface {
	// OnPowerPolicyChanged is invoked after every successfully applied
	// policy, carrying the full accumulated policy.
	OnPowerPolicyChanged(accumulated powercomponent.Policy)

	// OnApplyPowerPolicySucceeded reports the outcome of a prior
	// ApplyPowerPolicyAsync call identified by requestID.
	OnApplyPowerPolicySucceeded(requestID string, accumulated powercomponent.Policy)

	// OnApplyPowerPolicyFailed reports the outcome of a prior
	// ApplyPowerPolicyAsync call that could not be applied.
	OnApplyPowerPolicyFailed(requestID string, reason string)

	// UpdatePowerComponents is called once per proceed-decision fan-out,
	// before observer notification, so the delegate can drive its own
	// component toggles. No-op if the delegate is not connected.
	UpdatePowerComponents(accumulated powercomponent.Policy)

	// Connected reports whether a delegate is currently attached. The
	// coordinator consults this before invoking any of the above.
	Connected() bool
}

// ProcessIdentifier names a process for monitor reporting and VHAL
// termination reporting.
type ProcessIdentifier struct {
	PID                int32
	ProcessStartTimeMs int64
}

// Monitor is the watchdog's unresponsive-client / VHAL-termination sink.
type Monitor interface {
	// OnClientsNotResponding is invoked once per health-check round (or
	// once for a VHAL heartbeat regression) with every process that
	// failed to respond in time.
	OnClientsNotResponding(unresponsive []ProcessIdentifier)
}

// ClientHandle is the RPC-facing handle for a registered health-check
// client, used to invoke checkIfAlive and prepareProcessTermination.
type ClientHandle interface {
	// CheckIfAlive pings the client with a session id and its timeout
	// track. Returns an error if the call itself could not be delivered
	// (not if the client is merely slow — that is a timeout, observed
	// later by the scheduler, not a call failure).
	CheckIfAlive(sessionID int32, track TimeoutTrack) error

	// PrepareProcessTermination is a best-effort notification sent to a
	// client that failed to respond before it is removed from the
	// registry.
	PrepareProcessTermination()
}

// TimeoutTrack is one of the three watchdog timeout categories.
type TimeoutTrack int

const (
	Critical TimeoutTrack = iota
	Moderate
	Normal
)

func (t TimeoutTrack) String() string {
	switch t {
	case Critical:
		return "critical"
	case Moderate:
		return "moderate"
	case Normal:
		return "normal"
	default:
		return "unknown"
	}
}
