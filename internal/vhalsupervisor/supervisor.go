// Package vhalsupervisor implements VhalSupervisor: monotonicity
// checking of the VHAL heartbeat and termination of a stalled VHAL.
// Grounded on gossip.Quorum's "record an observation, schedule a
// follow-up check" shape, applied to a single monotonic counter instead
// of peer reachability.
package vhalsupervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/carplatform/vhalguard/internal/dispatch"
	"github.com/carplatform/vhalguard/internal/ipc"
)

// ServiceRegistry resolves the process identifier of the HAL currently
// exporting the VHAL interface. Grounded on operator's service-manager-
// like lookup pattern.
type ServiceRegistry interface {
	FindVhalProcess() (ipc.ProcessIdentifier, bool)
}

// Supervisor watches the heartbeat counter and declares VHAL dead on
// either a monotonicity violation or a stale window.
type Supervisor struct {
	registry ServiceRegistry
	monitor  ipc.Monitor
	disp     *dispatch.Dispatcher
	window   time.Duration
	nowMs    func() int64
	log      *zap.Logger

	mu           sync.Mutex
	lastValue    int64
	lastEventMs  int64
	checkTimer   *time.Timer
	terminated   bool
}

// New creates a Supervisor. window is the healthcheck interval
// (vhalCheckIntervalSec), floored by the caller at 3s.
func New(registry ServiceRegistry, monitor ipc.Monitor, disp *dispatch.Dispatcher, window time.Duration, nowMs func() int64, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		registry: registry,
		monitor:  monitor,
		disp:     disp,
		window:   window,
		nowMs:    nowMs,
		log:      log,
	}
}

// OnHeartbeat processes a delivered heartbeat value.
func (s *Supervisor) OnHeartbeat(ctx context.Context, value int64) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	if value <= s.lastValue {
		s.mu.Unlock()
		s.log.Warn("vhal heartbeat monotonicity violation", zap.Int64("previous", s.lastValue), zap.Int64("delivered", value))
		s.terminateVhal(ctx)
		return
	}
	s.lastValue = value
	s.lastEventMs = s.nowMs()
	if s.checkTimer != nil {
		s.checkTimer.Stop()
	}
	s.checkTimer = s.disp.PostAfter(s.window+time.Second, func() { s.checkVhalHealth(ctx) })
	s.mu.Unlock()
}

func (s *Supervisor) checkVhalHealth(ctx context.Context) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	stale := s.nowMs() > s.lastEventMs+s.window.Milliseconds()
	s.mu.Unlock()
	if stale {
		s.terminateVhal(ctx)
	}
}

// terminateVhal dispatches the owning process as unresponsive, without
// reporting through VHAL itself to avoid a feedback loop through the
// very property being declared dead.
func (s *Supervisor) terminateVhal(_ context.Context) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.mu.Unlock()

	proc, ok := s.registry.FindVhalProcess()
	if !ok {
		s.log.Error("vhal declared unhealthy but no process found exporting the interface")
		return
	}
	if s.monitor != nil {
		s.monitor.OnClientsNotResponding([]ipc.ProcessIdentifier{proc})
	}
}

// Terminated reports whether this supervisor has already declared VHAL
// dead, for dump/diagnostics.
func (s *Supervisor) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}
