// Package healthcheck implements HealthCheckScheduler: the three
// independent per-track timeout rounds that ping registered clients and
// report unresponsive ones to the watchdog's monitor. Grounded on
// gossip.Quorum's per-peer TTL-map-plus-prune-loop shape, generalized
// from a single liveness timeout to three independently-timed tracks.
package healthcheck

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/carplatform/vhalguard/internal/clients"
	"github.com/carplatform/vhalguard/internal/dispatch"
	"github.com/carplatform/vhalguard/internal/ipc"
	"github.com/carplatform/vhalguard/internal/rpcerr"
)

// defaultTimeouts are the per-track timeouts before any system-property
// override is applied.
var defaultTimeouts = map[ipc.TimeoutTrack]time.Duration{
	ipc.Critical: 3 * time.Second,
	ipc.Moderate: 6 * time.Second,
	ipc.Normal:   12 * time.Second,
}

// TerminationReporter forwards a terminated process's command line to
// VHAL, if the property is supported; a no-op implementation is fine
// when VHAL is not connected.
type TerminationReporter interface {
	ReportTerminatedProcess(ctx context.Context, reason int32, cmdline string)
}

const terminationReasonUnresponsive int32 = 1

// Scheduler runs the three timeout tracks. All mutable per-track state is
// guarded by mu; rounds are posted onto disp so they run serialized with
// every other dispatcher-owned operation in the daemon.
type Scheduler struct {
	reg     *clients.Registry
	disp    *dispatch.Dispatcher
	reportV TerminationReporter
	log     *zap.Logger

	mu            sync.Mutex
	enabled       bool
	shuttingDown  bool
	monitor       ipc.Monitor
	monitorHandle MonitorHandle
	timeouts      map[ipc.TimeoutTrack]time.Duration
	timers       map[ipc.TimeoutTrack]*time.Timer
	pinged       map[ipc.TimeoutTrack]map[int32]clients.Handle
	nextSession  map[ipc.TimeoutTrack]int32
}

// New creates a Scheduler with the default per-track timeouts and the
// enablement bit defaulted to true.
func New(reg *clients.Registry, disp *dispatch.Dispatcher, reportV TerminationReporter, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		reg:         reg,
		disp:        disp,
		reportV:     reportV,
		log:         log,
		enabled:     true,
		timeouts:    make(map[ipc.TimeoutTrack]time.Duration, 3),
		timers:      make(map[ipc.TimeoutTrack]*time.Timer, 3),
		pinged:      make(map[ipc.TimeoutTrack]map[int32]clients.Handle, 3),
		nextSession: make(map[ipc.TimeoutTrack]int32, 3),
	}
	for t, d := range defaultTimeouts {
		s.timeouts[t] = d
		s.pinged[t] = make(map[int32]clients.Handle)
	}
	return s
}

// SetOverride forces all three tracks to a single timeout, which must be
// at least the normal track's configured timeout.
func (s *Scheduler) SetOverride(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d < s.timeouts[ipc.Normal] {
		return rpcerr.New(rpcerr.InvalidArgument, "override timeout below normal track timeout", nil)
	}
	for t := range s.timeouts {
		s.timeouts[t] = d
	}
	return nil
}

// MonitorHandle is the RPC-facing handle for a registered monitor, the
// watchdog side of spec.md §6's registerMonitor/unregisterMonitor/
// tellDumpFinished death-bound operations.
type MonitorHandle string

// RegisterMonitor attaches handle's sink as the unresponsive-client
// monitor. Only one monitor may be registered at a time; a second,
// distinct handle is rejected rather than silently replacing the first.
func (s *Scheduler) RegisterMonitor(handle MonitorHandle, m ipc.Monitor) error {
	if handle == "" || m == nil {
		return rpcerr.New(rpcerr.InvalidArgument, "monitor handle and sink must not be empty", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.monitorHandle != "" && s.monitorHandle != handle {
		return rpcerr.New(rpcerr.InvalidArgument, "a monitor is already registered", nil)
	}
	s.monitorHandle = handle
	s.monitor = m
	return nil
}

// UnregisterMonitor detaches handle's monitor. Rejects a handle that does
// not match the currently registered one.
func (s *Scheduler) UnregisterMonitor(handle MonitorHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.monitorHandle == "" || s.monitorHandle != handle {
		return rpcerr.New(rpcerr.InvalidArgument, "monitor not registered", nil)
	}
	s.monitorHandle = ""
	s.monitor = nil
	return nil
}

// OnMonitorDeath drops the registered monitor without error, per the
// death-notification-must-not-extend-lifetime invariant clients.Registry
// also follows.
func (s *Scheduler) OnMonitorDeath(handle MonitorHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.monitorHandle == handle {
		s.monitorHandle = ""
		s.monitor = nil
	}
}

// TellDumpFinished acknowledges that monitor finished dumping pid's
// process state, requested out-of-band by the resource-overuse path.
// Rejects a handle that does not match the currently registered monitor.
func (s *Scheduler) TellDumpFinished(monitor MonitorHandle, pid ipc.ProcessIdentifier) error {
	s.mu.Lock()
	registered := s.monitorHandle
	s.mu.Unlock()
	if registered == "" || registered != monitor {
		return rpcerr.New(rpcerr.InvalidArgument, "unknown monitor handle", nil)
	}
	s.log.Info("monitor dump finished", zap.String("monitor", string(monitor)), zap.Int32("pid", pid.PID))
	return nil
}

// SetShuttingDown suppresses monitor notification during shutdown.
func (s *Scheduler) SetShuttingDown(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shuttingDown = v
}

// RegisterClient adds a client to its track and arms the track's timer on
// the 0→1 transition.
func (s *Scheduler) RegisterClient(e clients.Entry) error {
	if err := s.reg.Register(e); err != nil {
		return err
	}
	s.mu.Lock()
	arm := s.enabled && s.reg.CountTrack(e.Track) == 1
	timeout := s.timeouts[e.Track]
	s.mu.Unlock()
	if arm {
		s.armTrack(e.Track, timeout)
	}
	return nil
}

// UnregisterClient removes a client outright (not via a missed round).
func (s *Scheduler) UnregisterClient(h clients.Handle) error {
	return s.reg.Unregister(h)
}

// SetEnabled toggles the global enablement bit. Clearing it removes every
// track's timer and suspends checking; setting it re-arms every
// non-empty track and resets the pinged baseline.
func (s *Scheduler) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
	if !enabled {
		for t, timer := range s.timers {
			timer.Stop()
			delete(s.timers, t)
		}
		for t := range s.pinged {
			s.pinged[t] = make(map[int32]clients.Handle)
		}
		return
	}
	for t, timeout := range s.timeouts {
		if s.reg.CountTrack(t) > 0 {
			go s.armTrack(t, timeout)
		}
	}
}

func (s *Scheduler) armTrack(track ipc.TimeoutTrack, timeout time.Duration) {
	s.mu.Lock()
	if old, ok := s.timers[track]; ok {
		old.Stop()
	}
	s.timers[track] = s.disp.PostAfter(timeout, func() { s.runRound(track) })
	s.mu.Unlock()
}

// runRound executes the five-step per-round operation for track. Must
// run on the dispatcher goroutine.
func (s *Scheduler) runRound(track ipc.TimeoutTrack) {
	ctx := context.Background()

	// Step 1: drain the pinged map; anything still present missed its
	// window.
	s.mu.Lock()
	stillPinged := s.pinged[track]
	s.pinged[track] = make(map[int32]clients.Handle)
	s.mu.Unlock()

	var unresponsive []ipc.ProcessIdentifier
	var unresponsiveHandles []clients.Handle
	var unresponsiveClients []ipc.ClientHandle
	for _, h := range stillPinged {
		entry, ok := s.reg.Get(h)
		if !ok {
			continue
		}
		unresponsive = append(unresponsive, ipc.ProcessIdentifier{PID: entry.PID, ProcessStartTimeMs: entry.ProcessStartTimeMs})
		unresponsiveHandles = append(unresponsiveHandles, h)
		unresponsiveClients = append(unresponsiveClients, entry.Client)
	}
	s.reg.RemoveMany(unresponsiveHandles)

	// Step 2: best-effort termination prep, monitor notification, VHAL
	// report — all outside the lock.
	for _, c := range unresponsiveClients {
		if c != nil {
			c.PrepareProcessTermination()
		}
	}
	s.mu.Lock()
	monitor := s.monitor
	shuttingDown := s.shuttingDown
	s.mu.Unlock()
	if len(unresponsive) > 0 && monitor != nil && !shuttingDown {
		monitor.OnClientsNotResponding(unresponsive)
	}
	if s.reportV != nil {
		for range unresponsive {
			s.reportV.ReportTerminatedProcess(ctx, terminationReasonUnresponsive, "")
		}
	}

	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return
	}
	timeout := s.timeouts[track]
	s.mu.Unlock()

	// Step 3: snapshot current clients and allocate session ids.
	snapshot := s.reg.SnapshotTrack(track)
	type pingTarget struct {
		handle    clients.Handle
		client    ipc.ClientHandle
		sessionID int32
	}
	targets := make([]pingTarget, 0, len(snapshot))
	s.mu.Lock()
	for _, e := range snapshot {
		sid := s.nextSessionID(track)
		s.pinged[track][sid] = e.Handle
		targets = append(targets, pingTarget{handle: e.Handle, client: e.Client, sessionID: sid})
	}
	s.mu.Unlock()

	// Step 4: issue pings; drop any that fail to deliver.
	issued := 0
	for _, tgt := range targets {
		if tgt.client == nil {
			s.dropPing(track, tgt.sessionID)
			continue
		}
		if err := tgt.client.CheckIfAlive(tgt.sessionID, track); err != nil {
			s.log.Warn("checkIfAlive delivery failed", zap.String("handle", string(tgt.handle)), zap.Error(err))
			s.dropPing(track, tgt.sessionID)
			continue
		}
		issued++
	}

	// Step 5: re-arm only if at least one ping was actually issued.
	if issued > 0 {
		s.armTrack(track, timeout)
	}
}

// nextSessionID returns the next id for track, skipping 0 and wrapping
// from the int32 max back to 1. Caller must hold s.mu.
func (s *Scheduler) nextSessionID(track ipc.TimeoutTrack) int32 {
	next := s.nextSession[track] + 1
	if next == 0 || next < 0 {
		next = 1
	}
	s.nextSession[track] = next
	return next
}

func (s *Scheduler) dropPing(track ipc.TimeoutTrack, sessionID int32) {
	s.mu.Lock()
	delete(s.pinged[track], sessionID)
	s.mu.Unlock()
}

// TellClientAlive answers a regular client's response, removing sessionID
// from whichever track's pinged map currently holds it.
func (s *Scheduler) TellClientAlive(sessionID int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.pinged {
		if _, ok := m[sessionID]; ok {
			delete(m, sessionID)
			return nil
		}
	}
	return rpcerr.New(rpcerr.InvalidArgument, "unknown session id", nil)
}

// RegisterCarWatchdogService registers the AOSP CarWatchdogService relay:
// a framework-service client that pings/reports on behalf of its own
// sub-clients rather than a single process. e.Type is forced to
// clients.FrameworkService regardless of the caller-supplied value.
func (s *Scheduler) RegisterCarWatchdogService(e clients.Entry) error {
	e.Type = clients.FrameworkService
	return s.RegisterClient(e)
}

// UnregisterCarWatchdogService removes the relay client registered by
// RegisterCarWatchdogService.
func (s *Scheduler) UnregisterCarWatchdogService(h clients.Handle) error {
	return s.UnregisterClient(h)
}

// TellCarWatchdogServiceAlive answers the relay's response to a round's
// checkIfAlive ping. It clears sessionID exactly like TellClientAlive,
// and additionally forwards notResponding — processes the relay itself
// could not reach among its own sub-clients — to the monitor and to
// VHAL's WATCHDOG_TERMINATED_PROCESS property, since those sub-clients
// never register directly in this registry and so are never otherwise
// reported.
func (s *Scheduler) TellCarWatchdogServiceAlive(sessionID int32, notResponding []ipc.ProcessIdentifier) error {
	if err := s.TellClientAlive(sessionID); err != nil {
		return err
	}
	if len(notResponding) == 0 {
		return nil
	}
	s.mu.Lock()
	monitor := s.monitor
	shuttingDown := s.shuttingDown
	s.mu.Unlock()
	if monitor != nil && !shuttingDown {
		monitor.OnClientsNotResponding(notResponding)
	}
	if s.reportV != nil {
		for range notResponding {
			s.reportV.ReportTerminatedProcess(context.Background(), terminationReasonUnresponsive, "")
		}
	}
	return nil
}
