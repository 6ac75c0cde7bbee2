// Package clients implements the watchdog's registered-client store: one
// entry per process participating in health checks, keyed by caller
// handle and grouped by timeout track. Grounded on operator.MemRegistry's
// mutex-guarded map-with-typed-accessors shape, generalized from PID
// status tracking to the richer per-client record the watchdog needs.
package clients

import (
	"sync"

	"github.com/carplatform/vhalguard/internal/ipc"
	"github.com/carplatform/vhalguard/internal/rpcerr"
)

// Handle identifies a registered client across register/unregister/death.
type Handle string

// Type distinguishes a regular client (one process, pinged and answered
// directly) from the AOSP CarWatchdogService relay: a single
// framework-service client that pings/reports on behalf of a whole set
// of framework-owned sub-clients rather than one process.
type Type int

const (
	Regular Type = iota
	FrameworkService
)

func (t Type) String() string {
	switch t {
	case Regular:
		return "regular"
	case FrameworkService:
		return "framework-service"
	default:
		return "unknown"
	}
}

// Entry is one registered health-check client.
type Entry struct {
	Handle             Handle
	Client             ipc.ClientHandle
	Type               Type
	PID                int32
	ProcessStartTimeMs int64
	Track              ipc.TimeoutTrack
	UserID             int32
}

// Registry holds every registered client, plus the set of stopped users
// whose clients are skipped during health-check rounds.
type Registry struct {
	mu           sync.RWMutex
	entries      map[Handle]Entry
	stoppedUsers map[int32]bool
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		entries:      make(map[Handle]Entry),
		stoppedUsers: make(map[int32]bool),
	}
}

// Register adds a client entry. Rejects a null handle and a duplicate
// handle. The caller is responsible for linking this handle to death
// notification and calling OnDeath on failure to keep no partial state;
// Register itself never rolls back, since it only writes after every
// precondition has been checked.
func (r *Registry) Register(e Entry) error {
	if e.Handle == "" {
		return rpcerr.New(rpcerr.InvalidArgument, "client handle must not be empty", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.Handle]; exists {
		return rpcerr.New(rpcerr.InvalidArgument, "client already registered", nil)
	}
	r.entries[e.Handle] = e
	return nil
}

// Unregister removes a client entry.
func (r *Registry) Unregister(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[h]; !exists {
		return rpcerr.New(rpcerr.InvalidArgument, "client not registered", nil)
	}
	delete(r.entries, h)
	return nil
}

// OnDeath drops the entry silently; see observerregistry.OnDeath for the
// same not-extending-the-subscription's-lifetime contract.
func (r *Registry) OnDeath(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, h)
}

// RemoveMany drops every named handle, used by the health-check round
// once it has collected the unresponsive set.
func (r *Registry) RemoveMany(handles []Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range handles {
		delete(r.entries, h)
	}
}

// SnapshotTrack returns every active (non-stopped-user) client registered
// to track.
func (r *Registry) SnapshotTrack(track ipc.TimeoutTrack) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for _, e := range r.entries {
		if e.Track != track {
			continue
		}
		if r.stoppedUsers[e.UserID] {
			continue
		}
		out = append(out, e)
	}
	return out
}

// CountTrack reports how many clients (stopped users included) are
// registered to track, used to detect the 0→1 arm-the-timer transition.
func (r *Registry) CountTrack(track ipc.TimeoutTrack) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.Track == track {
			n++
		}
	}
	return n
}

// StopUser marks userID's clients as skipped during rounds.
func (r *Registry) StopUser(userID int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stoppedUsers[userID] = true
}

// StartUser clears a previously stopped user.
func (r *Registry) StartUser(userID int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stoppedUsers, userID)
}

// Get returns the entry for h, if registered.
func (r *Registry) Get(h Handle) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[h]
	return e, ok
}
