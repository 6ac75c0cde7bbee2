// Package observerregistry implements ObserverRegistry: the map of
// policy-change observers keyed by caller handle, cleaned up on death.
// Grounded on operator.MemRegistry's mutex-guarded map with typed
// accessors, and on gossip.Server's trusted-peer death-bound identity map.
package observerregistry

import (
	"sync"

	"github.com/carplatform/vhalguard/internal/powercomponent"
	"github.com/carplatform/vhalguard/internal/rpcerr"
)

// Handle identifies a caller across register/unregister/death. Binder-like
// transports hand these out as opaque tokens; here it is just a string.
type Handle string

// Entry is one registered observer: its component filter, originating pid,
// and a death cookie correlating it to the transport's death notification.
type Entry struct {
	Handle      Handle
	Filter      map[powercomponent.Component]bool
	PID         int32
	DeathCookie uint64
}

// Registry holds observer entries keyed by handle. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[Handle]Entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[Handle]Entry)}
}

// Register adds an observer entry. Duplicate registration (same handle)
// is rejected, matching the "idempotent from the caller's perspective"
// contract: a duplicate register returns an error rather than silently
// replacing.
func (r *Registry) Register(e Entry) error {
	if e.Handle == "" {
		return rpcerr.New(rpcerr.InvalidArgument, "observer handle must not be empty", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.Handle]; exists {
		return rpcerr.New(rpcerr.InvalidArgument, "observer already registered", nil)
	}
	r.entries[e.Handle] = e
	return nil
}

// Unregister removes an observer entry. Returns an error if the handle was
// never registered.
func (r *Registry) Unregister(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[h]; !exists {
		return rpcerr.New(rpcerr.InvalidArgument, "observer not registered", nil)
	}
	delete(r.entries, h)
	return nil
}

// OnDeath is invoked by the transport's death-notification callback. It
// must not extend the subscription's lifetime: it consults the map under
// lock and drops the entry, exactly as a late-arriving call would find
// nothing to act on.
func (r *Registry) OnDeath(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, h)
}

// Snapshot copies out every entry whose filter intersects changed (or
// every entry, if changed is empty), for fan-out outside the lock.
func (r *Registry) Snapshot(changed map[powercomponent.Component]bool) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if len(changed) == 0 || filterIntersects(e.Filter, changed) {
			out = append(out, e)
		}
	}
	return out
}

func filterIntersects(filter, changed map[powercomponent.Component]bool) bool {
	if len(filter) == 0 {
		return true // empty filter means "all components"
	}
	for c := range changed {
		if filter[c] {
			return true
		}
	}
	return false
}

// Len returns the number of currently registered observers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
