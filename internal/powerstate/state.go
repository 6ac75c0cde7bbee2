// Package powerstate implements ComponentState: the accumulated on/off
// sets produced by applying policies one after another. Grounded on the
// teacher's single-purpose mutex-guarded accumulator shape (one mutex, one
// pure update method, typed getters).
package powerstate

import (
	"sync"

	"github.com/carplatform/vhalguard/internal/powercomponent"
	"github.com/carplatform/vhalguard/internal/rpcerr"
)

// State holds the accumulated policy: for every standard and custom
// component, whether it is currently enabled. Untouched components from a
// newly applied policy retain their previous value.
type State struct {
	mu sync.RWMutex

	standard map[powercomponent.Component]bool
	custom   map[int32]bool
	lastAppliedID string
}

// New creates a State with every standard component disabled and no custom
// components present, per the initial-state invariant.
func New() *State {
	s := &State{
		standard: make(map[powercomponent.Component]bool),
		custom:   make(map[int32]bool),
	}
	for _, c := range powercomponent.AllStandardComponents() {
		s.standard[c] = false
	}
	return s
}

// Apply folds policy into the accumulated state: every enabled component
// moves into the enabled set (removed from disabled if present);
// symmetrically for disabled; components not named by policy are
// untouched.
func (s *State) Apply(policy powercomponent.Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range policy.EnabledStandard {
		s.standard[c] = true
	}
	for _, c := range policy.DisabledStandard {
		s.standard[c] = false
	}
	for _, id := range policy.EnabledCustom {
		s.custom[id] = true
	}
	for _, id := range policy.DisabledCustom {
		s.custom[id] = false
	}
	s.lastAppliedID = policy.ID
}

// StandardState returns whether c is currently on.
func (s *State) StandardState(c powercomponent.Component) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.standard[c]
	if !ok {
		return false, rpcerr.New(rpcerr.InvalidArgument, "unknown component", nil)
	}
	return v, nil
}

// CustomState returns whether a custom component id is currently on.
// Components never referenced by any applied policy report false.
func (s *State) CustomState(id int32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.custom[id]
}

// Accumulated returns a snapshot Policy describing the full accumulated
// state: every enabled component in EnabledStandard/EnabledCustom, every
// disabled one in the Disabled sets, with ID set to the last applied
// policy's id.
func (s *State) Accumulated() powercomponent.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := powercomponent.Policy{ID: s.lastAppliedID}
	for c, on := range s.standard {
		if on {
			p.EnabledStandard = append(p.EnabledStandard, c)
		} else {
			p.DisabledStandard = append(p.DisabledStandard, c)
		}
	}
	for id, on := range s.custom {
		if on {
			p.EnabledCustom = append(p.EnabledCustom, id)
		} else {
			p.DisabledCustom = append(p.DisabledCustom, id)
		}
	}
	return p
}
