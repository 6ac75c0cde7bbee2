// Package dispatch implements the single cooperative dispatcher thread
// shared by a daemon's timer queue and message-driven state machines.
// Grounded on kernel.Processor's select-driven consumer goroutine and on
// the handler-looper pattern called out in the design notes: a message
// `what` doubles as timeout-track identity, routed through one dispatch
// loop rather than one goroutine per timer.
package dispatch

import (
	"context"
	"time"
)

// Dispatcher serializes posted work onto a single goroutine. All
// collection and health-check logic for a daemon runs here; nothing
// outside this package should mutate that state directly.
type Dispatcher struct {
	tasks chan func()
}

// New creates a Dispatcher with the given task queue depth.
func New(queueDepth int) *Dispatcher {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Dispatcher{tasks: make(chan func(), queueDepth)}
}

// Run drains the task queue until ctx is canceled. Exactly one goroutine
// should call Run for a given Dispatcher.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-d.tasks:
			fn()
		}
	}
}

// Post enqueues fn to run on the dispatcher goroutine. Blocks if the
// queue is full, applying backpressure to the caller rather than
// dropping state-mutating work.
func (d *Dispatcher) Post(fn func()) {
	d.tasks <- fn
}

// PostAfter schedules fn to be posted to the dispatcher after delay. The
// returned timer can be Stop()-ed to cancel before it fires, the pattern
// used to re-arm or clear a health-check track's timer.
func (d *Dispatcher) PostAfter(delay time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(delay, func() { d.Post(fn) })
}
