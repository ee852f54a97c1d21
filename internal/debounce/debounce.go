// Package debounce coalesces bursts of events into a single deferred call.
//
// A Debouncer is a two-state machine: idle, or pending with a timer armed.
// Trigger arms (or re-arms) the timer, Cancel drops the pending call, and
// Flush runs it immediately. When the quiet period elapses without another
// Trigger the function runs once.
package debounce

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Debouncer delays fn until delay has passed without another Trigger.
// It is safe for concurrent use.
type Debouncer struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	delay   time.Duration
	fn      func()
	timer   clockwork.Timer
	gen     uint64 // bumped on every state change; stale timers compare against it
	pending bool
}

// Option configures a Debouncer.
type Option func(*Debouncer)

// WithClock sets the clock used for timers.
func WithClock(c clockwork.Clock) Option {
	return func(d *Debouncer) {
		d.clock = c
	}
}

// New returns an idle Debouncer that calls fn after delay of quiet.
func New(delay time.Duration, fn func(), opts ...Option) *Debouncer {
	d := &Debouncer{
		clock: clockwork.NewRealClock(),
		delay: delay,
		fn:    fn,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Trigger schedules fn, restarting the quiet period if a call is already pending.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.pending = true
	d.timer = d.clock.AfterFunc(d.delay, func() {
		d.fire(gen)
	})
}

// fire runs fn if gen still identifies the latest Trigger.
func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if !d.pending || gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.timer = nil
	d.mu.Unlock()

	d.fn()
}

// Cancel drops a pending call and reports whether one was pending.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resetLocked()
}

// Flush runs a pending call immediately and reports whether one ran.
func (d *Debouncer) Flush() bool {
	d.mu.Lock()
	if !d.resetLocked() {
		d.mu.Unlock()
		return false
	}
	d.mu.Unlock()

	d.fn()
	return true
}

// Pending reports whether a call is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// resetLocked returns the debouncer to idle. Caller must hold d.mu.
func (d *Debouncer) resetLocked() bool {
	was := d.pending
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	d.pending = false
	return was
}
