// Package debounce runs the last scheduled function once a quiet period elapses.
package debounce

import (
	"sync"
	"time"
)

// Debouncer is a trailing-edge debouncer: every Trigger restarts the delay and
// replaces the pending function, so only the most recent one runs.
// With a max wait, a pending function runs at most maxWait after the first
// Trigger that scheduled it, however often Trigger is called meanwhile.
type Debouncer struct {
	delay   time.Duration
	maxWait time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	pending func()
	first   time.Time // when pending was first scheduled
	seq     uint64
	stopped bool
}

// Option configures a Debouncer.
type Option func(*Debouncer)

// WithMaxWait bounds how long a pending function can be postponed.
// 0 means unbounded.
func WithMaxWait(d time.Duration) Option {
	return func(db *Debouncer) {
		if d > 0 {
			db.maxWait = d
		}
	}
}

func New(delay time.Duration, opts ...Option) *Debouncer {
	d := &Debouncer{delay: delay}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Trigger schedules fn to run after the delay, replacing any pending function.
// It is a no-op after Stop.
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	now := time.Now()
	if d.pending == nil {
		d.first = now
	}
	d.pending = fn
	d.seq++
	seq := d.seq

	wait := d.delay
	if d.maxWait > 0 {
		if left := d.first.Add(d.maxWait).Sub(now); left < wait {
			wait = max(left, 0)
		}
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(wait, func() { d.fire(seq) })
}

func (d *Debouncer) fire(seq uint64) {
	d.mu.Lock()
	if seq != d.seq || d.pending == nil {
		d.mu.Unlock()
		return
	}
	fn := d.pending
	d.pending = nil
	d.timer = nil
	d.mu.Unlock()
	fn()
}

// Cancel drops the pending function, if any. It reports whether one was dropped.
// A function that already started running is not interrupted.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelLocked()
}

func (d *Debouncer) cancelLocked() bool {
	dropped := d.pending != nil
	d.pending = nil
	d.seq++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	return dropped
}

// Pending reports whether a function is waiting to run.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

// Stop cancels the pending function and rejects future triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.cancelLocked()
}
