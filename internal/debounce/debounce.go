// Package debounce collapses bursts of triggers into a single call.
package debounce

import (
	"sync"
	"time"
)

// afterFunc is replaced in tests to drive timers by hand.
var afterFunc = time.AfterFunc

// Debouncer runs fn once delay has passed without a new Trigger.
type Debouncer struct {
	mu    sync.Mutex
	delay time.Duration
	timer *time.Timer
	gen   uint64
	fn    func()
}

func New(delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{delay: delay, fn: fn}
}

func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = afterFunc(d.delay, func() { d.fire(gen) })
}

// fire runs fn unless a later Trigger or a Stop superseded gen. A timer
// callback may already be running when Stop is called.
func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()
	d.fn()
}

func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
