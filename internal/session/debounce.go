package session

import (
	"sync"
	"time"
)

// debouncer fires once after a quiet period following the last call.
//
// All methods are safe for concurrent use. fire runs on a timer goroutine and
// must only hand work to the session actor.
type debouncer struct {
	mu    sync.Mutex
	delay time.Duration
	timer *time.Timer
	armed bool
	seq   uint64 // detects timers superseded by a later call or cancel
	fire  func()
}

func newDebouncer(delay time.Duration, fire func()) *debouncer {
	return &debouncer{delay: delay, fire: fire}
}

// call (re)starts the quiet period.
func (d *debouncer) call() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.armed = true
	d.seq++
	seq := d.seq
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if !d.armed || d.seq != seq {
			d.mu.Unlock()
			return
		}
		d.armed = false
		d.mu.Unlock()
		d.fire()
	})
}

// cancel drops a scheduled fire.
func (d *debouncer) cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.seq++
	d.armed = false
}

// pending reports whether a fire is scheduled.
func (d *debouncer) pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed
}

// setDelay changes the quiet period for later calls.
func (d *debouncer) setDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
}
