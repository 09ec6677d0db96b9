package coordinator

import (
	"sync"
	"time"
)

// IdleReaper calls fire once the idle window passes without a Disarm.
// Re-arming restarts the window; a generation counter discards stale timers.
type IdleReaper struct {
	timeout time.Duration
	fire    func()

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	stopped bool
}

// NewIdleReaper creates a reaper that calls fire after timeout of idleness.
func NewIdleReaper(timeout time.Duration, fire func()) *IdleReaper {
	return &IdleReaper{timeout: timeout, fire: fire}
}

// Arm starts (or restarts) the idle window.
func (r *IdleReaper) Arm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.timeout <= 0 {
		return
	}
	r.gen++
	g := r.gen
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.timeout, func() { r.expire(g) })
}

// Disarm cancels a pending window.
func (r *IdleReaper) Disarm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disarmLocked()
}

// Stop disarms the reaper permanently.
func (r *IdleReaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disarmLocked()
	r.stopped = true
}

// Armed reports whether a window is pending.
func (r *IdleReaper) Armed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

func (r *IdleReaper) disarmLocked() {
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *IdleReaper) expire(g uint64) {
	r.mu.Lock()
	if g != r.gen || r.stopped {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.mu.Unlock()

	r.fire()
}
