package gateway

import (
	"sync"
	"time"
)

// PeriodicEmitter fires fn on the gateway's event-loop goroutine every
// period. It rearms itself before calling fn, so the next tick is always
// scheduled ahead of the current tick's I/O (§5 Timers) and re-entrancy
// is structurally impossible.
type PeriodicEmitter struct {
	gw     *Gateway
	period time.Duration
	fn     func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewPeriodicEmitter creates and arms a periodic emitter.
func NewPeriodicEmitter(gw *Gateway, period time.Duration, fn func()) *PeriodicEmitter {
	e := &PeriodicEmitter{gw: gw, period: period, fn: fn}
	e.arm()
	return e
}

func (e *PeriodicEmitter) arm() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.timer = time.AfterFunc(e.period, e.fire)
}

func (e *PeriodicEmitter) fire() {
	e.arm()
	e.gw.Post(e.fn)
}

// Stop deregisters the emitter; it will not fire again.
func (e *PeriodicEmitter) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	if e.timer != nil {
		e.timer.Stop()
	}
}

// Watchdog is a plain rearmable timer (§5 Cancellation & timeouts): on
// expiry it posts onExpire to the event loop; Rearm is called from
// within a frame handler (already on the event loop) whenever a
// recognised frame resets liveness.
type Watchdog struct {
	gw       *Gateway
	period   time.Duration
	onExpire func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewWatchdog creates and arms a watchdog.
func NewWatchdog(gw *Gateway, period time.Duration, onExpire func()) *Watchdog {
	w := &Watchdog{gw: gw, period: period, onExpire: onExpire}
	w.Rearm()
	return w
}

// Rearm resets the expiry timer.
func (w *Watchdog) Rearm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.period, func() {
		w.gw.Post(w.onExpire)
	})
}

// Stop deregisters the watchdog.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}
