package tools

import (
	"sync"
	"time"
)

// Timer is an interface for managing time driven events
// the special contract Timer gives which a traditional golang
// timer does not, is that if the event thread calls stop, or reset
// then even if the timer has already fired, the event will not be
// delivered to the event queue
type Timer interface {
	SoftReset(duration time.Duration, event Event) // start a new countdown, only if one is not already started
	Reset(duration time.Duration, event Event)     // start a new countdown, clear any pending events
	Stop()                                         // stop the countdown, clear any pending events
	Halt()                                         // stop for good, later resets are ignored
}

// timerFire travels through the manager queue. It is dropped unless gen is
// still the timer's generation when the event thread picks it up.
type timerFire struct {
	timer *timerImpl
	gen   uint64
	event Event
}

// timerImpl is an implementation of Timer
type timerImpl struct {
	lock    sync.Mutex
	gen     uint64      // bumped by every Reset and Stop
	running bool        // a countdown of the current generation is pending
	halted  bool
	t       *time.Timer // countdown of the current generation
	manager Manager     // The event manager to deliver the event to after timer expiration
}

// NewTimer creates a timer delivering its events through manager
func NewTimer(manager Manager) Timer {
	return &timerImpl{manager: manager}
}

func (et *timerImpl) live(gen uint64) bool {
	et.lock.Lock()
	defer et.lock.Unlock()
	if et.halted || gen != et.gen {
		return false
	}
	et.running = false
	return true
}

func (et *timerImpl) start(timeout time.Duration, event Event, hard bool) {
	et.lock.Lock()
	defer et.lock.Unlock()
	if et.halted || (!hard && et.running) {
		return
	}
	et.stopLocked()
	et.running = true
	fire := &timerFire{timer: et, gen: et.gen, event: event}
	et.t = time.AfterFunc(timeout, func() {
		et.manager.Post(fire)
	})
}

func (et *timerImpl) stopLocked() {
	et.gen++
	et.running = false
	if et.t != nil {
		et.t.Stop()
		et.t = nil
	}
}

// SoftReset tells the timer to start a new countdown, only if it is not currently counting down
// this will not clear any pending events
func (et *timerImpl) SoftReset(timeout time.Duration, event Event) {
	et.start(timeout, event, false)
}

// Reset tells the timer to start counting down from a new timeout, this also clears any pending events
func (et *timerImpl) Reset(timeout time.Duration, event Event) {
	et.start(timeout, event, true)
}

// Stop tells the timer to stop, and not to deliver any pending events
func (et *timerImpl) Stop() {
	et.lock.Lock()
	defer et.lock.Unlock()
	et.stopLocked()
}

// Halt stops the timer permanently.
func (et *timerImpl) Halt() {
	et.lock.Lock()
	defer et.lock.Unlock()
	et.stopLocked()
	et.halted = true
}
