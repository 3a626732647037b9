package abcast

import (
	"context"
	"sync"
)

// FlowControl bounds the number of local broadcasts not delivered yet. The
// window grows while decided batches stay under the target size and shrinks
// when they exceed it.
type FlowControl struct {
	lock        sync.Mutex
	window      int
	max         int
	target      int
	outstanding int
	wake        chan struct{} // closed and replaced on every change
}

func NewFlowControl(initial, max, target int) *FlowControl {
	if max < 1 {
		max = 1
	}
	if initial < 1 {
		initial = 1
	}
	if initial > max {
		initial = max
	}
	return &FlowControl{
		window: initial,
		max:    max,
		target: target,
		wake:   make(chan struct{}),
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (f *FlowControl) Acquire(ctx context.Context) error {
	for {
		f.lock.Lock()
		if f.outstanding < f.window {
			f.outstanding++
			f.lock.Unlock()
			return nil
		}
		wake := f.wake
		f.lock.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release frees the slot of a delivered or abandoned broadcast.
func (f *FlowControl) Release() {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.outstanding > 0 {
		f.outstanding--
	}
	f.signal()
}

// Adjust moves the window by one step according to a decided batch size.
func (f *FlowControl) Adjust(batchSize int) {
	f.lock.Lock()
	defer f.lock.Unlock()
	switch {
	case batchSize < f.target && f.window < f.max:
		f.window++
	case batchSize > f.target && f.window > 1:
		f.window--
	default:
		return
	}
	f.signal()
}

func (f *FlowControl) signal() {
	close(f.wake)
	f.wake = make(chan struct{})
}

func (f *FlowControl) Window() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.window
}

func (f *FlowControl) Outstanding() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.outstanding
}
