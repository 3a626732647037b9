// Package tools holds the serialized event loop and the timers feeding it.
package tools

import "sync"

// threaded holds an exit channel to allow threads to break from a select
type threaded struct {
	exit     chan struct{}
	haltOnce sync.Once
}

// Halt tells the threaded object's thread to exit. Calling it twice is harmless.
func (t *threaded) Halt() {
	t.haltOnce.Do(func() { close(t.exit) })
}

// Event is a type meant to clearly convey that the return type or parameter to
// a function will be supplied to/from an events.Manager
type Event interface{}

// Receiver is a consumer of events, ProcessEvent will be called serially
// as events arrive
type Receiver interface {
	// ProcessEvent delivers an event to the Receiver, if it returns non-nil, the return is the next processed event
	ProcessEvent(e Event) Event
}

// Manager provides a serialized interface for submitting events to
// a Receiver on the other side of the queue
type Manager interface {
	Inject(Event)         // Process an event synchronously, must be called from the event thread
	Queue() chan<- Event  // Get a write-only reference to the queue, to submit events
	Post(Event) bool      // Queue an event unless the manager is halted
	SetReceiver(Receiver) // Set the target to route events to
	Start()               // Starts the Manager thread
	Halt()                // Stops the Manager thread
	Wait()                // Blocks until the Manager thread returned
}

// managerImpl is an implementation of Manger
type managerImpl struct {
	threaded
	receiver Receiver
	events   chan Event
	done     chan struct{}
}

// NewManagerImpl creates an instance of managerImpl with a queue of the given size
func NewManagerImpl(queueSize int) Manager {
	return &managerImpl{
		events:   make(chan Event, queueSize),
		threaded: threaded{exit: make(chan struct{})},
		done:     make(chan struct{}),
	}
}

// SetReceiver sets the destination for events
func (em *managerImpl) SetReceiver(receiver Receiver) {
	em.receiver = receiver
}

// Start creates the go routine necessary to deliver events
func (em *managerImpl) Start() {
	go em.eventLoop()
}

// Queue returns a write only reference to the event queue
func (em *managerImpl) Queue() chan<- Event {
	return em.events
}

// Post queues e, giving up once the manager is halted.
func (em *managerImpl) Post(e Event) bool {
	select {
	case em.events <- e:
		return true
	case <-em.exit:
		return false
	}
}

// Wait blocks until the event loop returned.
func (em *managerImpl) Wait() {
	<-em.done
}

// SendEvent performs the event loop on a receiver to completion
func SendEvent(receiver Receiver, event Event) {
	next := event
	for next != nil {
		next = receiver.ProcessEvent(next)
	}
}

// Inject can only safely be called by the managerImpl thread itself, it skips the queue
func (em *managerImpl) Inject(event Event) {
	if f, ok := event.(*timerFire); ok {
		if !f.timer.live(f.gen) {
			return
		}
		event = f.event
	}
	if em.receiver != nil {
		SendEvent(em.receiver, event)
	}
}

// eventLoop is where the event thread loops, delivering events
func (em *managerImpl) eventLoop() {
	defer close(em.done)
	for {
		select {
		case next := <-em.events:
			em.Inject(next)
		case <-em.exit:
			return
		}
	}
}
