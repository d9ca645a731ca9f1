package collab

import (
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/DoyleJ11/trip-presence/pkg/types"
)

type EventKind string

const (
	EventConnection   EventKind = "connection"
	EventParticipants EventKind = "participants"
	EventLocks        EventKind = "locks"
	// EventLockLost fires when a lock this session held goes to someone
	// else or disappears without a StopEditing.
	EventLockLost EventKind = "lock-lost"
	EventWarning  EventKind = "warning"
)

type Event struct {
	Kind  EventKind
	State types.ConnectionState // connection
	// lock-lost: the item and whoever holds it now, if anyone
	ItemID string
	Holder string
	Err    error // warning
}

const subscriberBuffer = 64

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// dispatcher fans events out to subscribers. Each subscriber has its own
// goroutine and buffer; events for a subscriber whose buffer is full are
// dropped so the session loop never waits on a consumer.
type dispatcher struct {
	log *zap.Logger

	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

func newDispatcher(log *zap.Logger) *dispatcher {
	return &dispatcher{log: log, subs: make(map[int]*subscriber)}
}

func (d *dispatcher) subscribe(fn func(Event)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return func() {}
	}
	id := d.nextID
	d.nextID++
	s := &subscriber{ch: make(chan Event, subscriberBuffer), done: make(chan struct{})}
	d.subs[id] = s
	go d.run(s, fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if _, ok := d.subs[id]; ok {
				delete(d.subs, id)
				close(s.ch)
			}
		})
	}
}

func (d *dispatcher) run(s *subscriber, fn func(Event)) {
	defer close(s.done)
	for ev := range s.ch {
		d.safeCall(fn, ev)
	}
}

func (d *dispatcher) safeCall(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("event handler panicked",
				zap.String("event", string(ev.Kind)),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn(ev)
}

func (d *dispatcher) emit(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.subs {
		select {
		case s.ch <- ev:
		default:
			d.log.Debug("event dropped for slow subscriber", zap.String("event", string(ev.Kind)))
		}
	}
}

// close ends every subscription after its buffered events are delivered.
func (d *dispatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for id, s := range d.subs {
		close(s.ch)
		delete(d.subs, id)
	}
}
