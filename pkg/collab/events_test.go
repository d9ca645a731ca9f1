package collab

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestDispatcher_PanickingSubscriberKeepsOthersRunning(t *testing.T) {
	d := newDispatcher(zap.NewNop())
	defer d.close()

	var calls, good atomic.Int32
	d.subscribe(func(Event) {
		calls.Add(1)
		panic("boom")
	})
	d.subscribe(func(Event) { good.Add(1) })

	d.emit(Event{Kind: EventLocks})
	d.emit(Event{Kind: EventParticipants})

	assert.Eventually(t, func() bool { return calls.Load() == 2 && good.Load() == 2 },
		time.Second, 5*time.Millisecond, "a panic must not stop later deliveries")
}

func TestDispatcher_Unsubscribe(t *testing.T) {
	d := newDispatcher(zap.NewNop())
	defer d.close()

	var n atomic.Int32
	unsubscribe := d.subscribe(func(Event) { n.Add(1) })
	d.emit(Event{Kind: EventLocks})
	assert.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, 5*time.Millisecond)

	unsubscribe()
	unsubscribe()
	d.emit(Event{Kind: EventLocks})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), n.Load())
}

func TestDispatcher_SlowSubscriberDropsEvents(t *testing.T) {
	d := newDispatcher(zap.NewNop())
	defer d.close()

	release := make(chan struct{})
	var n atomic.Int32
	d.subscribe(func(Event) {
		<-release
		n.Add(1)
	})

	for range subscriberBuffer * 2 {
		d.emit(Event{Kind: EventParticipants})
	}
	close(release)

	assert.Eventually(t, func() bool { return n.Load() > 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, n.Load(), int32(subscriberBuffer+1))
}

func TestDispatcher_SubscribeAfterClose(t *testing.T) {
	d := newDispatcher(zap.NewNop())
	d.close()
	d.close()

	unsubscribe := d.subscribe(func(Event) { t.Fatalf("closed dispatcher delivered an event") })
	d.emit(Event{Kind: EventLocks})
	unsubscribe()
}
