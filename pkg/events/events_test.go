package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b := NewBroker()
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event arrived")
		return nil
	}
}

// TestPublishFansOut tests delivery to every subscriber.
func TestPublishFansOut(t *testing.T) {
	b := newTestBroker(t)
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{Type: EventBundleStaged, BundleUUID: "0xaaa", Message: "staged"})

	for _, sub := range []Subscriber{sub1, sub2} {
		ev := receive(t, sub)
		assert.Equal(t, EventBundleStaged, ev.Type)
		assert.Equal(t, "0xaaa", ev.BundleUUID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

// TestUnsubscribeClosesChannel tests that a dropped subscriber stops
// receiving and its channel closes.
func TestUnsubscribeClosesChannel(t *testing.T) {
	b := newTestBroker(t)
	sub := b.Subscribe()
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	if _, open := <-sub; open {
		t.Error("channel should be closed after unsubscribe")
	}
}

// TestStageTransitionMetadata tests the from/to metadata on run stage events.
func TestStageTransitionMetadata(t *testing.T) {
	b := newTestBroker(t)
	sub := b.Subscribe()

	b.StageTransition("0xaaa", "w1", "PREPARING", "RUNNING")

	ev := receive(t, sub)
	assert.Equal(t, EventRunStageChanged, ev.Type)
	assert.Equal(t, "w1", ev.WorkerID)
	assert.Equal(t, map[string]string{"from": "PREPARING", "to": "RUNNING"}, ev.Metadata)
}

// TestSlowSubscriberDropped tests that a full subscriber buffer never blocks
// the broker.
func TestSlowSubscriberDropped(t *testing.T) {
	b := newTestBroker(t)
	sub := b.Subscribe()

	// Overfill the subscriber's buffer; the overflow is dropped, not blocked
	// on.
	for i := 0; i < cap(sub)+10; i++ {
		b.Publish(&Event{Type: EventBundleFinished})
	}

	// The broker still serves a fresh subscriber.
	fresh := b.Subscribe()
	b.Publish(&Event{Type: EventBundleFailed, BundleUUID: "0xbbb"})
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-fresh:
			if ev.Type == EventBundleFailed {
				return
			}
		case <-deadline:
			t.Fatal("broker stopped delivering after a slow subscriber")
		}
	}
}
