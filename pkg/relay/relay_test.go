package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, sub *Subscription) []Event {
	t.Helper()
	var out []Event
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
}

func TestHub_TwoObserversReceiveAllChunksInOrder(t *testing.T) {
	h := NewHub()

	a := h.Subscribe("s1")
	b := h.Subscribe("s1")
	defer a.Close()
	defer b.Close()

	h.Publish("s1", Event{Type: EventStatus, Content: "running"})
	h.Publish("s1", Event{Type: EventText, Content: "chunk-1"})
	h.Publish("s1", Event{Type: EventText, Content: "chunk-2"})
	h.Publish("s1", Event{Type: EventDone})
	h.Finish("s1")

	for _, sub := range []*Subscription{a, b} {
		events := collect(t, sub)
		require.Len(t, events, 4)
		assert.Equal(t, "chunk-1", events[1].Content)
		assert.Equal(t, "chunk-2", events[2].Content)
		assert.Equal(t, EventDone, events[3].Type)

		done := 0
		for _, ev := range events {
			if ev.Type == EventDone || ev.Type == EventError {
				done++
			}
		}
		assert.Equal(t, 1, done, "exactly one terminal event per observer")
	}
}

func TestHub_NoReplayForLateObservers(t *testing.T) {
	h := NewHub()

	early := h.Subscribe("s1")
	defer early.Close()

	h.Publish("s1", Event{Type: EventText, Content: "before"})

	late := h.Subscribe("s1")
	defer late.Close()

	h.Publish("s1", Event{Type: EventText, Content: "after"})
	h.Publish("s1", Event{Type: EventDone})
	h.Finish("s1")

	earlyEvents := collect(t, early)
	lateEvents := collect(t, late)

	require.Len(t, earlyEvents, 3)
	require.Len(t, lateEvents, 2)
	assert.Equal(t, "after", lateEvents[0].Content)
}

func TestHub_PublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	h := NewHub()
	for i := 0; i < 100; i++ {
		h.Publish("nobody-listening", Event{Type: EventText, Content: "x"})
	}
}

func TestHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub()
	dropped := 0
	h.OnDrop = func() { dropped++ }

	sub := h.Subscribe("s1")
	defer sub.Close()

	// Never drained: overflow past the buffer must not block the producer.
	for i := 0; i < DefaultBuffer+10; i++ {
		h.Publish("s1", Event{Type: EventText, Content: "x"})
	}
	assert.Equal(t, 10, dropped)
}

func TestHub_CloseDetachesObserver(t *testing.T) {
	h := NewHub()

	sub := h.Subscribe("s1")
	assert.Equal(t, 1, h.Subscribers("s1"))

	sub.Close()
	sub.Close() // idempotent
	assert.Equal(t, 0, h.Subscribers("s1"))

	// Publishing after detach must not panic.
	h.Publish("s1", Event{Type: EventText, Content: "x"})
}

func TestHub_SubscribeAfterFinishGetsClosedChannel(t *testing.T) {
	h := NewHub()

	sub := h.Subscribe("s1")
	h.Publish("s1", Event{Type: EventDone})
	h.Finish("s1")
	collect(t, sub)

	late := h.Subscribe("s1")
	// A fresh topic is created on re-subscribe; terminal sessions are
	// served from the store, so this observer simply sees live silence.
	assert.Equal(t, 1, h.Subscribers("s1"))
	late.Close()
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "agent:session:abc", ChannelName("abc"))
}
