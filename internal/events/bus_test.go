package events

import (
	"testing"
	"time"

	"gotest.tools/assert"
)

func TestPublishSubscribe(t *testing.T) {
	bus := New()
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	bus.Publish(Event{Kind: KindServerConnected, ServerID: "s1"})

	select {
	case ev := <-sub.Events:
		assert.Equal(t, ev.Kind, KindServerConnected)
		assert.Equal(t, ev.ServerID, "s1")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	bus := New()
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberQueueSize*2; i++ {
			bus.Publish(Event{Kind: KindServerStatus})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber queue")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New()
	sub := bus.Subscribe()
	sub.Unsubscribe()

	_, ok := <-sub.Events
	assert.Assert(t, !ok)
}
