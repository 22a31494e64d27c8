package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartorch/orchestrator/internal/model"
)

func TestPublishDeliversToSubscribersOfThatSessionOnly(t *testing.T) {
	bus := NewBus(4)
	subA := bus.Subscribe("sess-a")
	subB := bus.Subscribe("sess-b")
	defer bus.Unsubscribe(subA)
	defer bus.Unsubscribe(subB)

	bus.Publish(model.Event{Type: "stage_update", SessionID: "sess-a", Timestamp: time.Now()})

	select {
	case ev := <-subA.Events():
		assert.Equal(t, "sess-a", ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("subA did not receive its event")
	}

	select {
	case ev := <-subB.Events():
		t.Fatalf("subB should not have received an event for another session: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishIsNonBlockingUnderOverflow(t *testing.T) {
	bus := NewBus(2)
	sub := bus.Subscribe("sess")
	defer bus.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(model.Event{Type: "stage_update", SessionID: "sess", Timestamp: time.Now()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow/unread subscriber")
	}
}

func TestOverflowEmitsDroppedMarker(t *testing.T) {
	bus := NewBus(1)
	sub := bus.Subscribe("sess")
	defer bus.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		bus.Publish(model.Event{Type: "stage_update", SessionID: "sess", Message: "m", Timestamp: time.Now()})
	}

	var sawDropped bool
	for {
		select {
		case ev := <-sub.Events():
			if ev.Type == "dropped" {
				sawDropped = true
			}
		default:
			assert.True(t, sawDropped, "overflow should surface a dropped=N marker event")
			return
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe("sess")
	bus.Unsubscribe(sub)

	_, ok := <-sub.Events()
	require.False(t, ok, "channel should be closed after Unsubscribe")
}

func TestSubscribeBeforePublishStillReceives(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe("not-yet-active")
	defer bus.Unsubscribe(sub)

	bus.Publish(model.Event{Type: "stage_update", SessionID: "not-yet-active", Timestamp: time.Now()})
	select {
	case ev := <-sub.Events():
		assert.Equal(t, "not-yet-active", ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}
}
