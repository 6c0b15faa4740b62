package events

import (
	"testing"
	"time"

	"github.com/rescale/taskengine/internal/model"
)

func TestSubscribeAndPublish(t *testing.T) {
	bus := NewEventBus(4)
	ch := bus.Subscribe(EventStateChange)

	bus.PublishStateChange(7, model.StateWaiting, model.StateRunning, model.ReasonDefault)

	select {
	case ev := <-ch:
		sc, ok := ev.(*StateChangeEvent)
		if !ok {
			t.Fatalf("got %T, want *StateChangeEvent", ev)
		}
		if sc.TaskID != 7 || sc.NewState != model.StateRunning {
			t.Fatalf("unexpected event %+v", sc)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	bus := NewEventBus(1)
	_ = bus.Subscribe(EventProgress)

	for i := 0; i < 5; i++ {
		bus.Publish(&ProgressEvent{BaseEvent: BaseEvent{EventType: EventProgress, Time: time.Now()}, TaskID: uint32(i)})
	}

	if bus.GetDroppedEventCount() == 0 {
		t.Fatal("expected some events to be dropped once the buffer filled")
	}
}

func TestUnsubscribeAllRemovesFromEveryType(t *testing.T) {
	bus := NewEventBus(4)
	ch := bus.Subscribe(EventStateChange)
	bus.UnsubscribeAll(ch)

	bus.PublishStateChange(1, model.StateInitialized, model.StateWaiting, model.ReasonDefault)

	select {
	case <-ch:
		t.Fatal("expected no event after UnsubscribeAll")
	default:
	}
}

func TestSubscribeAfterCloseReturnsClosedChannel(t *testing.T) {
	bus := NewEventBus(1)
	bus.Close()

	ch := bus.Subscribe(EventLog)
	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed immediately")
	}
}
