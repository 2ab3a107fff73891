package feed

import (
	"testing"
	"time"
)

func TestBrokerDeliversToSessionSubscribers(t *testing.T) {
	broker := NewBroker()
	ch, cancel := broker.Subscribe("session-a")
	defer cancel()

	other, cancelOther := broker.Subscribe("session-b")
	defer cancelOther()

	broker.Publish(Event{SessionID: "session-a", Kind: EventMessageAdded, MessageID: "m1"})

	select {
	case event := <-ch:
		if event.Kind != EventMessageAdded || event.MessageID != "m1" {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	select {
	case event := <-other:
		t.Fatalf("wrong session received event %+v", event)
	default:
	}
}

func TestBrokerPublishNeverBlocks(t *testing.T) {
	broker := NewBroker()
	_, cancel := broker.Subscribe("session-a")
	defer cancel()

	// Nobody drains the channel; the broker must drop instead of stall.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			broker.Publish(Event{SessionID: "session-a", Kind: EventMessageAdded})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBrokerCancelClosesChannel(t *testing.T) {
	broker := NewBroker()
	ch, cancel := broker.Subscribe("session-a")

	cancel()
	cancel() // repeated cancel is harmless

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after cancel")
	}

	// Publishing after cancel must not panic.
	broker.Publish(Event{SessionID: "session-a", Kind: EventParticipantsChanged})
}

func TestFanoutSkipsNilPublishers(t *testing.T) {
	broker := NewBroker()
	ch, cancel := broker.Subscribe("session-a")
	defer cancel()

	fanout := Fanout{nil, broker, NopPublisher{}}
	fanout.Publish(Event{SessionID: "session-a", Kind: EventParticipantsChanged})

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("fanout did not reach the broker")
	}
}
