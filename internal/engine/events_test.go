package engine

import "testing"

func TestEventBus_DeliversToAllSubscribers(t *testing.T) {
	bus := NewEventBus(newFakeClock())

	var first, second []Event
	bus.Subscribe(func(evt Event) { first = append(first, evt) })
	bus.Subscribe(func(evt Event) { second = append(second, evt) })

	evt := bus.Publish(EventOperationCreated, "op-1", map[string]any{"kind": "import"})

	if evt.ID == "" {
		t.Error("published event should carry an id")
	}
	if evt.Timestamp.IsZero() {
		t.Error("published event should carry a timestamp")
	}
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("delivery counts = %d/%d, want 1/1", len(first), len(second))
	}
	if first[0].Type != EventOperationCreated || first[0].OperationID != "op-1" {
		t.Errorf("delivered event = %+v", first[0])
	}
}

func TestEventBus_PanickingSubscriberIsIsolated(t *testing.T) {
	bus := NewEventBus(newFakeClock())

	bus.Subscribe(func(Event) { panic("bad subscriber") })
	var delivered int
	bus.Subscribe(func(Event) { delivered++ })

	bus.Publish(EventOperationStarted, "op-1", nil)
	bus.Publish(EventOperationCompleted, "op-1", nil)

	if delivered != 2 {
		t.Errorf("healthy subscriber received %d events, want 2", delivered)
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus(newFakeClock())

	var delivered int
	unsubscribe := bus.Subscribe(func(Event) { delivered++ })

	bus.Publish(EventOperationCreated, "op-1", nil)
	unsubscribe()
	bus.Publish(EventOperationCreated, "op-2", nil)

	if delivered != 1 {
		t.Errorf("delivered = %d, want 1", delivered)
	}
	if bus.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d, want 0", bus.SubscriberCount())
	}
}
