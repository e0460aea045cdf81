package optimirror

import (
	"testing"
)

func TestNotifierDeliversInSubscriptionOrder(t *testing.T) {
	notifier := NewNotifier()
	var order []string
	notifier.Subscribe("notes", func(Event) { order = append(order, "first") })
	notifier.Subscribe("notes", func(Event) { order = append(order, "second") })

	notifier.Publish("notes", Event{Type: EventApplied, DataType: "notes"})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected delivery order: %v", order)
	}
}

func TestNotifierUnsubscribeStopsDelivery(t *testing.T) {
	notifier := NewNotifier()
	calls := 0
	unsubscribe := notifier.Subscribe("notes", func(Event) { calls++ })

	notifier.Publish("notes", Event{Type: EventApplied})
	unsubscribe()
	notifier.Publish("notes", Event{Type: EventCommitted})
	// Double unsubscribe is harmless.
	unsubscribe()

	if calls != 1 {
		t.Fatalf("expected 1 delivery, got %d", calls)
	}
}

func TestNotifierDoesNotDeliverAcrossDataTypes(t *testing.T) {
	notifier := NewNotifier()
	calls := 0
	notifier.Subscribe("invoices", func(Event) { calls++ })

	notifier.Publish("notes", Event{Type: EventApplied, DataType: "notes"})

	if calls != 0 {
		t.Fatalf("expected no delivery, got %d", calls)
	}
}

func TestNotifierWildcardReceivesEveryType(t *testing.T) {
	notifier := NewNotifier()
	var seen []string
	notifier.Subscribe(SubscribeAll, func(ev Event) { seen = append(seen, ev.DataType) })

	notifier.Publish("notes", Event{DataType: "notes"})
	notifier.Publish("invoices", Event{DataType: "invoices"})

	if len(seen) != 2 || seen[0] != "notes" || seen[1] != "invoices" {
		t.Fatalf("unexpected wildcard deliveries: %v", seen)
	}
}

func TestNotifierIsolatesPanickingListener(t *testing.T) {
	notifier := NewNotifier()
	var delivered []string
	notifier.Subscribe("notes", func(Event) { panic("listener bug") })
	notifier.Subscribe("notes", func(Event) { delivered = append(delivered, "survivor") })

	notifier.Publish("notes", Event{Type: EventRolledBack})

	if len(delivered) != 1 {
		t.Fatalf("expected fan-out to survive a panicking listener, got %v", delivered)
	}
}
