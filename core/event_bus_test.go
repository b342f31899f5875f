package core

import "testing"

// TestEventBusPublishDeliversToSubscribers verifies a published event
// reaches every subscriber of its kind and no others.
func TestEventBusPublishDeliversToSubscribers(t *testing.T) {
	bus := NewEventBus()
	var gotSolid, gotMilestone int
	bus.Subscribe(EventBlockSolidified, func(e any) { gotSolid++ })
	bus.Subscribe(EventMilestoneConfirmed, func(e any) { gotMilestone++ })

	bus.Publish(EventBlockSolidified, BlockSolidifiedEvent{})
	if gotSolid != 1 || gotMilestone != 0 {
		t.Fatalf("got solid=%d milestone=%d, want 1,0", gotSolid, gotMilestone)
	}
}

// TestEventBusUnsubscribeStopsDelivery verifies a token removed via
// Unsubscribe no longer receives events, and that a second Unsubscribe
// call is a harmless no-op.
func TestEventBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewEventBus()
	count := 0
	tok := bus.Subscribe(EventPeerConnected, func(e any) { count++ })
	bus.Publish(EventPeerConnected, PeerConnectedEvent{})
	bus.Unsubscribe(EventPeerConnected, tok)
	bus.Publish(EventPeerConnected, PeerConnectedEvent{})
	if count != 1 {
		t.Fatalf("expected 1 delivery before unsubscribe, got %d", count)
	}
	bus.Unsubscribe(EventPeerConnected, tok) // must not panic
}

// TestEventBusMultipleSubscribersSameKind verifies all subscribers of the
// same kind are invoked, independent of registration order.
func TestEventBusMultipleSubscribersSameKind(t *testing.T) {
	bus := NewEventBus()
	var a, b int
	bus.Subscribe(EventSaltUpdated, func(e any) { a++ })
	bus.Subscribe(EventSaltUpdated, func(e any) { b++ })
	bus.Publish(EventSaltUpdated, SaltUpdatedEvent{})
	if a != 1 || b != 1 {
		t.Fatalf("expected both subscribers invoked once, got a=%d b=%d", a, b)
	}
}
