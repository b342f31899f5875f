package core

// Typed event bus (spec.md §9 design notes): BlockSolidified,
// MilestoneConfirmed, PeerConnected, SaltUpdated, with add/remove
// subscriber semantics and no requirement that a subscriber outlive its
// publisher. Grounded on the teacher's `core/event_management.go`
// broadcast/subscribe idiom — but explicitly de-globalized: the teacher's
// EventManager lived behind a `sync.Once` package-level singleton
// (`InitEvents`/`Events()`), which spec.md's design notes name directly as
// an anti-pattern to remove. Here the bus is just a struct; the
// supervisor constructs one explicit instance and hands it to every
// component that publishes or subscribes.

import "sync"

// EventKind tags the four event types the bus carries.
type EventKind uint8

const (
	EventBlockSolidified EventKind = iota
	EventMilestoneConfirmed
	EventPeerConnected
	EventSaltUpdated
)

// BlockSolidifiedEvent fires once per block, when the solidifier marks it
// solid.
type BlockSolidifiedEvent struct {
	BlockID BlockID
}

// MilestoneConfirmedEvent fires once per applied milestone, at the end of
// a successful white-flag pass.
type MilestoneConfirmedEvent struct {
	Index            uint32
	BlockID          BlockID
	IncludedCount    int
	ReferencedCount  int
	ConflictingCount int
}

// PeerConnectedEvent fires when AutopeeringManager accepts an inbound
// peering request or receives an accepting peering response. It carries
// only the peer's ID.
type PeerConnectedEvent struct {
	Peer PeerID
}

// SaltUpdatedEvent fires when autopeering rotates the local salt, which
// invalidates the current outbound/inbound neighbor selection.
type SaltUpdatedEvent struct {
	Salt []byte
}

// SubscriptionToken is returned by Subscribe and consumed by Unsubscribe.
type SubscriptionToken uint64

type subscriber struct {
	token SubscriptionToken
	fn    func(any)
}

// EventBus is a multi-producer, multi-consumer broadcast bus. It holds no
// package-level state; callers construct and share one instance.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventKind][]subscriber
	nextToken   SubscriptionToken
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[EventKind][]subscriber)}
}

// Subscribe registers fn for events of kind, returning a token usable
// with Unsubscribe. fn is invoked synchronously from Publish's goroutine;
// slow subscribers should hand off to their own queue.
func (b *EventBus) Subscribe(kind EventKind, fn func(any)) SubscriptionToken {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextToken++
	tok := b.nextToken
	b.subscribers[kind] = append(b.subscribers[kind], subscriber{token: tok, fn: fn})
	return tok
}

// Unsubscribe removes a previously registered subscription. It is safe to
// call after the bus has already published to it, and safe to call more
// than once.
func (b *EventBus) Unsubscribe(kind EventKind, tok SubscriptionToken) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[kind]
	for i, s := range subs {
		if s.token == tok {
			b.subscribers[kind] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish fans event out to every current subscriber of kind. Subscribers
// registered or removed during a Publish call do not affect that call's
// delivery list (a snapshot is taken under the read lock).
func (b *EventBus) Publish(kind EventKind, event any) {
	b.mu.RLock()
	subs := make([]subscriber, len(b.subscribers[kind]))
	copy(subs, b.subscribers[kind])
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(event)
	}
}
