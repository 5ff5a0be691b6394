package bus

import (
	"time"

	"github.com/famsync/famsync/internal/core/record"
)

// EventBus is the in-process pub/sub channel between the sync core and its
// UI collaborators. Delivery is synchronous: Publish calls handlers in the
// caller goroutine, so handlers must be quick or offload heavy work.
// Handler errors are joined and returned from Publish. All methods are safe
// for concurrent use.
//
// The store and the sync engine publish at well-defined points (local
// write, post-merge, post-push, status transition) and consumers subscribe
// instead of polling.
type EventBus interface {
	// Publish delivers the event synchronously to all active subscribers
	// of event.Type(). A joined error is returned if handlers fail.
	Publish(event Event) error
	// Subscribe registers a handler for an event type and returns a
	// Subscription handle used to cancel later.
	Subscribe(eventType EventType, handler Handler) Subscription
}

// EventType routes an event to its subscribers.
type EventType string

const (
	// TypeCollectionChanged fires after a collection's content changed,
	// whether from a local write or an inbound merge. One event per
	// affected collection, never one per record.
	TypeCollectionChanged EventType = "collection.changed"
	// TypeLocalWrite fires after a successful local WriteAll on a domain
	// collection; the sync engine uses it to schedule an outbound push.
	TypeLocalWrite EventType = "store.write"
	// TypeSyncCompleted fires after a push or merge cycle finishes.
	TypeSyncCompleted EventType = "sync.completed"
	// TypeStatusChanged fires on engine state transitions, feeding the
	// passive connectivity indicator.
	TypeStatusChanged EventType = "sync.status"
)

// Event is an immutable message. Collection is set for collection-scoped
// events and empty otherwise; Data carries an event-specific payload.
type Event struct {
	EventType  EventType
	Source     string
	Collection record.Collection
	At         time.Time
	Data       any
}

// Type returns the routing key.
func (e Event) Type() EventType { return e.EventType }

// NewEvent builds an event stamped with the current time.
func NewEvent(typ EventType, source string, col record.Collection, data any) Event {
	return Event{EventType: typ, Source: source, Collection: col, At: time.Now(), Data: data}
}

// Handler is a user callback invoked per delivered event.
type Handler func(event Event) error

// Subscription is a registered handler bound to an event type. Cancel
// de-registers it; multiple calls are safe.
type Subscription interface {
	ID() string
	EventType() EventType
	IsActive() bool
	Cancel()
}
