package bus

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// subscription implements Subscription.
type subscription struct {
	id        string
	eventType EventType
	handler   Handler
	active    bool
	cancel    func()
}

func (s *subscription) ID() string           { return s.id }
func (s *subscription) EventType() EventType { return s.eventType }
func (s *subscription) IsActive() bool       { return s.active }
func (s *subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
	s.active = false
}

// inMemoryBus is a thread-safe EventBus implementation.
type inMemoryBus struct {
	mu sync.RWMutex
	// handlers: eventType -> subID -> subscription
	handlers map[EventType]map[string]*subscription
}

var _ EventBus = (*inMemoryBus)(nil)

// New creates an EventBus instance.
func New() EventBus {
	return &inMemoryBus{
		handlers: make(map[EventType]map[string]*subscription),
	}
}

func (b *inMemoryBus) Subscribe(eventType EventType, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[string]*subscription)
	}
	id := uuid.NewString()
	s := &subscription{id: id, eventType: eventType, handler: handler, active: true}
	s.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if m, ok := b.handlers[eventType]; ok {
			delete(m, id)
		}
		s.active = false
	}
	b.handlers[eventType][id] = s
	return s
}

func (b *inMemoryBus) Publish(event Event) error {
	b.mu.RLock()
	var subs []*subscription
	if m := b.handlers[event.Type()]; m != nil {
		subs = make([]*subscription, 0, len(m))
		for _, s := range m {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	var all error
	for _, s := range subs {
		if !s.active {
			continue
		}
		if err := s.handler(event); err != nil {
			all = errors.Join(all, err)
		}
	}
	return all
}
