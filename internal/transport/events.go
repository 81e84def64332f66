package transport

import "sync"

// Subscription cancels an event handler registration.
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	once   sync.Once
	cancel func()
}

func (s *subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// Emitter dispatches connection events to subscribed handlers in
// subscription order. The zero value is ready to use.
type Emitter struct {
	mu       sync.Mutex
	next     uint64
	handlers map[Event][]handlerEntry
}

type handlerEntry struct {
	id uint64
	fn func(Connection)
}

// Subscribe registers fn for event.
func (e *Emitter) Subscribe(event Event, fn func(Connection)) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handlers == nil {
		e.handlers = make(map[Event][]handlerEntry)
	}
	e.next++
	id := e.next
	e.handlers[event] = append(e.handlers[event], handlerEntry{id: id, fn: fn})

	return &subscription{cancel: func() { e.remove(event, id) }}
}

func (e *Emitter) remove(event Event, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries := e.handlers[event]
	for i, h := range entries {
		if h.id == id {
			e.handlers[event] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Emit calls every handler for event. Handlers are invoked outside the lock, so
// they may subscribe or unsubscribe.
func (e *Emitter) Emit(event Event, conn Connection) {
	e.mu.Lock()
	entries := make([]handlerEntry, len(e.handlers[event]))
	copy(entries, e.handlers[event])
	e.mu.Unlock()

	for _, h := range entries {
		h.fn(conn)
	}
}

// Len returns the number of handlers registered for event.
func (e *Emitter) Len(event Event) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers[event])
}
