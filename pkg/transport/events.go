package transport

import (
	"sync"
	"time"
)

// EventType names a transport lifecycle event.
type EventType string

const (
	// EventStateChanged fires on every connection state transition.
	EventStateChanged EventType = "state_changed"
	// EventConnected fires when a connection is established.
	EventConnected EventType = "connected"
	// EventDisconnected fires on orderly disconnect.
	EventDisconnected EventType = "disconnected"
	// EventConnectionLost fires on unexpected connection loss.
	EventConnectionLost EventType = "connection_lost"
	// EventError fires when the transport observes a failure outside a call.
	EventError EventType = "error"
	// EventNotification fires when a server-initiated notification arrives.
	EventNotification EventType = "notification"
)

// Event is delivered to subscribed handlers.
type Event struct {
	Type      EventType
	Transport Type
	State     State
	Err       error
	Method    string
	At        time.Time
}

// EventHandler receives events. Handlers run synchronously on the emitting
// goroutine and must not block.
type EventHandler func(Event)

// SubscriptionID identifies one subscription for removal.
type SubscriptionID int64

// emitter is the per-transport typed pub-sub. There is deliberately no global
// event bus; each transport owns its subscribers.
type emitter struct {
	mu     sync.RWMutex
	nextID SubscriptionID
	subs   map[SubscriptionID]subscription
}

type subscription struct {
	eventType EventType
	handler   EventHandler
}

func newEmitter() *emitter {
	return &emitter{subs: make(map[SubscriptionID]subscription)}
}

func (e *emitter) subscribe(eventType EventType, handler EventHandler) SubscriptionID {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.subs[id] = subscription{eventType: eventType, handler: handler}
	return id
}

func (e *emitter) unsubscribe(id SubscriptionID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, id)
}

func (e *emitter) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	e.mu.RLock()
	handlers := make([]EventHandler, 0, len(e.subs))
	for _, sub := range e.subs {
		if sub.eventType == ev.Type {
			handlers = append(handlers, sub.handler)
		}
	}
	e.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (e *emitter) clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = make(map[SubscriptionID]subscription)
}
