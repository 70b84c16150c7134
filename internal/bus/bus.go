// Package bus is a typed publish/subscribe bus scoped to one session.
//
// Subscribers register for a concrete Go type; Publish delivers a value to
// every handler registered for exactly that type, synchronously and in
// registration order, on the publishing goroutine.
package bus

import (
	"reflect"
	"sync"
)

type handler struct {
	id uint64
	fn func(any)
}

type Bus struct {
	mu     sync.RWMutex
	nextId uint64
	subs   map[reflect.Type][]handler
}

func New() *Bus {
	return &Bus{subs: make(map[reflect.Type][]handler)}
}

// Subscribe registers fn for events of type E and returns a function that
// removes the registration. The returned function is safe to call twice.
func Subscribe[E any](b *Bus, fn func(E)) (unsubscribe func()) {
	t := reflect.TypeFor[E]()

	b.mu.Lock()
	b.nextId++
	id := b.nextId
	b.subs[t] = append(b.subs[t], handler{
		id: id,
		fn: func(v any) { fn(v.(E)) },
	})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(t, id) })
	}
}

// Publish delivers e to the handlers subscribed to E at the time of the call.
func Publish[E any](b *Bus, e E) {
	t := reflect.TypeFor[E]()

	b.mu.RLock()
	hs := make([]handler, len(b.subs[t]))
	copy(hs, b.subs[t])
	b.mu.RUnlock()

	for _, h := range hs {
		h.fn(e)
	}
}

// Len reports the number of handlers subscribed to E.
func Len[E any](b *Bus) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[reflect.TypeFor[E]()])
}

func (b *Bus) remove(t reflect.Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	hs := b.subs[t]
	for i, h := range hs {
		if h.id == id {
			b.subs[t] = append(hs[:i:i], hs[i+1:]...)
			break
		}
	}
	if len(b.subs[t]) == 0 {
		delete(b.subs, t)
	}
}
