package insureops

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Callback receives one decoded event.
type Callback func(Event)

// Unsubscribe removes the registration it was returned for. Calling it more
// than once is a no-op.
type Unsubscribe func()

type registration struct {
	id uint64
	cb Callback
}

// Registry fans decoded events out to the callbacks registered for their key.
// Callbacks registered through SubscribeAll receive every event.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	nextID   uint64
	byKey    map[EventKey][]registration
	wildcard []registration
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		byKey:  make(map[EventKey][]registration),
	}
}

// Subscribe registers cb for events whose key equals key.
func (r *Registry) Subscribe(key EventKey, cb Callback) Unsubscribe {
	if cb == nil {
		panic("insureops: Subscribe called with nil callback")
	}

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.byKey[key] = append(r.byKey[key], registration{id: id, cb: cb})
	r.mu.Unlock()

	return r.handle(func(r *Registry) { r.remove(key, id) })
}

// SubscribeAll registers cb for every event regardless of key.
func (r *Registry) SubscribeAll(cb Callback) Unsubscribe {
	if cb == nil {
		panic("insureops: SubscribeAll called with nil callback")
	}

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.wildcard = append(r.wildcard, registration{id: id, cb: cb})
	r.mu.Unlock()

	return r.handle(func(r *Registry) { r.removeWildcard(id) })
}

// handle wraps a removal so that it runs at most once and the spent handle
// no longer references the registry.
func (r *Registry) handle(remove func(*Registry)) Unsubscribe {
	var (
		once sync.Once
		reg  = r
	)
	return func() {
		once.Do(func() {
			remove(reg)
			reg = nil
		})
	}
}

func (r *Registry) remove(key EventKey, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := r.byKey[key]
	for i, reg := range regs {
		if reg.id != id {
			continue
		}
		// Copy on removal: dispatch may be iterating the old slice.
		next := make([]registration, 0, len(regs)-1)
		next = append(next, regs[:i]...)
		next = append(next, regs[i+1:]...)
		if len(next) == 0 {
			delete(r.byKey, key)
		} else {
			r.byKey[key] = next
		}
		return
	}
}

func (r *Registry) removeWildcard(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, reg := range r.wildcard {
		if reg.id != id {
			continue
		}
		next := make([]registration, 0, len(r.wildcard)-1)
		next = append(next, r.wildcard[:i]...)
		next = append(next, r.wildcard[i+1:]...)
		r.wildcard = next
		return
	}
}

// Dispatch delivers ev to the callbacks registered for ev.Key and to every
// wildcard callback. The callback sets are snapshotted before any callback
// runs, so callbacks may subscribe or unsubscribe freely.
func (r *Registry) Dispatch(ev Event) {
	r.mu.RLock()
	keyed := r.byKey[ev.Key]
	wildcard := r.wildcard
	r.mu.RUnlock()

	for _, reg := range keyed {
		r.invoke(reg, ev)
	}
	for _, reg := range wildcard {
		r.invoke(reg, ev)
	}
}

func (r *Registry) invoke(reg registration, ev Event) {
	safeCall(r.logger, "event callback panicked", func() { reg.cb(ev) }, "key", string(ev.Key))
}

// safeCall runs fn and logs a panic instead of propagating it.
func safeCall(logger *slog.Logger, msg string, fn func(), attrs ...any) {
	defer func() {
		if p := recover(); p != nil {
			logger.Warn(msg, append(attrs, "panic", fmt.Sprint(p))...)
		}
	}()
	fn()
}

// Len returns the number of registrations, wildcard included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.wildcard)
	for _, regs := range r.byKey {
		n += len(regs)
	}
	return n
}

// Keys returns the event keys that currently have at least one subscriber.
func (r *Registry) Keys() []EventKey {
	r.mu.RLock()
	keys := make([]EventKey, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
