// Package events implements a small named-event emitter with scoped
// subscriptions.
package events

import (
	"context"
	"sort"
	"sync"
)

// Emitter fans events out to handlers registered per event name. Handlers
// run synchronously on the emitting goroutine in subscription order, so
// events emitted from one goroutine are observed in emission order.
type Emitter[E any] struct {
	mu   sync.RWMutex
	subs map[string]map[uint64]func(E)
	next uint64
}

// On registers fn for name and returns a func that removes it. The returned
// func is idempotent.
func (e *Emitter[E]) On(name string, fn func(E)) func() {
	e.mu.Lock()
	if e.subs == nil {
		e.subs = make(map[string]map[uint64]func(E))
	}
	id := e.next
	e.next++
	if e.subs[name] == nil {
		e.subs[name] = make(map[uint64]func(E))
	}
	e.subs[name][id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs[name], id)
			if len(e.subs[name]) == 0 {
				delete(e.subs, name)
			}
			e.mu.Unlock()
		})
	}
}

// Subscribe delivers events for name on a buffered channel until ctx ends.
// Slow subscribers drop events rather than block the emitter.
func (e *Emitter[E]) Subscribe(ctx context.Context, name string, buffer int) <-chan E {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan E, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	off := e.On(name, func(evt E) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- evt:
		default:
		}
	})
	go func() {
		<-ctx.Done()
		off()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch
}

// Emit delivers evt to every handler subscribed to name.
func (e *Emitter[E]) Emit(name string, evt E) {
	for _, fn := range e.handlers(name) {
		fn(evt)
	}
}

// Len returns the number of live subscriptions across all names.
func (e *Emitter[E]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, m := range e.subs {
		n += len(m)
	}
	return n
}

func (e *Emitter[E]) handlers(name string) []func(E) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m := e.subs[name]
	if len(m) == 0 {
		return nil
	}
	keys := make([]uint64, 0, len(m))
	for id := range m {
		keys = append(keys, id)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]func(E), 0, len(keys))
	for _, id := range keys {
		out = append(out, m[id])
	}
	return out
}
