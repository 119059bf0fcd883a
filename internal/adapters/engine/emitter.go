package engine

import "sync"

// listeners is a minimal event emitter. Handlers run on the emitting goroutine
// and never under the emitter's lock.
type listeners[T any] struct {
	mu  sync.Mutex
	fns []func(T)
}

func (l *listeners[T]) add(fn func(T)) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.fns = append(l.fns, fn)
	l.mu.Unlock()
}

func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	fns := make([]func(T), len(l.fns))
	copy(fns, l.fns)
	l.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (l *listeners[T]) reset() {
	l.mu.Lock()
	l.fns = nil
	l.mu.Unlock()
}

// event is a listeners set for signals without payload.
type event struct {
	listeners[struct{}]
}

func (e *event) on(fn func()) {
	if fn == nil {
		return
	}
	e.add(func(struct{}) { fn() })
}

func (e *event) fire() {
	e.emit(struct{}{})
}
