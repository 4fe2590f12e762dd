// Package notify provides the listener lists behind every On* registration
// in the pairing packages.
package notify

import "sync"

// List holds listeners for one notification. The zero value is ready to use.
//
// Emit delivers to a snapshot taken under the lock and calls listeners
// outside it, so a listener may add or remove listeners, including itself.
type List[T any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries []entry[T]
}

type entry[T any] struct {
	id uint64
	fn func(T)
}

// Add registers fn and returns a func that removes it again.
func (l *List[T]) Add(fn func(T)) (remove func()) {
	if fn == nil {
		return func() {}
	}
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, entry[T]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, e := range l.entries {
				if e.id == id {
					l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit calls every registered listener with v, in registration order.
func (l *List[T]) Emit(v T) {
	l.mu.Lock()
	snapshot := l.entries
	l.mu.Unlock()

	for _, e := range snapshot {
		e.fn(v)
	}
}

func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
