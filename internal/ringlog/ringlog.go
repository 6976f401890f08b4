// Package ringlog provides the bounded record log that every pulse collector
// is built on: a fixed-capacity sequence that silently overwrites its oldest
// entry once full, while handing out strictly increasing record IDs for the
// whole lifetime of the log.
package ringlog

import "sync"

// Log is a generic fixed-capacity record log. When the log is full, pushing
// a new item overwrites the oldest one. All operations are O(1) except
// Items() and Latest() which are O(n) where n is the current size.
type Log[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	head     int // next write position
	size     int // current number of items

	nextID int64
	onPush func(T)
}

// New creates a log with the specified capacity.
// The capacity must be greater than zero.
func New[T any](capacity int) *Log[T] {
	if capacity <= 0 {
		panic("ringlog capacity must be greater than zero")
	}

	return &Log[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		nextID:   1,
	}
}

// Push inserts an item into the log. If the log is at capacity, this
// overwrites the oldest item. The push subscriber, if registered, is invoked
// synchronously after the item is stored.
func (l *Log[T]) Push(item T) {
	l.mu.Lock()
	l.items[l.head] = item
	l.head = (l.head + 1) % l.capacity
	if l.size < l.capacity {
		l.size++
	}
	fn := l.onPush
	l.mu.Unlock()

	// Invoked outside the lock so the subscriber can read the log.
	if fn != nil {
		fn(item)
	}
}

// NextID returns the current ID counter value and increments it. IDs are
// strictly increasing across the lifetime of the log regardless of how many
// items have been overwritten. Callers assign the ID into the item before
// pushing it.
func (l *Log[T]) NextID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	return id
}

// SetNextID moves the ID counter forward to n. Used when restoring persisted
// records so freshly issued IDs never collide with previously saved ones.
// Values at or below the current counter are ignored.
func (l *Log[T]) SetNextID(n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > l.nextID {
		l.nextID = n
	}
}

// Items returns all held items in insertion order (oldest to newest),
// reordering around the wrap cursor. The returned slice is a copy.
func (l *Log[T]) Items() []T {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.size == 0 {
		return nil
	}

	result := make([]T, l.size)
	if l.size < l.capacity {
		copy(result, l.items[:l.size])
	} else {
		// Wrapped: head points at the oldest item.
		n := copy(result, l.items[l.head:])
		copy(result[n:], l.items[:l.head])
	}
	return result
}

// Latest returns the n most recent items in insertion order.
// If n exceeds the current size, all items are returned.
func (l *Log[T]) Latest(n int) []T {
	all := l.Items()
	if len(all) <= n {
		return all
	}
	return all[len(all)-n:]
}

// Size returns the current number of items. It never exceeds the capacity.
func (l *Log[T]) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Capacity returns the fixed capacity of the log.
func (l *Log[T]) Capacity() int {
	return l.capacity
}

// Clear removes all items. The ID counter is left untouched.
func (l *Log[T]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.size = 0
	l.head = 0
}

// OnPush registers the push subscriber, replacing any previous one. The slot
// is deliberately single-subscriber: it pipes live records to a persistence
// or broadcast sink, and the wiring layer owns any fan-out. Passing nil
// unregisters the subscriber.
func (l *Log[T]) OnPush(fn func(T)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onPush = fn
}

// Load bulk-replaces the stored items, oldest first. Used at startup to
// reconstitute the log from external persistence. If more items are given
// than the log can hold, only the newest capacity-many are kept.
func (l *Log[T]) Load(items []T) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(items) > l.capacity {
		items = items[len(items)-l.capacity:]
	}

	l.items = make([]T, l.capacity)
	copy(l.items, items)
	l.size = len(items)
	l.head = l.size % l.capacity
}
