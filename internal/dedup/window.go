// Package dedup provides a bounded window of recently seen message ids.
// Updates can arrive over both the direct peer channel and the relay; the
// window guarantees at-most-once delivery to the application layer without
// unbounded memory growth.
package dedup

import "sync"

// DefaultCapacity bounds the window when no explicit capacity is given.
const DefaultCapacity = 100

// Window is a capacity-bounded FIFO set of message ids. Insertion evicts
// the oldest id once the capacity is reached. Safe for concurrent use.
type Window struct {
	mu       sync.Mutex
	capacity int
	order    []string
	seen     map[string]struct{}
}

// NewWindow creates a window with the given capacity. A capacity of zero
// or less falls back to DefaultCapacity.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Window{
		capacity: capacity,
		order:    make([]string, 0, capacity),
		seen:     make(map[string]struct{}, capacity),
	}
}

// Seen reports whether id is currently in the window.
func (w *Window) Seen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.seen[id]
	return ok
}

// Record inserts id, evicting the oldest entry if the window is full.
// Recording an id that is already present is a no-op.
func (w *Window) Record(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.seen[id]; ok {
		return
	}

	if len(w.order) >= w.capacity {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.seen, oldest)
	}

	w.order = append(w.order, id)
	w.seen[id] = struct{}{}
}

// CheckAndRecord reports whether id was already in the window and records
// it if not, as a single atomic step.
func (w *Window) CheckAndRecord(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.seen[id]; ok {
		return true
	}

	if len(w.order) >= w.capacity {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.seen, oldest)
	}

	w.order = append(w.order, id)
	w.seen[id] = struct{}{}
	return false
}

// Len returns the number of ids currently tracked.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.order)
}
