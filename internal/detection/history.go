package detection

import "time"

// DefaultHistoryCapacity is the number of events kept for window counting.
const DefaultHistoryCapacity = 10000

// ring is a fixed-capacity FIFO. Pushing into a full ring silently drops the
// oldest element.
type ring[T any] struct {
	buf  []T
	head int // index of the oldest element
	size int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = v
		r.size++
		return
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
}

// at returns the i-th element counting from the oldest.
func (r *ring[T]) at(i int) T {
	return r.buf[(r.head+i)%len(r.buf)]
}

// reverse visits elements newest first until fn returns false.
func (r *ring[T]) reverse(fn func(T) bool) {
	for i := r.size - 1; i >= 0; i-- {
		if !fn(r.at(i)) {
			return
		}
	}
}

func (r *ring[T]) items() []T {
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.at(i)
	}
	return out
}

// History is the rolling buffer of recently analyzed events shared by all
// patterns. Events beyond capacity are evicted oldest first, so windows
// spanning more than capacity events undercount. History is not safe for
// concurrent use; the engine loop owns it.
//
// Events are expected in non-decreasing timestamp order. Scans stop at the
// first event older than the cutoff, so a late event can hide newer ones
// behind it; this only skews counts, it never fails.
type History struct {
	events *ring[SecurityEvent]
}

// NewHistory creates a history holding at most capacity events.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{events: newRing[SecurityEvent](capacity)}
}

// Append stores ev, evicting the oldest event when full.
func (h *History) Append(ev SecurityEvent) {
	h.events.push(ev)
}

// Len returns the number of stored events.
func (h *History) Len() int { return h.events.size }

// Cap returns the capacity.
func (h *History) Cap() int { return len(h.events.buf) }

// Scan visits events newest first while their timestamp is not before
// cutoff. Returning false from fn stops the scan early.
func (h *History) Scan(cutoff time.Time, fn func(SecurityEvent) bool) {
	h.events.reverse(func(ev SecurityEvent) bool {
		if ev.Timestamp.Before(cutoff) {
			return false
		}
		return fn(ev)
	})
}

// Since returns the events with timestamp >= cutoff, oldest first.
func (h *History) Since(cutoff time.Time) []SecurityEvent {
	var newestFirst []SecurityEvent
	h.Scan(cutoff, func(ev SecurityEvent) bool {
		newestFirst = append(newestFirst, ev)
		return true
	})
	out := make([]SecurityEvent, len(newestFirst))
	for i, ev := range newestFirst {
		out[len(newestFirst)-1-i] = ev
	}
	return out
}

// Events returns every stored event, oldest first.
func (h *History) Events() []SecurityEvent {
	return h.events.items()
}
