// Package buffer provides a ring buffer for keeping the tail of a message
// stream.
package buffer

import (
	"sync"
)

// Ring is a thread-safe circular buffer holding the most recent messages of
// a conversation, up to a fixed capacity. When the ring is full the oldest
// message is discarded to make room.
//
// The exerciser client uses it to keep a bounded sample of what a scenario
// received, so long runs can report a tail without retaining every frame.
type Ring struct {
	items    []string
	start    int
	count    int
	total    uint64
	capacity int
	mu       sync.RWMutex
}

// NewRing creates a Ring with the specified capacity.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{
		items:    make([]string, capacity),
		capacity: capacity,
	}
}

// Push appends one message, discarding the oldest when the ring is full.
func (r *Ring) Push(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count < r.capacity {
		r.items[(r.start+r.count)%r.capacity] = msg
		r.count++
	} else {
		r.items[r.start] = msg
		r.start = (r.start + 1) % r.capacity
	}
	r.total++
}

// Items returns a copy of the buffered messages, oldest first.
func (r *Ring) Items() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return nil
	}

	items := make([]string, r.count)
	for i := 0; i < r.count; i++ {
		items[i] = r.items[(r.start+i)%r.capacity]
	}
	return items
}

// Last returns the most recent message, if any.
func (r *Ring) Last() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return "", false
	}
	return r.items[(r.start+r.count-1)%r.capacity], true
}

// Clear removes all messages from the ring. The total count of messages
// ever pushed is kept.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.start = 0
	r.count = 0
}

// Len returns the current number of buffered messages.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.count
}

// Cap returns the capacity of the ring.
func (r *Ring) Cap() int {
	return r.capacity
}

// Total returns how many messages have ever been pushed.
func (r *Ring) Total() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.total
}
