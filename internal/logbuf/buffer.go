// Package logbuf provides a fixed-capacity, insertion-ordered store of
// telemetry log records with FIFO eviction. It decouples high-frequency
// producers from slow consumers: writes never wait on readers.
package logbuf

import (
	"sync"

	"github.com/sentinelops/console/internal/protocol"
)

const DefaultCapacity = 1000

// Buffer holds at most capacity records, evicting oldest-first.
// Construct one per logical stream; Close tears it down.
type Buffer struct {
	mu       sync.Mutex
	records  []protocol.LogRecord // ring storage, len == capacity
	start    int                  // index of the oldest record
	count    int
	subs     map[*Subscription]struct{}
	closed   bool
	capacity int
}

// Subscription is a change signal for one consumer. Signals coalesce:
// the channel carries "the buffer changed", not one token per record,
// so a slow consumer can never stall producers or other consumers.
type Subscription struct {
	ch   chan struct{}
	buf  *Buffer
	once sync.Once
}

// C returns the notification channel. Receive, then call Snapshot.
func (s *Subscription) C() <-chan struct{} { return s.ch }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.buf.mu.Lock()
		delete(s.buf.subs, s)
		s.buf.mu.Unlock()
	})
}

// New creates a buffer with the given capacity. Non-positive values
// fall back to DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		records:  make([]protocol.LogRecord, capacity),
		subs:     make(map[*Subscription]struct{}),
		capacity: capacity,
	}
}

// Add appends a record, evicting the oldest when full. O(1).
func (b *Buffer) Add(rec protocol.LogRecord) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	idx := (b.start + b.count) % b.capacity
	b.records[idx] = rec
	if b.count < b.capacity {
		b.count++
	} else {
		b.start = (b.start + 1) % b.capacity
	}
	b.notifyLocked()
	b.mu.Unlock()
}

// Len returns the number of stored records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the configured capacity.
func (b *Buffer) Cap() int { return b.capacity }

// Snapshot returns an independent copy of the last min(limit, Len())
// records in insertion order. Mutating the result never affects the
// buffer.
func (b *Buffer) Snapshot(limit int) []protocol.LogRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.count
	if limit >= 0 && limit < n {
		n = limit
	}
	out := make([]protocol.LogRecord, n)
	first := b.start + (b.count - n)
	for i := 0; i < n; i++ {
		out[i] = b.records[(first+i)%b.capacity]
	}
	return out
}

// SnapshotAll returns a copy of every stored record in insertion order.
func (b *Buffer) SnapshotAll() []protocol.LogRecord {
	return b.Snapshot(-1)
}

// Clear empties the buffer and notifies subscribers.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.start = 0
	b.count = 0
	b.notifyLocked()
	b.mu.Unlock()
}

// Subscribe registers a change-signal consumer. The returned
// subscription must be closed when the consumer goes away.
func (b *Buffer) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan struct{}, 1), buf: b}
	b.mu.Lock()
	if !b.closed {
		b.subs[sub] = struct{}{}
	}
	b.mu.Unlock()
	return sub
}

// Close tears the buffer down; further Adds are dropped.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()
}

func (b *Buffer) notifyLocked() {
	for sub := range b.subs {
		select {
		case sub.ch <- struct{}{}:
		default:
			// A pending signal already covers this change.
		}
	}
}
