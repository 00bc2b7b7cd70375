package logs

import (
	"sync"
	"time"
)

const defaultBufferSize = 1000

// ringBuffer is a thread-safe circular buffer of entries. When full, the
// oldest entry is overwritten.
type ringBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	size    int
	head    int // oldest entry
	count   int
	total   int // entries ever written
}

func newRingBuffer(size int) *ringBuffer {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &ringBuffer{
		entries: make([]Entry, size),
		size:    size,
	}
}

// Write appends an entry, evicting the oldest when full.
func (b *ringBuffer) Write(entry Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos := (b.head + b.count) % b.size
	b.entries[pos] = entry

	if b.count < b.size {
		b.count++
	} else {
		b.head = (b.head + 1) % b.size
	}
	b.total++
}

// ReadAll returns all buffered entries, oldest first.
func (b *ringBuffer) ReadAll() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Entry, 0, b.count)
	for i := range b.count {
		out = append(out, b.entries[(b.head+i)%b.size])
	}
	return out
}

// ReadSince returns buffered entries with a timestamp after since.
func (b *ringBuffer) ReadSince(since time.Time) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Entry
	for i := range b.count {
		entry := b.entries[(b.head+i)%b.size]
		if entry.Timestamp.After(since) {
			out = append(out, entry)
		}
	}
	return out
}

// Size returns the number of buffered entries.
func (b *ringBuffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Total returns the number of entries ever written, including evicted ones.
func (b *ringBuffer) Total() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}
