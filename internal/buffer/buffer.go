// Package buffer implements the thread-safe ingestion buffer holding
// entries pending delivery.
package buffer

import (
	"sync"

	"github.com/szibis/loki-courier/internal/entry"
)

// Buffer is a bounded FIFO container of pending entries. Append is safe
// under many concurrent producers; Drain and Len are intended for the
// single background worker but are safe from any goroutine.
type Buffer struct {
	mu      sync.Mutex
	entries []entry.Entry
	max     int
}

// New creates a Buffer rejecting appends beyond max entries.
func New(max int) *Buffer {
	return &Buffer{
		entries: make([]entry.Entry, 0, min(max, 1024)),
		max:     max,
	}
}

// Append adds an entry in O(1). It never blocks on I/O or the worker:
// when the buffer is at capacity the entry is rejected and false returned.
func (b *Buffer) Append(e entry.Entry) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) >= b.max {
		return false
	}
	b.entries = append(b.entries, e)
	return true
}

// Drain atomically removes and returns up to maxCount entries whose
// cumulative estimated size does not exceed maxBytes, preserving insertion
// order. Entries left behind remain for the next drain. A single entry
// larger than maxBytes is still returned alone so the buffer cannot wedge.
func (b *Buffer) Drain(maxCount, maxBytes int) []entry.Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return nil
	}

	n := 0
	size := 0
	for n < len(b.entries) && n < maxCount {
		s := b.entries[n].Size()
		if n > 0 && size+s > maxBytes {
			break
		}
		size += s
		n++
	}

	batch := make([]entry.Entry, n)
	copy(batch, b.entries[:n])

	remaining := len(b.entries) - n
	copy(b.entries, b.entries[n:])
	for i := remaining; i < len(b.entries); i++ {
		b.entries[i] = entry.Entry{}
	}
	b.entries = b.entries[:remaining]

	return batch
}

// Len returns the point-in-time number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
