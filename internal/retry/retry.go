// Package retry implements the bounded, time-ordered queue of failed
// batches awaiting re-send with exponential backoff.
package retry

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/szibis/loki-courier/internal/entry"
)

// Item is a failed batch scheduled for re-send.
type Item struct {
	// ID identifies the batch across retry attempts for log correlation.
	ID string
	// Entries is the batch payload, owned by this item until acknowledged
	// or dropped.
	Entries []entry.Entry
	// Attempts is the number of failed send attempts so far, 1..maxRetries.
	Attempts int
	// NextRetry is the earliest time the batch may be re-sent.
	NextRetry time.Time

	index int
}

// Queue is a bounded min-heap of retry items ordered by NextRetry. When
// adding to a full queue the item closest to retrying is dropped first,
// keeping memory bounded under a prolonged outage.
type Queue struct {
	mu         sync.Mutex
	items      itemHeap
	maxItems   int
	backoff    time.Duration
	maxRetries int
}

// New creates a Queue holding at most maxItems batches. backoff is the
// delay before the first retry; subsequent delays double.
func New(maxItems int, backoff time.Duration, maxRetries int) *Queue {
	return &Queue{
		maxItems:   maxItems,
		backoff:    backoff,
		maxRetries: maxRetries,
	}
}

// Add enqueues a batch after its first transient failure, scheduled at
// now+backoff. It returns the number of entries evicted to make room
// (zero when the queue had capacity). A non-positive maxRetries disables
// retries entirely: the batch itself is reported as evicted.
func (q *Queue) Add(entries []entry.Entry, now time.Time) (evicted int) {
	if q.maxRetries <= 0 {
		return len(entries)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) >= q.maxItems {
		oldest := heap.Pop(&q.items).(*Item)
		evicted += len(oldest.Entries)
	}

	heap.Push(&q.items, &Item{
		ID:        uuid.New().String(),
		Entries:   entries,
		Attempts:  1,
		NextRetry: now.Add(q.backoff),
	})
	return evicted
}

// PopDue removes and returns all items whose NextRetry is at or before now,
// in schedule order.
func (q *Queue) PopDue(now time.Time) []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*Item
	for len(q.items) > 0 && !q.items[0].NextRetry.After(now) {
		due = append(due, heap.Pop(&q.items).(*Item))
	}
	return due
}

// Requeue records another failed attempt for a previously popped item.
// If the attempt budget is not yet exhausted the item is rescheduled at
// now + backoff*2^(attempts-1) and true is returned. Once attempts would
// exceed maxRetries the item is abandoned and false returned; the caller
// counts its entries as dropped.
func (q *Queue) Requeue(item *Item, now time.Time) bool {
	item.Attempts++
	if item.Attempts > q.maxRetries {
		return false
	}

	delay := q.backoff << (item.Attempts - 1)
	item.NextRetry = now.Add(delay)

	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.items, item)
	return true
}

// NextDue returns the earliest scheduled retry time, if any.
func (q *Queue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].NextRetry, true
}

// Len returns the number of queued batches.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// PendingEntries returns the total entries across all queued batches.
func (q *Queue) PendingEntries() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		n += len(it.Entries)
	}
	return n
}

// DrainAll removes and returns every queued item regardless of schedule.
// Used by the final shutdown pass.
func (q *Queue) DrainAll() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var all []*Item
	for len(q.items) > 0 {
		all = append(all, heap.Pop(&q.items).(*Item))
	}
	return all
}

type itemHeap []*Item

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].NextRetry.Before(h[j].NextRetry) }
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *itemHeap) Push(x interface{}) { it := x.(*Item); it.index = len(*h); *h = append(*h, it) }
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
