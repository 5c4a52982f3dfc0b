// Package stats tracks delivery counters for a single client instance.
package stats

import "sync/atomic"

// Registry holds the monotonic delivery counters. All increments are
// atomic and never block producers.
type Registry struct {
	sent    atomic.Uint64
	errors  atomic.Uint64
	dropped atomic.Uint64
	flushes atomic.Uint64
}

// Snapshot is a point-in-time view of the registry. Sent, Errors, Dropped
// and Flushes are monotonic across the client lifetime; Pending and
// Retrying are live sizes supplied by the owner at snapshot time. The
// snapshot is not a single atomic transaction across fields.
type Snapshot struct {
	Sent     uint64
	Errors   uint64
	Dropped  uint64
	Flushes  uint64
	Pending  int
	Retrying int
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{}
}

// AddSent records n entries delivered to the endpoint.
func (r *Registry) AddSent(n int) {
	r.sent.Add(uint64(n))
}

// AddErrors records n entries permanently rejected by the endpoint.
func (r *Registry) AddErrors(n int) {
	r.errors.Add(uint64(n))
}

// AddDropped records n entries discarded without delivery.
func (r *Registry) AddDropped(n int) {
	r.dropped.Add(uint64(n))
}

// IncFlushes records one successfully delivered batch.
func (r *Registry) IncFlushes() {
	r.flushes.Add(1)
}

// Snapshot returns the current counter values combined with the caller's
// live pending and retrying sizes.
func (r *Registry) Snapshot(pending, retrying int) Snapshot {
	return Snapshot{
		Sent:     r.sent.Load(),
		Errors:   r.errors.Load(),
		Dropped:  r.dropped.Load(),
		Flushes:  r.flushes.Load(),
		Pending:  pending,
		Retrying: retrying,
	}
}
