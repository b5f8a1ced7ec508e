// Package qmem implements the per-user query memory ring described in
// spec.md §4.2: parking inbound queries so the server can answer them
// later (lazily, out of order, or on duplicate retransmission) while
// preserving strict FIFO answer order.
package qmem

import (
	"time"

	"dnstunneld/internal/srverr"
	"dnstunneld/internal/wire"
)

// DefaultCapacity is Q, the ring's fixed capacity (spec.md §3: "typically
// 16").
const DefaultCapacity = 16

// Ring is a fixed-capacity FIFO of parked queries with dedup, pending-count
// accounting, and a next-to-answer pointer.
type Ring struct {
	capacity     int
	queries      []wire.Query
	occupied     []bool
	start        int
	end          int
	length       int
	startPending int
	numPending   int
}

// New creates a Ring with the given capacity (Q).
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		capacity: capacity,
		queries:  make([]wire.Query, capacity),
		occupied: make([]bool, capacity),
	}
}

// NumPending returns the count of occupied slots not yet answered.
func (r *Ring) NumPending() int { return r.numPending }

// Length returns the number of occupied slots (answered or not).
func (r *Ring) Length() int { return r.length }

// Full reports whether the ring holds Q pending (unanswered) queries.
func (r *Ring) Full() bool { return r.numPending >= r.capacity }

// duplicateOf scans the occupied region for an exact (id, type, name)
// match.
func (r *Ring) duplicateOf(q *wire.Query) bool {
	for i, off := 0, r.start; i < r.length; i, off = i+1, (off+1)%r.capacity {
		if !r.occupied[off] {
			continue
		}
		pq := &r.queries[off]
		if pq.ID == q.ID && pq.Type == q.Type && pq.Name == q.Name {
			return true
		}
	}
	return false
}

// Append places an incoming query into the ring.
//
// Returns (duplicate=true) if (id, type, name) exactly matches a query
// already in the ring: callers MUST answer with the one-byte illegal
// marker and not process the query further (spec.md §4.2 step 1).
//
// Returns an error of srverr.KindTransientDrop if the ring is full of
// pending queries (numPending == Q): the caller discards the query without
// responding (spec.md §4.2 step 2).
func (r *Ring) Append(q *wire.Query) (duplicate bool, err error) {
	if r.duplicateOf(q) {
		return true, nil
	}
	if r.Full() {
		return false, srverr.Transient("qmem.append: ring full of pending queries")
	}

	if r.length < r.capacity {
		r.length++
	} else {
		// Reclaim the oldest already-answered slot.
		r.occupied[r.start] = false
		r.start = (r.start + 1) % r.capacity
	}

	r.queries[r.end] = *q
	r.occupied[r.end] = true
	r.end = (r.end + 1) % r.capacity
	r.numPending++
	return false, nil
}

// Answered is called after the scheduler has actually written an answer to
// the query at startPending. Calling it with numPending == 0 is a bug and
// returns a KindStateCorruption error rather than corrupting the ring.
func (r *Ring) Answered() error {
	if r.numPending == 0 {
		return srverr.Corruption("qmem.answered", nil)
	}
	r.startPending = (r.startPending + 1) % r.capacity
	r.numPending--
	return nil
}

// NextResponse returns the query at startPending without consuming it; the
// scheduler consumes it via Answered after actually emitting a reply.
func (r *Ring) NextResponse() (*wire.Query, bool) {
	if r.length == 0 || r.numPending == 0 {
		return nil, false
	}
	q := r.queries[r.startPending]
	return &q, true
}

// PendingQueries returns the pending region in FIFO order, oldest first,
// for the scheduler's per-user walk.
func (r *Ring) PendingQueries() []wire.Query {
	if r.numPending == 0 {
		return nil
	}
	out := make([]wire.Query, 0, r.numPending)
	for i, off := 0, r.startPending; i < r.numPending; i, off = i+1, (off+1)%r.capacity {
		out = append(out, r.queries[off])
	}
	return out
}

// Oldest returns the receive timestamp of the oldest pending query, used
// by the scheduler to compute the timeout deadline.
func (r *Ring) Oldest() (time.Time, bool) {
	if r.numPending == 0 {
		return time.Time{}, false
	}
	return r.queries[r.startPending].TimeRecv, true
}
