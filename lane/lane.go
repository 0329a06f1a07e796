/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package lane implements the ring pool and lane handoff protocol:
// a fixed set of rings bound to one logical stream (index or detail) for
// one thread, with free/submitted index queues mediating the producer/
// drain handoff.
//
// A Go channel cannot cross the process boundary between controller and
// agent, so the handoff runs over the same SPSC index queue used
// everywhere else in the data plane, placed in shared memory alongside
// the rings it hands off.
package lane

import (
	"sync/atomic"

	"github.com/adatrace/ada-core/errs"
	"github.com/adatrace/ada-core/idxqueue"
	"github.com/adatrace/ada-core/ring"
)

// Pool binds a fixed set of rings (typically 2-8) to a lane.
type Pool struct {
	rings []*ring.Ring
}

// NewPool wraps an existing slice of attached/created rings as a pool.
// The slice must not be mutated afterward; ring identity is by index.
func NewPool(rings []*ring.Ring) (*Pool, error) {
	if len(rings) < 2 {
		return nil, errs.Wrap(errs.ErrInvalidArgument, "lane: pool needs at least 2 rings")
	}
	return &Pool{rings: rings}, nil
}

// Size returns the number of rings in the pool.
func (p *Pool) Size() int { return len(p.rings) }

// Ring returns the ring at index idx.
func (p *Pool) Ring(idx uint32) *ring.Ring { return p.rings[idx] }

// ExhaustionPolicy decides what a lane does when swap_active cannot find a
// free ring. The baseline policy is a no-op that relies on the drain
// to eventually return rings; pluggable so callers can add drop-oldest or
// spin-wait variants without touching Lane's core handoff logic.
type ExhaustionPolicy func(l *Lane) (recoverable bool)

// NoopExhaustionPolicy is the baseline policy: do nothing, report that
// capacity may still be recovered once the drain returns a ring.
func NoopExhaustionPolicy(*Lane) bool { return true }

// Lane is one logical stream (index or detail) for one thread: a ring pool
// plus the free/submitted queues and the producer's active-ring index.
type Lane struct {
	pool      *Pool
	free      *idxqueue.Queue
	submitted *idxqueue.Queue
	active    uint32 // atomic index into pool.rings
	marked    uint32 // atomic bool; detail lane only
	exhaust   ExhaustionPolicy
	published *uint32 // optional: mirrors active for remote (registry) readers

	// Detail is true for detail lanes; mark()/is_marked()/clear_mark() are
	// only meaningful (and only ever called) on such lanes.
	Detail bool
}

// New creates a Lane over pool with process-private free/submitted
// queues. The first ring (index 0) starts active; the remaining
// pool.Size()-1 rings start on the free queue, and the submitted queue is
// sized to hold the whole pool: free + submitted + active always equals
// the pool size.
//
// Process-private queues are only valid when the lane's producer and
// consumer are the same process (tests, or an in-process drain). A lane
// whose consumer lives in another OS process must use NewInRegion so the
// handoff queues themselves live in shared memory.
func New(pool *Pool, detail bool) (*Lane, error) {
	n := uint32(pool.Size())
	free, err := idxqueue.New(n)
	if err != nil {
		return nil, err
	}
	submitted, err := idxqueue.New(n)
	if err != nil {
		return nil, err
	}
	return newLane(pool, free, submitted, detail), nil
}

// NewInRegion creates a Lane over pool whose free/submitted queues are
// freshly initialized inside freeRegion/submittedRegion — sub-ranges of a
// shared arena the drain (a different process) will later reconstruct
// with AttachDrainSide. Call this exactly once per slot, from the
// producer that owns the slot; a second call would stomp the queue state
// a concurrent drain may already be reading.
func NewInRegion(pool *Pool, freeRegion, submittedRegion []byte, detail bool) (*Lane, error) {
	n := uint32(pool.Size())
	free, err := idxqueue.CreateInRegion(freeRegion, n)
	if err != nil {
		return nil, err
	}
	submitted, err := idxqueue.CreateInRegion(submittedRegion, n)
	if err != nil {
		return nil, err
	}
	return newLane(pool, free, submitted, detail), nil
}

func newLane(pool *Pool, free, submitted *idxqueue.Queue, detail bool) *Lane {
	n := uint32(pool.Size())
	for i := uint32(1); i < n; i++ {
		free.Push(i)
	}
	return &Lane{
		pool:      pool,
		free:      free,
		submitted: submitted,
		active:    0,
		exhaust:   NoopExhaustionPolicy,
		Detail:    detail,
	}
}

// SetExhaustionPolicy overrides the baseline no-op exhaustion policy.
func (l *Lane) SetExhaustionPolicy(p ExhaustionPolicy) {
	if p != nil {
		l.exhaust = p
	}
}

// ActiveIndex returns the producer's current active ring index.
func (l *Lane) ActiveIndex() uint32 { return atomic.LoadUint32(&l.active) }

// GetActiveHeader is the producer's fast path: the header of the currently
// active ring, touching only the two cache lines the header occupies for
// position fields plus the constant metadata line.
func (l *Lane) GetActiveHeader() *ring.Header {
	return l.pool.Ring(l.ActiveIndex()).Header()
}

// GetActiveRing returns the currently active ring itself, for callers (the
// producer write path) that need Write, not just the header.
func (l *Lane) GetActiveRing() *ring.Ring {
	return l.pool.Ring(l.ActiveIndex())
}

// SwapActive atomically submits the current active ring's index to the
// submitted queue, pops a free index, and makes it the new active ring.
// *outOld receives the index that was just submitted. Returns false (and
// leaves all state unchanged) on pool exhaustion.
func (l *Lane) SwapActive(outOld *uint32) bool {
	newIdx, ok := l.free.Pop()
	if !ok {
		l.exhaust(l)
		return false
	}
	oldIdx := atomic.LoadUint32(&l.active)
	l.submitted.Push(oldIdx) // always has room: free+submitted+active == pool size
	atomic.StoreUint32(&l.active, newIdx)
	if l.published != nil {
		atomic.StoreUint32(l.published, newIdx)
	}
	if outOld != nil {
		*outOld = oldIdx
	}
	return true
}

// BindPublishedActive arranges for every future SwapActive to also publish
// the new active index to ptr, a location outside the lane itself — used by
// the registry to keep a shared slot's active-ring pointer current for
// readers attached from another process. Passing nil disables publishing.
func (l *Lane) BindPublishedActive(ptr *uint32) {
	l.published = ptr
	if ptr != nil {
		atomic.StoreUint32(ptr, atomic.LoadUint32(&l.active))
	}
}

// HandleExhaustion runs the lane's configured exhaustion policy directly,
// e.g. from a maintenance loop that wants to proactively try to recover
// capacity rather than waiting for the next SwapActive to fail.
func (l *Lane) HandleExhaustion() bool { return l.exhaust(l) }

// --- detail-lane-only single-writer mark bit ---

// Mark sets the lane's marked-event flag. Single-writer (the producer).
func (l *Lane) Mark() { atomic.StoreUint32(&l.marked, 1) }

// IsMarked reports whether the marked-event flag is currently set.
func (l *Lane) IsMarked() bool { return atomic.LoadUint32(&l.marked) != 0 }

// ClearMark clears the marked-event flag.
func (l *Lane) ClearMark() { atomic.StoreUint32(&l.marked, 0) }

// --- drain-side operations ---

// SubmitRing pushes idx onto the submitted queue with release semantics
// (used by a drain-adjacent component reinjecting a ring, distinct from
// the producer's own SwapActive submission).
func (l *Lane) SubmitRing(idx uint32) bool { return l.submitted.Push(idx) }

// TakeRing pops the next submitted ring index, or (0, false) if none is
// pending. Acquire semantics via the underlying idxqueue.
func (l *Lane) TakeRing() (uint32, bool) { return l.submitted.Pop() }

// ReturnRing pushes idx back onto the free queue once the drain has fully
// consumed it.
func (l *Lane) ReturnRing(idx uint32) bool { return l.free.Push(idx) }

// GetFreeRing pops a free ring index directly, bypassing SwapActive. Used
// by maintenance code that wants to pre-stage a replacement ring.
func (l *Lane) GetFreeRing() (uint32, bool) { return l.free.Pop() }

// FreeCount and SubmittedCount expose non-atomic size estimates for
// metrics/diagnostics.
func (l *Lane) FreeCount() int      { return l.free.SizeEstimate() }
func (l *Lane) SubmittedCount() int { return l.submitted.SizeEstimate() }

// PoolSize returns the number of rings bound to this lane.
func (l *Lane) PoolSize() int { return l.pool.Size() }

// DrainSide is the consumer-side reconstruction of a lane's ring pool and
// handoff queues, built by a process (the drain) that did not create the
// lane and holds no producer-only state (no active index, no mark bit).
// It exposes exactly the drain's half of the handoff protocol.
type DrainSide struct {
	pool      *Pool
	free      *idxqueue.Queue
	submitted *idxqueue.Queue
}

// AttachDrainSide reconstructs a DrainSide over a pool and the
// free/submitted queue regions NewInRegion previously initialized,
// without touching their contents (unlike newLane, it never seeds the
// free queue — that already happened exactly once, at creation).
func AttachDrainSide(pool *Pool, freeRegion, submittedRegion []byte) (*DrainSide, error) {
	n := uint32(pool.Size())
	free, err := idxqueue.AttachInRegion(freeRegion, n)
	if err != nil {
		return nil, err
	}
	submitted, err := idxqueue.AttachInRegion(submittedRegion, n)
	if err != nil {
		return nil, err
	}
	return &DrainSide{pool: pool, free: free, submitted: submitted}, nil
}

// Ring returns the ring at index idx.
func (d *DrainSide) Ring(idx uint32) *ring.Ring { return d.pool.Ring(idx) }

// PoolSize returns the number of rings bound to this lane.
func (d *DrainSide) PoolSize() int { return d.pool.Size() }

// TakeRing pops the next submitted ring index, or (0, false) if none is
// pending. Acquire semantics via the underlying idxqueue.
func (d *DrainSide) TakeRing() (uint32, bool) { return d.submitted.Pop() }

// ReturnRing pushes idx back onto the free queue once the drain has fully
// consumed it, with release semantics.
func (d *DrainSide) ReturnRing(idx uint32) bool { return d.free.Push(idx) }

// SubmitRing pushes idx onto the submitted queue — used only by recovery
// paths that need to reinject a ring the drain itself produced (not the
// producer's own SwapActive submission).
func (d *DrainSide) SubmitRing(idx uint32) bool { return d.submitted.Push(idx) }

// FreeCount and SubmittedCount expose non-atomic size estimates for
// metrics/diagnostics.
func (d *DrainSide) FreeCount() int      { return d.free.SizeEstimate() }
func (d *DrainSide) SubmittedCount() int { return d.submitted.SizeEstimate() }
