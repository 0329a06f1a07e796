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

// Package drain implements the cross-process drain thread: the consumer
// half of every registered thread's index/detail lanes, running in the
// controller process against the agent's shared arenas. It polls the
// registry's slot table on a fixed tick, fans out per-slot work, and
// forwards everything it reads to the session writer (package atf).
//
// A drain never shares memory with the Lane a producer built: it is a
// different OS process, so every ring pool and handoff queue it touches is
// reconstructed by attaching to the same shared arena regions package
// layout already placed deterministically, the consumer side of the split
// package lane documents at NewInRegion/AttachDrainSide.
package drain

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/adatrace/ada-core/atf"
	"github.com/adatrace/ada-core/internal/layout"
	"github.com/adatrace/ada-core/internal/workerpool"
	"github.com/adatrace/ada-core/lane"
	"github.com/adatrace/ada-core/registry"
	"github.com/adatrace/ada-core/ring"
	"github.com/adatrace/ada-core/selective"
	"github.com/adatrace/ada-core/symtab"

	"github.com/agilira/go-timecache"
	"github.com/bytedance/gopkg/lang/mcache"
)

// Config bundles everything one Drain needs to service a registry's slots.
type Config struct {
	Registry *registry.Registry
	Writer   *atf.Writer

	// Symbols resolves a detail event's FunctionID to (module, symbol) text
	// for the marking policy. Nil is treated as symtab.Empty(): every
	// resolution misses and Policy.Match falls back to whatever raw
	// comparison it can still do (see selective/policy.go).
	Symbols *symtab.Table

	// MarkingPolicy gates selective persistence of detail windows. Nil
	// disables selective persistence entirely: every detail ring, full or
	// not, is drained and appended unconditionally, the same as the index
	// lane.
	MarkingPolicy *selective.Policy

	// WindowMeta receives one record per selective-persistence dump;
	// discards are visible only through Metrics. Nil disables window
	// metadata entirely, independent of MarkingPolicy.
	WindowMeta *atf.WindowMetadataWriter

	// PollInterval is the registry scan period. Defaults to 100ms.
	PollInterval time.Duration

	// MaxEventsPerRead caps how many events a single ReadBatch call drains
	// from one ring per tick, bounding how long one slot's turn can hold up
	// the rest. Defaults to 4096.
	MaxEventsPerRead int
}

func (c *Config) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return 100 * time.Millisecond
}

func (c *Config) maxEventsPerRead() int {
	if c.MaxEventsPerRead > 0 {
		return c.MaxEventsPerRead
	}
	return 4096
}

// Drain runs the poll loop described above. Create one per session; Start
// launches its background goroutine via internal/workerpool.Loop, Stop
// requests it end at the next tick boundary, and Stopped reports whether
// it has actually exited — the three hooks shutdown.Ops wants.
type Drain struct {
	cfg Config

	symbols *symtab.Table

	// clock serves the tick-granularity timestamps the poll loop needs
	// (window open/close times, slot creation) without a clock_gettime
	// syscall per ring; millisecond resolution is far finer than the
	// 100ms poll cadence.
	clock *timecache.TimeCache

	mu    sync.Mutex
	slots map[int]*slotCache

	stop    chan struct{}
	stopped uint32 // atomic bool
	done    chan struct{}

	eventsCaptured uint64 // atomic
	indexBytes     uint64 // atomic
	detailBytes    uint64 // atomic
	overflowSeen   uint64 // atomic
	slotReadErrors uint64 // atomic
	windowSeq      uint64 // atomic, next window id to assign on dump

	// compatRings holds process-global compatibility rings: a legacy
	// drain path kept only for agents that predate the thread registry.
	// Empty by default, but drained unconditionally each tick so a caller
	// that does populate it (e.g. a legacy-agent bridge built outside
	// this module) gets serviced for free.
	compatRings []*ring.Ring
}

// CompatRing registers a process-global ring to be drained alongside the
// per-thread registry rings, for backward compatibility with agents that
// predate the thread registry. Must be called before Start.
func (d *Drain) CompatRing(r *ring.Ring) {
	d.compatRings = append(d.compatRings, r)
}

// slotCache is one registered thread's drain-side reconstruction, rebuilt
// whenever the slot's thread id changes (the slot was freed and reused).
type slotCache struct {
	threadID  uint64
	index     *lane.DrainSide
	detail    *lane.DrainSide
	selective *selective.Lane
}

// New creates a Drain over cfg. Symbols defaults to an empty table so
// Resolve calls are always safe even when no side-channel file was loaded.
func New(cfg Config) *Drain {
	symbols := cfg.Symbols
	if symbols == nil {
		symbols = symtab.Empty()
	}
	return &Drain{
		cfg:     cfg,
		symbols: symbols,
		clock:   timecache.NewWithResolution(time.Millisecond),
		slots:   make(map[int]*slotCache),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (d *Drain) nowNs() uint64 {
	return uint64(d.clock.CachedTime().UnixNano())
}

// Start launches the poll loop in the background.
func (d *Drain) Start() {
	workerpool.Loop("drain", d.run, nil)
}

// Stop requests the poll loop end after its current tick. Does not block;
// use Stopped to observe completion.
func (d *Drain) Stop() {
	if atomic.CompareAndSwapUint32(&d.stopped, 0, 1) {
		close(d.stop)
	}
}

// Stopped reports whether the poll loop has fully exited. Matches the
// shutdown.Ops.DrainStopped signature exactly so a Drain can be wired in
// directly: Ops{StopDrain: d.Stop, DrainStopped: d.Stopped}.
func (d *Drain) Stopped() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

func (d *Drain) run() {
	defer close(d.done)
	defer d.clock.Stop()
	ticker := time.NewTicker(d.cfg.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			d.pollOnce() // one last pass to drain whatever is still pending
			return
		case <-ticker.C:
			d.pollOnce()
		}
	}
}

func (d *Drain) pollOnce() {
	if d.cfg.Registry != nil {
		for i := 0; i < d.cfg.Registry.Capacity(); i++ {
			threadID, active := d.cfg.Registry.GetThreadAt(i)
			if !active {
				d.evict(i)
				continue
			}
			d.pollSlot(i, threadID)
		}
	}
	d.pollCompatRings()
	d.snapshotOverflow()
	if d.cfg.Writer != nil {
		_ = d.cfg.Writer.Flush()
	}
}

// snapshotOverflow publishes the session-wide overflow total. Ring
// overflow counters are cumulative and never reset, so the total is a
// sum over every live ring, stored (not added) each tick.
func (d *Drain) snapshotOverflow() {
	var sum uint64
	d.mu.Lock()
	for _, sc := range d.slots {
		for _, side := range []*lane.DrainSide{sc.index, sc.detail} {
			if side == nil {
				continue
			}
			for i := 0; i < side.PoolSize(); i++ {
				sum += side.Ring(uint32(i)).OverflowCount()
			}
		}
	}
	d.mu.Unlock()
	for _, r := range d.compatRings {
		sum += r.OverflowCount()
	}
	atomic.StoreUint64(&d.overflowSeen, sum)
}

// pollCompatRings drains the legacy process-global compatibility rings, if
// any were registered, through the same readRing path a per-thread index
// ring uses — batch-read, forward to the session writer, count into the
// same eventsCaptured/overflowSeen stats — ignoring selective persistence
// (legacy agents predate marking policies entirely).
func (d *Drain) pollCompatRings() {
	for _, r := range d.compatRings {
		d.readRing(r, false, nil, false)
	}
}

func (d *Drain) evict(slotIndex int) {
	d.mu.Lock()
	delete(d.slots, slotIndex)
	d.mu.Unlock()
}

func (d *Drain) getSlot(slotIndex int, threadID uint64) (*slotCache, error) {
	d.mu.Lock()
	sc := d.slots[slotIndex]
	d.mu.Unlock()
	if sc != nil && sc.threadID == threadID {
		return sc, nil
	}

	indexSide, err := d.attachSide(slotIndex, false)
	if err != nil {
		return nil, err
	}
	detailSide, err := d.attachSide(slotIndex, true)
	if err != nil {
		return nil, err
	}

	sc = &slotCache{threadID: threadID, index: indexSide, detail: detailSide}
	if d.cfg.MarkingPolicy != nil {
		sc.selective = selective.NewLane(d.cfg.MarkingPolicy, d.nowNs())
	}

	d.mu.Lock()
	d.slots[slotIndex] = sc
	d.mu.Unlock()
	return sc, nil
}

func (d *Drain) attachSide(slotIndex int, detail bool) (*lane.DrainSide, error) {
	arena := d.cfg.Registry.IndexArena()
	stride := layout.IndexStride
	eventSize := ring.IndexEventSize
	region := layout.SlotIndexRegion
	if detail {
		arena = d.cfg.Registry.DetailArena()
		stride = layout.DetailStride
		eventSize = ring.DetailEventSize
		region = layout.SlotDetailRegion
	}
	if arena == nil {
		return nil, nil
	}
	slotRegion := region(arena, slotIndex)
	ringsRegion := layout.RingsRegion(slotRegion, stride)
	rings := make([]*ring.Ring, layout.PoolSize)
	for i := 0; i < layout.PoolSize; i++ {
		r, err := ring.Attach(layout.RingRegion(ringsRegion, uint32(i), stride), eventSize)
		if err != nil {
			return nil, err
		}
		rings[i] = r
	}
	pool, err := lane.NewPool(rings)
	if err != nil {
		return nil, err
	}
	freeRegion := layout.FreeQueueRegion(slotRegion, stride)
	submittedRegion := layout.SubmittedQueueRegion(slotRegion, stride)
	return lane.AttachDrainSide(pool, freeRegion, submittedRegion)
}

func (d *Drain) pollSlot(slotIndex int, threadID uint64) {
	sc, err := d.getSlot(slotIndex, threadID)
	if err != nil || sc == nil {
		atomic.AddUint64(&d.slotReadErrors, 1)
		return
	}

	if sc.index != nil {
		d.drainActive(slotIndex, false)
		d.drainSubmitted(sc.index, nil, false)
	}
	if sc.detail != nil {
		if sc.selective == nil {
			// No selective persistence: treat the detail lane exactly like
			// the index lane, active-peek included.
			d.drainActive(slotIndex, true)
		}
		// Selective persistence only ever commits whole, already-full
		// rings, never a partially-written active one. The producer only
		// submits a detail ring when its window saw a marked event, so
		// everything popped here is already a dump candidate; the drain
		// still replays each ring through its own selective.Lane to
		// rebuild the window counts the metadata record needs, since the
		// producer's window bookkeeping isn't visible across the process
		// boundary.
		d.drainSubmitted(sc.detail, sc.selective, true)
	}
}

// drainActive opportunistically reads whatever is currently readable off
// slotIndex's *active* ring (not yet submitted) so index events surface
// with low latency between swaps, without waiting for the ring to fill.
func (d *Drain) drainActive(slotIndex int, detail bool) {
	r, err := d.cfg.Registry.GetActiveRing(slotIndex, detail)
	if err != nil || r == nil {
		return
	}
	d.readRing(r, detail, nil, false)
}

// drainSubmitted pops every ring side's producer has fully submitted (via
// SwapActive), drains each completely, runs it through sel (if non-nil)
// for the dump/discard decision, and returns it to the free queue so the
// producer can reuse it.
func (d *Drain) drainSubmitted(side *lane.DrainSide, sel *selective.Lane, detail bool) {
	for {
		idx, ok := side.TakeRing()
		if !ok {
			return
		}
		r := side.Ring(idx)
		d.readRing(r, detail, sel, true)
		side.ReturnRing(idx)
	}
}

// readRing fully drains r. For the index lane, and for a detail lane with
// no marking policy configured, every batch is appended to the event
// stream as soon as it's read. For a detail lane gated by a marking
// policy, bytes are held in a local buffer instead — the window's
// dump/discard fate is only known once the whole ring (a whole window's
// worth of events) has been read and run through sel, so nothing can be
// committed to the event stream until resolveWindow decides it's keepable.
func (d *Drain) readRing(r *ring.Ring, detail bool, sel *selective.Lane, ringWasFull bool) {
	max := d.cfg.maxEventsPerRead()
	eventSize := r.EventSize()
	buf := mcache.Malloc(max * eventSize)
	defer mcache.Free(buf)

	gated := detail && sel != nil && ringWasFull
	var pending []byte
	if gated {
		pending = make([]byte, 0, int(r.Capacity())*eventSize)
	}

	total := 0
	for {
		n := r.ReadBatch(buf, max)
		if n == 0 {
			break
		}
		total += n
		chunk := buf[:n*eventSize]
		if gated {
			d.presentDetailEvents(chunk, sel)
			pending = append(pending, chunk...)
		} else {
			d.append(chunk, detail)
		}
		if n < max {
			break
		}
	}
	atomic.AddUint64(&d.eventsCaptured, uint64(total))

	if gated {
		d.resolveWindow(sel, pending)
	}
}

// presentDetailEvents resolves each detail event's function id to text and
// feeds it to sel's window state machine, without writing anything yet.
func (d *Drain) presentDetailEvents(buf []byte, sel *selective.Lane) {
	var evt ring.DetailEvent
	for off := 0; off+ring.DetailEventSize <= len(buf); off += ring.DetailEventSize {
		evt.Decode(buf[off : off+ring.DetailEventSize])
		module, symbol, _ := d.symbols.Resolve(evt.Index.FunctionID)
		sel.PresentEvent(selective.Probe{ModuleName: module, SymbolName: symbol}, evt.Index.Timestamp)
	}
}

// append commits buf to the event stream unconditionally and updates the
// matching byte counter.
func (d *Drain) append(buf []byte, detail bool) {
	if !detail {
		n, _ := d.cfg.Writer.AppendIndexBatch(buf)
		atomic.AddUint64(&d.indexBytes, uint64(n))
		return
	}
	n, _ := d.cfg.Writer.AppendDetailBatch(buf)
	atomic.AddUint64(&d.detailBytes, uint64(n))
}

// resolveWindow finishes the dump/discard decision for a detail lane's
// current window once its backing ring has been fully read and was full
// (i.e. definitely triggered a producer-side swap_active). pending holds
// every event byte read from that ring, committed to the event stream only
// if the window is promoted.
func (d *Drain) resolveWindow(sel *selective.Lane, pending []byte) {
	now := d.nowNs()
	if sel.ShouldDump(true) {
		var snap selective.Window
		if err := sel.CloseWindowForDump(now, &snap); err == nil {
			d.append(pending, true)
			sel.RecordDump(now)
			if d.cfg.WindowMeta != nil {
				rec := atf.WindowMetadataRecord{
					WindowID:  atomic.AddUint64(&d.windowSeq, 1),
					Start:     snap.Start,
					End:       snap.End,
					FirstMark: snap.FirstMarkTS,
					Total:     snap.TotalEvents,
					Marked:    snap.MarkedEvents,
					MarkSeen:  snap.MarkSeen,
				}
				if err := d.cfg.WindowMeta.Append(rec); err != nil {
					sel.RecordMetadataWriteFailure()
				}
			}
			return
		}
	}
	sel.DiscardWindow(now)
}

// Stats is a point-in-time snapshot of the drain's aggregate counters.
type Stats struct {
	EventsCaptured uint64
	IndexBytes     uint64
	DetailBytes    uint64
	OverflowSeen   uint64
	SlotReadErrors uint64
}

// Stats returns the drain's current aggregate counters.
func (d *Drain) Stats() Stats {
	return Stats{
		EventsCaptured: atomic.LoadUint64(&d.eventsCaptured),
		IndexBytes:     atomic.LoadUint64(&d.indexBytes),
		DetailBytes:    atomic.LoadUint64(&d.detailBytes),
		OverflowSeen:   atomic.LoadUint64(&d.overflowSeen),
		SlotReadErrors: atomic.LoadUint64(&d.slotReadErrors),
	}
}
