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

// Package agent is the producer-facing façade binding the thread
// registry, ring pool/lane, and mode state machine into the methods the
// instrumentation layer actually calls: OnCall/OnReturn/OnException.
// Nothing here assumes how hooks are installed.
//
// Go exposes no per-OS-thread local storage, so the per-thread lane cache
// is modeled as an explicit Handle the caller registers once and holds
// for the lifetime of its worker goroutine/thread.
package agent

import (
	"sync/atomic"
	"time"

	"github.com/adatrace/ada-core/agentmode"
	"github.com/adatrace/ada-core/control"
	"github.com/adatrace/ada-core/errs"
	"github.com/adatrace/ada-core/internal/layout"
	"github.com/adatrace/ada-core/lane"
	"github.com/adatrace/ada-core/registry"
	"github.com/adatrace/ada-core/ring"
	"github.com/adatrace/ada-core/selective"
)

// Config bundles the arenas and tuning knobs an Agent needs. IndexArena
// and DetailArena may be nil if ADA_DISABLE_REGISTRY was set (the agent
// then stays permanently in agentmode.GlobalOnly).
type Config struct {
	Control     *control.Block
	Registry    *registry.Registry
	IndexArena  []byte
	DetailArena []byte

	// HeartbeatTimeout bounds how stale the drain's heartbeat may get
	// before the mode machine falls back to GlobalOnly.
	HeartbeatTimeout time.Duration

	// MarkingPolicy gates selective persistence of detail windows. Nil
	// disables selective persistence: every full detail ring is treated
	// as unmarked, i.e. always discarded via the normal SPSC drop-newest
	// behavior, never promoted to a dump.
	MarkingPolicy *selective.Policy
}

// Agent is the per-process producer-side façade. One Agent per traced
// process; many Handles (one per traced thread) attach to it.
type Agent struct {
	cfg  Config
	mode *agentmode.Machine
}

// New creates an Agent over cfg. The mode machine starts in GlobalOnly,
// the safe baseline, and only moves once Tick observes a ready registry.
func New(cfg Config) *Agent {
	return &Agent{cfg: cfg, mode: agentmode.New()}
}

// Mode returns the agent's current tracing mode.
func (a *Agent) Mode() agentmode.Mode { return a.mode.Current() }

// Tick re-evaluates the mode machine against the live control block. The
// caller (the agent's own periodic maintenance routine, or the hot path
// opportunistically) supplies monotonic now in nanoseconds.
func (a *Agent) Tick(nowMonotonicNs uint64) agentmode.Mode {
	if a.cfg.Control == nil {
		return agentmode.GlobalOnly
	}
	return a.mode.Tick(nowMonotonicNs, uint64(a.cfg.HeartbeatTimeout), a.cfg.Control)
}

// Handle is a registered thread's cached lane-set plus the per-thread
// selective-persistence state for its detail lane. Callers hold one
// Handle per traced thread and pass it to OnCall/OnReturn/OnException,
// which keeps the hot path free of registry lookups.
type Handle struct {
	set       *lane.Set
	depth     uint32
	selective *selective.Lane

	// detailDropping is set while the detail lane's active ring is full
	// without a mark, so the window is discarded once per full-ring
	// episode rather than once per dropped event. Owned by the handle's
	// thread, like everything else here.
	detailDropping bool
}

// Register allocates a registry slot for threadID (PER_THREAD_ONLY/
// DUAL_WRITE path only — callers in GlobalOnly mode should not call this
// on the hot path) and carves that slot's ring pools out of the shared
// index/detail arenas. Returns an error wrapping errs.ErrResourceExhausted
// if the registry is full; whether to drop events or retry in that case
// is the caller's policy, not decided here.
func (a *Agent) Register(threadID uint64) (*Handle, error) {
	if a.cfg.Registry == nil || a.cfg.IndexArena == nil || a.cfg.DetailArena == nil {
		return nil, errs.Wrap(errs.ErrWrongState, "agent: registry disabled, cannot register")
	}
	slotIndex, err := a.cfg.Registry.ReserveSlot(threadID)
	if err != nil {
		return nil, err
	}

	indexLane, err := buildLane(layout.SlotIndexRegion(a.cfg.IndexArena, slotIndex), layout.IndexStride, ring.IndexEventSize, false)
	if err != nil {
		return nil, err
	}
	detailLane, err := buildLane(layout.SlotDetailRegion(a.cfg.DetailArena, slotIndex), layout.DetailStride, ring.DetailEventSize, true)
	if err != nil {
		return nil, err
	}

	set := lane.NewSet(indexLane, detailLane, threadID, slotIndex)
	indexInfo := registry.AreaInfo{Offset: uint32(slotIndex * layout.PoolSize * int(layout.IndexStride)), Stride: layout.IndexStride, PoolSize: layout.PoolSize}
	detailInfo := registry.AreaInfo{Offset: uint32(slotIndex * layout.PoolSize * int(layout.DetailStride)), Stride: layout.DetailStride, PoolSize: layout.PoolSize}
	if err := a.cfg.Registry.BindAreas(slotIndex, set, indexInfo, detailInfo); err != nil {
		return nil, err
	}

	h := &Handle{set: set}
	if a.cfg.MarkingPolicy != nil {
		h.selective = selective.NewLane(a.cfg.MarkingPolicy, uint64(time.Now().UnixNano()))
	}
	return h, nil
}

func buildLane(slotRegion []byte, stride uint32, eventSize int, detail bool) (*lane.Lane, error) {
	ringsRegion := layout.RingsRegion(slotRegion, stride)
	rings := make([]*ring.Ring, layout.PoolSize)
	capacity := layout.IndexRingCapacity
	if detail {
		capacity = layout.DetailRingCapacity
	}
	for i := 0; i < layout.PoolSize; i++ {
		r, err := ring.Create(layout.RingRegion(ringsRegion, uint32(i), stride), eventSize, uint32(capacity))
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
	return lane.NewInRegion(pool, freeRegion, submittedRegion, detail)
}

// Unregister releases h's registry slot. Safe to call once per Handle.
func (a *Agent) Unregister(h *Handle) error {
	return a.cfg.Registry.Unregister(h.set.SlotIndex)
}

// Probe carries the fields an instrumentation call site knows about an
// intercepted function, used both for the event record and (for detail
// events) the marking policy.
type Probe struct {
	ModuleID    uint32
	SymbolIndex uint32
	ModuleName  string
	SymbolName  string
	Timestamp   uint64 // monotonic ns
	ArgRegs     [ring.NumArgRegs]uint64
	LinkReg     uint64
	FrameReg    uint64
	StackReg    uint64
	Stack       []byte // up to ring.StackSnapshotCap bytes
}

// OnCall records a CALL event for h's thread. captureDetail selects
// whether the richer (and far more expensive) detail record is also
// written; callers typically gate this on the control block's
// capture-stack-snapshot flag rather than calling it unconditionally.
func (h *Handle) OnCall(p Probe, captureDetail bool) {
	depth := atomic.AddUint32(&h.depth, 1) - 1
	h.writeIndex(p, ring.EventCall, depth)
	if captureDetail {
		h.writeDetail(p, ring.EventCall, depth)
	}
}

// OnReturn records a RETURN event for h's thread.
func (h *Handle) OnReturn(p Probe, captureDetail bool) {
	depth := atomic.LoadUint32(&h.depth)
	if depth > 0 {
		depth--
		atomic.StoreUint32(&h.depth, depth)
	}
	h.writeIndex(p, ring.EventReturn, depth)
	if captureDetail {
		h.writeDetail(p, ring.EventReturn, depth)
	}
}

// OnException records an EXCEPTION event for h's thread, at the current
// call depth without adjusting it (an exception unwinds through frames
// the instrumentation layer reports separately via its own RETURN events).
func (h *Handle) OnException(p Probe, captureDetail bool) {
	depth := atomic.LoadUint32(&h.depth)
	h.writeIndex(p, ring.EventException, depth)
	if captureDetail {
		h.writeDetail(p, ring.EventException, depth)
	}
}

func (h *Handle) writeIndex(p Probe, kind uint32, depth uint32) {
	evt := ring.IndexEvent{
		Timestamp:  p.Timestamp,
		FunctionID: ring.MakeFunctionID(p.ModuleID, p.SymbolIndex),
		ThreadID:   uint32(h.set.ThreadID),
		Kind:       kind,
		CallDepth:  depth,
	}
	var buf [ring.IndexEventSize]byte
	evt.Encode(buf[:])
	h.writeToLane(h.set.Index, buf[:])
	h.set.IncEvents()
}

func (h *Handle) writeDetail(p Probe, kind uint32, depth uint32) {
	if h.selective != nil {
		h.selective.PresentEvent(selective.Probe{ModuleName: p.ModuleName, SymbolName: p.SymbolName}, p.Timestamp)
		if h.selective.IsMarked() {
			h.set.Detail.Mark()
		}
	}

	evt := ring.DetailEvent{
		Index: ring.IndexEvent{
			Timestamp:  p.Timestamp,
			FunctionID: ring.MakeFunctionID(p.ModuleID, p.SymbolIndex),
			ThreadID:   uint32(h.set.ThreadID),
			Kind:       kind,
			CallDepth:  depth,
		},
		ArgRegs:  p.ArgRegs,
		LinkReg:  p.LinkReg,
		FrameReg: p.FrameReg,
		StackReg: p.StackReg,
	}
	n := len(p.Stack)
	if n > ring.StackSnapshotCap {
		n = ring.StackSnapshotCap
	}
	evt.StackSnapshotLen = uint32(n)
	copy(evt.StackSnapshot[:n], p.Stack[:n])

	var buf [ring.DetailEventSize]byte
	evt.Encode(buf[:])

	l := h.set.Detail
	if l.GetActiveRing().Write(buf[:]) {
		h.detailDropping = false
		return
	}

	// Ring full. The mark bit gates the swap: only a window that contains
	// a marked event is worth handing to the drain, so an unmarked full
	// ring is reused in place and the newest event is simply dropped (the
	// failed Write above already bumped the ring's overflow counter). The
	// retained contents become the window dumped if a mark arrives later.
	if !l.IsMarked() {
		if h.selective != nil && !h.detailDropping {
			h.selective.DiscardWindow(p.Timestamp)
		}
		h.detailDropping = true
		return
	}

	// Dump condition: submit the full, marked ring to the drain and start
	// a fresh window in a fresh ring.
	var old uint32
	if !l.SwapActive(&old) {
		return // pool exhausted; drop the event, the drain will return rings
	}
	l.ClearMark()
	h.detailDropping = false
	if h.selective != nil {
		var w selective.Window
		if h.selective.CloseWindowForDump(p.Timestamp, &w) == nil {
			h.selective.RecordDump(p.Timestamp)
		}
	}
	l.GetActiveRing().Write(buf[:])
}

// writeToLane writes event to the index lane's active ring, swapping in a
// fresh ring on overflow: the producer never blocks, and a full index ring
// triggers SwapActive rather than a retried write. The detail lane has its
// own write path in writeDetail, where the swap is gated on the mark bit.
func (h *Handle) writeToLane(l *lane.Lane, event []byte) {
	r := l.GetActiveRing()
	if r.Write(event) {
		return
	}
	var old uint32
	if !l.SwapActive(&old) {
		return
	}
	r = l.GetActiveRing()
	r.Write(event)
}
