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

// Package registry implements the thread registry: a fixed-capacity
// slot table inside a shared arena that lets the controller enumerate the
// agent's live threads, and lets the drain locate each thread's currently
// active rings without needing the producer's in-process lane-set.
//
// Slot status is a single atomic word per slot: read with an atomic load,
// claimed with a CAS, so concurrent registrations on different slots
// never contend on anything wider than their own cache line.
package registry

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/adatrace/ada-core/errs"
	"github.com/adatrace/ada-core/lane"
	"github.com/adatrace/ada-core/ring"
)

const (
	// Magic identifies a valid registry header.
	Magic uint32 = 0xADA2

	// Version is the current registry header format version.
	Version uint32 = 1

	// MaxCapacity is the hard ceiling on registry slots.
	MaxCapacity = 64

	cacheLine = 64

	offMagic       = 0
	offVersion     = 4
	offCapacity    = 8
	offActiveCount = 12

	// headerSize is the fixed registry header: one cache line.
	headerSize = cacheLine

	// slotSize is the fixed per-slot footprint: one cache line, so no two
	// threads' slots share a line.
	slotSize = cacheLine

	slotOffStatus       = 0
	slotOffThreadID     = 8
	slotOffIndexOffset  = 16
	slotOffIndexStride  = 20
	slotOffIndexPool    = 24
	slotOffIndexActive  = 28
	slotOffDetailOffset = 32
	slotOffDetailStride = 36
	slotOffDetailPool   = 40
	slotOffDetailActive = 44
)

// Slot status values.
const (
	StatusInactive uint32 = 0
	StatusActive   uint32 = 1
)

// RegionSize returns the number of bytes Init needs for a registry of the
// given capacity.
func RegionSize(capacity uint32) int {
	return headerSize + int(capacity)*slotSize
}

// AreaInfo describes where one lane's ring pool lives inside a shared ring
// arena: poolSize fixed-stride ring regions starting at Offset. Stride must
// be large enough to hold ring.HeaderSize plus the pool's event payload.
type AreaInfo struct {
	Offset   uint32
	Stride   uint32
	PoolSize uint32
}

// Registry is a view over a shared slot table plus the two ring arenas
// (index and detail) that AreaInfo offsets are relative to.
type Registry struct {
	region      []byte
	indexArena  []byte
	detailArena []byte

	magicPtr       *uint32
	versionPtr     *uint32
	capacityPtr    *uint32
	activeCountPtr *uint32
	capacity       uint32

	mu       sync.Mutex
	byThread map[uint64]int
	local    []*lane.Set
}

func viewHeader(region []byte) (*uint32, *uint32, *uint32, *uint32) {
	base := unsafe.Pointer(&region[0])
	return (*uint32)(unsafe.Add(base, offMagic)),
		(*uint32)(unsafe.Add(base, offVersion)),
		(*uint32)(unsafe.Add(base, offCapacity)),
		(*uint32)(unsafe.Add(base, offActiveCount))
}

func (r *Registry) slotBase(i int) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(&r.region[headerSize]), i*slotSize)
}

func (r *Registry) statusPtr(i int) *uint32   { return (*uint32)(unsafe.Add(r.slotBase(i), slotOffStatus)) }
func (r *Registry) threadIDPtr(i int) *uint64 { return (*uint64)(unsafe.Add(r.slotBase(i), slotOffThreadID)) }

func (r *Registry) indexInfoPtrs(i int) (offset, stride, pool, active *uint32) {
	base := r.slotBase(i)
	return (*uint32)(unsafe.Add(base, slotOffIndexOffset)),
		(*uint32)(unsafe.Add(base, slotOffIndexStride)),
		(*uint32)(unsafe.Add(base, slotOffIndexPool)),
		(*uint32)(unsafe.Add(base, slotOffIndexActive))
}

func (r *Registry) detailInfoPtrs(i int) (offset, stride, pool, active *uint32) {
	base := r.slotBase(i)
	return (*uint32)(unsafe.Add(base, slotOffDetailOffset)),
		(*uint32)(unsafe.Add(base, slotOffDetailStride)),
		(*uint32)(unsafe.Add(base, slotOffDetailPool)),
		(*uint32)(unsafe.Add(base, slotOffDetailActive))
}

// Init initializes a fresh registry of the given capacity inside region
// (controller-only). indexArena and detailArena are the shared ring arenas
// AreaInfo offsets will later be interpreted against; either may be nil if
// the caller never intends to use get_active_ring_header.
func Init(region []byte, capacity uint32, indexArena, detailArena []byte) (*Registry, error) {
	if capacity == 0 || capacity > MaxCapacity {
		return nil, errs.Wrap(errs.ErrInvalidArgument, "registry: capacity must be in [1, 64]")
	}
	if len(region) < RegionSize(capacity) {
		return nil, errs.Wrap(errs.ErrInvalidArgument, "registry: region too small")
	}
	for i := 0; i < len(region); i++ {
		region[i] = 0
	}
	magicPtr, versionPtr, capacityPtr, activeCountPtr := viewHeader(region)
	atomic.StoreUint32(versionPtr, Version)
	atomic.StoreUint32(capacityPtr, capacity)
	atomic.StoreUint32(activeCountPtr, 0)
	atomic.StoreUint32(magicPtr, Magic) // published last so a concurrent attach never sees a half-built header

	return &Registry{
		region:         region,
		indexArena:     indexArena,
		detailArena:    detailArena,
		magicPtr:       magicPtr,
		versionPtr:     versionPtr,
		capacityPtr:    capacityPtr,
		activeCountPtr: activeCountPtr,
		capacity:       capacity,
		byThread:       make(map[uint64]int),
		local:          make([]*lane.Set, capacity),
	}, nil
}

// Attach reconstructs a Registry view over a region previously initialized
// by Init. It never writes region; the slot table and header are read-only
// from this side except for fields the registering thread itself owns.
func Attach(region []byte, indexArena, detailArena []byte) (*Registry, error) {
	if len(region) < headerSize {
		return nil, errs.Wrap(errs.ErrInvalidArgument, "registry: region too small for header")
	}
	magicPtr, versionPtr, capacityPtr, activeCountPtr := viewHeader(region)
	if atomic.LoadUint32(magicPtr) != Magic {
		return nil, errs.Wrap(errs.ErrIoFailure, "registry: bad magic on attach")
	}
	if atomic.LoadUint32(versionPtr) != Version {
		return nil, errs.Wrap(errs.ErrIoFailure, "registry: version mismatch on attach")
	}
	capacity := atomic.LoadUint32(capacityPtr)
	if len(region) < RegionSize(capacity) {
		return nil, errs.Wrap(errs.ErrInvalidArgument, "registry: region too small for capacity")
	}
	return &Registry{
		region:         region,
		indexArena:     indexArena,
		detailArena:    detailArena,
		magicPtr:       magicPtr,
		versionPtr:     versionPtr,
		capacityPtr:    capacityPtr,
		activeCountPtr: activeCountPtr,
		capacity:       capacity,
		byThread:       make(map[uint64]int),
		local:          make([]*lane.Set, capacity),
	}, nil
}

// Capacity returns the fixed slot count.
func (r *Registry) Capacity() int { return int(r.capacity) }

// Register allocates a free slot for threadID and binds set to it, wiring
// set's lanes to publish their active-ring index into the shared slot so
// a remote reader can later call GetActiveRingHeader. indexInfo/detailInfo
// describe where set's two ring pools live in the shared arenas; either may
// be the zero value if that lane has no remote-visible arena placement.
func (r *Registry) Register(threadID uint64, set *lane.Set, indexInfo, detailInfo AreaInfo) (int, error) {
	i, err := r.ReserveSlot(threadID)
	if err != nil {
		return -1, err
	}
	if err := r.BindAreas(i, set, indexInfo, detailInfo); err != nil {
		_ = r.Unregister(i)
		return -1, err
	}
	return i, nil
}

// ReserveSlot claims the first free slot for threadID via CAS and
// publishes the active-count bump, without yet binding a lane-set or
// arena placement. Split out from Register for callers (the agent
// façade) that must learn the slot index before they can compute where
// in the shared arenas that slot's rings live — placement is a pure
// function of slot index (see package layout), so the lane-set can only
// be built after reservation.
func (r *Registry) ReserveSlot(threadID uint64) (int, error) {
	for i := 0; i < int(r.capacity); i++ {
		if !atomic.CompareAndSwapUint32(r.statusPtr(i), StatusInactive, StatusActive) {
			continue
		}
		atomic.StoreUint64(r.threadIDPtr(i), threadID)
		atomic.AddUint32(r.activeCountPtr, 1)
		return i, nil
	}
	return -1, errs.Wrap(errs.ErrResourceExhausted, "registry: no free slot")
}

// BindAreas finishes a reservation made by ReserveSlot: it records the
// two lanes' arena placement in the shared slot and caches the in-process
// lane-set for the fast GetLanes path.
func (r *Registry) BindAreas(slotIndex int, set *lane.Set, indexInfo, detailInfo AreaInfo) error {
	if slotIndex < 0 || slotIndex >= int(r.capacity) {
		return errs.Wrap(errs.ErrInvalidArgument, "registry: slot index out of range")
	}
	threadID := atomic.LoadUint64(r.threadIDPtr(slotIndex))

	off, stride, pool, active := r.indexInfoPtrs(slotIndex)
	atomic.StoreUint32(off, indexInfo.Offset)
	atomic.StoreUint32(stride, indexInfo.Stride)
	atomic.StoreUint32(pool, indexInfo.PoolSize)
	set.Index.BindPublishedActive(active)

	doff, dstride, dpool, dactive := r.detailInfoPtrs(slotIndex)
	atomic.StoreUint32(doff, detailInfo.Offset)
	atomic.StoreUint32(dstride, detailInfo.Stride)
	atomic.StoreUint32(dpool, detailInfo.PoolSize)
	set.Detail.BindPublishedActive(dactive)

	set.SlotIndex = slotIndex
	set.ThreadID = threadID

	r.mu.Lock()
	r.local[slotIndex] = set
	r.byThread[threadID] = slotIndex
	r.mu.Unlock()
	return nil
}

// Unregister releases slotIndex. Idempotent: unregistering an already-
// inactive slot is a no-op.
func (r *Registry) Unregister(slotIndex int) error {
	if slotIndex < 0 || slotIndex >= int(r.capacity) {
		return errs.Wrap(errs.ErrInvalidArgument, "registry: slot index out of range")
	}
	if !atomic.CompareAndSwapUint32(r.statusPtr(slotIndex), StatusActive, StatusInactive) {
		return nil
	}
	threadID := atomic.LoadUint64(r.threadIDPtr(slotIndex))
	atomic.StoreUint64(r.threadIDPtr(slotIndex), 0)

	r.mu.Lock()
	if r.byThread[threadID] == slotIndex {
		delete(r.byThread, threadID)
	}
	r.local[slotIndex] = nil
	r.mu.Unlock()

	atomic.AddUint32(r.activeCountPtr, ^uint32(0)) // -1
	return nil
}

// UnregisterByThreadID looks up threadID's slot and unregisters it. A
// no-op (not an error) if threadID is not currently registered.
func (r *Registry) UnregisterByThreadID(threadID uint64) error {
	r.mu.Lock()
	idx, ok := r.byThread[threadID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.Unregister(idx)
}

// GetLanes is the producer's fast path: the in-process lane-set for
// threadID, if this process registered it.
func (r *Registry) GetLanes(threadID uint64) (*lane.Set, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.byThread[threadID]
	if !ok {
		return nil, false
	}
	set := r.local[idx]
	return set, set != nil
}

// GetActiveCount returns the number of currently active slots.
func (r *Registry) GetActiveCount() int {
	return int(atomic.LoadUint32(r.activeCountPtr))
}

// GetThreadAt returns the thread id registered at slotIndex, and whether
// the slot is currently active. Safe to call without any local lane-set,
// since status and thread id live in the shared slot table.
func (r *Registry) GetThreadAt(slotIndex int) (uint64, bool) {
	if slotIndex < 0 || slotIndex >= int(r.capacity) {
		return 0, false
	}
	if atomic.LoadUint32(r.statusPtr(slotIndex)) != StatusActive {
		return 0, false
	}
	return atomic.LoadUint64(r.threadIDPtr(slotIndex)), true
}

// GetActiveRing reconstructs slotIndex's currently active ring (index lane
// if detail is false, detail lane otherwise) purely from the shared
// arenas and slot table — the path the drain uses when it has not itself
// created the lane-set, since it runs in a different OS process than the
// producer that did.
func (r *Registry) GetActiveRing(slotIndex int, detail bool) (*ring.Ring, error) {
	if atomic.LoadUint32(r.statusPtr(slotIndex)) != StatusActive {
		return nil, errs.Wrap(errs.ErrWrongState, "registry: slot not active")
	}
	var offPtr, stridePtr, poolPtr, activePtr *uint32
	var arena []byte
	eventSize := ring.IndexEventSize
	if detail {
		offPtr, stridePtr, poolPtr, activePtr = r.detailInfoPtrs(slotIndex)
		arena = r.detailArena
		eventSize = ring.DetailEventSize
	} else {
		offPtr, stridePtr, poolPtr, activePtr = r.indexInfoPtrs(slotIndex)
		arena = r.indexArena
	}
	if arena == nil {
		return nil, errs.Wrap(errs.ErrWrongState, "registry: no arena bound for this lane")
	}
	pool := atomic.LoadUint32(poolPtr)
	active := atomic.LoadUint32(activePtr)
	if pool == 0 || active >= pool {
		return nil, errs.Wrap(errs.ErrWrongState, "registry: slot has no placed ring pool")
	}
	offset := atomic.LoadUint32(offPtr)
	stride := atomic.LoadUint32(stridePtr)
	start := uint64(offset) + uint64(active)*uint64(stride)
	end := start + uint64(stride)
	if end > uint64(len(arena)) {
		return nil, errs.Wrap(errs.ErrInvalidArgument, "registry: ring placement out of arena bounds")
	}
	return ring.Attach(arena[start:end], eventSize)
}

// GetActiveRingHeader reconstructs the header of slotIndex's currently
// active ring, for callers that only need capacity/overflow introspection
// and not a full read/write handle.
func (r *Registry) GetActiveRingHeader(slotIndex int, detail bool) (*ring.Header, error) {
	r2, err := r.GetActiveRing(slotIndex, detail)
	if err != nil {
		return nil, err
	}
	return r2.Header(), nil
}

// IndexArena and DetailArena expose the raw arenas a caller (the drain)
// needs to reconstruct a slot's full lane.DrainSide, including its
// handoff queues, which GetActiveRing deliberately does not expose.
func (r *Registry) IndexArena() []byte  { return r.indexArena }
func (r *Registry) DetailArena() []byte { return r.detailArena }
