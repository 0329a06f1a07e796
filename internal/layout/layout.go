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

// Package layout is the deterministic arena-placement formula the
// controller and the agent (and, for the handoff queues, the drain)
// evaluate independently: which byte range of the shared index/detail
// arenas belongs to a given registry slot's ring pool and free/submitted
// index queues. Nobody negotiates this over IPC; every party computes the
// same offsets from the same constants, the way io_uring's SQ/CQ offset
// tables let the kernel and userspace agree on mmap'd field offsets
// without a runtime handshake for every field.
//
// A slot's footprint in a lane arena is, in order: PoolSize fixed-stride
// ring regions, then the free idxqueue region, then the submitted
// idxqueue region — both queues sized for PoolSize entries. Placing the
// queues in the same shared arena (rather than process-private memory,
// which a Go channel or a plain slice would give you) is what lets the
// drain, running as a separate OS process from the agent, actually take
// submitted ring indices and return freed ones: the handoff only works
// across the process boundary if the queues themselves live in shared
// memory.
package layout

import (
	"github.com/adatrace/ada-core/idxqueue"
	"github.com/adatrace/ada-core/ring"
)

const (
	// PoolSize is the number of rings per lane.
	PoolSize = 4

	// IndexRingCapacity is the per-ring event capacity of an index lane's
	// rings, a power of two per ring.Create's contract.
	IndexRingCapacity = 4096

	// DetailRingCapacity is the per-ring event capacity of a detail lane's
	// rings. Detail events are 16x the size of index events, so the
	// capacity is kept smaller to bound arena size.
	DetailRingCapacity = 512
)

// ringStride returns the fixed per-ring byte footprint for a lane whose
// rings hold eventSize-byte records at the given capacity.
func ringStride(eventSize, capacity int) uint32 {
	return uint32(ring.HeaderSize + capacity*eventSize)
}

// IndexStride is the fixed per-ring byte footprint inside the index arena.
var IndexStride = ringStride(ring.IndexEventSize, IndexRingCapacity)

// DetailStride is the fixed per-ring byte footprint inside the detail
// arena.
var DetailStride = ringStride(ring.DetailEventSize, DetailRingCapacity)

// queueRegionSize is the fixed footprint of one PoolSize-capacity
// idxqueue region.
var queueRegionSize = uint32(idxqueue.RegionSize(PoolSize))

// slotFootprint returns a lane's total per-slot footprint: the ring pool
// plus the two handoff queues.
func slotFootprint(stride uint32) uint32 {
	return PoolSize*stride + 2*queueRegionSize
}

// IndexSlotFootprint and DetailSlotFootprint are the fixed per-slot byte
// spans within the index/detail arenas.
var IndexSlotFootprint = slotFootprint(IndexStride)
var DetailSlotFootprint = slotFootprint(DetailStride)

// IndexArenaSize returns the total index arena size needed for a registry
// of the given slot capacity.
func IndexArenaSize(capacity uint32) int {
	return int(capacity) * int(IndexSlotFootprint)
}

// DetailArenaSize returns the total detail arena size needed for a
// registry of the given slot capacity.
func DetailArenaSize(capacity uint32) int {
	return int(capacity) * int(DetailSlotFootprint)
}

// SlotIndexRegion returns slotIndex's whole footprint (rings + queues)
// inside the index arena.
func SlotIndexRegion(arena []byte, slotIndex int) []byte {
	start := slotIndex * int(IndexSlotFootprint)
	return arena[start : start+int(IndexSlotFootprint)]
}

// SlotDetailRegion returns slotIndex's whole footprint (rings + queues)
// inside the detail arena.
func SlotDetailRegion(arena []byte, slotIndex int) []byte {
	start := slotIndex * int(DetailSlotFootprint)
	return arena[start : start+int(DetailSlotFootprint)]
}

// RingsRegion returns the PoolSize*stride ring-pool prefix of a slot
// footprint (as returned by SlotIndexRegion/SlotDetailRegion).
func RingsRegion(slotRegion []byte, stride uint32) []byte {
	return slotRegion[:PoolSize*stride]
}

// FreeQueueRegion returns the free-queue sub-region of a slot footprint.
func FreeQueueRegion(slotRegion []byte, stride uint32) []byte {
	start := PoolSize * stride
	return slotRegion[start : start+queueRegionSize]
}

// SubmittedQueueRegion returns the submitted-queue sub-region of a slot
// footprint.
func SubmittedQueueRegion(slotRegion []byte, stride uint32) []byte {
	start := PoolSize*stride + queueRegionSize
	return slotRegion[start : start+queueRegionSize]
}

// RingRegion slices the idx'th ring out of a RingsRegion result.
func RingRegion(ringsRegion []byte, idx uint32, stride uint32) []byte {
	start := idx * stride
	return ringsRegion[start : start+stride]
}
