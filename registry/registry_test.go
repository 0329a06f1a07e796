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

package registry

import (
	"testing"

	"github.com/adatrace/ada-core/lane"
	"github.com/adatrace/ada-core/ring"
)

const (
	testPoolSize = 2
	testStride   = ring.HeaderSize + testPoolSize*ring.IndexEventSize
)

// buildSet creates a minimal lane.Set whose index lane's pool rings are
// carved out of arena contiguously, so a registry slot can describe them
// with a single (offset, stride, poolSize) tuple.
func buildSet(t *testing.T, arena []byte, threadID uint64) *lane.Set {
	t.Helper()
	rings := make([]*ring.Ring, testPoolSize)
	for i := 0; i < testPoolSize; i++ {
		start := i * testStride
		r, err := ring.Create(arena[start:start+testStride], ring.IndexEventSize, 2)
		if err != nil {
			t.Fatalf("ring.Create: %v", err)
		}
		rings[i] = r
	}
	pool, err := lane.NewPool(rings)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	indexLane, err := lane.New(pool, false)
	if err != nil {
		t.Fatalf("lane.New: %v", err)
	}
	// detail lane reuses the same small pool shape for test simplicity.
	detailRings := make([]*ring.Ring, testPoolSize)
	detailArena := make([]byte, testPoolSize*testStride)
	for i := 0; i < testPoolSize; i++ {
		start := i * testStride
		r, err := ring.Create(detailArena[start:start+testStride], ring.IndexEventSize, 2)
		if err != nil {
			t.Fatalf("ring.Create (detail): %v", err)
		}
		detailRings[i] = r
	}
	detailPool, err := lane.NewPool(detailRings)
	if err != nil {
		t.Fatalf("NewPool (detail): %v", err)
	}
	detailLane, err := lane.New(detailPool, true)
	if err != nil {
		t.Fatalf("lane.New (detail): %v", err)
	}
	return lane.NewSet(indexLane, detailLane, threadID, -1)
}

func TestRegisterAllocatesDistinctSlots(t *testing.T) {
	region := make([]byte, RegionSize(4))
	indexArena := make([]byte, testPoolSize*testStride*4)
	reg, err := Init(region, 4, indexArena, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	set1 := buildSet(t, indexArena[0:testPoolSize*testStride], 111)
	idx1, err := reg.Register(111, set1, AreaInfo{Offset: 0, Stride: testStride, PoolSize: testPoolSize}, AreaInfo{})
	if err != nil {
		t.Fatalf("Register 1: %v", err)
	}

	set2 := buildSet(t, indexArena[testPoolSize*testStride:2*testPoolSize*testStride], 222)
	idx2, err := reg.Register(222, set2, AreaInfo{Offset: uint32(testPoolSize * testStride), Stride: testStride, PoolSize: testPoolSize}, AreaInfo{})
	if err != nil {
		t.Fatalf("Register 2: %v", err)
	}

	if idx1 == idx2 {
		t.Fatalf("expected distinct slots, got %d and %d", idx1, idx2)
	}
	if reg.GetActiveCount() != 2 {
		t.Fatalf("expected active count 2, got %d", reg.GetActiveCount())
	}

	got, ok := reg.GetLanes(111)
	if !ok || got != set1 {
		t.Fatalf("GetLanes(111): ok=%v got=%v want=%v", ok, got, set1)
	}
}

func TestRegisterFailsWhenFull(t *testing.T) {
	region := make([]byte, RegionSize(1))
	indexArena := make([]byte, testPoolSize*testStride)
	reg, err := Init(region, 1, indexArena, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	set := buildSet(t, indexArena, 1)
	if _, err := reg.Register(1, set, AreaInfo{Offset: 0, Stride: testStride, PoolSize: testPoolSize}, AreaInfo{}); err != nil {
		t.Fatalf("first register should succeed: %v", err)
	}
	other := buildSet(t, make([]byte, testPoolSize*testStride), 2)
	if _, err := reg.Register(2, other, AreaInfo{}, AreaInfo{}); err == nil {
		t.Fatalf("second register should fail: registry is full")
	}
}

func TestUnregisterIsIdempotentAndFreesSlot(t *testing.T) {
	region := make([]byte, RegionSize(1))
	indexArena := make([]byte, testPoolSize*testStride)
	reg, _ := Init(region, 1, indexArena, nil)
	set := buildSet(t, indexArena, 7)
	slot, err := reg.Register(7, set, AreaInfo{Offset: 0, Stride: testStride, PoolSize: testPoolSize}, AreaInfo{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := reg.Unregister(slot); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if err := reg.Unregister(slot); err != nil {
		t.Fatalf("second Unregister should be a harmless no-op: %v", err)
	}
	if reg.GetActiveCount() != 0 {
		t.Fatalf("expected active count 0 after unregister, got %d", reg.GetActiveCount())
	}
	if _, ok := reg.GetLanes(7); ok {
		t.Fatalf("GetLanes should fail after unregister")
	}

	// slot should be reusable by a new thread.
	set2 := buildSet(t, indexArena, 8)
	if _, err := reg.Register(8, set2, AreaInfo{Offset: 0, Stride: testStride, PoolSize: testPoolSize}, AreaInfo{}); err != nil {
		t.Fatalf("slot should be reusable: %v", err)
	}
}

func TestGetActiveRingHeaderTracksSwaps(t *testing.T) {
	region := make([]byte, RegionSize(1))
	indexArena := make([]byte, testPoolSize*testStride)
	reg, _ := Init(region, 1, indexArena, nil)
	set := buildSet(t, indexArena, 42)
	slot, err := reg.Register(42, set, AreaInfo{Offset: 0, Stride: testStride, PoolSize: testPoolSize}, AreaInfo{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	hdr, err := reg.GetActiveRingHeader(slot, false)
	if err != nil {
		t.Fatalf("GetActiveRingHeader: %v", err)
	}
	if hdr.Capacity() != 2 {
		t.Fatalf("unexpected capacity %d", hdr.Capacity())
	}

	// Put one event into the pre-swap ring so the two rings differ.
	if !set.Index.GetActiveRing().Write(make([]byte, ring.IndexEventSize)) {
		t.Fatalf("write into the pre-swap active ring failed")
	}

	// Swapping the producer's active ring must be visible to a reader that
	// only has the shared slot table, not the local lane-set.
	var old uint32
	if !set.Index.SwapActive(&old) {
		t.Fatalf("SwapActive should succeed with a 2-ring pool")
	}
	hdr2, err := reg.GetActiveRingHeader(slot, false)
	if err != nil {
		t.Fatalf("GetActiveRingHeader after swap: %v", err)
	}
	if hdr2.Capacity() != 2 {
		t.Fatalf("unexpected capacity after swap %d", hdr2.Capacity())
	}
	// Header views are rebuilt on each call, so check the contents: the
	// registry must now resolve to the new, still-empty active ring.
	r2, err := reg.GetActiveRing(slot, false)
	if err != nil {
		t.Fatalf("GetActiveRing after swap: %v", err)
	}
	if n := r2.AvailableRead(); n != 0 {
		t.Fatalf("registry still resolves to the pre-swap ring: %d events readable", n)
	}
}

func TestAttachRejectsBadMagic(t *testing.T) {
	region := make([]byte, RegionSize(2))
	if _, err := Attach(region, nil, nil); err == nil {
		t.Fatalf("expected attach of zeroed region to fail")
	}
}

func TestRegionSizeAccountsForHeaderAndSlots(t *testing.T) {
	got := RegionSize(4)
	want := headerSize + 4*slotSize
	if got != want {
		t.Fatalf("RegionSize(4) = %d, want %d", got, want)
	}
}
