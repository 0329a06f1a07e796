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

package layout

import (
	"testing"

	"github.com/adatrace/ada-core/idxqueue"
	"github.com/adatrace/ada-core/ring"

	"github.com/stretchr/testify/require"
)

func TestStridesCoverHeaderPlusPayload(t *testing.T) {
	require.Equal(t, uint32(ring.HeaderSize+IndexRingCapacity*ring.IndexEventSize), IndexStride)
	require.Equal(t, uint32(ring.HeaderSize+DetailRingCapacity*ring.DetailEventSize), DetailStride)
}

func TestArenaSizeIsCapacityTimesFootprint(t *testing.T) {
	require.Equal(t, 8*int(IndexSlotFootprint), IndexArenaSize(8))
	require.Equal(t, 8*int(DetailSlotFootprint), DetailArenaSize(8))
}

// Every slot's sub-regions must partition the slot footprint exactly:
// PoolSize rings, then the free queue, then the submitted queue, with no
// overlap and no gap — both processes slice blindly by these formulas, so
// any overlap would mean silent cross-slot corruption.
func TestSlotRegionsPartitionWithoutOverlap(t *testing.T) {
	const capacity = 3
	arena := make([]byte, IndexArenaSize(capacity))

	markRange := func(marks []byte, lo, hi int) {
		for i := lo; i < hi; i++ {
			if marks[i] != 0 {
				t.Fatalf("byte %d claimed twice", i)
			}
			marks[i] = 1
		}
	}

	marks := make([]byte, len(arena))
	for slot := 0; slot < capacity; slot++ {
		region := SlotIndexRegion(arena, slot)
		base := slot * int(IndexSlotFootprint)
		require.Len(t, region, int(IndexSlotFootprint))

		rings := RingsRegion(region, IndexStride)
		for i := uint32(0); i < PoolSize; i++ {
			rr := RingRegion(rings, i, IndexStride)
			require.Len(t, rr, int(IndexStride))
			markRange(marks, base+int(i*IndexStride), base+int((i+1)*IndexStride))
		}

		qSize := idxqueue.RegionSize(PoolSize)
		free := FreeQueueRegion(region, IndexStride)
		require.Len(t, free, qSize)
		markRange(marks, base+PoolSize*int(IndexStride), base+PoolSize*int(IndexStride)+qSize)

		submitted := SubmittedQueueRegion(region, IndexStride)
		require.Len(t, submitted, qSize)
		markRange(marks, base+PoolSize*int(IndexStride)+qSize, base+PoolSize*int(IndexStride)+2*qSize)
	}
	for i, m := range marks {
		if m != 1 {
			t.Fatalf("byte %d unclaimed by any sub-region", i)
		}
	}
}

// A ring created in a slot's first ring region must exactly fit: the
// production capacity constants and strides have to agree with
// ring.Create's own region math.
func TestProductionConstantsSatisfyRingCreate(t *testing.T) {
	region := make([]byte, IndexStride)
	_, err := ring.Create(region, ring.IndexEventSize, IndexRingCapacity)
	require.NoError(t, err)

	detail := make([]byte, DetailStride)
	_, err = ring.Create(detail, ring.DetailEventSize, DetailRingCapacity)
	require.NoError(t, err)
}
