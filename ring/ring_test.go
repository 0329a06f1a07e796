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

package ring

import "testing"

func newTestRegion(capacityEvents uint32, eventSize int) []byte {
	return make([]byte, HeaderSize+int(capacityEvents)*eventSize)
}

func TestRoundTripInOrder(t *testing.T) {
	region := newTestRegion(4, 32)
	r, err := Create(region, 32, 4)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	mk := func(ts uint64) []byte {
		buf := make([]byte, 32)
		PutUint64(buf[:8], ts)
		return buf
	}

	for _, ts := range []uint64{1, 2, 3, 4} {
		if !r.Write(mk(ts)) {
			t.Fatalf("write %d failed unexpectedly", ts)
		}
	}

	dst := make([]byte, 10*32)
	n := r.ReadBatch(dst, 10)
	if n != 4 {
		t.Fatalf("expected 4 events read, got %d", n)
	}
	for i, want := range []uint64{1, 2, 3, 4} {
		got := GetUint64(dst[i*32 : i*32+8])
		if got != want {
			t.Fatalf("event %d: want %d got %d", i, want, got)
		}
	}

	// 5th write into a full-again ring bumps overflow.
	if !r.Write(mk(5)) {
		t.Fatalf("write should succeed into now-empty ring")
	}
	for _, ts := range []uint64{6, 7, 8} {
		if !r.Write(mk(ts)) {
			t.Fatalf("write %d failed", ts)
		}
	}
	if r.Write(mk(9)) {
		t.Fatalf("write into full ring should fail")
	}
	if r.OverflowCount() != 1 {
		t.Fatalf("expected overflow count 1, got %d", r.OverflowCount())
	}
}

func TestCreateRejectsNonPowerOfTwoCapacity(t *testing.T) {
	region := newTestRegion(8, 32)
	if _, err := Create(region, 32, 3); err == nil {
		t.Fatalf("expected error for non-power-of-two capacity")
	}
}

func TestCreateAllowsMinimumCapacityTwo(t *testing.T) {
	region := newTestRegion(2, 32)
	if _, err := Create(region, 32, 2); err != nil {
		t.Fatalf("capacity=2 should be legal: %v", err)
	}
}

func TestAttachRejectsEventSizeMismatch(t *testing.T) {
	region := newTestRegion(4, 32)
	if _, err := Create(region, 32, 4); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := Attach(region, 64); err == nil {
		t.Fatalf("expected error on event size mismatch")
	}
}

func TestAttachRejectsBadMagic(t *testing.T) {
	region := newTestRegion(4, 32)
	if _, err := Attach(region, 32); err == nil {
		t.Fatalf("expected error attaching to zeroed region")
	}
}

// events written (every write attempt, accepted or rejected) must equal
// events read + still-available + overflowed, once the producer has stopped.
func TestWriteReadOverflowAccounting(t *testing.T) {
	region := newTestRegion(4, 32)
	r, _ := Create(region, 32, 4)
	buf := make([]byte, 32)

	written := 0
	for i := 0; i < 10; i++ {
		r.Write(buf)
		written++
	}
	readOne := make([]byte, 32)
	read := 0
	for i := 0; i < 2; i++ {
		if r.Read(readOne) {
			read++
		}
	}

	total := uint64(read) + uint64(r.AvailableRead()) + r.OverflowCount()
	if total != uint64(written) {
		t.Fatalf("accounting violated: read=%d avail=%d overflow=%d written=%d",
			read, r.AvailableRead(), r.OverflowCount(), written)
	}
	if r.AvailableWrite() != r.Capacity()-r.AvailableRead() {
		t.Fatalf("available_write accounting violated")
	}
}

func TestResetZeroesEverything(t *testing.T) {
	region := newTestRegion(4, 32)
	r, _ := Create(region, 32, 4)
	buf := make([]byte, 32)
	r.Write(buf)
	r.Write(buf)
	r.Write(buf)
	r.Write(buf)
	r.Write(buf) // overflow
	r.Reset()
	if r.AvailableRead() != 0 || r.OverflowCount() != 0 {
		t.Fatalf("reset did not zero state")
	}
	if !r.Write(buf) {
		t.Fatalf("ring should accept writes again after reset")
	}
}

func TestIndexEventRoundTrip(t *testing.T) {
	e := IndexEvent{
		Timestamp:  42,
		FunctionID: MakeFunctionID(7, 99),
		ThreadID:   1234,
		Kind:       EventCall,
		CallDepth:  3,
	}
	buf := make([]byte, IndexEventSize)
	e.Encode(buf)

	var got IndexEvent
	got.Decode(buf)
	if got != e {
		t.Fatalf("round trip mismatch: %+v != %+v", got, e)
	}
	if got.ModuleID() != 7 || got.SymbolIndex() != 99 {
		t.Fatalf("function id pack/unpack mismatch")
	}
}

func TestDetailEventRoundTrip(t *testing.T) {
	e := DetailEvent{
		Index: IndexEvent{Timestamp: 1, Kind: EventReturn},
	}
	e.ArgRegs[0] = 0xdeadbeef
	e.StackSnapshotLen = 4
	copy(e.StackSnapshot[:4], []byte{1, 2, 3, 4})

	buf := make([]byte, DetailEventSize)
	e.Encode(buf)

	var got DetailEvent
	got.Decode(buf)
	if got.ArgRegs[0] != 0xdeadbeef {
		t.Fatalf("arg reg mismatch")
	}
	if got.StackSnapshotLen != 4 || got.StackSnapshot[3] != 4 {
		t.Fatalf("stack snapshot mismatch")
	}
}
