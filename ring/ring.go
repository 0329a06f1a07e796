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

// Package ring implements the wait-free single-producer/single-consumer
// event ring described by the tracer's data-plane: a cache-line-aligned
// header co-located with a fixed-size-event payload inside a caller-owned
// region of memory (typically a shared-memory arena mapped by package shm).
//
// The layout is deliberately binary-stable across processes and toolchains:
// fields are addressed by byte offset into the backing []byte via
// unsafe.Pointer, the way io_uring bindings derive SQ/CQ head and tail
// pointers from an mmap'd region, rather than relying on Go struct layout
// rules.
package ring

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/adatrace/ada-core/errs"
)

const (
	// Magic identifies a valid ring header. Every attach verifies it
	// before trusting anything else in the header.
	Magic uint32 = 0xADA0

	// Version is the current on-disk/on-wire header format version.
	Version uint32 = 1

	// CacheLineSize is the assumed cache line width used to keep the
	// producer's write position and the consumer's read position on
	// disjoint cache lines.
	CacheLineSize = 64

	// HeaderSize is the total size of Header, four cache lines:
	// metadata, write position, read position, overflow + reserved.
	HeaderSize = 4 * CacheLineSize

	offMagic    = 0
	offVersion  = 4
	offCapacity = 8
	offEvtSize  = 12
	offWritePos = 1 * CacheLineSize
	offReadPos  = 2 * CacheLineSize
	offOverflow = 3 * CacheLineSize
	offReserved = offOverflow + 8
)

// Header is a view over the first HeaderSize bytes of a ring's backing
// region. It never copies; all fields are pointers into the caller-supplied
// slice, so writes are immediately visible to any other process mapping the
// same memory.
type Header struct {
	region    []byte
	magic     *uint32
	version   *uint32
	capacity  *uint32
	eventSize *uint32
	writePos  *uint32
	readPos   *uint32
	overflow  *uint64
}

func viewHeader(region []byte) *Header {
	base := unsafe.Pointer(&region[0])
	return &Header{
		region:    region,
		magic:     (*uint32)(unsafe.Add(base, offMagic)),
		version:   (*uint32)(unsafe.Add(base, offVersion)),
		capacity:  (*uint32)(unsafe.Add(base, offCapacity)),
		eventSize: (*uint32)(unsafe.Add(base, offEvtSize)),
		writePos:  (*uint32)(unsafe.Add(base, offWritePos)),
		readPos:   (*uint32)(unsafe.Add(base, offReadPos)),
		overflow:  (*uint64)(unsafe.Add(base, offOverflow)),
	}
}

// Capacity returns the ring capacity in events.
func (h *Header) Capacity() uint32 { return atomic.LoadUint32(h.capacity) }

// EventSize returns the fixed event size in bytes this ring was created with.
func (h *Header) EventSize() uint32 { return atomic.LoadUint32(h.eventSize) }

// Ring is a fixed-event-size SPSC queue. Exactly one goroutine/thread may
// call Write (the producer); exactly one may call Read/ReadBatch (the
// consumer).
type Ring struct {
	hdr       *Header
	payload   []byte
	eventSize int
	capacity  uint32 // events, power of two
	mask      uint32
}

// isPow2 reports whether n is a power of two (n >= 1).
func isPow2(n uint32) bool { return n != 0 && n&(n-1) == 0 }

// Create initializes a brand-new ring header at the front of region and
// returns a handle to it. region must be at least
// HeaderSize + capacityEvents*eventSize bytes. capacityEvents must be a
// power of two >= 2.
//
// Magic/version/capacity are written exactly once here;
// every subsequent Attach only ever reads them.
func Create(region []byte, eventSize int, capacityEvents uint32) (*Ring, error) {
	if eventSize <= 0 || len(region) < HeaderSize {
		return nil, errs.Wrap(errs.ErrInvalidArgument, "ring: region too small")
	}
	if capacityEvents < 2 || !isPow2(capacityEvents) {
		return nil, errs.Wrap(errs.ErrInvalidArgument, "ring: capacity must be a power of two >= 2")
	}
	need := HeaderSize + int(capacityEvents)*eventSize
	if len(region) < need {
		return nil, errs.Wrap(errs.ErrInvalidArgument, "ring: region smaller than capacity*eventSize")
	}

	hdr := viewHeader(region)
	atomic.StoreUint32(hdr.magic, 0) // clean slate before publishing fields
	atomic.StoreUint32(hdr.capacity, capacityEvents)
	atomic.StoreUint32(hdr.eventSize, uint32(eventSize))
	atomic.StoreUint32(hdr.writePos, 0)
	atomic.StoreUint32(hdr.readPos, 0)
	atomic.StoreUint64(hdr.overflow, 0)
	atomic.StoreUint32(hdr.version, Version)
	// magic published last with release semantics so a concurrent
	// attacher never observes a partially-initialized header.
	atomic.StoreUint32(hdr.magic, Magic)

	return &Ring{
		hdr:       hdr,
		payload:   region[HeaderSize:need],
		eventSize: eventSize,
		capacity:  capacityEvents,
		mask:      capacityEvents - 1,
	}, nil
}

// Attach reconstructs a Ring view over a region created by Create, verifying
// magic, version, and that eventSize matches the header's recorded event
// size (a size mismatch is a hard error).
func Attach(region []byte, eventSize int) (*Ring, error) {
	if len(region) < HeaderSize {
		return nil, errs.Wrap(errs.ErrInvalidArgument, "ring: region smaller than header")
	}
	hdr := viewHeader(region)
	if atomic.LoadUint32(hdr.magic) != Magic {
		return nil, errs.Wrap(errs.ErrInvalidArgument, "ring: bad magic")
	}
	if atomic.LoadUint32(hdr.version) != Version {
		return nil, errs.Wrap(errs.ErrInvalidArgument, "ring: unsupported version")
	}
	capacity := atomic.LoadUint32(hdr.capacity)
	hdrEventSize := atomic.LoadUint32(hdr.eventSize)
	if int(hdrEventSize) != eventSize {
		return nil, errs.Wrap(errs.ErrInvalidArgument, "ring: event size mismatch on attach")
	}
	need := HeaderSize + int(capacity)*eventSize
	if len(region) < need {
		return nil, errs.Wrap(errs.ErrInvalidArgument, "ring: region truncated")
	}
	return &Ring{
		hdr:       hdr,
		payload:   region[HeaderSize:need],
		eventSize: eventSize,
		capacity:  capacity,
		mask:      capacity - 1,
	}, nil
}

// CapacityForRegion rounds the usable byte range (after HeaderSize) for
// eventSize-sized events down to a power of two.
func CapacityForRegion(regionLen, eventSize int) uint32 {
	if eventSize <= 0 || regionLen <= HeaderSize {
		return 0
	}
	usable := (regionLen - HeaderSize) / eventSize
	if usable < 2 {
		return 0
	}
	// round down to power of two
	p := uint32(1)
	for p<<1 <= uint32(usable) {
		p <<= 1
	}
	return p
}

// Header returns the ring's header view, e.g. for a drain that wants to
// inspect overflow/capacity without a full Ring handle.
func (r *Ring) Header() *Header { return r.hdr }

// EventSize returns the fixed record size for this ring.
func (r *Ring) EventSize() int { return r.eventSize }

// Capacity returns the ring capacity in events.
func (r *Ring) Capacity() uint32 { return r.capacity }

func (r *Ring) slot(pos uint32) []byte {
	i := int(pos & r.mask)
	return r.payload[i*r.eventSize : (i+1)*r.eventSize]
}

// Write copies event (which must be exactly EventSize() bytes) into the
// ring. It never blocks: if the ring is full it bumps the overflow counter
// (relaxed) and returns false. Single-writer only.
func (r *Ring) Write(event []byte) bool {
	if len(event) != r.eventSize {
		return false
	}
	read := atomic.LoadUint32(r.hdr.readPos)
	write := atomic.LoadUint32(r.hdr.writePos)
	if write-read == r.capacity {
		atomic.AddUint64(r.hdr.overflow, 1)
		return false
	}
	copy(r.slot(write), event)
	atomic.StoreUint32(r.hdr.writePos, write+1)
	return true
}

// Read copies the oldest unread event into out (which must be at least
// EventSize() bytes) and advances the read position. Returns false if the
// ring is empty. Single-reader only.
func (r *Ring) Read(out []byte) bool {
	write := atomic.LoadUint32(r.hdr.writePos)
	read := atomic.LoadUint32(r.hdr.readPos)
	if read == write {
		return false
	}
	copy(out, r.slot(read))
	atomic.StoreUint32(r.hdr.readPos, read+1)
	return true
}

// ReadBatch reads up to max events into dst (which must be at least
// max*EventSize() bytes) and returns the number of events actually read.
// It loops until either the local write-position snapshot or max is
// exhausted.
func (r *Ring) ReadBatch(dst []byte, max int) int {
	write := atomic.LoadUint32(r.hdr.writePos)
	read := atomic.LoadUint32(r.hdr.readPos)
	avail := int(write - read)
	n := avail
	if n > max {
		n = max
	}
	if n <= 0 {
		return 0
	}
	if len(dst) < n*r.eventSize {
		n = len(dst) / r.eventSize
	}
	for i := 0; i < n; i++ {
		copy(dst[i*r.eventSize:(i+1)*r.eventSize], r.slot(read+uint32(i)))
	}
	atomic.StoreUint32(r.hdr.readPos, read+uint32(n))
	return n
}

// AvailableRead returns the number of events currently readable.
func (r *Ring) AvailableRead() uint32 {
	write := atomic.LoadUint32(r.hdr.writePos)
	read := atomic.LoadUint32(r.hdr.readPos)
	return write - read
}

// AvailableWrite returns the number of events that can still be written
// before the ring is full.
func (r *Ring) AvailableWrite() uint32 {
	return r.capacity - r.AvailableRead()
}

// OverflowCount returns the number of writes rejected because the ring was
// full, since creation or the last Reset.
func (r *Ring) OverflowCount() uint64 {
	return atomic.LoadUint64(r.hdr.overflow)
}

// IsEmpty reports whether the ring currently has no unread events.
func (r *Ring) IsEmpty() bool { return r.AvailableRead() == 0 }

// IsFull reports whether the ring currently has no room for another write.
func (r *Ring) IsFull() bool { return r.AvailableRead() == r.capacity }

// Reset zeroes positions and the overflow counter. Single-threaded test
// contexts only — never call this while a producer or consumer may be
// concurrently active.
func (r *Ring) Reset() {
	atomic.StoreUint32(r.hdr.writePos, 0)
	atomic.StoreUint32(r.hdr.readPos, 0)
	atomic.StoreUint64(r.hdr.overflow, 0)
}

// PutUint64 / GetUint64 are small helpers used by event encoders elsewhere
// in the tracer (index/detail record marshalling) to write fixed-width
// little-endian fields without depending on encoding/binary at every call
// site.
func PutUint64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }
func GetUint64(b []byte) uint64    { return binary.LittleEndian.Uint64(b) }
func PutUint32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func GetUint32(b []byte) uint32    { return binary.LittleEndian.Uint32(b) }
