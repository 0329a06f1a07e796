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

// Package idxqueue implements the wait-free SPSC queue of uint32 ring-pool
// indices used to hand rings back and forth between a lane's producer and
// the drain. Like package ring, a Queue is a view over a caller-
// supplied byte region rather than an owning container, so it can be
// placed inside a shared-memory arena and touched by both the agent and
// the controller process — the same shape as an io_uring submission
// queue's indirection array, with a userspace consumer on the other side
// instead of the kernel.
package idxqueue

import (
	"sync/atomic"
	"unsafe"

	"github.com/adatrace/ada-core/errs"
)

const (
	cacheLine = 64

	offWritePos = 0
	offReadPos  = cacheLine
	offBuf      = 2 * cacheLine

	// HeaderSize is the fixed metadata prefix of a queue's region: the
	// write position and read position, each on its own cache line.
	HeaderSize = offBuf
)

// Queue is a wait-free SPSC queue of uint32 values. The backing array is
// rounded up to a power of two internally for mask-based addressing, but
// the queue is logically correct for any requested capacity >= 2.
type Queue struct {
	buf      []uint32
	mask     uint32
	capacity uint32
	writePos *uint32
	readPos  *uint32
}

// RegionSize returns the number of bytes CreateInRegion needs for a queue
// of the given logical capacity.
func RegionSize(capacity uint32) int {
	return HeaderSize + int(backingSize(capacity))*4
}

func backingSize(capacity uint32) uint32 {
	sz := uint32(2)
	for sz < capacity {
		sz <<= 1
	}
	return sz
}

func viewQueue(region []byte, capacity uint32) *Queue {
	base := unsafe.Pointer(&region[0])
	sz := backingSize(capacity)
	bufPtr := unsafe.Add(base, offBuf)
	return &Queue{
		buf:      unsafe.Slice((*uint32)(bufPtr), sz),
		mask:     sz - 1,
		capacity: capacity,
		writePos: (*uint32)(unsafe.Add(base, offWritePos)),
		readPos:  (*uint32)(unsafe.Add(base, offReadPos)),
	}
}

// CreateInRegion initializes a fresh queue at the front of region, which
// must be at least RegionSize(capacity) bytes.
func CreateInRegion(region []byte, capacity uint32) (*Queue, error) {
	if capacity < 2 {
		return nil, errs.Wrap(errs.ErrInvalidArgument, "idxqueue: capacity must be >= 2")
	}
	if len(region) < RegionSize(capacity) {
		return nil, errs.Wrap(errs.ErrInvalidArgument, "idxqueue: region too small")
	}
	q := viewQueue(region, capacity)
	atomic.StoreUint32(q.writePos, 0)
	atomic.StoreUint32(q.readPos, 0)
	return q, nil
}

// AttachInRegion reconstructs a Queue view over a region previously
// initialized by CreateInRegion with the same capacity.
func AttachInRegion(region []byte, capacity uint32) (*Queue, error) {
	if capacity < 2 {
		return nil, errs.Wrap(errs.ErrInvalidArgument, "idxqueue: capacity must be >= 2")
	}
	if len(region) < RegionSize(capacity) {
		return nil, errs.Wrap(errs.ErrInvalidArgument, "idxqueue: region too small")
	}
	return viewQueue(region, capacity), nil
}

// New creates a queue with its own private backing region — a convenience
// for in-process-only callers (tests, or lanes that don't need cross-
// process placement) that don't want to manage a region themselves.
func New(capacity uint32) (*Queue, error) {
	if capacity < 2 {
		return nil, errs.Wrap(errs.ErrInvalidArgument, "idxqueue: capacity must be >= 2")
	}
	region := make([]byte, RegionSize(capacity))
	return CreateInRegion(region, capacity)
}

// Capacity returns the logical capacity requested at construction (not the
// internal power-of-two backing size).
func (q *Queue) Capacity() uint32 { return q.capacity }

// Push enqueues v. Returns false if the queue is full. Single-producer only.
func (q *Queue) Push(v uint32) bool {
	read := atomic.LoadUint32(q.readPos)
	write := atomic.LoadUint32(q.writePos)
	if write-read >= q.capacity {
		return false
	}
	q.buf[write&q.mask] = v
	atomic.StoreUint32(q.writePos, write+1)
	return true
}

// Pop dequeues the oldest value. Returns false if the queue is empty.
// Single-consumer only.
func (q *Queue) Pop() (uint32, bool) {
	write := atomic.LoadUint32(q.writePos)
	read := atomic.LoadUint32(q.readPos)
	if read == write {
		return 0, false
	}
	v := q.buf[read&q.mask]
	atomic.StoreUint32(q.readPos, read+1)
	return v, true
}

// IsEmpty reports whether the queue currently has nothing to pop.
func (q *Queue) IsEmpty() bool {
	return atomic.LoadUint32(q.writePos) == atomic.LoadUint32(q.readPos)
}

// IsFull reports whether the queue currently has no room for another push.
func (q *Queue) IsFull() bool {
	write := atomic.LoadUint32(q.writePos)
	read := atomic.LoadUint32(q.readPos)
	return write-read >= q.capacity
}

// SizeEstimate returns a non-atomic snapshot of the queue depth, for
// diagnostics only.
func (q *Queue) SizeEstimate() int {
	return int(*q.writePos - *q.readPos)
}
