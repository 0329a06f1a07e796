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

// Event kinds carried by IndexEvent.Kind.
const (
	EventCall      uint32 = 1
	EventReturn    uint32 = 2
	EventException uint32 = 3
)

// IndexEventSize is the fixed, packed size of IndexEvent: 32 bytes.
const IndexEventSize = 32

// IndexEvent is the 32-byte fixed record written to a thread's index lane
// for every intercepted call/return/exception.
//
//	timestamp   u64
//	functionID  u64  (module-id << 32) | symbol-index
//	threadID    u32
//	kind        u32
//	callDepth   u32
//	_pad        u32
type IndexEvent struct {
	Timestamp  uint64
	FunctionID uint64
	ThreadID   uint32
	Kind       uint32
	CallDepth  uint32
	_          uint32
}

// ModuleID extracts the module-id half of FunctionID.
func (e *IndexEvent) ModuleID() uint32 { return uint32(e.FunctionID >> 32) }

// SymbolIndex extracts the symbol-index half of FunctionID.
func (e *IndexEvent) SymbolIndex() uint32 { return uint32(e.FunctionID) }

// MakeFunctionID packs a module id and symbol index into a FunctionID.
func MakeFunctionID(moduleID, symbolIndex uint32) uint64 {
	return uint64(moduleID)<<32 | uint64(symbolIndex)
}

// Encode packs e into dst (must be IndexEventSize bytes).
func (e *IndexEvent) Encode(dst []byte) {
	PutUint64(dst[0:8], e.Timestamp)
	PutUint64(dst[8:16], e.FunctionID)
	PutUint32(dst[16:20], e.ThreadID)
	PutUint32(dst[20:24], e.Kind)
	PutUint32(dst[24:28], e.CallDepth)
	PutUint32(dst[28:32], 0)
}

// Decode unpacks e from src (must be at least IndexEventSize bytes).
func (e *IndexEvent) Decode(src []byte) {
	e.Timestamp = GetUint64(src[0:8])
	e.FunctionID = GetUint64(src[8:16])
	e.ThreadID = GetUint32(src[16:20])
	e.Kind = GetUint32(src[20:24])
	e.CallDepth = GetUint32(src[24:28])
}

const (
	// DetailEventSize is the fixed, packed size of DetailEvent: 512 bytes.
	DetailEventSize = 512

	// NumArgRegs is the number of 64-bit argument-register slots reserved
	// in the detail record.
	NumArgRegs = 8

	// StackSnapshotCap is the fixed size of the embedded stack snapshot.
	StackSnapshotCap = 128

	detailFixedSize = IndexEventSize + 8*NumArgRegs + 8*3 + 4 + StackSnapshotCap
)

// DetailEvent is the 512-byte fixed record written to a thread's detail
// lane. It embeds the index fields plus argument registers, link/frame/
// stack pointers, and a fixed-size stack snapshot with its actual size.
type DetailEvent struct {
	Index IndexEvent

	ArgRegs [NumArgRegs]uint64

	LinkReg  uint64
	FrameReg uint64
	StackReg uint64

	StackSnapshotLen uint32
	StackSnapshot    [StackSnapshotCap]byte
}

// Encode packs e into dst (must be DetailEventSize bytes, tail padding left
// zeroed).
func (e *DetailEvent) Encode(dst []byte) {
	for i := range dst {
		dst[i] = 0
	}
	e.Index.Encode(dst[0:IndexEventSize])
	off := IndexEventSize
	for i := 0; i < NumArgRegs; i++ {
		PutUint64(dst[off:off+8], e.ArgRegs[i])
		off += 8
	}
	PutUint64(dst[off:off+8], e.LinkReg)
	off += 8
	PutUint64(dst[off:off+8], e.FrameReg)
	off += 8
	PutUint64(dst[off:off+8], e.StackReg)
	off += 8
	n := e.StackSnapshotLen
	if n > StackSnapshotCap {
		n = StackSnapshotCap
	}
	PutUint32(dst[off:off+4], n)
	off += 4
	copy(dst[off:off+int(n)], e.StackSnapshot[:n])
}

// Decode unpacks e from src (must be at least DetailEventSize bytes).
func (e *DetailEvent) Decode(src []byte) {
	e.Index.Decode(src[0:IndexEventSize])
	off := IndexEventSize
	for i := 0; i < NumArgRegs; i++ {
		e.ArgRegs[i] = GetUint64(src[off : off+8])
		off += 8
	}
	e.LinkReg = GetUint64(src[off : off+8])
	off += 8
	e.FrameReg = GetUint64(src[off : off+8])
	off += 8
	e.StackReg = GetUint64(src[off : off+8])
	off += 8
	e.StackSnapshotLen = GetUint32(src[off : off+4])
	off += 4
	n := e.StackSnapshotLen
	if n > StackSnapshotCap {
		n = StackSnapshotCap
	}
	copy(e.StackSnapshot[:n], src[off:off+int(n)])
}
