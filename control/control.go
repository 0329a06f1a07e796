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

// Package control implements the 4 KiB control block and IPC protocol:
// a fixed-size shared region through which the controller publishes
// registry readiness, mode, and heartbeat to the agent. Every field is
// accessed through a named accessor over a fixed byte offset, never
// through raw pointer arithmetic scattered at call sites.
package control

import (
	"sync/atomic"
	"unsafe"

	"github.com/adatrace/ada-core/errs"
)

const (
	// Magic identifies a valid control block.
	Magic uint32 = 0xADA6

	// Version is the current control block format version.
	Version uint32 = 1

	// Size is the fixed control block footprint.
	Size = 4096

	// shmDirCap is the maximum stored length of the registry arena's
	// shm-directory entry.
	shmDirCap = 256

	offMagic           = 0
	offVersion         = 4
	offRegistryReady   = 8
	offRegistryVersion = 12
	offRegistryEpoch   = 16
	offRegistryMode    = 20
	offHooksReady      = 24
	offLastSeenEpoch   = 28
	offHeartbeatNs     = 32
	offModeTransitions = 40
	offFallbackEvents  = 48
	offShmDirLen       = 56
	offShmDir          = 64

	// Session/trigger configuration fields, beyond the IPC handshake
	// fields above. These sit after the 256-byte shm-directory entry.
	offProcessState         = offShmDir + shmDirCap      // 320
	offFlightRecorderState  = offProcessState + 4        // 324
	offPreRollMs            = offFlightRecorderState + 4 // 328
	offPostRollMs           = offPreRollMs + 4           // 332
	offTriggerTimestamp     = offPostRollMs + 4          // 336, 8-byte aligned
	offIndexLaneEnabled     = offTriggerTimestamp + 8    // 344
	offDetailLaneEnabled    = offIndexLaneEnabled + 4    // 348
	offCaptureStackSnapshot = offDetailLaneEnabled + 4   // 352
)

// Block is a view over a caller-supplied region of at least Size bytes.
// All fields are pointers into that region; writes are immediately visible
// to any other process mapping the same memory.
type Block struct {
	region []byte

	magic           *uint32
	version         *uint32
	registryReady   *uint32
	registryVersion *uint32
	registryEpoch   *uint32
	registryMode    *uint32
	hooksReady      *uint32
	lastSeenEpoch   *uint32
	heartbeatNs     *uint64
	modeTransitions *uint64
	fallbackEvents  *uint64
	shmDirLen       *uint32
	shmDir          []byte

	processState         *uint32
	flightRecorderState  *uint32
	preRollMs            *uint32
	postRollMs           *uint32
	triggerTimestamp     *uint64
	indexLaneEnabled     *uint32
	detailLaneEnabled    *uint32
	captureStackSnapshot *uint32
}

func view(region []byte) *Block {
	base := unsafe.Pointer(&region[0])
	return &Block{
		region:          region,
		magic:           (*uint32)(unsafe.Add(base, offMagic)),
		version:         (*uint32)(unsafe.Add(base, offVersion)),
		registryReady:   (*uint32)(unsafe.Add(base, offRegistryReady)),
		registryVersion: (*uint32)(unsafe.Add(base, offRegistryVersion)),
		registryEpoch:   (*uint32)(unsafe.Add(base, offRegistryEpoch)),
		registryMode:    (*uint32)(unsafe.Add(base, offRegistryMode)),
		hooksReady:      (*uint32)(unsafe.Add(base, offHooksReady)),
		lastSeenEpoch:   (*uint32)(unsafe.Add(base, offLastSeenEpoch)),
		heartbeatNs:     (*uint64)(unsafe.Add(base, offHeartbeatNs)),
		modeTransitions: (*uint64)(unsafe.Add(base, offModeTransitions)),
		fallbackEvents:  (*uint64)(unsafe.Add(base, offFallbackEvents)),
		shmDirLen:       (*uint32)(unsafe.Add(base, offShmDirLen)),
		shmDir:          unsafe.Slice((*byte)(unsafe.Add(base, offShmDir)), shmDirCap),

		processState:         (*uint32)(unsafe.Add(base, offProcessState)),
		flightRecorderState:  (*uint32)(unsafe.Add(base, offFlightRecorderState)),
		preRollMs:            (*uint32)(unsafe.Add(base, offPreRollMs)),
		postRollMs:           (*uint32)(unsafe.Add(base, offPostRollMs)),
		triggerTimestamp:     (*uint64)(unsafe.Add(base, offTriggerTimestamp)),
		indexLaneEnabled:     (*uint32)(unsafe.Add(base, offIndexLaneEnabled)),
		detailLaneEnabled:    (*uint32)(unsafe.Add(base, offDetailLaneEnabled)),
		captureStackSnapshot: (*uint32)(unsafe.Add(base, offCaptureStackSnapshot)),
	}
}

// Init zeroes and initializes a fresh control block (controller-only).
// registry_ready starts at 0; the controller publishes it via
// PublishRegistryReady once the readiness handshake fields are set.
func Init(region []byte) (*Block, error) {
	if len(region) < Size {
		return nil, errs.Wrap(errs.ErrInvalidArgument, "control: region smaller than block size")
	}
	for i := 0; i < Size; i++ {
		region[i] = 0
	}
	b := view(region)
	atomic.StoreUint32(b.version, Version)
	atomic.StoreUint32(b.magic, Magic)
	return b, nil
}

// Attach reconstructs a Block view over a region previously initialized by
// Init, validating magic and version.
func Attach(region []byte) (*Block, error) {
	if len(region) < Size {
		return nil, errs.Wrap(errs.ErrInvalidArgument, "control: region smaller than block size")
	}
	b := view(region)
	if atomic.LoadUint32(b.magic) != Magic {
		return nil, errs.Wrap(errs.ErrIoFailure, "control: bad magic on attach")
	}
	if atomic.LoadUint32(b.version) != Version {
		return nil, errs.Wrap(errs.ErrIoFailure, "control: version mismatch on attach")
	}
	return b, nil
}

// --- controller-only writers ---

// SetRegistryVersion records the registry's format version.
func (b *Block) SetRegistryVersion(v uint32) { atomic.StoreUint32(b.registryVersion, v) }

// SetRegistryEpoch records the registry's initialization epoch, bumped
// every time the controller re-initializes the registry arena.
func (b *Block) SetRegistryEpoch(e uint32) { atomic.StoreUint32(b.registryEpoch, e) }

// SetRegistryMode publishes the controller's chosen agent mode.
func (b *Block) SetRegistryMode(mode uint32) { atomic.StoreUint32(b.registryMode, mode) }

// SetHooksReady records whether the instrumentation hooks have finished
// installing.
func (b *Block) SetHooksReady(ready bool) {
	v := uint32(0)
	if ready {
		v = 1
	}
	atomic.StoreUint32(b.hooksReady, v)
}

// SetHeartbeat records the drain's latest liveness timestamp, in
// monotonic nanoseconds. Called for the lifetime of the session.
func (b *Block) SetHeartbeat(nowNs uint64) { atomic.StoreUint64(b.heartbeatNs, nowNs) }

// SetShmDirectory records the registry arena's shm-directory entry name.
// Must be called, along with the other setters above, before
// PublishRegistryReady.
func (b *Block) SetShmDirectory(name string) error {
	if len(name) >= shmDirCap {
		return errs.Wrap(errs.ErrInvalidArgument, "control: shm directory name too long")
	}
	copy(b.shmDir, name)
	for i := len(name); i < shmDirCap; i++ {
		b.shmDir[i] = 0
	}
	atomic.StoreUint32(b.shmDirLen, uint32(len(name)))
	return nil
}

// PublishRegistryReady publishes registry_ready = 1 with release
// semantics, the last step of the readiness handshake: every field set
// above this point is guaranteed visible to any agent that observes
// RegistryReady() == true.
func (b *Block) PublishRegistryReady() { atomic.StoreUint32(b.registryReady, 1) }

// --- agent-side readers ---

// RegistryReady reports whether the controller has published a fully
// initialized registry. Acquire semantics: once true, RegistryVersion,
// RegistryEpoch, and ShmDirectory are guaranteed to reflect their final
// pre-publish values.
func (b *Block) RegistryReady() bool { return atomic.LoadUint32(b.registryReady) != 0 }

func (b *Block) RegistryVersion() uint32 { return atomic.LoadUint32(b.registryVersion) }
func (b *Block) RegistryEpoch() uint32   { return atomic.LoadUint32(b.registryEpoch) }
func (b *Block) RegistryMode() uint32    { return atomic.LoadUint32(b.registryMode) }
func (b *Block) HooksReady() bool        { return atomic.LoadUint32(b.hooksReady) != 0 }
func (b *Block) Heartbeat() uint64       { return atomic.LoadUint64(b.heartbeatNs) }

// ShmDirectory returns the registry arena's shm-directory entry name.
func (b *Block) ShmDirectory() string {
	n := atomic.LoadUint32(b.shmDirLen)
	if n > shmDirCap {
		n = shmDirCap
	}
	return string(b.shmDir[:n])
}

// --- relaxed observability counters, incremented by whichever party
// observes the event ---

func (b *Block) IncModeTransitions()     { atomic.AddUint64(b.modeTransitions, 1) }
func (b *Block) IncFallbackEvents()      { atomic.AddUint64(b.fallbackEvents, 1) }
func (b *Block) ModeTransitions() uint64 { return atomic.LoadUint64(b.modeTransitions) }
func (b *Block) FallbackEvents() uint64  { return atomic.LoadUint64(b.fallbackEvents) }

// LastSeenEpoch / SetLastSeenEpoch track the epoch the agent's mode
// machine last observed, for re-sync detection.
func (b *Block) LastSeenEpoch() uint32     { return atomic.LoadUint32(b.lastSeenEpoch) }
func (b *Block) SetLastSeenEpoch(e uint32) { atomic.StoreUint32(b.lastSeenEpoch, e) }

// --- session/trigger configuration: process-state, flight-recorder-
// state, pre/post-roll, trigger timestamp, lane-enabled flags,
// capture-stack-snapshot flag ---

// ProcessState and FlightRecorderState are small sum types the controller
// publishes and the agent/drain observe; values are process-specific and
// left to the caller (this package only guarantees atomic visibility).
func (b *Block) ProcessState() uint32        { return atomic.LoadUint32(b.processState) }
func (b *Block) SetProcessState(v uint32)    { atomic.StoreUint32(b.processState, v) }
func (b *Block) FlightRecorderState() uint32 { return atomic.LoadUint32(b.flightRecorderState) }
func (b *Block) SetFlightRecorderState(v uint32) {
	atomic.StoreUint32(b.flightRecorderState, v)
}

// PreRollMs / PostRollMs mirror --pre-roll-sec/--post-roll-sec (stored in
// milliseconds for sub-second precision without a float in shared memory).
func (b *Block) PreRollMs() uint32      { return atomic.LoadUint32(b.preRollMs) }
func (b *Block) SetPreRollMs(v uint32)  { atomic.StoreUint32(b.preRollMs, v) }
func (b *Block) PostRollMs() uint32     { return atomic.LoadUint32(b.postRollMs) }
func (b *Block) SetPostRollMs(v uint32) { atomic.StoreUint32(b.postRollMs, v) }

// TriggerTimestamp records the monotonic-ns time a --trigger fired (0 if
// none has fired yet).
func (b *Block) TriggerTimestamp() uint64      { return atomic.LoadUint64(b.triggerTimestamp) }
func (b *Block) SetTriggerTimestamp(ns uint64) { atomic.StoreUint64(b.triggerTimestamp, ns) }

// IndexLaneEnabled / DetailLaneEnabled gate whether the agent's hot path
// writes to each lane type at all; both default to disabled until set.
func (b *Block) IndexLaneEnabled() bool { return atomic.LoadUint32(b.indexLaneEnabled) != 0 }
func (b *Block) SetIndexLaneEnabled(v bool) {
	atomic.StoreUint32(b.indexLaneEnabled, boolToU32(v))
}
func (b *Block) DetailLaneEnabled() bool { return atomic.LoadUint32(b.detailLaneEnabled) != 0 }
func (b *Block) SetDetailLaneEnabled(v bool) {
	atomic.StoreUint32(b.detailLaneEnabled, boolToU32(v))
}

// CaptureStackSnapshot gates whether the producer's detail-event path
// populates the 128-byte stack snapshot; OnCall/OnReturn/OnException
// callers are expected to read this once per event rather than per field
// access.
func (b *Block) CaptureStackSnapshot() bool {
	return atomic.LoadUint32(b.captureStackSnapshot) != 0
}
func (b *Block) SetCaptureStackSnapshot(v bool) {
	atomic.StoreUint32(b.captureStackSnapshot, boolToU32(v))
}

func boolToU32(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}
