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

// Package agentmode implements the agent-mode state machine: a small sum
// type the producer's hot path branches on once per event, ticked
// deterministically from (now, heartbeat timeout, control block). The
// current mode is one atomic uint32; transitions happen only on Tick, so
// a hot-path read never contends with anything but another read.
package agentmode

import (
	"sync/atomic"

	"github.com/adatrace/ada-core/control"
)

// Mode is the agent's chosen tracing path.
type Mode uint32

const (
	// GlobalOnly is the safe baseline: a single shared ring, used before
	// the registry is ready or when the drain's heartbeat goes stale.
	GlobalOnly Mode = iota
	// DualWrite writes both the global ring and per-thread rings during
	// warm-up, so neither path loses events while the registry settles.
	DualWrite
	// PerThreadOnly is the fast steady state: per-thread rings only.
	PerThreadOnly
)

func (m Mode) String() string {
	switch m {
	case GlobalOnly:
		return "GLOBAL_ONLY"
	case DualWrite:
		return "DUAL_WRITE"
	case PerThreadOnly:
		return "PER_THREAD_ONLY"
	default:
		return "UNKNOWN"
	}
}

// Machine holds the agent's current mode. Lock-free, no I/O on Tick.
type Machine struct {
	current uint32 // atomic Mode
}

// New creates a Machine starting in GlobalOnly, the safe baseline before
// the first tick observes a ready registry.
func New() *Machine {
	return &Machine{current: uint32(GlobalOnly)}
}

// Current returns the machine's current mode.
func (m *Machine) Current() Mode { return Mode(atomic.LoadUint32(&m.current)) }

// Tick evaluates the four ordered rules against now (monotonic ns),
// hbTimeoutNs, and the shared control block, updates the machine's current
// mode if it changed, and returns the resulting mode. Called by both the
// per-thread producer and the agent's periodic maintenance routine.
func (m *Machine) Tick(nowNs uint64, hbTimeoutNs uint64, b *control.Block) Mode {
	var target Mode
	viaStaleHeartbeat := false
	switch {
	case !b.RegistryReady():
		target = GlobalOnly
	case nowNs-b.Heartbeat() > hbTimeoutNs:
		target = GlobalOnly
		viaStaleHeartbeat = true
	default:
		target = Mode(b.RegistryMode())
	}

	current := m.Current()
	if target != current {
		atomic.StoreUint32(&m.current, uint32(target))
		b.IncModeTransitions()
		b.SetLastSeenEpoch(b.RegistryEpoch())
		if viaStaleHeartbeat {
			b.IncFallbackEvents()
		}
	}
	return target
}
