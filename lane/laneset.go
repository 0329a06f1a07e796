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

package lane

import "sync/atomic"

// Set is a lane-set: the pairing of an index lane and a detail lane for a
// single thread, plus the bookkeeping the registry and drain need per
// thread.
type Set struct {
	Index  *Lane
	Detail *Lane

	// ThreadID is the system thread id this lane-set belongs to.
	ThreadID uint64

	// SlotIndex is this lane-set's index in the owning registry's slot
	// table, cached here so a producer holding a *Set doesn't need to
	// re-resolve it.
	SlotIndex int

	eventsGenerated uint64
	active          uint32 // atomic bool
}

// NewSet pairs an index lane and a detail lane for threadID at the given
// registry slot.
func NewSet(index, detail *Lane, threadID uint64, slotIndex int) *Set {
	return &Set{
		Index:     index,
		Detail:    detail,
		ThreadID:  threadID,
		SlotIndex: slotIndex,
		active:    1,
	}
}

// IncEvents bumps the events-generated counter. Relaxed: only the owning
// producer thread ever writes it.
func (s *Set) IncEvents() { atomic.AddUint64(&s.eventsGenerated, 1) }

// EventsGenerated returns the current events-generated count.
func (s *Set) EventsGenerated() uint64 { return atomic.LoadUint64(&s.eventsGenerated) }

// SetActive / IsActive track whether this lane-set is currently in use.
func (s *Set) SetActive(active bool) {
	if active {
		atomic.StoreUint32(&s.active, 1)
	} else {
		atomic.StoreUint32(&s.active, 0)
	}
}

func (s *Set) IsActive() bool { return atomic.LoadUint32(&s.active) != 0 }
