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

// Package selective implements selective persistence for detail lanes:
// a per-lane window state machine that promotes a window to permanent
// storage only if it both filled its ring and contains at least one
// event matching the marking policy, and discards the rest. A small
// explicit state plus atomic counters, no locks.
package selective

import (
	"sync/atomic"

	"github.com/adatrace/ada-core/errs"
)

// Window is the bookkeeping for one half-open interval of detail events.
type Window struct {
	Start        uint64
	End          uint64
	TotalEvents  uint64
	MarkedEvents uint64
	MarkSeen     bool
	FirstMarkTS  uint64
}

// Metrics tracks the aggregate counters described.
type Metrics struct {
	eventsProcessed         uint64
	markedEventsDetected    uint64
	selectiveDumpsPerformed uint64
	windowsDiscarded        uint64
	metadataWriteFailures   uint64
	windowDurationSum       uint64
	windowEventSum          uint64
	windowCount             uint64
}

func (m *Metrics) EventsProcessed() uint64 { return atomic.LoadUint64(&m.eventsProcessed) }
func (m *Metrics) MarkedEventsDetected() uint64 {
	return atomic.LoadUint64(&m.markedEventsDetected)
}
func (m *Metrics) SelectiveDumpsPerformed() uint64 {
	return atomic.LoadUint64(&m.selectiveDumpsPerformed)
}
func (m *Metrics) WindowsDiscarded() uint64 { return atomic.LoadUint64(&m.windowsDiscarded) }
func (m *Metrics) MetadataWriteFailures() uint64 {
	return atomic.LoadUint64(&m.metadataWriteFailures)
}

// MarkRate returns marked/processed, or 0 if nothing has been processed.
func (m *Metrics) MarkRate() float64 {
	p := m.EventsProcessed()
	if p == 0 {
		return 0
	}
	return float64(m.MarkedEventsDetected()) / float64(p)
}

// DumpSuccessRatio returns dumps/(dumps+discarded), or 0 if neither has
// happened yet.
func (m *Metrics) DumpSuccessRatio() float64 {
	dumps := m.SelectiveDumpsPerformed()
	discarded := m.WindowsDiscarded()
	total := dumps + discarded
	if total == 0 {
		return 0
	}
	return float64(dumps) / float64(total)
}

// AvgWindowDurationNs and AvgEventsPerWindow average over every window
// that has been closed (dumped or discarded), not just dumped ones.
func (m *Metrics) AvgWindowDurationNs() float64 {
	n := atomic.LoadUint64(&m.windowCount)
	if n == 0 {
		return 0
	}
	return float64(atomic.LoadUint64(&m.windowDurationSum)) / float64(n)
}

func (m *Metrics) AvgEventsPerWindow() float64 {
	n := atomic.LoadUint64(&m.windowCount)
	if n == 0 {
		return 0
	}
	return float64(atomic.LoadUint64(&m.windowEventSum)) / float64(n)
}

func (m *Metrics) recordClosedWindow(w *Window) {
	atomic.AddUint64(&m.windowDurationSum, w.End-w.Start)
	atomic.AddUint64(&m.windowEventSum, w.TotalEvents)
	atomic.AddUint64(&m.windowCount, 1)
}

// Probe is the piece of event data the marking policy inspects: resolved
// module, symbol and message text. policy.Match compares these strings
// directly (see policy.go); a probe carries no interned ids.
type Probe struct {
	ModuleName string
	SymbolName string
	Message    string
}

// Lane is the per-detail-lane window state machine. The ring-full flag is
// supplied by the caller on each ShouldDump call since only the caller
// knows the underlying ring's fill state.
type Lane struct {
	policy  *Policy
	metrics *Metrics
	window  Window
	marked  bool // mirrors lane.Lane's detail-only mark bit
}

// NewLane creates a selective-persistence state machine bound to policy,
// with its first window opened at startNs.
func NewLane(policy *Policy, startNs uint64) *Lane {
	return &Lane{
		policy:  policy,
		metrics: &Metrics{},
		window:  Window{Start: startNs},
	}
}

// Metrics returns the lane's metrics accumulator.
func (l *Lane) Metrics() *Metrics { return l.metrics }

// Window returns a copy of the current open window's state.
func (l *Lane) Window() Window { return l.window }

// IsMarked reports whether the current window has seen a matching event.
func (l *Lane) IsMarked() bool { return l.marked }

// PresentEvent is called for every detail event the producer generates,
// with the event's own timestamp (from its IndexEvent). It updates the
// window's counters and, if the event matches the active marking policy,
// sets the mark-seen state and records the first-mark timestamp.
func (l *Lane) PresentEvent(p Probe, ts uint64) {
	atomic.AddUint64(&l.metrics.eventsProcessed, 1)
	l.window.TotalEvents++
	if l.policy.Match(p) {
		atomic.AddUint64(&l.metrics.markedEventsDetected, 1)
		l.window.MarkedEvents++
		if !l.window.MarkSeen {
			l.window.MarkSeen = true
			l.window.FirstMarkTS = ts
		}
		l.marked = true
	}
}

// ShouldDump reports whether the current window should be promoted to
// persistent storage: the ring is full and the window's mark flag is set.
func (l *Lane) ShouldDump(ringFull bool) bool {
	return ringFull && l.marked
}

// CloseWindowForDump stamps the current window's end at nowNs, copies the
// snapshot into out, and records it in the closed-window metrics. The
// current window is left in place; RecordDump resets it. Requires the
// window to actually have mark_seen set; callers are expected to have
// checked ShouldDump first.
func (l *Lane) CloseWindowForDump(nowNs uint64, out *Window) error {
	if !l.window.MarkSeen {
		return errs.Wrap(errs.ErrWrongState, "selective: close_window_for_dump without a mark")
	}
	l.window.End = nowNs
	*out = l.window
	l.metrics.recordClosedWindow(out)
	return nil
}

// RecordDump starts a fresh window at nowNs and increments the dump
// counter. Called once the caller has finished persisting the window
// CloseWindowForDump returned.
func (l *Lane) RecordDump(nowNs uint64) {
	atomic.AddUint64(&l.metrics.selectiveDumpsPerformed, 1)
	l.window = Window{Start: nowNs}
	l.marked = false
}

// DiscardWindow closes the current window without persisting it: the ring
// filled without a mark being seen, or the mark was cleared. Starts a
// fresh window at nowNs.
func (l *Lane) DiscardWindow(nowNs uint64) {
	l.window.End = nowNs
	l.metrics.recordClosedWindow(&l.window)
	atomic.AddUint64(&l.metrics.windowsDiscarded, 1)
	l.window = Window{Start: nowNs}
	l.marked = false
}

// RecordMetadataWriteFailure increments the metadata-write-failure
// counter, used when the window_metadata.jsonl append fails.
func (l *Lane) RecordMetadataWriteFailure() {
	atomic.AddUint64(&l.metrics.metadataWriteFailures, 1)
}
