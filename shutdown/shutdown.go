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

// Package shutdown implements the orderly-teardown protocol: a per-thread
// accounting structure plus a manager that gates the whole process's
// shutdown behind a single compare-and-swap, drains the pipeline, fsyncs
// the writer, and prints a summary. The process-wide manager a signal
// handler must be able to find is a single atomically-swappable
// atomic.Pointer slot, not package-level mutable state scattered across
// files.
package shutdown

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/adatrace/ada-core/errs"
)

// Reason names why a shutdown was requested.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonSignal
	ReasonTimer
	ReasonManual
)

func (r Reason) String() string {
	switch r {
	case ReasonSignal:
		return "SIGNAL"
	case ReasonTimer:
		return "TIMER"
	case ReasonManual:
		return "MANUAL"
	default:
		return "NONE"
	}
}

// Phase is the manager's teardown phase.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSignalReceived
	PhaseDrainStopping
	PhaseSyncing
	PhaseCompleted
)

func (p Phase) String() string {
	switch p {
	case PhaseSignalReceived:
		return "SIGNAL_RECEIVED"
	case PhaseDrainStopping:
		return "DRAIN_STOPPING"
	case PhaseSyncing:
		return "SYNCING"
	case PhaseCompleted:
		return "COMPLETED"
	default:
		return "IDLE"
	}
}

// SlotRecord is one thread's shutdown bookkeeping.
type SlotRecord struct {
	AcceptingEvents uint32 // atomic bool
	FlushRequested  uint32 // atomic bool
	FlushComplete   uint32 // atomic bool
	PendingEvents   uint64 // atomic
}

// MarkActive resets a slot to its normal operating state.
func (s *SlotRecord) MarkActive() {
	atomic.StoreUint32(&s.AcceptingEvents, 1)
	atomic.StoreUint32(&s.FlushRequested, 0)
	atomic.StoreUint32(&s.FlushComplete, 0)
	atomic.StoreUint64(&s.PendingEvents, 0)
}

// MarkInactive stops a slot from accepting new events and zeros its
// pending-event count. MarkActive/MarkInactive round trips leave the
// slot in a clean state either way.
func (s *SlotRecord) MarkInactive() {
	atomic.StoreUint32(&s.AcceptingEvents, 0)
	atomic.StoreUint64(&s.PendingEvents, 0)
}

func (s *SlotRecord) Accepting() bool { return atomic.LoadUint32(&s.AcceptingEvents) != 0 }
func (s *SlotRecord) Pending() uint64 { return atomic.LoadUint64(&s.PendingEvents) }

// State is the per-slot shutdown accounting for up to Capacity threads.
type State struct {
	Capacity int
	slots    []SlotRecord
}

// NewState allocates shutdown bookkeeping for up to capacity threads.
func NewState(capacity int) *State {
	return &State{Capacity: capacity, slots: make([]SlotRecord, capacity)}
}

// Slot returns the record for index i.
func (s *State) Slot(i int) *SlotRecord { return &s.slots[i] }

// ActiveCount returns the number of threads currently accepting events.
func (s *State) ActiveCount() int {
	n := 0
	for i := range s.slots {
		if s.slots[i].Accepting() {
			n++
		}
	}
	return n
}

// Writer is the minimal surface the shutdown manager needs from the
// drain's session writer: the underlying event file descriptor/handle and
// an optional manifest, modeled as an interface per the design note about
// not depending on the writer's concrete type while still being able to
// fsync it.
type Writer interface {
	// EventsFile returns the open event-stream file, or nil if not open.
	EventsFile() *os.File
	// ManifestFile returns the open manifest file, or nil if manifests
	// are disabled or not yet opened.
	ManifestFile() *os.File
}

// ManifestPather is optionally implemented by a Writer whose manifest may
// exist on disk without being held open; the sync phase opens it by path
// in that case so the manifest is fsynced regardless.
type ManifestPather interface {
	ManifestPath() string
}

// Ops are the injectable side effects execute() triggers, kept separate
// from State/Manager so tests can substitute fakes.
type Ops struct {
	CancelTimer func()
	StopDrain   func()
	// DrainStopped reports whether the drain has finished its current
	// iteration and will not touch the writer or rings again.
	DrainStopped func() bool
}

// maxPendingPerSlot caps how many in-flight events a single slot may
// report into the shutdown summary, bounding the total at capacity times
// this even if a producer's pending counter is corrupt.
const maxPendingPerSlot = 1 << 20

// Summary is the data printed at the end of execute(). The event and byte
// totals live with the drain's stats, not here; PrintSummary takes them
// alongside this snapshot.
type Summary struct {
	DurationMs     int64
	EventsInFlight uint64
	FilesSynced    int
	ThreadsFlushed int
	ThreadsTotal   int
}

// Manager owns the orderly-teardown protocol for one session.
type Manager struct {
	state *State
	ops   Ops

	requested uint32 // atomic bool
	completed uint32 // atomic bool
	phase     int32  // atomic Phase

	reason       int32  // atomic Reason
	signalNumber int32  // atomic
	requestCount uint64 // atomic

	startNs uint64 // atomic monotonic ns
	endNs   uint64 // atomic monotonic ns

	filesSynced int32 // atomic

	writer Writer

	wakeupR *os.File
	wakeupW *os.File
}

// global is the process-wide, atomically-swappable manager slot a signal
// handler can find without relying on package-level mutable state spread
// across files.
var global atomic.Pointer[Manager]

// Register installs m as the process-wide manager, for signal handlers to
// find. Idempotent: registering again simply replaces the previous value.
func Register(m *Manager) { global.Store(m) }

// Unregister clears the process-wide manager slot. Idempotent.
func Unregister() { global.Store(nil) }

// Current returns the currently registered manager, or nil.
func Current() *Manager { return global.Load() }

// InstallSignalHandler starts a background goroutine that turns SIGINT/
// SIGTERM into RequestShutdown(ReasonSignal, signum) calls against
// whichever manager is registered at delivery time, preferring the
// globally-registered instance and falling back to fallback if none is
// registered yet (the handler may be installed before the session's
// Manager exists). Go's signal delivery is always restart-like — the
// runtime installs its handlers with SA_RESTART, so there is no flag to
// set at this layer. Returns a stop func that undoes the Notify
// registration.
func InstallSignalHandler(fallback *Manager) (stop func()) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig, ok := <-ch:
				if !ok {
					return
				}
				m := Current()
				if m == nil {
					m = fallback
				}
				if m == nil {
					continue
				}
				signum := 0
				if s, ok := sig.(syscall.Signal); ok {
					signum = int(s)
				}
				fmt.Fprintf(os.Stderr, "Received shutdown signal (%d)\n", signum)
				m.RequestShutdown(ReasonSignal, signum)
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

// NewManager creates a Manager over state, wiring writer for the sync
// phase and ops for the injectable side effects. A wakeup pipe is created
// so execute()'s wait-for-drain can be interrupted promptly.
func NewManager(state *State, writer Writer, ops Ops) (*Manager, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, errs.Wrap(errs.ErrIoFailure, "shutdown: failed to create wakeup pipe")
	}
	return &Manager{
		state:   state,
		ops:     ops,
		writer:  writer,
		wakeupR: r,
		wakeupW: w,
	}, nil
}

// RequestShutdown performs the CAS-guarded, idempotent shutdown request.
// Returns true only for the first caller. Always records the latest
// reason/signal and bumps the request counter.
func (m *Manager) RequestShutdown(reason Reason, signalNumber int) bool {
	atomic.StoreInt32(&m.reason, int32(reason))
	atomic.StoreInt32(&m.signalNumber, int32(signalNumber))
	atomic.AddUint64(&m.requestCount, 1)

	first := atomic.CompareAndSwapUint32(&m.requested, 0, 1)
	if !first {
		return false
	}
	atomic.StoreInt32(&m.phase, int32(PhaseSignalReceived))
	if m.ops.CancelTimer != nil {
		m.ops.CancelTimer()
	}
	if m.wakeupW != nil {
		_, _ = m.wakeupW.Write([]byte{1})
	}
	return true
}

// Execute runs the teardown sequence. Only the first caller past the
// completion CAS actually performs work; later calls are a no-op and
// return the already-computed summary.
func (m *Manager) Execute() Summary {
	if !atomic.CompareAndSwapUint32(&m.completed, 0, 1) {
		return m.summary()
	}

	atomic.StoreUint64(&m.startNs, nowNs())
	atomic.StoreInt32(&m.phase, int32(PhaseDrainStopping))

	if m.ops.StopDrain != nil {
		m.ops.StopDrain()
	}
	m.waitForDrainStopped()

	atomic.StoreInt32(&m.phase, int32(PhaseSyncing))
	m.syncWriter()

	atomic.StoreUint64(&m.endNs, nowNs())
	atomic.StoreInt32(&m.phase, int32(PhaseCompleted))
	return m.summary()
}

func (m *Manager) waitForDrainStopped() {
	if m.ops.DrainStopped == nil {
		return
	}
	for !m.ops.DrainStopped() {
		time.Sleep(time.Millisecond)
	}
}

func (m *Manager) syncWriter() {
	if m.writer == nil {
		return
	}
	if f := m.writer.EventsFile(); f != nil {
		if err := f.Sync(); err == nil {
			atomic.AddInt32(&m.filesSynced, 1)
		}
	}
	if f := m.writer.ManifestFile(); f != nil {
		if err := f.Sync(); err == nil {
			atomic.AddInt32(&m.filesSynced, 1)
		}
		return
	}
	// Manifest not held open; fsync it by path if the writer knows one.
	if p, ok := m.writer.(ManifestPather); ok {
		if path := p.ManifestPath(); path != "" {
			if f, err := os.OpenFile(path, os.O_WRONLY, 0); err == nil {
				if err := f.Sync(); err == nil {
					atomic.AddInt32(&m.filesSynced, 1)
				}
				f.Close()
			}
		}
	}
}

// WakeupFDs exposes the manager's wakeup pipe: RequestShutdown writes one
// byte to the write end, and a consumer loop that sleeps in poll/select on
// file descriptors (rather than on a Go channel, as package drain does)
// can include the read end in its set to be woken promptly.
func (m *Manager) WakeupFDs() (r, w *os.File) { return m.wakeupR, m.wakeupW }

// Phase returns the manager's current teardown phase.
func (m *Manager) Phase() Phase { return Phase(atomic.LoadInt32(&m.phase)) }

// Completed reports whether Execute has finished.
func (m *Manager) Completed() bool { return atomic.LoadUint32(&m.completed) != 0 }

// LastReason returns the most recently recorded shutdown reason.
func (m *Manager) LastReason() Reason { return Reason(atomic.LoadInt32(&m.reason)) }

// LastSignal returns the signal number recorded with the latest request
// (0 when the reason was not a signal).
func (m *Manager) LastSignal() int { return int(atomic.LoadInt32(&m.signalNumber)) }

// RequestCount returns how many times RequestShutdown has been called,
// including the rejected repeats.
func (m *Manager) RequestCount() uint64 { return atomic.LoadUint64(&m.requestCount) }

func nowNs() uint64 {
	return uint64(time.Now().UnixNano())
}

func (m *Manager) summary() Summary {
	start := atomic.LoadUint64(&m.startNs)
	end := atomic.LoadUint64(&m.endNs)
	var durationMs int64
	if start != 0 && end >= start {
		durationMs = int64((end - start) / uint64(time.Millisecond))
	}

	var pending uint64
	var flushed, total int
	if m.state != nil {
		total = m.state.Capacity
		for i := range m.state.slots {
			s := &m.state.slots[i]
			p := s.Pending()
			if p > maxPendingPerSlot {
				p = maxPendingPerSlot
			}
			pending += p
			if atomic.LoadUint32(&s.FlushComplete) != 0 {
				flushed++
			}
		}
	}

	return Summary{
		DurationMs:     durationMs,
		EventsInFlight: pending,
		FilesSynced:    int(atomic.LoadInt32(&m.filesSynced)),
		ThreadsFlushed: flushed,
		ThreadsTotal:   total,
	}
}

// PrintSummary writes the shutdown summary to w in the fixed, substring-
// stable format callers and tests match against.
func PrintSummary(w io.Writer, s Summary, totalEventsProcessed, bytesWritten uint64) {
	fmt.Fprintf(w, "Shutdown Summary:\n")
	fmt.Fprintf(w, "  Duration: %d ms\n", s.DurationMs)
	fmt.Fprintf(w, "  Total Events Processed: %d\n", totalEventsProcessed)
	fmt.Fprintf(w, "  Events In Flight at Shutdown: %d\n", s.EventsInFlight)
	fmt.Fprintf(w, "  Bytes Written: %d\n", bytesWritten)
	fmt.Fprintf(w, "  Files Synced: %d\n", s.FilesSynced)
	fmt.Fprintf(w, "  Threads Flushed: %d/%d\n", s.ThreadsFlushed, s.ThreadsTotal)
}
