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

package shutdown

import (
	"bytes"
	"os"
	"strings"
	"sync"
	"testing"
)

type fakeWriter struct {
	events   *os.File
	manifest *os.File
}

func (f *fakeWriter) EventsFile() *os.File   { return f.events }
func (f *fakeWriter) ManifestFile() *os.File { return f.manifest }

func newFakeWriter(t *testing.T) (*fakeWriter, func()) {
	t.Helper()
	ev, err := os.CreateTemp(t.TempDir(), "events")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	mf, err := os.CreateTemp(t.TempDir(), "manifest")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	return &fakeWriter{events: ev, manifest: mf}, func() {
		ev.Close()
		mf.Close()
	}
}

func TestRequestShutdownIsIdempotentCAS(t *testing.T) {
	w, cleanup := newFakeWriter(t)
	defer cleanup()
	m, err := NewManager(NewState(4), w, Ops{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if !m.RequestShutdown(ReasonSignal, 15) {
		t.Fatalf("expected first request_shutdown to return true")
	}
	if m.RequestShutdown(ReasonSignal, 15) {
		t.Fatalf("expected second request_shutdown to return false")
	}
	if m.Phase() != PhaseSignalReceived {
		t.Fatalf("expected phase SIGNAL_RECEIVED, got %s", m.Phase())
	}
}

func TestExecuteRunsPhasesInOrderAndIsIdempotent(t *testing.T) {
	w, cleanup := newFakeWriter(t)
	defer cleanup()

	var mu sync.Mutex
	stopped := false
	drainDone := false
	var m *Manager
	var phaseAtStop Phase

	ops := Ops{
		StopDrain: func() {
			mu.Lock()
			stopped = true
			drainDone = true
			phaseAtStop = m.Phase()
			mu.Unlock()
		},
		DrainStopped: func() bool {
			mu.Lock()
			defer mu.Unlock()
			return drainDone
		},
	}

	state := NewState(2)
	state.Slot(0).MarkActive()
	state.Slot(0).FlushComplete = 1
	state.Slot(1).MarkActive()

	m, err := NewManager(state, w, ops)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.RequestShutdown(ReasonManual, 0)

	if m.Phase() != PhaseSignalReceived {
		t.Fatalf("expected phase SIGNAL_RECEIVED before execute, got %s", m.Phase())
	}
	s1 := m.Execute()
	if !stopped {
		t.Fatalf("expected stop_drain to be invoked")
	}
	if phaseAtStop != PhaseDrainStopping {
		t.Fatalf("expected stop_drain to run in phase DRAIN_STOPPING, got %s", phaseAtStop)
	}
	if m.Phase() != PhaseCompleted {
		t.Fatalf("expected phase COMPLETED, got %s", m.Phase())
	}
	if s1.FilesSynced != 2 {
		t.Fatalf("expected both events and manifest files synced, got %d", s1.FilesSynced)
	}
	if s1.ThreadsFlushed != 1 || s1.ThreadsTotal != 2 {
		t.Fatalf("unexpected flushed/total: %+v", s1)
	}

	s2 := m.Execute()
	if s2 != s1 {
		t.Fatalf("expected execute to be idempotent, got %+v vs %+v", s2, s1)
	}
}

func TestExecuteWithoutRequestStillCompletes(t *testing.T) {
	w, cleanup := newFakeWriter(t)
	defer cleanup()
	m, err := NewManager(NewState(1), w, Ops{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.Execute()
	if !m.Completed() {
		t.Fatalf("expected Completed to be true")
	}
}

func TestSlotRecordMarkActiveInactiveRoundTrip(t *testing.T) {
	var s SlotRecord
	s.MarkActive()
	if !s.Accepting() {
		t.Fatalf("expected accepting after mark_active")
	}
	s.PendingEvents = 5
	s.MarkInactive()
	if s.Accepting() {
		t.Fatalf("expected not accepting after mark_inactive")
	}
	if s.Pending() != 0 {
		t.Fatalf("expected pending cleared after mark_inactive")
	}
	s.MarkActive()
	if s.Pending() != 0 || !s.Accepting() {
		t.Fatalf("expected clean reactivation")
	}
}

func TestPrintSummaryContainsExpectedLabels(t *testing.T) {
	var buf bytes.Buffer
	PrintSummary(&buf, Summary{DurationMs: 42, FilesSynced: 2, ThreadsFlushed: 3, ThreadsTotal: 4, EventsInFlight: 7}, 1000, 2048)
	out := buf.String()
	for _, want := range []string{
		"Shutdown Summary:",
		"Duration: 42 ms",
		"Total Events Processed: 1000",
		"Events In Flight at Shutdown: 7",
		"Bytes Written: 2048",
		"Files Synced: 2",
		"Threads Flushed: 3/4",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected summary to contain %q, got:\n%s", want, out)
		}
	}
}

func TestGlobalManagerRegistration(t *testing.T) {
	w, cleanup := newFakeWriter(t)
	defer cleanup()
	m, err := NewManager(NewState(1), w, Ops{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	Register(m)
	defer Unregister()
	if Current() != m {
		t.Fatalf("expected Current to return the registered manager")
	}
	Unregister()
	if Current() != nil {
		t.Fatalf("expected Current to be nil after Unregister")
	}
}
