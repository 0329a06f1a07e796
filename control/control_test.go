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

package control

import "testing"

func TestReadinessHandshakePublishesReadyLast(t *testing.T) {
	region := make([]byte, Size)
	b, err := Init(region)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if b.RegistryReady() {
		t.Fatalf("fresh block should not be ready")
	}

	b.SetRegistryVersion(1)
	b.SetRegistryEpoch(1)
	if err := b.SetShmDirectory("ada_registry_12345_abcdef01"); err != nil {
		t.Fatalf("SetShmDirectory: %v", err)
	}
	b.SetHeartbeat(1000)
	b.SetRegistryMode(1) // DUAL_WRITE
	b.PublishRegistryReady()

	if !b.RegistryReady() {
		t.Fatalf("block should be ready after publish")
	}
	if b.RegistryVersion() != 1 || b.RegistryEpoch() != 1 {
		t.Fatalf("version/epoch not visible after ready publish")
	}
	if b.ShmDirectory() != "ada_registry_12345_abcdef01" {
		t.Fatalf("shm directory mismatch: %q", b.ShmDirectory())
	}
	if b.RegistryMode() != 1 {
		t.Fatalf("registry mode mismatch")
	}
}

func TestAttachRejectsBadMagic(t *testing.T) {
	region := make([]byte, Size)
	if _, err := Attach(region); err == nil {
		t.Fatalf("expected attach of zeroed region to fail")
	}
}

func TestAttachSeesInitializedFields(t *testing.T) {
	region := make([]byte, Size)
	b, _ := Init(region)
	b.SetHeartbeat(42)
	b.PublishRegistryReady()

	attached, err := Attach(region)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if !attached.RegistryReady() || attached.Heartbeat() != 42 {
		t.Fatalf("attached view did not see initialized fields")
	}
}

func TestRelaxedCountersAccumulate(t *testing.T) {
	region := make([]byte, Size)
	b, _ := Init(region)
	for i := 0; i < 3; i++ {
		b.IncModeTransitions()
	}
	b.IncFallbackEvents()
	if b.ModeTransitions() != 3 {
		t.Fatalf("expected 3 mode transitions, got %d", b.ModeTransitions())
	}
	if b.FallbackEvents() != 1 {
		t.Fatalf("expected 1 fallback event, got %d", b.FallbackEvents())
	}
}

func TestSessionTriggerFieldsRoundTrip(t *testing.T) {
	region := make([]byte, Size)
	b, _ := Init(region)

	b.SetProcessState(2)
	b.SetFlightRecorderState(1)
	b.SetPreRollMs(500)
	b.SetPostRollMs(1500)
	b.SetTriggerTimestamp(123456789)
	b.SetIndexLaneEnabled(true)
	b.SetDetailLaneEnabled(false)
	b.SetCaptureStackSnapshot(true)

	if b.ProcessState() != 2 {
		t.Fatalf("ProcessState = %d, want 2", b.ProcessState())
	}
	if b.FlightRecorderState() != 1 {
		t.Fatalf("FlightRecorderState = %d, want 1", b.FlightRecorderState())
	}
	if b.PreRollMs() != 500 || b.PostRollMs() != 1500 {
		t.Fatalf("pre/post roll = %d/%d, want 500/1500", b.PreRollMs(), b.PostRollMs())
	}
	if b.TriggerTimestamp() != 123456789 {
		t.Fatalf("TriggerTimestamp = %d, want 123456789", b.TriggerTimestamp())
	}
	if !b.IndexLaneEnabled() {
		t.Fatalf("IndexLaneEnabled should be true")
	}
	if b.DetailLaneEnabled() {
		t.Fatalf("DetailLaneEnabled should be false")
	}
	if !b.CaptureStackSnapshot() {
		t.Fatalf("CaptureStackSnapshot should be true")
	}
}

func TestSetShmDirectoryRejectsOverlongName(t *testing.T) {
	region := make([]byte, Size)
	b, _ := Init(region)
	long := make([]byte, shmDirCap+1)
	for i := range long {
		long[i] = 'a'
	}
	if err := b.SetShmDirectory(string(long)); err == nil {
		t.Fatalf("expected overlong shm directory name to be rejected")
	}
}
