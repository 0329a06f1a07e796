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

package selective

import "testing"

func crashPolicy() *Policy {
	return NewPolicy(true, []Rule{
		{Target: TargetSymbol, Pattern: "crash", Regex: false, CaseSensitive: true},
	})
}

// mirrors the selective-persistence dump scenario: a marking policy
// literal-matching the symbol "crash", a window opened at 1000, three
// events presented, the ring filling, and the resulting dump/reset.
func TestSelectivePersistenceDumpScenario(t *testing.T) {
	l := NewLane(crashPolicy(), 1000)

	l.PresentEvent(Probe{SymbolName: "info"}, 1010)
	l.PresentEvent(Probe{SymbolName: "crash"}, 1100)
	l.PresentEvent(Probe{SymbolName: "info"}, 1200)

	if !l.ShouldDump(true) {
		t.Fatalf("expected should_dump to be true once marked and ring full")
	}

	var w Window
	if err := l.CloseWindowForDump(1300, &w); err != nil {
		t.Fatalf("CloseWindowForDump: %v", err)
	}
	if w.TotalEvents != 3 || w.MarkedEvents != 1 || w.FirstMarkTS != 1100 || w.End != 1300 || !w.MarkSeen {
		t.Fatalf("unexpected window snapshot: %+v", w)
	}

	l.RecordDump(1301)
	if l.Window().Start != 1301 {
		t.Fatalf("expected fresh window to start at 1301, got %d", l.Window().Start)
	}
	if l.Metrics().SelectiveDumpsPerformed() != 1 {
		t.Fatalf("expected 1 dump performed, got %d", l.Metrics().SelectiveDumpsPerformed())
	}
}

func TestCloseWindowForDumpRequiresMark(t *testing.T) {
	l := NewLane(crashPolicy(), 0)
	l.PresentEvent(Probe{SymbolName: "info"}, 5)
	var w Window
	if err := l.CloseWindowForDump(10, &w); err == nil {
		t.Fatalf("expected close_window_for_dump without a mark to fail")
	}
}

func TestDiscardWindowIncrementsCounterExactlyOnce(t *testing.T) {
	l := NewLane(crashPolicy(), 0)
	l.PresentEvent(Probe{SymbolName: "info"}, 5)
	l.DiscardWindow(50)
	if l.Metrics().WindowsDiscarded() != 1 {
		t.Fatalf("expected windows_discarded == 1, got %d", l.Metrics().WindowsDiscarded())
	}
	if l.Window().Start != 50 {
		t.Fatalf("expected fresh window after discard")
	}
}

func TestPolicyMatchRules(t *testing.T) {
	t.Run("literal case-insensitive", func(t *testing.T) {
		p := NewPolicy(true, []Rule{{Target: TargetSymbol, Pattern: "Crash"}})
		if !p.Match(Probe{SymbolName: "crash"}) {
			t.Fatalf("expected case-insensitive literal match")
		}
	})
	t.Run("module filter requires match", func(t *testing.T) {
		p := NewPolicy(true, []Rule{{Target: TargetSymbol, Pattern: "crash", ModuleName: "core"}})
		if p.Match(Probe{SymbolName: "crash", ModuleName: "other"}) {
			t.Fatalf("expected module mismatch to prevent match")
		}
		if !p.Match(Probe{SymbolName: "crash", ModuleName: "core"}) {
			t.Fatalf("expected matching module to allow match")
		}
	})
	t.Run("empty pattern never matches", func(t *testing.T) {
		p := NewPolicy(true, []Rule{{Target: TargetSymbol, Pattern: ""}})
		if p.Match(Probe{SymbolName: ""}) {
			t.Fatalf("empty pattern should never match")
		}
	})
	t.Run("invalid regex falls back to literal", func(t *testing.T) {
		p := NewPolicy(true, []Rule{{Target: TargetSymbol, Pattern: "(unterminated", Regex: true}})
		if !p.Match(Probe{SymbolName: "(unterminated"}) {
			t.Fatalf("expected fail-soft literal match of the raw pattern")
		}
	})
	t.Run("disabled policy never matches", func(t *testing.T) {
		p := NewPolicy(false, []Rule{{Target: TargetSymbol, Pattern: "crash"}})
		if p.Match(Probe{SymbolName: "crash"}) {
			t.Fatalf("disabled policy should never match")
		}
	})
	t.Run("message target", func(t *testing.T) {
		p := NewPolicy(true, []Rule{{Target: TargetMessage, Pattern: "oom", CaseSensitive: true}})
		if !p.Match(Probe{Message: "oom"}) || p.Match(Probe{Message: "OOM"}) {
			t.Fatalf("case-sensitive message match behaved unexpectedly")
		}
	})
}
