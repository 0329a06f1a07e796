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

// Command ada-ctl is the controller-process entrypoint: it stands up the
// shared-memory arenas, registry, drain, and shutdown manager for one
// traced session and waits for that session to end, by timer or signal.
// Spawning or attaching to the traced process and installing its hooks
// belong to the dynamic-instrumentation loader, a separate component;
// this command implements the flag surface and teardown contract around
// them.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adatrace/ada-core/controller"
	"github.com/adatrace/ada-core/selective"
	"github.com/adatrace/ada-core/shutdown"
	"github.com/adatrace/ada-core/symtab"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "ada-ctl: missing mode: expected \"spawn <path>\" or \"attach <pid>\"")
		return 1
	}

	mode, rest := args[0], args[1:]
	var target string
	switch mode {
	case "spawn", "attach":
		if len(rest) == 0 {
			fmt.Fprintf(os.Stderr, "ada-ctl: %s requires an argument\n", mode)
			return 1
		}
		target, rest = rest[0], rest[1:]
	default:
		fmt.Fprintf(os.Stderr, "ada-ctl: unknown mode %q: expected \"spawn\" or \"attach\"\n", mode)
		return 1
	}

	fs := flag.NewFlagSet("ada-ctl", flag.ContinueOnError)
	output := fs.String("output", ".", "session output directory")
	duration := fs.Float64("duration", 0, "trace duration in seconds (fractional, 0 disables timed shutdown)")
	exclude := fs.String("exclude", "", "comma-separated symbol names excluded from hooking")
	trigger := fs.String("trigger", "", "symbol=MODULE::SYM | time=N | crash")
	preRollSec := fs.Float64("pre-roll-sec", 0, "seconds of detail history to retain before a trigger fires")
	postRollSec := fs.Float64("post-roll-sec", 0, "seconds of detail history to retain after a trigger fires")
	stackBytes := fs.Int("stack-bytes", 128, "stack snapshot size in bytes, <= 512")
	capacity := fs.Uint("registry-capacity", 64, "fixed thread-registry capacity, <= 64")
	writeManifest := fs.Bool("manifest", true, "write the optional session manifest")
	if err := fs.Parse(rest); err != nil {
		return 1
	}

	if *duration < 0 {
		fmt.Fprintln(os.Stderr, "ada-ctl: --duration must be >= 0")
		return 1
	}
	if *stackBytes < 0 || *stackBytes > 512 {
		fmt.Fprintln(os.Stderr, "ada-ctl: --stack-bytes must be in [0, 512]")
		return 1
	}
	if *capacity == 0 || *capacity > 64 {
		fmt.Fprintln(os.Stderr, "ada-ctl: --registry-capacity must be in [1, 64]")
		return 1
	}
	if _, err := parseTrigger(*trigger); err != nil {
		fmt.Fprintf(os.Stderr, "ada-ctl: %v\n", err)
		return 1
	}

	env := controller.LoadEnvConfig()
	nExcluded := len(splitCSV(*exclude))
	startupTimeout := controller.StartupDeadline(env.Startup, nExcluded)
	if env.WaitForDebugger {
		startupTimeout = 0 // a stopped-for-debugger target gets no deadline
	}
	// The hook-installer deadline is consumed by the loader script this
	// module does not own; computed here because it is a pure function of
	// the flag/env surface this command does own.
	_ = startupTimeout

	sid := sessionID()
	cfg := controller.Config{
		ShmPrefix:       "ada",
		SessionID:       sid,
		Capacity:        uint32(*capacity),
		DisableRegistry: env.DisableRegistry,
		OutputDir:       *output,
		WriteManifest:   *writeManifest,
		SymbolsPath:     symtab.SidechannelPath(os.Getpid(), sid),
		MarkingPolicy:   markingPolicyFromTrigger(*trigger),
		WindowMetadata:  true,
		PreRoll:         time.Duration(*preRollSec * float64(time.Second)),
		PostRoll:        time.Duration(*postRollSec * float64(time.Second)),
		StackBytes:      *stackBytes,
	}

	ctl, err := controller.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ada-ctl: failed to start session: %v\n", err)
		return 1
	}
	ctl.Start()

	stopSignals := shutdown.InstallSignalHandler(ctl.Shutdown())
	defer stopSignals()

	fmt.Fprintf(os.Stderr, "ada-ctl: tracing %s %s, output %s\n", mode, target, ctl.Writer().Dir())

	var timer <-chan time.Time
	if *duration > 0 {
		t := time.NewTimer(time.Duration(*duration * float64(time.Second)))
		defer t.Stop()
		timer = t.C
	}

	waitForShutdown(ctl, timer)

	summary := ctl.Stop()
	printSummary(summary, ctl)
	return 0
}

// waitForShutdown blocks until either duration's timer fires (requesting a
// TIMER shutdown) or a signal/manual request has already moved the
// shutdown manager out of PhaseIdle.
func waitForShutdown(ctl *controller.Controller, timer <-chan time.Time) {
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-timer:
			ctl.Shutdown().RequestShutdown(shutdown.ReasonTimer, 0)
			return
		case <-poll.C:
			if ctl.Shutdown().Phase() != shutdown.PhaseIdle {
				return
			}
		}
	}
}

func printSummary(s shutdown.Summary, ctl *controller.Controller) {
	var events, bytesWritten uint64
	if d := ctl.Drain(); d != nil {
		stats := d.Stats()
		events = stats.EventsCaptured
	}
	bytesWritten = ctl.Writer().BytesWritten()
	shutdown.PrintSummary(os.Stderr, s, events, bytesWritten)
}

func sessionID() uint32 {
	return uint32(time.Now().UnixNano())
}

// parseTrigger validates --trigger's three accepted forms without
// resolving symbol=MODULE::SYM against a live symbol table (that
// resolution happens once the drain's symtab is loaded).
func parseTrigger(spec string) (string, error) {
	if spec == "" {
		return "", nil
	}
	switch {
	case spec == "crash":
		return spec, nil
	case strings.HasPrefix(spec, "time="):
		if _, err := strconv.ParseFloat(strings.TrimPrefix(spec, "time="), 64); err != nil {
			return "", fmt.Errorf("invalid --trigger time=N: %w", err)
		}
		return spec, nil
	case strings.HasPrefix(spec, "symbol="):
		sym := strings.TrimPrefix(spec, "symbol=")
		if !strings.Contains(sym, "::") {
			return "", fmt.Errorf("invalid --trigger symbol=MODULE::SYM: missing '::' in %q", sym)
		}
		return spec, nil
	default:
		return "", fmt.Errorf("invalid --trigger %q: expected symbol=MODULE::SYM, time=N, or crash", spec)
	}
}

// markingPolicyFromTrigger builds the selective-persistence policy a
// symbol= trigger implies: dump detail windows containing a call to the
// named symbol. time= and crash triggers, and an empty spec, leave
// selective persistence disabled (nil policy).
func markingPolicyFromTrigger(spec string) *selective.Policy {
	if !strings.HasPrefix(spec, "symbol=") {
		return nil
	}
	sym := strings.TrimPrefix(spec, "symbol=")
	module, symbol, ok := strings.Cut(sym, "::")
	if !ok {
		return nil
	}
	return selective.NewPolicy(true, []selective.Rule{
		{Target: selective.TargetSymbol, Pattern: symbol, ModuleName: module, CaseSensitive: true},
	})
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
