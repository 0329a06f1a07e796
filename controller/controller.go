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

// Package controller wires the shared-memory arenas, registry, control
// block, drain, and shutdown manager into the two sequences a traced
// session runs on the host side: the readiness handshake performed once
// at startup, and the warm-up maintenance loop that promotes the agent
// from DUAL_WRITE to PER_THREAD_ONLY. Everything here runs in the
// controller (tracer) process; agent.Agent is its counterpart on the
// traced-process side of the same shared arenas.
package controller

import (
	"math"
	"os"
	"time"

	"github.com/adatrace/ada-core/agentmode"
	"github.com/adatrace/ada-core/atf"
	"github.com/adatrace/ada-core/control"
	"github.com/adatrace/ada-core/drain"
	"github.com/adatrace/ada-core/internal/layout"
	"github.com/adatrace/ada-core/internal/workerpool"
	"github.com/adatrace/ada-core/registry"
	"github.com/adatrace/ada-core/selective"
	"github.com/adatrace/ada-core/shm"
	"github.com/adatrace/ada-core/shutdown"
	"github.com/adatrace/ada-core/symtab"

	"github.com/agilira/go-timecache"
)

// nWarmup is the number of consecutive ~100ms maintenance ticks the
// controller waits in DUAL_WRITE before promoting the session to
// PER_THREAD_ONLY.
const nWarmup = 5

// Config bundles everything a session needs to stand up its shared
// arenas, registry, drain, and shutdown manager.
type Config struct {
	// ShmPrefix names the shared-memory objects this session creates;
	// children reconstruct the same names from HostPID/SessionID.
	ShmPrefix string
	HostPID   int
	SessionID uint32

	// Capacity is the registry's fixed thread-slot count.
	Capacity uint32

	// DisableRegistry mirrors ADA_DISABLE_REGISTRY: skip registry/index/
	// detail arena creation entirely, leaving the agent permanently in
	// GlobalOnly.
	DisableRegistry bool

	OutputDir     string
	WriteManifest bool
	SymbolsPath   string

	MarkingPolicy   *selective.Policy
	WindowMetadata  bool
	PollInterval    time.Duration
	MaintenanceTick time.Duration

	// PreRoll/PostRoll and StackBytes mirror the --pre-roll-sec/
	// --post-roll-sec/--stack-bytes flags; they are published into the
	// control block so the agent's hot path can read them without any
	// further IPC. PreRoll/PostRoll are published in milliseconds;
	// StackBytes is published only as the capture-stack-snapshot flag
	// (set when StackBytes > 0), not as a byte count.
	PreRoll    time.Duration
	PostRoll   time.Duration
	StackBytes int
}

func (c *Config) maintenanceTick() time.Duration {
	if c.MaintenanceTick > 0 {
		return c.MaintenanceTick
	}
	return 100 * time.Millisecond
}

// Controller owns one traced session's shared arenas, registry, drain, and
// shutdown manager from the controller-process side.
type Controller struct {
	cfg Config

	control  *shm.Arena
	index    *shm.Arena
	detail   *shm.Arena
	registry *shm.Arena

	controlBlock *control.Block
	reg          *registry.Registry

	writer  *atf.Writer
	symbols *symtab.Table
	drain   *drain.Drain

	shutdownState *shutdown.State
	shutdownMgr   *shutdown.Manager

	// clock backs the heartbeat refresh: the maintenance loop publishes a
	// timestamp every ~100ms, so a millisecond-resolution cached clock is
	// plenty and keeps the tick free of clock_gettime calls.
	clock *timecache.TimeCache

	warmupTicks int
	stopWarmup  chan struct{}
	doneWarmup  chan struct{}
}

// New runs the full readiness handshake and returns a Controller with its
// drain and shutdown manager wired but not yet started — call Start to
// launch the background loops.
func New(cfg Config) (*Controller, error) {
	if cfg.HostPID == 0 {
		cfg.HostPID = os.Getpid()
	}
	c := &Controller{cfg: cfg}

	// Step 1: map arenas.
	controlArena, err := shm.CreateUnique(shm.Name(cfg.ShmPrefix, shm.RoleControl, cfg.HostPID, cfg.SessionID), control.Size)
	if err != nil {
		return nil, err
	}
	c.control = controlArena
	c.controlBlock, err = control.Init(controlArena.Region)
	if err != nil {
		c.closeArenas()
		return nil, err
	}

	c.controlBlock.SetPreRollMs(uint32(cfg.PreRoll / time.Millisecond))
	c.controlBlock.SetPostRollMs(uint32(cfg.PostRoll / time.Millisecond))
	c.controlBlock.SetIndexLaneEnabled(true)
	c.controlBlock.SetDetailLaneEnabled(cfg.MarkingPolicy != nil)
	c.controlBlock.SetCaptureStackSnapshot(cfg.StackBytes > 0)

	if !cfg.DisableRegistry {
		if err := c.initRegistry(); err != nil {
			c.closeArenas()
			return nil, err
		}
	}

	startedAt := time.Now()
	c.writer, err = atf.StartSession(cfg.OutputDir, cfg.HostPID, startedAt, cfg.WriteManifest, cfg.SymbolsPath)
	if err != nil {
		c.closeArenas()
		return nil, err
	}

	if cfg.SymbolsPath == "" {
		c.symbols = symtab.Empty()
	} else if c.symbols, err = symtab.Load(cfg.SymbolsPath); err != nil {
		c.symbols = symtab.Empty()
	}

	var windowMeta *atf.WindowMetadataWriter
	if cfg.WindowMetadata {
		windowMeta, err = atf.NewWindowMetadataWriter(c.writer.Dir())
		if err != nil {
			_ = c.writer.StopSession()
			c.closeArenas()
			return nil, err
		}
	}

	if !cfg.DisableRegistry {
		c.drain = drain.New(drain.Config{
			Registry:      c.reg,
			Writer:        c.writer,
			Symbols:       c.symbols,
			MarkingPolicy: cfg.MarkingPolicy,
			WindowMeta:    windowMeta,
			PollInterval:  cfg.PollInterval,
		})
	}

	c.shutdownState = shutdown.NewState(int(cfg.Capacity))
	ops := shutdown.Ops{}
	if c.drain != nil {
		ops.StopDrain = c.drain.Stop
		ops.DrainStopped = c.drain.Stopped
	}
	c.shutdownMgr, err = shutdown.NewManager(c.shutdownState, c.writer, ops)
	if err != nil {
		c.closeArenas()
		return nil, err
	}

	c.clock = timecache.NewWithResolution(time.Millisecond)
	c.stopWarmup = make(chan struct{})
	c.doneWarmup = make(chan struct{})
	return c, nil
}

// initRegistry performs steps 2-7 of the readiness handshake: create the
// index/detail/registry arenas, initialize the registry, then publish the
// handshake fields in the documented order with registry_ready last.
func (c *Controller) initRegistry() error {
	cfg := c.cfg
	indexSize := layout.IndexArenaSize(cfg.Capacity)
	detailSize := layout.DetailArenaSize(cfg.Capacity)
	regionSize := registry.RegionSize(cfg.Capacity)

	var err error
	c.index, err = shm.CreateUnique(shm.Name(cfg.ShmPrefix, shm.RoleIndex, cfg.HostPID, cfg.SessionID), indexSize)
	if err != nil {
		return err
	}
	c.detail, err = shm.CreateUnique(shm.Name(cfg.ShmPrefix, shm.RoleDetail, cfg.HostPID, cfg.SessionID), detailSize)
	if err != nil {
		return err
	}
	c.registry, err = shm.CreateUnique(shm.Name(cfg.ShmPrefix, shm.RoleRegistry, cfg.HostPID, cfg.SessionID), regionSize)
	if err != nil {
		return err
	}

	// Step 2: initialize the registry.
	c.reg, err = registry.Init(c.registry.Region, cfg.Capacity, c.index.Region, c.detail.Region)
	if err != nil {
		return err
	}

	// Step 3: the shm-directory entry for the registry arena.
	if err := c.controlBlock.SetShmDirectory(c.registry.Name); err != nil {
		return err
	}
	// Step 4: registry_version/epoch.
	c.controlBlock.SetRegistryVersion(registry.Version)
	c.controlBlock.SetRegistryEpoch(1)
	// Step 5: initial heartbeat.
	c.controlBlock.SetHeartbeat(uint64(time.Now().UnixNano()))
	// Step 6: registry_mode = DUAL_WRITE.
	c.controlBlock.SetRegistryMode(uint32(agentmode.DualWrite))
	// Step 7: registry_ready = 1, published last with release.
	c.controlBlock.PublishRegistryReady()
	return nil
}

// Start launches the drain and the warm-up maintenance loop, and
// registers the shutdown manager as the process-wide instance signal
// handlers find.
func (c *Controller) Start() {
	if c.drain != nil {
		c.drain.Start()
	}
	workerpool.Loop("controller-warmup", c.runWarmup, nil)
	shutdown.Register(c.shutdownMgr)
}

// runWarmup is the warm-up maintenance loop: every MaintenanceTick
// (~100ms), refresh the heartbeat; once nWarmup consecutive ticks have
// elapsed while still in DUAL_WRITE, promote the session to
// PER_THREAD_ONLY and stop counting (a session only warms up once).
func (c *Controller) runWarmup() {
	defer close(c.doneWarmup)
	if c.controlBlock == nil {
		return
	}
	ticker := time.NewTicker(c.cfg.maintenanceTick())
	defer ticker.Stop()
	for {
		select {
		case <-c.stopWarmup:
			return
		case <-ticker.C:
			c.controlBlock.SetHeartbeat(uint64(c.clock.CachedTime().UnixNano()))
			if agentmode.Mode(c.controlBlock.RegistryMode()) != agentmode.DualWrite {
				continue
			}
			c.warmupTicks++
			if c.warmupTicks >= nWarmup {
				c.controlBlock.SetRegistryMode(uint32(agentmode.PerThreadOnly))
				c.controlBlock.IncModeTransitions()
			}
		}
	}
}

// Drain returns the controller's drain, or nil if the registry is
// disabled.
func (c *Controller) Drain() *drain.Drain { return c.drain }

// Shutdown returns the controller's shutdown manager.
func (c *Controller) Shutdown() *shutdown.Manager { return c.shutdownMgr }

// Writer returns the controller's session event-stream writer.
func (c *Controller) Writer() *atf.Writer { return c.writer }

// Stop tears the controller down: stops the warm-up loop, runs the
// shutdown manager's teardown sequence, closes the session writer, and
// unmaps/unlinks every shared arena this controller owns.
func (c *Controller) Stop() shutdown.Summary {
	close(c.stopWarmup)
	<-c.doneWarmup
	c.clock.Stop()

	summary := c.shutdownMgr.Execute()
	shutdown.Unregister()
	_ = c.writer.StopSession()
	c.closeArenas()
	return summary
}

func (c *Controller) closeArenas() {
	for _, a := range []*shm.Arena{c.control, c.index, c.detail, c.registry} {
		if a == nil {
			continue
		}
		_ = a.Close()
		_ = shm.Unlink(a.Name)
	}
}

// StartupParams mirrors the ADA_STARTUP_* env vars: the deadline model
// for hook installation.
type StartupParams struct {
	WarmUpDuration   time.Duration
	PerSymbolCost    time.Duration
	TimeoutTolerance float64
	// TimeoutOverride, if non-zero, replaces the computed deadline
	// absolutely regardless of symbol count.
	TimeoutOverride time.Duration
}

// StartupDeadline computes the hook-installation timeout:
// `timeout = (base + per_symbol * N) * (1 + tolerance)`, where base is
// WarmUpDuration and N is the number of symbols being hooked. A nonzero
// TimeoutOverride replaces the computed value absolutely.
func StartupDeadline(p StartupParams, nSymbols int) time.Duration {
	if p.TimeoutOverride > 0 {
		return p.TimeoutOverride
	}
	base := float64(p.WarmUpDuration)
	perSymbol := float64(p.PerSymbolCost) * float64(nSymbols)
	scaled := (base + perSymbol) * (1 + p.TimeoutTolerance)
	if scaled < 0 || math.IsNaN(scaled) || math.IsInf(scaled, 0) {
		return 0
	}
	return time.Duration(scaled)
}

// EnvConfig is the parsed form of the ADA_* environment variables the
// tracer consumes.
type EnvConfig struct {
	ShmHostPID      int
	ShmSessionID    uint32
	DisableRegistry bool
	Exclude         []string
	Startup         StartupParams
	WaitForDebugger bool
}

// LoadEnvConfig reads the ADA_* environment variables a child process
// (the agent) needs to reconstruct its controller's arenas and startup
// policy. Missing or malformed values fall back to their documented
// defaults rather than erroring — every one of these variables is
// optional from a single traced-process run's point of view.
func LoadEnvConfig() EnvConfig {
	var e EnvConfig
	e.ShmHostPID = envInt(os.Getenv("ADA_SHM_HOST_PID"), 0)
	e.ShmSessionID = uint32(envInt(os.Getenv("ADA_SHM_SESSION_ID"), 0))
	e.DisableRegistry = envBool(os.Getenv("ADA_DISABLE_REGISTRY"))
	e.Exclude = splitExclude(os.Getenv("ADA_EXCLUDE"))
	e.Startup.WarmUpDuration = envDuration(os.Getenv("ADA_STARTUP_WARM_UP_DURATION"), 2*time.Second)
	e.Startup.PerSymbolCost = envDuration(os.Getenv("ADA_STARTUP_PER_SYMBOL_COST"), 50*time.Microsecond)
	e.Startup.TimeoutTolerance = envFloat(os.Getenv("ADA_STARTUP_TIMEOUT_TOLERANCE"), 0.5)
	e.Startup.TimeoutOverride = envDuration(os.Getenv("ADA_STARTUP_TIMEOUT"), 0)
	e.WaitForDebugger = envBool(os.Getenv("ADA_WAIT_FOR_DEBUGGER"))
	return e
}

func envBool(v string) bool {
	return v != "" && v != "0" && v != "false"
}

func envInt(v string, def int) int {
	if v == "" {
		return def
	}
	n := 0
	neg := false
	for i, r := range v {
		if i == 0 && r == '-' {
			neg = true
			continue
		}
		if r < '0' || r > '9' {
			return def
		}
		n = n*10 + int(r-'0')
	}
	if neg {
		n = -n
	}
	return n
}

func envFloat(v string, def float64) float64 {
	if v == "" {
		return def
	}
	var whole, frac, fracDiv float64 = 0, 0, 1
	seenDot := false
	for _, r := range v {
		switch {
		case r == '.' && !seenDot:
			seenDot = true
		case r >= '0' && r <= '9':
			if seenDot {
				frac = frac*10 + float64(r-'0')
				fracDiv *= 10
			} else {
				whole = whole*10 + float64(r-'0')
			}
		default:
			return def
		}
	}
	return whole + frac/fracDiv
}

func envDuration(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// Bare numbers are treated as seconds, fractions allowed, matching the
	// fractional-seconds convention the CLI's --duration flag also uses.
	secs := envFloat(v, -1)
	if secs < 0 {
		return def
	}
	return time.Duration(secs * float64(time.Second))
}

// splitExclude splits ADA_EXCLUDE on commas or semicolons, dropping empty
// fields.
func splitExclude(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	cur := make([]byte, 0, len(v))
	flush := func() {
		if len(cur) > 0 {
			out = append(out, string(cur))
			cur = cur[:0]
		}
	}
	for i := 0; i < len(v); i++ {
		ch := v[i]
		if ch == ',' || ch == ';' {
			flush()
			continue
		}
		cur = append(cur, ch)
	}
	flush()
	return out
}
