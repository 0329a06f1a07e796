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

package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// base=3000ms, per_symbol=20ms, tolerance=0.15, 100 symbols:
// (3000 + 20*100) * 1.15 = 5750ms.
func TestStartupDeadlineFormula(t *testing.T) {
	p := StartupParams{
		WarmUpDuration:   3000 * time.Millisecond,
		PerSymbolCost:    20 * time.Millisecond,
		TimeoutTolerance: 0.15,
	}
	require.Equal(t, 5750*time.Millisecond, StartupDeadline(p, 100))
}

func TestStartupDeadlineOverrideIsAbsolute(t *testing.T) {
	p := StartupParams{
		WarmUpDuration:   3000 * time.Millisecond,
		PerSymbolCost:    20 * time.Millisecond,
		TimeoutTolerance: 0.15,
		TimeoutOverride:  10 * time.Second,
	}
	require.Equal(t, 10*time.Second, StartupDeadline(p, 100))
	require.Equal(t, 10*time.Second, StartupDeadline(p, 0))
}

func TestStartupDeadlineZeroSymbols(t *testing.T) {
	p := StartupParams{
		WarmUpDuration:   2 * time.Second,
		PerSymbolCost:    50 * time.Microsecond,
		TimeoutTolerance: 0.5,
	}
	require.Equal(t, 3*time.Second, StartupDeadline(p, 0))
}

func TestLoadEnvConfigDefaults(t *testing.T) {
	for _, k := range []string{
		"ADA_SHM_HOST_PID", "ADA_SHM_SESSION_ID", "ADA_DISABLE_REGISTRY",
		"ADA_EXCLUDE", "ADA_STARTUP_WARM_UP_DURATION", "ADA_STARTUP_PER_SYMBOL_COST",
		"ADA_STARTUP_TIMEOUT_TOLERANCE", "ADA_STARTUP_TIMEOUT", "ADA_WAIT_FOR_DEBUGGER",
	} {
		t.Setenv(k, "")
	}
	e := LoadEnvConfig()
	require.Zero(t, e.ShmHostPID)
	require.Zero(t, e.ShmSessionID)
	require.False(t, e.DisableRegistry)
	require.Nil(t, e.Exclude)
	require.Equal(t, 2*time.Second, e.Startup.WarmUpDuration)
	require.Equal(t, 50*time.Microsecond, e.Startup.PerSymbolCost)
	require.Equal(t, 0.5, e.Startup.TimeoutTolerance)
	require.Zero(t, e.Startup.TimeoutOverride)
	require.False(t, e.WaitForDebugger)
}

func TestLoadEnvConfigParsesRendezvousAndExclude(t *testing.T) {
	t.Setenv("ADA_SHM_HOST_PID", "4242")
	t.Setenv("ADA_SHM_SESSION_ID", "7")
	t.Setenv("ADA_DISABLE_REGISTRY", "1")
	t.Setenv("ADA_EXCLUDE", "malloc,free;memcpy,")
	t.Setenv("ADA_WAIT_FOR_DEBUGGER", "true")

	e := LoadEnvConfig()
	require.Equal(t, 4242, e.ShmHostPID)
	require.Equal(t, uint32(7), e.ShmSessionID)
	require.True(t, e.DisableRegistry)
	require.Equal(t, []string{"malloc", "free", "memcpy"}, e.Exclude)
	require.True(t, e.WaitForDebugger)
}

func TestEnvDurationAcceptsBareSecondsAndGoSyntax(t *testing.T) {
	require.Equal(t, 1500*time.Millisecond, envDuration("1.5", 0))
	require.Equal(t, 3*time.Second, envDuration("3s", 0))
	require.Equal(t, 7*time.Second, envDuration("garbage", 7*time.Second))
	require.Equal(t, 7*time.Second, envDuration("", 7*time.Second))
}
