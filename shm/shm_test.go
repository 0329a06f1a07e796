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

package shm

import (
	"os"
	"testing"
)

func TestNameIsDeterministicAcrossCallers(t *testing.T) {
	a := Name("ada", RoleControl, 4242, 0xabcd1234)
	b := Name("ada", RoleControl, 4242, 0xabcd1234)
	if a != b {
		t.Fatalf("expected Name to be pure/deterministic, got %q vs %q", a, b)
	}
	want := "ada_control_4242_abcd1234"
	if a != want {
		t.Fatalf("expected %q, got %q", want, a)
	}
}

func TestCreateUniqueThenOpenUniqueRoundTrips(t *testing.T) {
	if _, err := os.Stat("/dev/shm"); err != nil {
		t.Skip("no /dev/shm available in this environment")
	}
	name := Name("adatest", RoleDetail, os.Getpid(), 0x1)
	defer Unlink(name)

	owner, err := CreateUnique(name, 4096)
	if err != nil {
		t.Fatalf("CreateUnique: %v", err)
	}
	defer owner.Close()

	owner.Region[0] = 0xAB
	owner.Region[4095] = 0xCD

	attached, err := OpenUnique(name, 4096)
	if err != nil {
		t.Fatalf("OpenUnique: %v", err)
	}
	defer attached.Close()

	if attached.Region[0] != 0xAB || attached.Region[4095] != 0xCD {
		t.Fatalf("expected attached mapping to observe owner's writes")
	}

	attached.Region[10] = 0xEF
	if owner.Region[10] != 0xEF {
		t.Fatalf("expected owner mapping to observe attached writes (MAP_SHARED)")
	}
}

func TestCreateUniqueRejectsDuplicateName(t *testing.T) {
	if _, err := os.Stat("/dev/shm"); err != nil {
		t.Skip("no /dev/shm available in this environment")
	}
	name := Name("adatest", RoleControl, os.Getpid(), 0x2)
	defer Unlink(name)

	first, err := CreateUnique(name, 4096)
	if err != nil {
		t.Fatalf("CreateUnique: %v", err)
	}
	defer first.Close()

	if _, err := CreateUnique(name, 4096); err == nil {
		t.Fatalf("expected second create_unique of the same name to fail")
	}
}

func TestCalculateRegistrySize(t *testing.T) {
	got := CalculateRegistrySize(64, 64, 64)
	want := 64 + 64*64
	if got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
}
