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

// Package shm creates and attaches the named, size-stable POSIX shared-
// memory arenas the tracer's data plane is built on: control, index,
// detail, and registry. Names are deterministic from (prefix, role, pid,
// session id) so a child process can reconstruct and attach them without
// any side channel beyond two environment variables. Open the fd, size
// it, map it MAP_SHARED, hand back a byte slice plus an explicit closer.
package shm

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/adatrace/ada-core/errs"
)

// Role names an arena's purpose.
type Role string

const (
	RoleControl  Role = "control"
	RoleIndex    Role = "index"
	RoleDetail   Role = "detail"
	RoleRegistry Role = "registry"
)

// Arena is a mapped shared-memory region plus the metadata needed to
// describe it in the control block's shm-directory.
type Arena struct {
	Name   string
	Role   Role
	Size   int
	Region []byte

	fd int
}

// Name builds the canonical arena name "<prefix>_<role>_<pid>_<8-hex-
// session-id>" that both ends of the rendezvous compute independently.
func Name(prefix string, role Role, pid int, sessionID uint32) string {
	return fmt.Sprintf("%s_%s_%d_%08x", prefix, role, pid, sessionID)
}

// CreateUnique creates a new POSIX shared-memory object of the given
// name and size, maps it read-write, and returns the Arena. The caller
// (the controller) owns the object's lifetime and must call Close/Unlink
// at teardown.
func CreateUnique(name string, size int) (*Arena, error) {
	path := shmPath(name)
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0600)
	if err != nil {
		return nil, errs.Wrap(errs.ErrIoFailure, fmt.Sprintf("shm: create_unique %s failed", name))
	}
	return finishMap(name, fd, size, true)
}

// OpenUnique attaches an already-created shared-memory object by name,
// read-write, without truncating it. Used by children that reconstruct
// the name from ADA_SHM_HOST_PID/ADA_SHM_SESSION_ID.
func OpenUnique(name string, size int) (*Arena, error) {
	path := shmPath(name)
	fd, err := unix.Open(path, unix.O_RDWR, 0600)
	if err != nil {
		return nil, errs.Wrap(errs.ErrIoFailure, fmt.Sprintf("shm: open_unique %s failed", name))
	}
	return finishMap(name, fd, size, false)
}

func finishMap(name string, fd int, size int, truncate bool) (*Arena, error) {
	if truncate {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			unix.Close(fd)
			return nil, errs.Wrap(errs.ErrIoFailure, fmt.Sprintf("shm: ftruncate %s failed", name))
		}
	}
	region, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, errs.Wrap(errs.ErrIoFailure, fmt.Sprintf("shm: mmap %s failed", name))
	}
	return &Arena{Name: name, Size: size, Region: region, fd: fd}, nil
}

// Close unmaps the region and closes the underlying fd without unlinking
// the shared-memory object, for attaching children to detach cleanly.
func (a *Arena) Close() error {
	if a.Region != nil {
		if err := unix.Munmap(a.Region); err != nil {
			return errs.Wrap(errs.ErrIoFailure, fmt.Sprintf("shm: munmap %s failed", a.Name))
		}
		a.Region = nil
	}
	if a.fd >= 0 {
		unix.Close(a.fd)
		a.fd = -1
	}
	return nil
}

// Unlink removes the underlying named shared-memory object. The owning
// controller calls this once, at session teardown, after every attached
// child has closed its own mapping.
func Unlink(name string) error {
	if err := unix.Unlink(shmPath(name)); err != nil {
		return errs.Wrap(errs.ErrIoFailure, fmt.Sprintf("shm: unlink %s failed", name))
	}
	return nil
}

func shmPath(name string) string {
	return "/dev/shm/" + name
}

// CalculateRegistrySize returns the fixed-size footprint for a registry
// arena with room for up to capacity thread slots, matching
// registry.RegionSize so callers that only depend on shm (e.g. the CLI's
// size-planning logic) don't need to import the registry package just to
// size an arena.
func CalculateRegistrySize(capacity uint32, headerSize, slotSize int) int {
	return headerSize + int(capacity)*slotSize
}
