// Copyright 2025 The lowkern Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package physmem models a machine's physical memory.
//
// An Arena is a contiguous range of physical bytes [0, size) with a simple
// frame allocator on top. Physical addresses are plain indices into the
// arena, so structures built inside it (page tables in particular) have real,
// stable physical addresses that low-level code can embed in registers and
// descriptor tables.
package physmem

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"lowkern.dev/lowkern/pkg/hostarch"
)

var (
	// ErrNoMemory indicates that no frame satisfying the allocation
	// constraint is available.
	ErrNoMemory = errors.New("physmem: out of frames")

	// ErrOutOfRange indicates an access beyond the end of the arena.
	ErrOutOfRange = errors.New("physmem: address out of range")

	// ErrInUse indicates an attempt to reserve frames that are already
	// allocated or reserved.
	ErrInUse = errors.New("physmem: frames in use")
)

// Arena is a simulated physical memory range [0, Size()).
//
// The backing is an anonymous mmap so that frames are page-aligned, start out
// zeroed, and large sparse arenas (needed to model >4 GiB machines) cost only
// the pages actually touched.
type Arena struct {
	mu sync.Mutex

	// mem is the backing memory. mem[pa] is the byte at physical address
	// pa.
	mem []byte

	// frames is an in-use bitmap, one bit per page frame. Reserved and
	// allocated frames are indistinguishable here; Reserve exists so that
	// firmware-owned ranges are never handed out by AllocFrame.
	frames []uint64

	// nframes is the total number of frames.
	nframes uint64

	// allocHook, if non-nil, overrides frame selection. Tests use it to
	// force allocations to land at interesting physical addresses.
	allocHook func(AllocConstraint) (hostarch.Paddr, bool)
}

// NewArena creates an arena of the given size in bytes. The size is rounded
// up to a whole number of pages and must be non-zero.
func NewArena(size uint64) (*Arena, error) {
	if size == 0 {
		return nil, fmt.Errorf("physmem: zero-sized arena")
	}
	size = (size + hostarch.PageMask) &^ uint64(hostarch.PageMask)
	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("physmem: mmap of %d bytes: %w", size, err)
	}
	nframes := size / hostarch.PageSize
	return &Arena{
		mem:     mem,
		frames:  make([]uint64, (nframes+63)/64),
		nframes: nframes,
	}, nil
}

// Close releases the backing memory. The arena must not be used afterwards.
func (a *Arena) Close() error {
	mem := a.mem
	a.mem = nil
	return unix.Munmap(mem)
}

// Size returns the arena size in bytes.
func (a *Arena) Size() uint64 {
	return uint64(len(a.mem))
}

// Slice returns a direct byte window onto [pa, pa+length). Writes through the
// slice are writes to physical memory.
func (a *Arena) Slice(pa hostarch.Paddr, length uint64) ([]byte, error) {
	end := uint64(pa) + length
	if end < uint64(pa) || end > uint64(len(a.mem)) {
		return nil, fmt.Errorf("%w: [%#x, %#x)", ErrOutOfRange, pa, end)
	}
	return a.mem[pa:end:end], nil
}
