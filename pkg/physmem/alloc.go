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

package physmem

import (
	"fmt"

	"lowkern.dev/lowkern/pkg/hostarch"
)

// AllocConstraint restricts where AllocFrame may place a frame.
type AllocConstraint int

const (
	// AllocAny places the frame anywhere at or above 1 MiB.
	AllocAny AllocConstraint = iota

	// AllocBelow4G places the frame in [1 MiB, 4 GiB). Page-table roots
	// that must be loadable into cr3 by 32-bit code use this.
	AllocBelow4G

	// AllocBelow1M places the frame in [0, 1 MiB). Only real-mode
	// trampoline staging wants these; general allocation never dips
	// below 1 MiB.
	AllocBelow1M
)

const (
	lowMemFrames  = uint64(hostarch.MaxRealModeAddr) >> hostarch.PageShift
	below4GFrames = uint64(1) << (32 - hostarch.PageShift)
)

// scanRange returns the frame range [lo, hi) that satisfies c within an arena
// of n frames.
func (c AllocConstraint) scanRange(n uint64) (lo, hi uint64) {
	switch c {
	case AllocBelow1M:
		return 0, min(lowMemFrames, n)
	case AllocBelow4G:
		return min(lowMemFrames, n), min(below4GFrames, n)
	default:
		return min(lowMemFrames, n), n
	}
}

// AllocFrame allocates one zeroed page frame satisfying the constraint.
func (a *Arena) AllocFrame(c AllocConstraint) (hostarch.Paddr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.allocHook != nil {
		if pa, ok := a.allocHook(c); ok {
			if err := a.claimLocked(pa, 1); err != nil {
				return 0, err
			}
			a.zeroFrame(pa)
			return pa, nil
		}
	}

	lo, hi := c.scanRange(a.nframes)
	for f := lo; f < hi; f++ {
		if a.frames[f/64]&(1<<(f%64)) != 0 {
			continue
		}
		a.frames[f/64] |= 1 << (f % 64)
		pa := hostarch.Paddr(f << hostarch.PageShift)
		a.zeroFrame(pa)
		return pa, nil
	}
	return 0, fmt.Errorf("%w (constraint %d)", ErrNoMemory, c)
}

// FreeFrame returns a frame to the allocator.
//
// Precondition: pa was returned by AllocFrame and not yet freed.
func (a *Arena) FreeFrame(pa hostarch.Paddr) {
	if !pa.IsPageAligned() {
		panic(fmt.Sprintf("FreeFrame of unaligned address %#x", pa))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	f := uint64(pa) >> hostarch.PageShift
	if f >= a.nframes || a.frames[f/64]&(1<<(f%64)) == 0 {
		panic(fmt.Sprintf("FreeFrame of unallocated frame %#x", pa))
	}
	a.frames[f/64] &^= 1 << (f % 64)
}

// Reserve marks pages frames starting at pa as owned by firmware or by a
// loaded image; AllocFrame will never return them. Fails with ErrInUse if any
// of the frames is already taken.
func (a *Arena) Reserve(pa hostarch.Paddr, pages uint64) error {
	if !pa.IsPageAligned() {
		panic(fmt.Sprintf("Reserve of unaligned address %#x", pa))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.claimLocked(pa, pages)
}

// SetAllocHook installs a frame-selection override used by tests to steer
// allocations onto specific physical addresses. A nil hook restores normal
// allocation. Passing c through lets the hook discriminate by constraint.
func (a *Arena) SetAllocHook(hook func(c AllocConstraint) (hostarch.Paddr, bool)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allocHook = hook
}

// claimLocked marks [pa, pa+pages*PageSize) in-use, failing if any frame
// already is.
func (a *Arena) claimLocked(pa hostarch.Paddr, pages uint64) error {
	first := uint64(pa) >> hostarch.PageShift
	if first+pages > a.nframes {
		return fmt.Errorf("%w: frame %#x", ErrOutOfRange, pa)
	}
	for f := first; f < first+pages; f++ {
		if a.frames[f/64]&(1<<(f%64)) != 0 {
			return fmt.Errorf("%w: frame %#x", ErrInUse, f<<hostarch.PageShift)
		}
	}
	for f := first; f < first+pages; f++ {
		a.frames[f/64] |= 1 << (f % 64)
	}
	return nil
}

func (a *Arena) zeroFrame(pa hostarch.Paddr) {
	clear(a.mem[pa : uint64(pa)+hostarch.PageSize])
}
