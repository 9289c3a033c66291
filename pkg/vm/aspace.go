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

// Package vm provides named virtual address spaces over page tables built in
// simulated physical memory.
//
// An Aspace tracks the regions it has mapped by name and base address, and
// refuses overlapping installs; the actual translations live in real 4-level
// tables so that foreign walkers (a waking AP's MMU) see them too.
package vm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"

	"lowkern.dev/lowkern/pkg/hostarch"
	"lowkern.dev/lowkern/pkg/pagetables"
	"lowkern.dev/lowkern/pkg/physmem"
)

var (
	// ErrNoMemory indicates the backing arena could not supply frames for
	// page tables.
	ErrNoMemory = errors.New("vm: out of memory")

	// ErrVAInUse indicates a requested virtual range overlaps an existing
	// region.
	ErrVAInUse = errors.New("vm: virtual range in use")

	// ErrNoRegion indicates that no region starts at the given address.
	ErrNoRegion = errors.New("vm: no such region")
)

// Kind selects the flavor of an address space.
type Kind int

const (
	// KindKernel is the primary kernel address space.
	KindKernel Kind = iota

	// KindLowKernel is a kernel-derived space whose root is placed below
	// 4 GiB when physical memory allows, and which shares the kernel half
	// of the canonical address space with its base space. Trampolines
	// that load cr3 from a 32-bit register need this kind.
	KindLowKernel
)

// vaAllocBase is where kernel-chosen mappings are placed. It sits in the
// upper half, above the kernel image window, so aperture mappings are
// inherited by derived spaces.
const vaAllocBase = hostarch.Vaddr(0xFFFFFFFF90000000)

// region is one named mapping, keyed by base VA.
type region struct {
	name string
	base hostarch.Vaddr
	size uint64
}

// Less orders regions by base address.
func (r *region) Less(other btree.Item) bool {
	return r.base < other.(*region).base
}

// Aspace is a virtual address space.
type Aspace struct {
	name string
	kind Kind

	arena *physmem.Arena
	pt    *pagetables.PageTables

	mu      sync.Mutex
	regions *btree.BTree
	vaNext  hostarch.Vaddr
}

// NewAspace creates an address space. For KindLowKernel, base must be the
// kernel aspace whose upper half the new space inherits; the root table is
// allocated below 4 GiB if the arena can manage it. For KindKernel, base must
// be nil.
func NewAspace(arena *physmem.Arena, kind Kind, name string, base *Aspace) (*Aspace, error) {
	constraint := physmem.AllocAny
	if kind == KindLowKernel {
		if base == nil {
			panic("NewAspace: KindLowKernel requires a base aspace")
		}
		// TODO(lowkern): once the arena exposes a dedicated low pool,
		// request a guaranteed low root instead of best effort.
		constraint = physmem.AllocBelow4G
	}

	pt, err := pagetables.New(pagetables.NewArenaAllocator(arena), constraint)
	if err != nil {
		return nil, fmt.Errorf("%w: creating %q: %v", ErrNoMemory, name, err)
	}
	if kind == KindLowKernel {
		pt.ConnectUpper(base.pt)
	}

	logrus.WithFields(logrus.Fields{
		"aspace": name,
		"root":   fmt.Sprintf("%#x", pt.RootPhys()),
	}).Debug("created address space")

	return &Aspace{
		name:    name,
		kind:    kind,
		arena:   arena,
		pt:      pt,
		regions: btree.New(8),
		vaNext:  vaAllocBase,
	}, nil
}

// Name returns the aspace name.
func (a *Aspace) Name() string { return a.name }

// Kind returns the aspace kind.
func (a *Aspace) Kind() Kind { return a.kind }

// Pml4Phys returns the physical address of the top-level page table.
func (a *Aspace) Pml4Phys() hostarch.Paddr {
	return a.pt.RootPhys()
}

// AllocPhysicalAt installs a mapping of [pa, pa+size) at exactly va: "map
// here, or fail". Trampoline mappings must be at their identity addresses, so
// unlike AllocPhysical no alternative placement is attempted.
func (a *Aspace) AllocPhysicalAt(name string, size uint64, va hostarch.Vaddr, pa hostarch.Paddr, opts pagetables.MapOpts) error {
	if !va.IsPageAligned() || !pa.IsPageAligned() || size == 0 || size%hostarch.PageSize != 0 {
		panic(fmt.Sprintf("AllocPhysicalAt(%q): unaligned request va=%#x pa=%#x size=%#x", name, va, pa, size))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.installLocked(name, size, va, pa, opts)
}

// AllocPhysical installs a mapping of [pa, pa+size) at a kernel-chosen
// virtual address and returns it.
func (a *Aspace) AllocPhysical(name string, size uint64, pa hostarch.Paddr, opts pagetables.MapOpts) (hostarch.Vaddr, error) {
	if !pa.IsPageAligned() || size == 0 || size%hostarch.PageSize != 0 {
		panic(fmt.Sprintf("AllocPhysical(%q): unaligned request pa=%#x size=%#x", name, pa, size))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	va := a.vaNext
	if err := a.installLocked(name, size, va, pa, opts); err != nil {
		return 0, err
	}
	a.vaNext += hostarch.Vaddr(size)
	return va, nil
}

// FreeRegion removes the region whose base address is va and unmaps it.
func (a *Aspace) FreeRegion(va hostarch.Vaddr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	item := a.regions.Get(&region{base: va})
	if item == nil {
		return fmt.Errorf("%w: %#x in %q", ErrNoRegion, va, a.name)
	}
	r := item.(*region)
	a.pt.Unmap(r.base, r.size)
	a.regions.Delete(r)
	logrus.WithFields(logrus.Fields{
		"aspace": a.name,
		"region": r.name,
	}).Debug("freed region")
	return nil
}

// Lookup translates va through the aspace's page tables.
func (a *Aspace) Lookup(va hostarch.Vaddr) (hostarch.Paddr, pagetables.MapOpts, bool) {
	return a.pt.Lookup(va)
}

// PageTables exposes the underlying tables. Foreign walkers (the simulated
// AP) use this to walk from the same root the hardware would.
func (a *Aspace) PageTables() *pagetables.PageTables {
	return a.pt
}

// installLocked maps and records a region after checking for overlap.
func (a *Aspace) installLocked(name string, size uint64, va hostarch.Vaddr, pa hostarch.Paddr, opts pagetables.MapOpts) error {
	r := &region{name: name, base: va, size: size}
	if overlap := a.overlapLocked(r); overlap != nil {
		return fmt.Errorf("%w: [%#x, %#x) overlaps %q", ErrVAInUse, va, uint64(va)+size, overlap.name)
	}
	if err := a.pt.Map(va, size, opts, pa); err != nil {
		return fmt.Errorf("%w: mapping %q: %v", ErrNoMemory, name, err)
	}
	a.regions.ReplaceOrInsert(r)
	return nil
}

// overlapLocked returns a region overlapping r, or nil.
func (a *Aspace) overlapLocked(r *region) *region {
	var found *region
	// The only candidates are the nearest region at or below r.base and
	// the first one above it.
	a.regions.DescendLessOrEqual(r, func(item btree.Item) bool {
		prev := item.(*region)
		if prev.base+hostarch.Vaddr(prev.size) > r.base {
			found = prev
		}
		return false
	})
	if found != nil {
		return found
	}
	a.regions.AscendGreaterOrEqual(r, func(item btree.Item) bool {
		next := item.(*region)
		if r.base+hostarch.Vaddr(r.size) > next.base {
			found = next
		}
		return false
	})
	return found
}
