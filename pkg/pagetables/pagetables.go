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

// Package pagetables builds real 4-level x86-64 page tables inside a physmem
// arena. Table nodes are page frames of the arena, so the root has a genuine
// physical address that fits (or doesn't fit) below 4 GiB, and a walker
// starting from nothing but that physical address sees exactly what the MMU
// of a waking CPU would see.
package pagetables

import (
	"fmt"

	"lowkern.dev/lowkern/pkg/hostarch"
	"lowkern.dev/lowkern/pkg/physmem"
)

// Address constraints for four-level pagetables.
const (
	lowerTop    = 0x00007fffffffffff
	upperBottom = 0xffff800000000000

	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	pteMask = uint64(0x1ff) << pteShift
	pmdMask = uint64(0x1ff) << pmdShift
	pudMask = uint64(0x1ff) << pudShift
	pgdMask = uint64(0x1ff) << pgdShift

	entriesPerPage = 512

	// upperHalfStart is the first PML4 slot belonging to the kernel half
	// of the canonical address space.
	upperHalfStart = 256
)

// PageTables is one set of four-level tables rooted at a PML4 frame.
type PageTables struct {
	// Allocator provides table frames. Exported so callers building
	// walkers over foreign roots can resolve physical table addresses.
	Allocator Allocator

	root     *PTEs
	rootPhys hostarch.Paddr
}

// New allocates an empty set of page tables whose root frame satisfies the
// given constraint.
func New(a Allocator, rootConstraint physmem.AllocConstraint) (*PageTables, error) {
	root, err := a.NewPTEs(rootConstraint)
	if err != nil {
		return nil, fmt.Errorf("pagetables: allocating root: %w", err)
	}
	return &PageTables{
		Allocator: a,
		root:      root,
		rootPhys:  a.PhysicalFor(root),
	}, nil
}

// RootPhys returns the physical address of the PML4, i.e. the value a CPU
// would load into cr3.
func (p *PageTables) RootPhys() hostarch.Paddr {
	return p.rootPhys
}

// ConnectUpper aliases the kernel half of the address space (PML4 slots 256
// through 511) from another set of tables. Mappings installed under those
// slots in either set become visible in both, which is how a secondary
// address space inherits the kernel's mappings.
//
// The source's upper half must be fully populated at the top level before the
// call; upper-half PML4 slots the source fills in later are not propagated.
func (p *PageTables) ConnectUpper(from *PageTables) {
	for i := upperHalfStart; i < entriesPerPage; i++ {
		p.root[i] = from.root[i]
	}
}

// canonical returns true if va is a canonical 48-bit address.
func canonical(va hostarch.Vaddr) bool {
	return uint64(va) <= lowerTop || uint64(va) >= upperBottom
}

// walk descends to the PTE covering va, allocating intermediate tables if
// alloc is set. Returns nil if alloc is not set and a level is missing.
//
// Precondition: va must be canonical.
func (p *PageTables) walk(va hostarch.Vaddr, alloc bool) (*PTE, error) {
	table := p.root
	for _, level := range []struct {
		shift uint
		mask  uint64
	}{
		{pgdShift, pgdMask},
		{pudShift, pudMask},
		{pmdShift, pmdMask},
	} {
		entry := &table[(uint64(va)&level.mask)>>level.shift]
		if !entry.Valid() {
			if !alloc {
				return nil, nil
			}
			next, err := p.Allocator.NewPTEs(physmem.AllocAny)
			if err != nil {
				return nil, fmt.Errorf("pagetables: allocating level table: %w", err)
			}
			entry.setPageTable(p.Allocator.PhysicalFor(next))
		}
		table = p.Allocator.LookupPTEs(entry.Address())
	}
	return &table[(uint64(va)&pteMask)>>pteShift], nil
}

// Map installs 4 KiB mappings for [va, va+length) onto [pa, pa+length).
// Existing entries in the range are overwritten; region bookkeeping above
// this layer is responsible for preventing accidental overlap.
//
// Preconditions: va, pa and length must be page-aligned; the range must not
// span the non-canonical gap.
func (p *PageTables) Map(va hostarch.Vaddr, length uint64, opts MapOpts, pa hostarch.Paddr) error {
	if !va.IsPageAligned() || !pa.IsPageAligned() || length%hostarch.PageSize != 0 {
		panic(fmt.Sprintf("pagetables.Map: unaligned request va=%#x pa=%#x length=%#x", va, pa, length))
	}
	if !canonical(va) || !canonical(va+hostarch.Vaddr(length-1)) {
		panic(fmt.Sprintf("pagetables.Map: [%#x, %#x) spans non-canonical range", va, uint64(va)+length))
	}
	for off := uint64(0); off < length; off += hostarch.PageSize {
		pte, err := p.walk(va+hostarch.Vaddr(off), true)
		if err != nil {
			return err
		}
		pte.Set(pa+hostarch.Paddr(off), opts)
	}
	return nil
}

// Unmap clears all mappings in [va, va+length). Intermediate tables are not
// reclaimed; address spaces here live for the life of the kernel.
//
// Preconditions: as for Map.
func (p *PageTables) Unmap(va hostarch.Vaddr, length uint64) {
	if !va.IsPageAligned() || length%hostarch.PageSize != 0 {
		panic(fmt.Sprintf("pagetables.Unmap: unaligned request va=%#x length=%#x", va, length))
	}
	for off := uint64(0); off < length; off += hostarch.PageSize {
		pte, err := p.walk(va+hostarch.Vaddr(off), false)
		if err != nil || pte == nil {
			continue
		}
		pte.Clear()
	}
}

// Lookup translates va. ok is false if no mapping covers it.
func (p *PageTables) Lookup(va hostarch.Vaddr) (pa hostarch.Paddr, opts MapOpts, ok bool) {
	if !canonical(va) {
		return 0, MapOpts{}, false
	}
	pte, err := p.walk(va.RoundDown(), false)
	if err != nil || pte == nil || !pte.Valid() {
		return 0, MapOpts{}, false
	}
	return pte.Address() + hostarch.Paddr(va.PageOffset()), pte.Opts(), true
}
