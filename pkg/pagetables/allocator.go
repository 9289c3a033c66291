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

package pagetables

import (
	"sync"

	"lowkern.dev/lowkern/pkg/hostarch"
	"lowkern.dev/lowkern/pkg/physmem"
)

// Allocator supplies page-sized table nodes with known physical addresses.
type Allocator interface {
	// NewPTEs returns a new, zeroed node whose frame satisfies the
	// constraint.
	NewPTEs(c physmem.AllocConstraint) (*PTEs, error)

	// PhysicalFor returns the physical address of a node obtained from
	// NewPTEs.
	PhysicalFor(ptes *PTEs) hostarch.Paddr

	// LookupPTEs is the inverse of PhysicalFor.
	LookupPTEs(pa hostarch.Paddr) *PTEs

	// FreePTEs returns a node's frame to the arena.
	FreePTEs(ptes *PTEs)
}

// ArenaAllocator is an Allocator drawing nodes from a physmem.Arena, so that
// every node occupies a real frame of simulated physical memory.
type ArenaAllocator struct {
	arena *physmem.Arena

	mu     sync.Mutex
	byPhys map[hostarch.Paddr]*PTEs
	phys   map[*PTEs]hostarch.Paddr
}

// NewArenaAllocator creates an allocator over the given arena.
func NewArenaAllocator(arena *physmem.Arena) *ArenaAllocator {
	return &ArenaAllocator{
		arena:  arena,
		byPhys: make(map[hostarch.Paddr]*PTEs),
		phys:   make(map[*PTEs]hostarch.Paddr),
	}
}

// PhysicalFor implements Allocator.PhysicalFor.
func (a *ArenaAllocator) PhysicalFor(ptes *PTEs) hostarch.Paddr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phys[ptes]
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *ArenaAllocator) LookupPTEs(pa hostarch.Paddr) *PTEs {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.byPhys[pa]
}

// FreePTEs implements Allocator.FreePTEs.
func (a *ArenaAllocator) FreePTEs(ptes *PTEs) {
	a.mu.Lock()
	pa := a.phys[ptes]
	delete(a.phys, ptes)
	delete(a.byPhys, pa)
	a.mu.Unlock()
	a.arena.FreeFrame(pa)
}
