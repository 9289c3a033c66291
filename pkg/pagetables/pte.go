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
	"lowkern.dev/lowkern/pkg/hostarch"
)

// x86-64 page table entry bits.
const (
	present  = 1 << 0
	writable = 1 << 1

	// executeDisable requires EFER.NXE, which the kernel sets before any
	// of these tables are ever loaded.
	executeDisable = uint64(1) << 63

	// optionMask covers all non-address bits.
	optionMask = executeDisable | uint64(hostarch.PageMask)
)

// MapOpts are mapping permissions. All mappings are readable and
// supervisor-only; user mappings do not occur at this layer.
type MapOpts struct {
	// Write permits stores through the mapping.
	Write bool

	// Execute permits instruction fetch through the mapping.
	Execute bool
}

// Common permission sets.
var (
	// ReadOnly maps readable, non-writable, non-executable.
	ReadOnly = MapOpts{}

	// ReadWrite maps readable and writable.
	ReadWrite = MapOpts{Write: true}

	// ReadWriteExecute maps with full permissions, as trampoline pages
	// require.
	ReadWriteExecute = MapOpts{Write: true, Execute: true}
)

// PTE is a page table entry.
type PTE uint64

// PTEs is one page-sized node of 512 entries.
type PTEs [entriesPerPage]PTE

// Valid returns true iff the entry is present.
func (p *PTE) Valid() bool {
	return uint64(*p)&present != 0
}

// Address extracts the physical address.
func (p *PTE) Address() hostarch.Paddr {
	return hostarch.Paddr(uint64(*p) &^ optionMask)
}

// Opts returns the entry's permissions.
func (p *PTE) Opts() MapOpts {
	v := uint64(*p)
	return MapOpts{
		Write:   v&writable != 0,
		Execute: v&executeDisable == 0,
	}
}

// Set installs a leaf mapping.
//
// Precondition: pa must be page-aligned.
func (p *PTE) Set(pa hostarch.Paddr, opts MapOpts) {
	v := uint64(pa) | present
	if opts.Write {
		v |= writable
	}
	if !opts.Execute {
		v |= executeDisable
	}
	*p = PTE(v)
}

// setPageTable points the entry at a child table. Intermediate entries are
// maximally permissive; leaves carry the effective permissions.
func (p *PTE) setPageTable(pa hostarch.Paddr) {
	*p = PTE(uint64(pa) | present | writable)
}

// Clear invalidates the entry.
func (p *PTE) Clear() {
	*p = 0
}
