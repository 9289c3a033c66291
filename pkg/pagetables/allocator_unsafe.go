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
	"unsafe"

	"lowkern.dev/lowkern/pkg/hostarch"
	"lowkern.dev/lowkern/pkg/physmem"
)

// NewPTEs implements Allocator.NewPTEs.
//
// The node is the arena frame itself, reinterpreted: entries written through
// the returned pointer are immediately visible to byte-level readers of
// physical memory, and vice versa.
func (a *ArenaAllocator) NewPTEs(c physmem.AllocConstraint) (*PTEs, error) {
	pa, err := a.arena.AllocFrame(c)
	if err != nil {
		return nil, err
	}
	b, err := a.arena.Slice(pa, hostarch.PageSize)
	if err != nil {
		return nil, err
	}
	ptes := (*PTEs)(unsafe.Pointer(&b[0]))
	a.mu.Lock()
	a.byPhys[pa] = ptes
	a.phys[ptes] = pa
	a.mu.Unlock()
	return ptes, nil
}
