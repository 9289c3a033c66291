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

// Package hostarch holds architecture address types and constants.
//
// Physical and virtual addresses are distinct types; mixing them up is the
// classic low-level bug, and the compiler may as well catch it.
package hostarch

// Page constants for x86-64 with 4 KiB pages.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1
)

// MaxRealModeAddr is the first physical address not reachable by 20-bit
// real-mode addressing (1 MiB). Trampoline pages must sit below it.
const MaxRealModeAddr Paddr = 0x100000

// Paddr is a physical address.
type Paddr uint64

// Vaddr is a virtual address in some address space.
type Vaddr uint64
