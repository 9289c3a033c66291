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

package hostarch

// RoundDown returns the address rounded down to the nearest page boundary.
func (p Paddr) RoundDown() Paddr {
	return p &^ PageMask
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (p Paddr) RoundUp() (addr Paddr, ok bool) {
	addr = (p + PageMask).RoundDown()
	ok = addr >= p
	return
}

// IsPageAligned returns true if p is aligned to a page boundary.
func (p Paddr) IsPageAligned() bool {
	return p&PageMask == 0
}

// PageOffset returns the offset of p within its page.
func (p Paddr) PageOffset() uint64 {
	return uint64(p & PageMask)
}

// Fits32 returns true if p is representable in 32 bits. Real-mode and early
// protected-mode code can only load 32-bit wide physical values (cr3 in
// particular), so several handoff fields carry this requirement.
func (p Paddr) Fits32() bool {
	return p <= 0xFFFFFFFF
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Vaddr) RoundDown() Vaddr {
	return v &^ PageMask
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Vaddr) RoundUp() (addr Vaddr, ok bool) {
	addr = (v + PageMask).RoundDown()
	ok = addr >= v
	return
}

// IsPageAligned returns true if v is aligned to a page boundary.
func (v Vaddr) IsPageAligned() bool {
	return v&PageMask == 0
}

// PageOffset returns the offset of v within its page.
func (v Vaddr) PageOffset() uint64 {
	return uint64(v & PageMask)
}
