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

package bootstrap16

import (
	"encoding/binary"

	"lowkern.dev/lowkern/pkg/ring0"
)

// HandoffSize is the encoded size of the handoff record.
const HandoffSize = 22

// Handoff is the record the trampoline reads from the start of the data page
// to finish its own transition to long mode. The wire layout is fixed and
// little-endian:
//
//	offset  width  field
//	     0      4  bootstrap PML4 physical address
//	     4      4  kernel PML4 physical address
//	     8      2  GDTR limit
//	    10      6  GDTR base (physical)
//	    16      4  long-mode entry (physical)
//	    20      2  long-mode code selector
//
// The 32-bit fields are 32-bit because the trampoline consumes them while
// still executing 32-bit code.
type Handoff struct {
	// BootstrapPml4 is loaded into cr3 to turn paging on.
	BootstrapPml4 uint32

	// KernelPml4 replaces it once the CPU runs from kernel addresses.
	KernelPml4 uint32

	// GdtrLimit and GdtrBase form the value for lgdt. Only the low 48
	// bits of GdtrBase are encoded.
	GdtrLimit uint16
	GdtrBase  uint64

	// LongModeEntry is the physical address the trampoline far-jumps to,
	// with LongModeCS as the code selector.
	LongModeEntry uint32
	LongModeCS    ring0.Selector
}

// encode writes the record into b.
func (h *Handoff) encode(b []byte) {
	_ = b[HandoffSize-1]
	binary.LittleEndian.PutUint32(b[0:], h.BootstrapPml4)
	binary.LittleEndian.PutUint32(b[4:], h.KernelPml4)
	binary.LittleEndian.PutUint16(b[8:], h.GdtrLimit)
	var base [8]byte
	binary.LittleEndian.PutUint64(base[:], h.GdtrBase)
	copy(b[10:16], base[:6])
	binary.LittleEndian.PutUint32(b[16:], h.LongModeEntry)
	binary.LittleEndian.PutUint16(b[20:], uint16(h.LongModeCS))
}

// DecodeHandoff reads a handoff record from the start of b, the way the
// trampoline does.
func DecodeHandoff(b []byte) Handoff {
	_ = b[HandoffSize-1]
	var base [8]byte
	copy(base[:6], b[10:16])
	return Handoff{
		BootstrapPml4: binary.LittleEndian.Uint32(b[0:]),
		KernelPml4:    binary.LittleEndian.Uint32(b[4:]),
		GdtrLimit:     binary.LittleEndian.Uint16(b[8:]),
		GdtrBase:      binary.LittleEndian.Uint64(base[:]),
		LongModeEntry: binary.LittleEndian.Uint32(b[16:]),
		LongModeCS:    ring0.Selector(binary.LittleEndian.Uint16(b[20:])),
	}
}
