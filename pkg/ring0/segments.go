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

// Package ring0 holds x86-64 privileged-mode structures: segment descriptors,
// selectors and the temporary GDT used while a CPU transitions from real mode
// to long mode.
package ring0

import (
	"encoding/binary"
)

// Selector is a segment selector.
type Selector uint16

// The temporary GDT layout. Slot order matters: the trampoline hard-codes
// these selector values.
const (
	Kcode64 Selector = 0x08
	Kdata   Selector = 0x10
	Kcode32 Selector = 0x18

	// Code64Selector is the selector the AP loads when far-jumping into
	// 64-bit mode.
	Code64Selector = Kcode64
)

// SegmentDescriptor is a segment descriptor.
type SegmentDescriptor struct {
	bits [2]uint32
}

// descriptor flags.
const (
	SegmentDescriptorAccess     = 1 << 8  // Access bit (always set).
	SegmentDescriptorWrite      = 1 << 9  // Write permission.
	SegmentDescriptorExpandDown = 1 << 10 // Grows down, not used.
	SegmentDescriptorExecute    = 1 << 11 // Execute permission.
	SegmentDescriptorSystem     = 1 << 12 // Zero => system, 1 => user or code/data.
	SegmentDescriptorPresent    = 1 << 15 // Present.
	SegmentDescriptorAVL        = 1 << 20 // Available.
	SegmentDescriptorLong       = 1 << 21 // Long mode.
	SegmentDescriptorDB         = 1 << 22 // 16 or 32-bit.
	SegmentDescriptorG          = 1 << 23 // Granularity: page or byte.
)

// Base returns the descriptor's base linear address.
func (d *SegmentDescriptor) Base() uint32 {
	return d.bits[1]&0xFF000000 | (d.bits[1]&0x000000FF)<<16 | d.bits[0]>>16
}

// Limit returns the descriptor size.
func (d *SegmentDescriptor) Limit() uint32 {
	l := d.bits[0]&0xFFFF | d.bits[1]&0xF0000
	if d.bits[1]&uint32(SegmentDescriptorG) != 0 {
		l <<= 12
		l |= 0xFFF
	}
	return l
}

// Flags returns descriptor flags.
func (d *SegmentDescriptor) Flags() int {
	return int(d.bits[1] & 0x00F09F00)
}

// setNull sets a null descriptor.
func (d *SegmentDescriptor) setNull() {
	d.bits[0] = 0
	d.bits[1] = 0
}

// set sets the segment descriptor.
func (d *SegmentDescriptor) set(base, limit uint32, dpl int, flags int) {
	flags |= SegmentDescriptorPresent
	if limit>>12 != 0 {
		limit >>= 12
		flags |= SegmentDescriptorG
	}
	d.bits[0] = base<<16 | limit&0xFFFF
	d.bits[1] = base&0xFF000000 | (base>>16)&0xFF | limit&0x000F0000 | uint32(flags) | uint32(dpl)<<13
}

func (d *SegmentDescriptor) setCode32(base, limit uint32, dpl int) {
	d.set(base, limit, dpl,
		SegmentDescriptorDB|
			SegmentDescriptorExecute|
			SegmentDescriptorSystem)
}

func (d *SegmentDescriptor) setCode64(base, limit uint32, dpl int) {
	d.set(base, limit, dpl,
		SegmentDescriptorG|
			SegmentDescriptorLong|
			SegmentDescriptorExecute|
			SegmentDescriptorSystem)
}

func (d *SegmentDescriptor) setData(base, limit uint32, dpl int) {
	d.set(base, limit, dpl,
		SegmentDescriptorWrite|
			SegmentDescriptorSystem)
}

// Encode returns the descriptor's in-memory representation.
func (d *SegmentDescriptor) Encode() uint64 {
	return uint64(d.bits[0]) | uint64(d.bits[1])<<32
}

// TempGDTSize is the byte size of the temporary GDT image: the three flat
// segments above plus reserved slots kept for parity with a firmware-built
// table.
const TempGDTSize = 8 * 8

// WriteTempGDT emits the temporary GDT into b, which must hold TempGDTSize
// bytes. The table is position-independent: all segments are flat.
func WriteTempGDT(b []byte) {
	_ = b[TempGDTSize-1]
	var d SegmentDescriptor

	table := make([]SegmentDescriptor, TempGDTSize/8)
	d.setNull()
	table[0] = d
	d.setCode64(0, 0xFFFFFFFF, 0)
	table[Kcode64>>3] = d
	d.setData(0, 0xFFFFFFFF, 0)
	table[Kdata>>3] = d
	d.setCode32(0, 0xFFFFFFFF, 0)
	table[Kcode32>>3] = d

	for i, desc := range table {
		binary.LittleEndian.PutUint64(b[i*8:], desc.Encode())
	}
}
