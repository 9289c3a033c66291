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

package ring0

import (
	"encoding/binary"
	"testing"
)

func TestTempGDTLayout(t *testing.T) {
	b := make([]byte, TempGDTSize)
	WriteTempGDT(b)

	// Null descriptor first.
	if got := binary.LittleEndian.Uint64(b[0:]); got != 0 {
		t.Errorf("slot 0 = %#x, want null", got)
	}

	read := func(sel Selector) SegmentDescriptor {
		var d SegmentDescriptor
		raw := binary.LittleEndian.Uint64(b[sel>>3<<3:])
		d.bits[0] = uint32(raw)
		d.bits[1] = uint32(raw >> 32)
		return d
	}

	code64 := read(Kcode64)
	if code64.Flags()&SegmentDescriptorLong == 0 {
		t.Error("64-bit code segment missing long bit")
	}
	if code64.Flags()&SegmentDescriptorExecute == 0 {
		t.Error("64-bit code segment missing execute bit")
	}
	if code64.Base() != 0 {
		t.Errorf("64-bit code segment base = %#x, want flat", code64.Base())
	}

	data := read(Kdata)
	if data.Flags()&SegmentDescriptorWrite == 0 {
		t.Error("data segment missing write bit")
	}
	if data.Flags()&SegmentDescriptorExecute != 0 {
		t.Error("data segment has execute bit")
	}

	code32 := read(Kcode32)
	if code32.Flags()&SegmentDescriptorDB == 0 {
		t.Error("32-bit code segment missing D/B bit")
	}
	if code32.Flags()&SegmentDescriptorLong != 0 {
		t.Error("32-bit code segment has long bit")
	}

	// Reserved slots stay null.
	for off := 4 * 8; off < TempGDTSize; off += 8 {
		if got := binary.LittleEndian.Uint64(b[off:]); got != 0 {
			t.Errorf("reserved slot at %#x = %#x, want null", off, got)
		}
	}
}

func TestDescriptorRoundTrip(t *testing.T) {
	var d SegmentDescriptor
	d.set(0x00ABCDEF, 0xFFFFF000, 0, SegmentDescriptorSystem|SegmentDescriptorWrite)
	if got := d.Base(); got != 0x00ABCDEF {
		t.Errorf("Base = %#x, want 0x00ABCDEF", got)
	}
	if got := d.Limit(); got != 0xFFFFFFFF {
		t.Errorf("Limit = %#x, want 0xFFFFFFFF", got)
	}
}
