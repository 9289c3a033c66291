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

package kernel

import (
	"lowkern.dev/lowkern/pkg/hostarch"
	"lowkern.dev/lowkern/pkg/ring0"
)

// Image layout offsets. The link-time picture is fixed: the trampoline blob
// leads the image, the temporary GDT and mutable kernel data follow on their
// own pages.
const (
	trampolineOffset = 0
	trampolineSize   = 0x400

	tempGDTOffset = hostarch.PageSize

	dataOffset = 2 * hostarch.PageSize

	// apsStillBootingOffset locates the 32-bit counter incremented by
	// each AP as it reaches long mode.
	apsStillBootingOffset = dataOffset

	// imageSize is the whole image, page-rounded.
	imageSize = 3 * hostarch.PageSize

	// trampolineEntryOffset is where the 64-bit entry point sits inside
	// the trampoline blob.
	trampolineEntryOffset = 0x200
)

// Image is the loaded kernel image: the link-time layout plus where it landed
// physically. It stands in for the linker symbols a kernel build emits.
type Image struct {
	// CodeStart is the link-time virtual base of the kernel.
	CodeStart hostarch.Vaddr

	// BasePhys is the physical load address of CodeStart.
	BasePhys hostarch.Paddr

	// Size is the image size in bytes.
	Size uint64

	// Bootstrap16Start and Bootstrap16End delimit the trampoline blob in
	// the image (half-open, link-time virtual).
	Bootstrap16Start hostarch.Vaddr
	Bootstrap16End   hostarch.Vaddr

	// Bootstrap16Entry is the long-mode entry point inside the blob.
	Bootstrap16Entry hostarch.Vaddr

	// TempGDT and TempGDTEnd delimit the temporary GDT.
	TempGDT    hostarch.Vaddr
	TempGDTEnd hostarch.Vaddr

	// APsStillBooting is the virtual address of the AP arrival counter.
	APsStillBooting hostarch.Vaddr
}

// VaddrToPaddr translates an image virtual address to its physical backing
// without a page-table walk, using the linear code-start/base-phys relation.
// ok is false for addresses outside the image.
func (img *Image) VaddrToPaddr(va hostarch.Vaddr) (hostarch.Paddr, bool) {
	if va < img.CodeStart || uint64(va-img.CodeStart) >= img.Size {
		return 0, false
	}
	return img.BasePhys + hostarch.Paddr(va-img.CodeStart), true
}

// layoutImage fills in the symbol addresses for an image based at codeStart.
func layoutImage(codeStart hostarch.Vaddr, basePhys hostarch.Paddr) Image {
	return Image{
		CodeStart:        codeStart,
		BasePhys:         basePhys,
		Size:             imageSize,
		Bootstrap16Start: codeStart + trampolineOffset,
		Bootstrap16End:   codeStart + trampolineOffset + trampolineSize,
		Bootstrap16Entry: codeStart + trampolineOffset + trampolineEntryOffset,
		TempGDT:          codeStart + tempGDTOffset,
		TempGDTEnd:       codeStart + tempGDTOffset + ring0.TempGDTSize,
		APsStillBooting:  codeStart + apsStillBootingOffset,
	}
}

// trampolineImage returns the trampoline blob: the bytes that, on hardware,
// would be the assembled real-to-long-mode bridge. The prologue carries the
// canonical opening of such a bridge (cli; cld; a far pointer load); the rest
// is hlt filler. The bootstrap code treats it as opaque bytes to relocate.
func trampolineImage() []byte {
	b := make([]byte, trampolineSize)
	prologue := []byte{
		0xFA,             // cli
		0xFC,             // cld
		0x0F, 0x01, 0x16, // lgdt (operand patched at runtime on hardware)
		0x00, 0x00,
		0x0F, 0x20, 0xC0, // mov eax, cr0
		0x66, 0x83, 0xC8, 0x01, // or eax, 1
		0x0F, 0x22, 0xC0, // mov cr0, eax
	}
	copy(b, prologue)
	for i := len(prologue); i < len(b); i++ {
		b[i] = 0xF4 // hlt
	}
	return b
}
