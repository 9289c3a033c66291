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

// Package kernel assembles a simulated machine: physical memory, a loaded
// kernel image, and the kernel address space mapping that image. It provides
// the environment the bootstrap subsystem runs in.
package kernel

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"lowkern.dev/lowkern/pkg/hostarch"
	"lowkern.dev/lowkern/pkg/pagetables"
	"lowkern.dev/lowkern/pkg/physmem"
	"lowkern.dev/lowkern/pkg/ring0"
	"lowkern.dev/lowkern/pkg/vm"
)

// Default machine geometry. The values mirror a conventional small x86
// machine: the kernel loads at 1 MiB physical and links at the top-2-GiB
// kernel window.
const (
	DefaultMemory    = uint64(64 << 20)
	DefaultCodeStart = hostarch.Vaddr(0xFFFFFFFF80100000)
	DefaultBasePhys  = hostarch.Paddr(0x00100000)
)

// Options configures New.
type Options struct {
	// Memory is the physical memory size in bytes. Zero means
	// DefaultMemory.
	Memory uint64

	// CodeStart is the link-time virtual base of the kernel image. Zero
	// means DefaultCodeStart.
	CodeStart hostarch.Vaddr

	// BasePhys is the physical load address. Zero means DefaultBasePhys.
	BasePhys hostarch.Paddr
}

// Kernel is a booted kernel environment on simulated hardware.
type Kernel struct {
	// Arena is the machine's physical memory.
	Arena *physmem.Arena

	// Aspace is the kernel address space, with the image mapped at
	// Image.CodeStart.
	Aspace *vm.Aspace

	// Image describes the loaded kernel image.
	Image Image
}

// New builds the machine and loads the kernel: the image bytes (trampoline
// blob, temporary GDT, zeroed data page) are written at BasePhys and mapped
// at CodeStart in a fresh kernel aspace.
func New(opts Options) (*Kernel, error) {
	if opts.Memory == 0 {
		opts.Memory = DefaultMemory
	}
	if opts.CodeStart == 0 {
		opts.CodeStart = DefaultCodeStart
	}
	if opts.BasePhys == 0 {
		opts.BasePhys = DefaultBasePhys
	}
	if !opts.CodeStart.IsPageAligned() || !opts.BasePhys.IsPageAligned() {
		return nil, fmt.Errorf("kernel: unaligned image placement %#x/%#x", opts.CodeStart, opts.BasePhys)
	}

	arena, err := physmem.NewArena(opts.Memory)
	if err != nil {
		return nil, err
	}
	img := layoutImage(opts.CodeStart, opts.BasePhys)

	// Claim and populate the image frames.
	if err := arena.Reserve(img.BasePhys, img.Size/hostarch.PageSize); err != nil {
		arena.Close()
		return nil, fmt.Errorf("kernel: reserving image at %#x: %w", img.BasePhys, err)
	}
	b, err := arena.Slice(img.BasePhys, img.Size)
	if err != nil {
		arena.Close()
		return nil, err
	}
	copy(b[trampolineOffset:], trampolineImage())
	ring0.WriteTempGDT(b[tempGDTOffset : tempGDTOffset+ring0.TempGDTSize])

	aspace, err := vm.NewAspace(arena, vm.KindKernel, "kernel", nil)
	if err != nil {
		arena.Close()
		return nil, err
	}
	if err := aspace.AllocPhysicalAt("kimage", img.Size, img.CodeStart, img.BasePhys, pagetables.ReadWriteExecute); err != nil {
		arena.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"code_start": fmt.Sprintf("%#x", img.CodeStart),
		"base_phys":  fmt.Sprintf("%#x", img.BasePhys),
		"memory":     opts.Memory,
	}).Debug("kernel loaded")

	return &Kernel{
		Arena:  arena,
		Aspace: aspace,
		Image:  img,
	}, nil
}

// Close releases the machine's memory.
func (k *Kernel) Close() error {
	return k.Arena.Close()
}
