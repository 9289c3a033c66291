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

// Package bootstrap16 stages the real-mode trampoline that takes an
// application processor from its power-on state to the kernel's 64-bit entry
// point.
//
// Two pages below 1 MiB, reserved by the loader and published with Init, hold
// the relocated trampoline code and its handoff data. The trampoline executes
// from the identity-mapped code page, so a dedicated "bootstrap" address
// space carries identity mappings for it, the data page and the temporary
// GDT, while sharing the kernel half of the address space so the far jump
// into kernel code lands somewhere mapped. The kernel writes the pages
// through a short-lived aperture in its own address space.
//
// One global mutex serializes the whole sequence: Acquire stages everything
// and returns with the mutex held, Release tears the aperture down and drops
// it. APs are therefore brought up one at a time against a single trampoline
// region.
package bootstrap16

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"lowkern.dev/lowkern/pkg/cleanup"
	"lowkern.dev/lowkern/pkg/hostarch"
	"lowkern.dev/lowkern/pkg/kernel"
	"lowkern.dev/lowkern/pkg/pagetables"
	"lowkern.dev/lowkern/pkg/ring0"
	"lowkern.dev/lowkern/pkg/vm"
)

var (
	// ErrBadState indicates that Init has not published a trampoline
	// region.
	ErrBadState = errors.New("bootstrap16: not initialized")

	// ErrInvalidArgs indicates an entry point outside the trampoline
	// image.
	ErrInvalidArgs = errors.New("bootstrap16: entry point outside trampoline image")

	// ErrNoMemory indicates that the bootstrap address space or the
	// kernel aperture could not be set up, or that the bootstrap PML4
	// landed above 4 GiB.
	ErrNoMemory = errors.New("bootstrap16: out of memory")
)

var log = logrus.WithField("subsys", "bootstrap16")

// Manager owns the process-wide bootstrap state: the published low-memory
// region, the serializing mutex, and the lazily built bootstrap address
// space.
type Manager struct {
	kernel *kernel.Kernel

	// mu serializes trampoline use. It is taken by Acquire and held,
	// deliberately, until the matching Aperture.Release: no second AP may
	// touch the region while one is still walking the trampoline.
	mu sync.Mutex

	// base is the published physical base of the two-page trampoline
	// region. Written once by Init, read-only afterwards.
	base      hostarch.Paddr
	published bool

	// aspace is the cached bootstrap address space. Built on first
	// Acquire and retained for the life of the kernel so its sub-4-GiB
	// root is never recycled into memory the trampoline cannot address.
	// Guarded by mu.
	aspace *vm.Aspace
}

// New creates a Manager for the given kernel environment.
func New(k *kernel.Kernel) *Manager {
	return &Manager{kernel: k}
}

// Init publishes the physical base of the two-page region below 1 MiB that
// the loader reserved for the trampoline, and claims its frames. Called once
// during early boot, before any other CPU exists; calling it twice, or with
// an unusable base, is a programming error and panics.
func (m *Manager) Init(base hostarch.Paddr) {
	if m.published {
		panic("bootstrap16.Init called twice")
	}
	if !base.IsPageAligned() {
		panic(fmt.Sprintf("bootstrap16.Init: unaligned base %#x", base))
	}
	if base > hostarch.MaxRealModeAddr-2*hostarch.PageSize {
		panic(fmt.Sprintf("bootstrap16.Init: base %#x not addressable in real mode", base))
	}
	if err := m.kernel.Arena.Reserve(base, 2); err != nil {
		panic(fmt.Sprintf("bootstrap16.Init: reserving %#x: %v", base, err))
	}
	m.base = base
	m.published = true
	log.WithField("base", fmt.Sprintf("%#x", base)).Debug("trampoline region published")
}

// Base returns the published trampoline base, if any.
func (m *Manager) Base() (hostarch.Paddr, bool) {
	return m.base, m.published
}

// Aperture is the caller's handle on a staged trampoline. It borrows a
// two-page window in the kernel address space and carries the global
// bootstrap mutex; dropping it without calling Release wedges AP bring-up,
// so the handle is move-only by convention and Release is the only way out.
type Aperture struct {
	m        *Manager
	baseVA   hostarch.Vaddr // kernel VA of the aperture (code page).
	instr    hostarch.Paddr // AP's initial cs:ip, as a physical address.
	data     []byte         // the data page, writable.
	released bool
}

// DataVaddr returns the kernel virtual address of the trampoline data page.
func (a *Aperture) DataVaddr() hostarch.Vaddr {
	return a.baseVA + hostarch.PageSize
}

// Data returns the writable data page. The handoff record occupies the first
// HandoffSize bytes; callers may stage additional per-CPU data after it.
func (a *Aperture) Data() []byte {
	return a.data
}

// InstrPtr returns the physical address the AP must start executing at: the
// base of the relocated trampoline code page.
func (a *Aperture) InstrPtr() hostarch.Paddr {
	return a.instr
}

// Release unmaps the kernel aperture and drops the global bootstrap mutex.
// It never fails. Releasing twice is a programming error and panics.
func (a *Aperture) Release() {
	if a.released {
		panic("bootstrap16: aperture released twice")
	}
	a.released = true
	if err := a.m.kernel.Aspace.FreeRegion(a.baseVA); err != nil {
		panic(fmt.Sprintf("bootstrap16: unmapping aperture: %v", err))
	}
	a.m.mu.Unlock()
}

// Acquire stages the trampoline for one AP and returns the aperture. entry
// is the kernel virtual address, inside the trampoline image, of the 64-bit
// code the AP should end up in.
//
// On success the global bootstrap mutex is held until Aperture.Release; on
// failure it is not held and nothing is left mapped. The staged state is:
// the trampoline bytes copied to the code page, the handoff record written
// at the start of the data page, and the bootstrap address space populated
// with the identity mappings the AP needs.
func (m *Manager) Acquire(entry hostarch.Vaddr) (*Aperture, error) {
	img := &m.kernel.Image
	if entry < img.Bootstrap16Start || entry >= img.Bootstrap16End {
		return nil, fmt.Errorf("%w: %#x not in [%#x, %#x)", ErrInvalidArgs, entry, img.Bootstrap16Start, img.Bootstrap16End)
	}
	if !m.published {
		return nil, ErrBadState
	}

	m.mu.Lock()
	cu := cleanup.Make(m.mu.Unlock)
	defer cu.Clean()

	if err := m.ensureAspaceLocked(); err != nil {
		return nil, err
	}

	// Map the two reserved pages into the kernel aspace so we can write
	// them. The AP will read the same bytes through its identity
	// mappings.
	va, err := m.kernel.Aspace.AllocPhysical("bootstrap16_aperture", 2*hostarch.PageSize, m.base, pagetables.ReadWrite)
	if err != nil {
		return nil, fmt.Errorf("%w: mapping aperture: %v", ErrNoMemory, err)
	}
	cu.Add(func() {
		if err := m.kernel.Aspace.FreeRegion(va); err != nil {
			panic(fmt.Sprintf("bootstrap16: unwinding aperture: %v", err))
		}
	})

	codePage, err := m.kernel.Arena.Slice(m.base, hostarch.PageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoMemory, err)
	}
	dataPage, err := m.kernel.Arena.Slice(m.base+hostarch.PageSize, hostarch.PageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoMemory, err)
	}

	// Relocate the trampoline image. It is re-copied on every Acquire:
	// after a mexec the resident copy may be stale.
	imageLen := uint64(img.Bootstrap16End - img.Bootstrap16Start)
	if imageLen > hostarch.PageSize {
		panic(fmt.Sprintf("bootstrap16: trampoline image %#x bytes exceeds one page", imageLen))
	}
	srcPA, ok := img.VaddrToPaddr(img.Bootstrap16Start)
	if !ok {
		panic("bootstrap16: trampoline image outside kernel image")
	}
	src, err := m.kernel.Arena.Slice(srcPA, imageLen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoMemory, err)
	}
	copy(codePage, src)

	h, err := m.makeHandoffLocked(entry)
	if err != nil {
		return nil, err
	}
	h.encode(dataPage)

	log.WithFields(logrus.Fields{
		"entry":     fmt.Sprintf("%#x", entry),
		"instr_ptr": fmt.Sprintf("%#x", m.base),
	}).Debug("trampoline staged")

	cu.Release()
	return &Aperture{
		m:      m,
		baseVA: va,
		instr:  m.base,
		data:   dataPage,
	}, nil
}

// makeHandoffLocked computes the handoff record for the given entry point.
//
// Precondition: mu held, aspace built, entry validated.
func (m *Manager) makeHandoffLocked(entry hostarch.Vaddr) (Handoff, error) {
	img := &m.kernel.Image

	bootstrapPml4 := m.aspace.Pml4Phys()
	kernelPml4 := m.kernel.Aspace.Pml4Phys()
	if !bootstrapPml4.Fits32() || !kernelPml4.Fits32() {
		// ensureAspaceLocked already screened the bootstrap root, so
		// only a high kernel root can trip this.
		return Handoff{}, fmt.Errorf("%w: PML4 above 4 GiB", ErrNoMemory)
	}

	gdtPA, _, ok := m.kernel.Aspace.Lookup(img.TempGDT)
	if !ok {
		panic("bootstrap16: temporary GDT not mapped in kernel aspace")
	}

	// The relocated entry keeps its offset within the image.
	entryPhys := m.base + hostarch.Paddr(entry-img.Bootstrap16Start)
	if !entryPhys.Fits32() {
		panic(fmt.Sprintf("bootstrap16: relocated entry %#x above 4 GiB", entryPhys))
	}

	return Handoff{
		BootstrapPml4: uint32(bootstrapPml4),
		KernelPml4:    uint32(kernelPml4),
		GdtrLimit:     uint16(img.TempGDTEnd-img.TempGDT) - 1,
		GdtrBase:      uint64(gdtPA),
		LongModeEntry: uint32(entryPhys),
		LongModeCS:    ring0.Code64Selector,
	}, nil
}

// ensureAspaceLocked builds the bootstrap address space on first use. The
// space is retained forever once built; a space whose root lands above
// 4 GiB is useless to the trampoline and is discarded instead, so that a
// later Acquire can try again.
//
// Precondition: mu held; Init has run.
func (m *Manager) ensureAspaceLocked() error {
	if m.aspace != nil {
		return nil
	}

	as, err := vm.NewAspace(m.kernel.Arena, vm.KindLowKernel, "bootstrap16", m.kernel.Aspace)
	if err != nil {
		return fmt.Errorf("%w: creating bootstrap aspace: %v", ErrNoMemory, err)
	}
	if !as.Pml4Phys().Fits32() {
		return fmt.Errorf("%w: bootstrap PML4 at %#x", ErrNoMemory, as.Pml4Phys())
	}

	// Identity mappings the AP needs before it can see kernel addresses:
	// the trampoline code page, the data page, and the temporary GDT.
	// Everything in the kernel half is inherited from the kernel aspace.
	if err := as.AllocPhysicalAt("bootstrap_code", hostarch.PageSize, hostarch.Vaddr(m.base), m.base, pagetables.ReadWriteExecute); err != nil {
		return fmt.Errorf("%w: identity-mapping code page: %v", ErrNoMemory, err)
	}
	if err := as.AllocPhysicalAt("bootstrap_data", hostarch.PageSize, hostarch.Vaddr(m.base)+hostarch.PageSize, m.base+hostarch.PageSize, pagetables.ReadWriteExecute); err != nil {
		return fmt.Errorf("%w: identity-mapping data page: %v", ErrNoMemory, err)
	}

	img := &m.kernel.Image
	gdtPA, _, ok := m.kernel.Aspace.Lookup(img.TempGDT)
	if !ok {
		panic("bootstrap16: temporary GDT not mapped in kernel aspace")
	}
	gdtBase := gdtPA.RoundDown()
	gdtEnd, ok := (gdtPA + hostarch.Paddr(img.TempGDTEnd-img.TempGDT)).RoundUp()
	if !ok {
		panic("bootstrap16: GDT wraps physical memory")
	}
	if err := as.AllocPhysicalAt("bootstrap_gdt", uint64(gdtEnd-gdtBase), hostarch.Vaddr(gdtBase), gdtBase, pagetables.ReadWriteExecute); err != nil {
		return fmt.Errorf("%w: identity-mapping GDT: %v", ErrNoMemory, err)
	}

	m.aspace = as
	return nil
}
