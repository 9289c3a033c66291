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
	"bytes"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"lowkern.dev/lowkern/pkg/hostarch"
	"lowkern.dev/lowkern/pkg/kernel"
	"lowkern.dev/lowkern/pkg/physmem"
	"lowkern.dev/lowkern/pkg/ring0"
)

const testBase = hostarch.Paddr(0x8000)

func newTestManager(t *testing.T, opts kernel.Options) (*kernel.Kernel, *Manager) {
	t.Helper()
	k, err := kernel.New(opts)
	if err != nil {
		t.Fatalf("kernel.New: %v", err)
	}
	t.Cleanup(func() { k.Close() })
	return k, New(k)
}

// mustBeIdle asserts that the global mutex is not held.
func mustBeIdle(t *testing.T, m *Manager) {
	t.Helper()
	if !m.mu.TryLock() {
		t.Fatal("bootstrap mutex still held")
	}
	m.mu.Unlock()
}

func TestAcquireHappyPath(t *testing.T) {
	k, m := newTestManager(t, kernel.Options{})
	img := k.Image
	m.Init(testBase)

	ap, err := m.Acquire(img.Bootstrap16Entry)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer ap.Release()

	if ap.InstrPtr() != testBase {
		t.Errorf("InstrPtr = %#x, want %#x", ap.InstrPtr(), testBase)
	}

	h := DecodeHandoff(ap.Data())
	if want := uint32(m.aspace.Pml4Phys()); h.BootstrapPml4 != want {
		t.Errorf("BootstrapPml4 = %#x, want %#x", h.BootstrapPml4, want)
	}
	if want := uint32(k.Aspace.Pml4Phys()); h.KernelPml4 != want {
		t.Errorf("KernelPml4 = %#x, want %#x", h.KernelPml4, want)
	}
	if h.GdtrLimit != 0x3F {
		t.Errorf("GdtrLimit = %#x, want 0x3F", h.GdtrLimit)
	}
	if want := uint64(kernel.DefaultBasePhys) + hostarch.PageSize; h.GdtrBase != want {
		t.Errorf("GdtrBase = %#x, want %#x", h.GdtrBase, want)
	}
	// The relocated entry keeps its image offset: base + 0x200.
	if want := uint32(testBase) + 0x200; h.LongModeEntry != want {
		t.Errorf("LongModeEntry = %#x, want %#x", h.LongModeEntry, want)
	}
	if h.LongModeCS != ring0.Code64Selector {
		t.Errorf("LongModeCS = %#x, want %#x", h.LongModeCS, ring0.Code64Selector)
	}

	// The handoff fields must fit where 32-bit code can consume them.
	for _, pml4 := range []uint32{h.BootstrapPml4, h.KernelPml4} {
		if pml4 == 0 {
			t.Error("zero PML4 in handoff")
		}
	}
	if h.LongModeEntry < uint32(testBase) || h.LongModeEntry >= uint32(testBase)+uint32(img.Bootstrap16End-img.Bootstrap16Start) {
		t.Errorf("LongModeEntry %#x outside relocated image", h.LongModeEntry)
	}
}

func TestHandoffWireFormat(t *testing.T) {
	k, m := newTestManager(t, kernel.Options{})
	m.Init(testBase)

	ap, err := m.Acquire(k.Image.Bootstrap16Entry)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer ap.Release()

	h := DecodeHandoff(ap.Data())

	// Reconstruct the wire bytes field by field; any disagreement in
	// offset, width or byte order shows up as a diff.
	want := make([]byte, HandoffSize)
	binary.LittleEndian.PutUint32(want[0:], h.BootstrapPml4)
	binary.LittleEndian.PutUint32(want[4:], h.KernelPml4)
	binary.LittleEndian.PutUint16(want[8:], h.GdtrLimit)
	var gdtr [8]byte
	binary.LittleEndian.PutUint64(gdtr[:], h.GdtrBase)
	copy(want[10:16], gdtr[:6])
	binary.LittleEndian.PutUint32(want[16:], h.LongModeEntry)
	binary.LittleEndian.PutUint16(want[20:], uint16(h.LongModeCS))

	if diff := cmp.Diff(want, ap.Data()[:HandoffSize]); diff != "" {
		t.Errorf("handoff record mismatch (-want +got):\n%s", diff)
	}
}

func TestTrampolineCopied(t *testing.T) {
	k, m := newTestManager(t, kernel.Options{})
	img := k.Image
	m.Init(testBase)

	ap, err := m.Acquire(img.Bootstrap16Entry)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer ap.Release()

	imageLen := uint64(img.Bootstrap16End - img.Bootstrap16Start)
	src, err := k.Arena.Slice(img.BasePhys, imageLen)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	dst, err := k.Arena.Slice(testBase, imageLen)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	if !bytes.Equal(src, dst) {
		t.Error("relocated trampoline differs from image bytes")
	}
}

func TestAspaceMappings(t *testing.T) {
	k, m := newTestManager(t, kernel.Options{})
	img := k.Image
	m.Init(testBase)

	ap, err := m.Acquire(img.Bootstrap16Entry)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer ap.Release()

	// Identity mappings: code page, data page, GDT.
	for _, pa := range []hostarch.Paddr{testBase, testBase + hostarch.PageSize, img.BasePhys + hostarch.PageSize} {
		got, opts, ok := m.aspace.Lookup(hostarch.Vaddr(pa))
		if !ok || got != pa {
			t.Errorf("identity Lookup(%#x) = %#x, %t", pa, got, ok)
			continue
		}
		if !opts.Write || !opts.Execute {
			t.Errorf("identity mapping at %#x is %+v, want RWX", pa, opts)
		}
	}

	// Inherited kernel mappings: the trampoline's kernel-VA copy and the
	// AP arrival counter.
	for _, va := range []hostarch.Vaddr{img.Bootstrap16Start, img.APsStillBooting} {
		kpa, _, kok := k.Aspace.Lookup(va)
		bpa, _, bok := m.aspace.Lookup(va)
		if !kok || !bok || kpa != bpa {
			t.Errorf("inherited Lookup(%#x): kernel=%#x,%t bootstrap=%#x,%t", va, kpa, kok, bpa, bok)
		}
	}

	// The aperture itself is visible in the kernel aspace and backed by
	// the reserved region.
	pa, _, ok := k.Aspace.Lookup(ap.DataVaddr())
	if !ok || pa != testBase+hostarch.PageSize {
		t.Errorf("aperture Lookup = %#x, %t, want %#x", pa, ok, testBase+hostarch.PageSize)
	}
}

func TestBadEntry(t *testing.T) {
	k, m := newTestManager(t, kernel.Options{})
	img := k.Image
	m.Init(testBase)

	for _, entry := range []hostarch.Vaddr{
		img.Bootstrap16End,       // one past the end
		img.Bootstrap16Start - 1, // just below
		0,
	} {
		if _, err := m.Acquire(entry); !errors.Is(err, ErrInvalidArgs) {
			t.Errorf("Acquire(%#x) = %v, want ErrInvalidArgs", entry, err)
		}
	}
	mustBeIdle(t, m)

	// The start of the image is a valid entry.
	ap, err := m.Acquire(img.Bootstrap16Start)
	if err != nil {
		t.Fatalf("Acquire(start): %v", err)
	}
	if h := DecodeHandoff(ap.Data()); h.LongModeEntry != uint32(testBase) {
		t.Errorf("LongModeEntry = %#x, want %#x", h.LongModeEntry, testBase)
	}
	ap.Release()
}

func TestNotInitialized(t *testing.T) {
	k, m := newTestManager(t, kernel.Options{})
	if _, err := m.Acquire(k.Image.Bootstrap16Entry); !errors.Is(err, ErrBadState) {
		t.Errorf("Acquire = %v, want ErrBadState", err)
	}
	mustBeIdle(t, m)

	if _, ok := m.Base(); ok {
		t.Error("Base reported a value before Init")
	}
}

func TestInitPreconditions(t *testing.T) {
	mustPanic := func(t *testing.T, f func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Error("expected panic")
			}
		}()
		f()
	}

	t.Run("unaligned", func(t *testing.T) {
		_, m := newTestManager(t, kernel.Options{})
		mustPanic(t, func() { m.Init(0x8001) })
	})
	t.Run("above real mode", func(t *testing.T) {
		_, m := newTestManager(t, kernel.Options{})
		mustPanic(t, func() { m.Init(hostarch.MaxRealModeAddr - hostarch.PageSize) })
	})
	t.Run("twice", func(t *testing.T) {
		_, m := newTestManager(t, kernel.Options{})
		m.Init(testBase)
		mustPanic(t, func() { m.Init(testBase) })
	})
}

func TestHighPml4(t *testing.T) {
	// The machine needs physical memory above 4 GiB for the root to be
	// forced there.
	k, m := newTestManager(t, kernel.Options{Memory: 4<<30 + 64<<20})
	img := k.Image
	m.Init(testBase)

	k.Arena.SetAllocHook(func(c physmem.AllocConstraint) (hostarch.Paddr, bool) {
		if c == physmem.AllocBelow4G {
			return 0x100000000, true
		}
		return 0, false
	})

	if _, err := m.Acquire(img.Bootstrap16Entry); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("Acquire with high PML4 = %v, want ErrNoMemory", err)
	}
	mustBeIdle(t, m)
	if m.aspace != nil {
		t.Fatal("unusable bootstrap aspace was cached")
	}

	// Once low frames are available again, a retry succeeds.
	k.Arena.SetAllocHook(nil)
	ap, err := m.Acquire(img.Bootstrap16Entry)
	if err != nil {
		t.Fatalf("retry Acquire: %v", err)
	}
	defer ap.Release()
	if h := DecodeHandoff(ap.Data()); hostarch.Paddr(h.BootstrapPml4) != m.aspace.Pml4Phys() {
		t.Errorf("BootstrapPml4 = %#x, want %#x", h.BootstrapPml4, m.aspace.Pml4Phys())
	}
}

func TestRoundTripLeavesIdleState(t *testing.T) {
	k, m := newTestManager(t, kernel.Options{})
	img := k.Image
	m.Init(testBase)

	var lastVA hostarch.Vaddr
	for i := 0; i < 8; i++ {
		ap, err := m.Acquire(img.Bootstrap16Entry)
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		lastVA = ap.DataVaddr()
		ap.Release()
	}

	mustBeIdle(t, m)
	if m.aspace == nil {
		t.Error("bootstrap aspace discarded after release")
	}
	if _, _, ok := k.Aspace.Lookup(lastVA); ok {
		t.Error("aperture mapping leaked past Release")
	}
}

func TestAspaceCached(t *testing.T) {
	k, m := newTestManager(t, kernel.Options{})
	m.Init(testBase)

	ap, err := m.Acquire(k.Image.Bootstrap16Entry)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	first := m.aspace
	firstPml4 := DecodeHandoff(ap.Data()).BootstrapPml4
	ap.Release()

	ap, err = m.Acquire(k.Image.Bootstrap16Entry)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer ap.Release()
	if m.aspace != first {
		t.Error("bootstrap aspace rebuilt on second Acquire")
	}
	if got := DecodeHandoff(ap.Data()).BootstrapPml4; got != firstPml4 {
		t.Errorf("BootstrapPml4 changed across acquisitions: %#x != %#x", got, firstPml4)
	}
}

func TestSerialization(t *testing.T) {
	k, m := newTestManager(t, kernel.Options{})
	img := k.Image
	m.Init(testBase)

	const workers = 8
	var (
		holders   atomic.Int32
		instrPtrs [workers]hostarch.Paddr
		pml4s     [workers]uint32
	)
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		i := i
		g.Go(func() error {
			ap, err := m.Acquire(img.Bootstrap16Entry)
			if err != nil {
				return err
			}
			if n := holders.Add(1); n != 1 {
				t.Errorf("aperture lifetimes overlap: %d holders", n)
			}
			instrPtrs[i] = ap.InstrPtr()
			pml4s[i] = DecodeHandoff(ap.Data()).BootstrapPml4
			holders.Add(-1)
			ap.Release()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("worker failed: %v", err)
	}

	for i := 1; i < workers; i++ {
		if instrPtrs[i] != instrPtrs[0] {
			t.Errorf("instr ptr diverged: %#x != %#x", instrPtrs[i], instrPtrs[0])
		}
		if pml4s[i] != pml4s[0] {
			t.Errorf("bootstrap PML4 diverged: %#x != %#x", pml4s[i], pml4s[0])
		}
	}
	mustBeIdle(t, m)
}

func TestReentryRestagesImage(t *testing.T) {
	k, m := newTestManager(t, kernel.Options{})
	img := k.Image
	m.Init(testBase)

	ap, err := m.Acquire(img.Bootstrap16Entry)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ap.Release()

	// Clobber the relocated copy, as a prior boot attempt (or mexec)
	// would have.
	stale, err := k.Arena.Slice(testBase, hostarch.PageSize)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	for i := range stale {
		stale[i] = 0xCC
	}

	ap, err = m.Acquire(img.Bootstrap16Start)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer ap.Release()

	imageLen := uint64(img.Bootstrap16End - img.Bootstrap16Start)
	src, _ := k.Arena.Slice(img.BasePhys, imageLen)
	dst, _ := k.Arena.Slice(testBase, imageLen)
	if !bytes.Equal(src, dst) {
		t.Error("trampoline image not re-copied on re-entry")
	}
	if h := DecodeHandoff(ap.Data()); h.LongModeEntry != uint32(testBase) {
		t.Errorf("LongModeEntry = %#x, want %#x (new entry)", h.LongModeEntry, testBase)
	}
}

func TestDoubleReleasePanics(t *testing.T) {
	k, m := newTestManager(t, kernel.Options{})
	m.Init(testBase)

	ap, err := m.Acquire(k.Image.Bootstrap16Entry)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ap.Release()
	defer func() {
		if recover() == nil {
			t.Error("double Release did not panic")
		}
	}()
	ap.Release()
}
