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

// Package smp drives application-processor bring-up: it is the caller of the
// bootstrap16 acquire/release pair. Since there is no real silicon to wake,
// the package also plays the AP's part, consuming the staged trampoline the
// way the hardware walk would and reporting whether the AP could have reached
// long mode.
package smp

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"lowkern.dev/lowkern/pkg/bootstrap16"
	"lowkern.dev/lowkern/pkg/hostarch"
	"lowkern.dev/lowkern/pkg/kernel"
	"lowkern.dev/lowkern/pkg/ring0"
)

var log = logrus.WithField("subsys", "smp")

// Bringup starts every AP of a cpus-processor machine, one at a time, and
// returns how many came online. CPU 0 is the boot processor and is already
// running. A failure to start an AP is logged and skipped; the machine
// simply runs with fewer processors.
func Bringup(k *kernel.Kernel, m *bootstrap16.Manager, cpus int) int {
	online := 0
	for cpu := 1; cpu < cpus; cpu++ {
		if err := startAP(k, m, cpu); err != nil {
			log.WithField("cpu", cpu).WithError(err).Warn("failed to start AP")
			continue
		}
		online++
	}
	return online
}

// startAP stages the trampoline for one AP and simulates the AP consuming
// it. The aperture is held for the whole wake-up, exactly as the real
// sequence holds it across the IPI and the AP's climb to long mode.
func startAP(k *kernel.Kernel, m *bootstrap16.Manager, cpu int) error {
	ap, err := m.Acquire(k.Image.Bootstrap16Entry)
	if err != nil {
		return err
	}
	defer ap.Release()

	// In hardware this is where the INIT/SIPI pair goes out, with the
	// vector derived from ap.InstrPtr().
	if err := runTrampoline(k, ap); err != nil {
		return fmt.Errorf("trampoline: %w", err)
	}

	log.WithFields(logrus.Fields{
		"cpu":       cpu,
		"instr_ptr": fmt.Sprintf("%#x", ap.InstrPtr()),
	}).Debug("AP online")
	return nil
}

// runTrampoline acts out the AP's path through the staged trampoline,
// checking at each step that what the AP would fetch is what the bootstrap
// code promised to stage.
func runTrampoline(k *kernel.Kernel, ap *bootstrap16.Aperture) error {
	img := &k.Image
	instr := ap.InstrPtr()
	imageLen := uint64(img.Bootstrap16End - img.Bootstrap16Start)

	// The AP starts fetching at instr; the first bytes must be the
	// trampoline image, freshly relocated.
	code, err := k.Arena.Slice(instr, imageLen)
	if err != nil {
		return err
	}
	srcPA, ok := img.VaddrToPaddr(img.Bootstrap16Start)
	if !ok {
		return fmt.Errorf("trampoline image outside kernel image")
	}
	src, err := k.Arena.Slice(srcPA, imageLen)
	if err != nil {
		return err
	}
	for i := range code {
		if code[i] != src[i] {
			return fmt.Errorf("stale trampoline byte at +%#x", i)
		}
	}

	// The handoff record sits at the start of the data page, one page
	// after the code.
	data, err := k.Arena.Slice(instr+hostarch.PageSize, hostarch.PageSize)
	if err != nil {
		return err
	}
	h := bootstrap16.DecodeHandoff(data)

	// lgdt: the GDT must be physically readable and the promised selector
	// must name a long-mode code segment.
	gdt, err := k.Arena.Slice(hostarch.Paddr(h.GdtrBase), uint64(h.GdtrLimit)+1)
	if err != nil {
		return fmt.Errorf("GDT unreadable: %w", err)
	}
	sel := uint16(h.LongModeCS) &^ 7
	if int(sel)+8 > len(gdt) {
		return fmt.Errorf("selector %#x beyond GDT limit %#x", h.LongModeCS, h.GdtrLimit)
	}
	desc := binary.LittleEndian.Uint64(gdt[sel:])
	if desc&(1<<53) == 0 { // L bit
		return fmt.Errorf("selector %#x is not a 64-bit code segment", h.LongModeCS)
	}
	if h.LongModeCS != ring0.Code64Selector {
		return fmt.Errorf("unexpected code selector %#x", h.LongModeCS)
	}

	// mov cr3: both roots must be below 4 GiB by construction of the
	// record; the far jump target must land inside the relocated image.
	if h.BootstrapPml4 == 0 || h.KernelPml4 == 0 {
		return fmt.Errorf("null PML4 in handoff")
	}
	entry := hostarch.Paddr(h.LongModeEntry)
	if entry < instr || uint64(entry-instr) >= imageLen {
		return fmt.Errorf("entry %#x outside relocated trampoline", entry)
	}

	// The AP has "reached" the 64-bit entry: announce arrival the way the
	// real trampoline's last instruction sequence does.
	ctrPA, _, ok := k.Aspace.Lookup(img.APsStillBooting)
	if !ok {
		return fmt.Errorf("arrival counter not mapped")
	}
	ctr, err := k.Arena.Slice(ctrPA, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(ctr, binary.LittleEndian.Uint32(ctr)+1)
	return nil
}

// ArrivalCount reads the AP arrival counter.
func ArrivalCount(k *kernel.Kernel) uint32 {
	ctrPA, _, ok := k.Aspace.Lookup(k.Image.APsStillBooting)
	if !ok {
		return 0
	}
	ctr, err := k.Arena.Slice(ctrPA, 4)
	if err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(ctr)
}
