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

package main

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"lowkern.dev/lowkern/pkg/bootstrap16"
	"lowkern.dev/lowkern/pkg/hostarch"
	"lowkern.dev/lowkern/pkg/kernel"
)

// config is the machine description read from the TOML file.
type config struct {
	// MemoryMiB is the physical memory size.
	MemoryMiB uint64 `toml:"memory_mib"`

	// CPUs is the total processor count, boot CPU included.
	CPUs int `toml:"cpus"`

	// TrampolineBase is the physical base of the loader-reserved two-page
	// trampoline region.
	TrampolineBase uint64 `toml:"trampoline_base"`
}

func defaultConfig() config {
	return config{
		MemoryMiB:      64,
		CPUs:           4,
		TrampolineBase: 0x8000,
	}
}

func loadConfig(path string) (config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if c.CPUs < 1 {
		return config{}, fmt.Errorf("%s: cpus must be at least 1", path)
	}
	base := hostarch.Paddr(c.TrampolineBase)
	if !base.IsPageAligned() || base > hostarch.MaxRealModeAddr-2*hostarch.PageSize {
		return config{}, fmt.Errorf("%s: trampoline_base %#x is not a page-aligned real-mode address", path, base)
	}
	return c, nil
}

// buildMachine assembles the simulated machine the config describes.
func buildMachine(c config) (*kernel.Kernel, *bootstrap16.Manager, error) {
	k, err := kernel.New(kernel.Options{Memory: c.MemoryMiB << 20})
	if err != nil {
		return nil, nil, err
	}
	m := bootstrap16.New(k)
	m.Init(hostarch.Paddr(c.TrampolineBase))
	return k, m, nil
}
