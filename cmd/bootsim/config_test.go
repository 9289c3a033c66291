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
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "machine.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
memory_mib = 128
cpus = 8
trampoline_base = 0x9000
`)
	c, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if c.MemoryMiB != 128 || c.CPUs != 8 || c.TrampolineBase != 0x9000 {
		t.Errorf("loadConfig = %+v", c)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	c, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if c != defaultConfig() {
		t.Errorf("loadConfig(\"\") = %+v, want defaults", c)
	}

	// Partial configs keep defaults for unset keys.
	path := writeConfig(t, "cpus = 2\n")
	c, err = loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if c.CPUs != 2 || c.MemoryMiB != defaultConfig().MemoryMiB {
		t.Errorf("partial config = %+v", c)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	for _, contents := range []string{
		"cpus = 0\n",
		"trampoline_base = 0x8001\n",   // unaligned
		"trampoline_base = 0xFF000\n",  // too close to 1 MiB for two pages
		"trampoline_base = 0x200000\n", // above real-mode reach
	} {
		path := writeConfig(t, contents)
		if _, err := loadConfig(path); err == nil {
			t.Errorf("loadConfig accepted %q", contents)
		}
	}
}

func TestBootMachine(t *testing.T) {
	k, m, err := buildMachine(defaultConfig())
	if err != nil {
		t.Fatalf("buildMachine: %v", err)
	}
	defer k.Close()

	if _, ok := m.Base(); !ok {
		t.Error("machine built without a published trampoline region")
	}
}
