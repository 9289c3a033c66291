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
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"lowkern.dev/lowkern/pkg/bootstrap16"
)

// handoff implements subcommands.Command for the "handoff" command: stage one
// trampoline acquisition and dump the record an AP would read.
type handoff struct {
	configPath string
}

// Name implements subcommands.Command.Name.
func (*handoff) Name() string {
	return "handoff"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*handoff) Synopsis() string {
	return "stage the trampoline once and print the handoff record"
}

// Usage implements subcommands.Command.Usage.
func (*handoff) Usage() string {
	return "handoff [-config <file>]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (h *handoff) SetFlags(f *flag.FlagSet) {
	f.StringVar(&h.configPath, "config", "", "machine description (TOML); defaults apply if empty")
}

// Execute implements subcommands.Command.Execute.
func (h *handoff) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	c, err := loadConfig(h.configPath)
	if err != nil {
		logrus.Error(err)
		return subcommands.ExitUsageError
	}
	k, m, err := buildMachine(c)
	if err != nil {
		logrus.Error(err)
		return subcommands.ExitFailure
	}
	defer k.Close()

	ap, err := m.Acquire(k.Image.Bootstrap16Entry)
	if err != nil {
		logrus.Error(err)
		return subcommands.ExitFailure
	}
	defer ap.Release()

	rec := bootstrap16.DecodeHandoff(ap.Data())
	fmt.Printf("instr ptr:        %#x\n", ap.InstrPtr())
	fmt.Printf("bootstrap pml4:   %#x\n", rec.BootstrapPml4)
	fmt.Printf("kernel pml4:      %#x\n", rec.KernelPml4)
	fmt.Printf("gdtr:             base %#x limit %#x\n", rec.GdtrBase, rec.GdtrLimit)
	fmt.Printf("long mode entry:  %#x\n", rec.LongModeEntry)
	fmt.Printf("long mode cs:     %#x\n", rec.LongModeCS)
	return subcommands.ExitSuccess
}
