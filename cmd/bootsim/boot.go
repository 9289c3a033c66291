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

	"lowkern.dev/lowkern/pkg/smp"
)

// boot implements subcommands.Command for the "boot" command.
type boot struct {
	configPath string
}

// Name implements subcommands.Command.Name.
func (*boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*boot) Synopsis() string {
	return "bring up the machine's application processors"
}

// Usage implements subcommands.Command.Usage.
func (*boot) Usage() string {
	return "boot [-config <file>]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *boot) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.configPath, "config", "", "machine description (TOML); defaults apply if empty")
}

// Execute implements subcommands.Command.Execute.
func (b *boot) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	c, err := loadConfig(b.configPath)
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

	online := smp.Bringup(k, m, c.CPUs)
	fmt.Printf("%d/%d application processors online (%d cpus total)\n", online, c.CPUs-1, online+1)
	if online != c.CPUs-1 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
