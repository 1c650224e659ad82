// Copyright 2026 The gVisor Authors.
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

package cmd

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/dyntick/ticksim/config"
)

// Config implements subcommands.Command for the "config" command.
type Config struct {
	flags bool
}

// Name implements subcommands.Command.Name.
func (*Config) Name() string {
	return "config"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Config) Synopsis() string {
	return "Print the effective configuration."
}

// Usage implements subcommands.Command.Usage.
func (*Config) Usage() string {
	return `config [-flags] - Print the effective configuration as TOML, which
the -config flag accepts, or as the flags that differ from their defaults.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Config) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.flags, "flags", false, "print command line flags instead of TOML.")
}

// Execute implements subcommands.Command.Execute.
func (c *Config) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if c.flags {
		for _, fl := range conf.ToFlags() {
			os.Stdout.WriteString(fl + "\n")
		}
		return subcommands.ExitSuccess
	}
	if err := conf.WriteTOML(os.Stdout); err != nil {
		Fatalf("writing config: %v", err)
	}
	return subcommands.ExitSuccess
}
