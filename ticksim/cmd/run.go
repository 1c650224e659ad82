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
	"gvisor.dev/dyntick/pkg/log"
	"gvisor.dev/dyntick/ticksim/config"
	"gvisor.dev/dyntick/ticksim/sim"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	output string
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "Run workload trials against the dynamic tick core."
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] - Run workload trials against the dynamic tick core and
print a report. Trials are configured with the global flags; -trials runs
several seeds concurrently and -host runs on host timers.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.output, "o", "", "file to write the report to. Defaults to stdout.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	rep, err := sim.Run(ctx, conf)
	if err != nil {
		Fatalf("running trials: %v", err)
	}
	for _, t := range rep.Trials {
		log.Infof("Trial %d: %d steps, %v simulated, period counter %d", t.Seed, t.Steps, t.Elapsed, t.Jiffies)
	}

	out := os.Stdout
	if r.output != "" {
		file, err := os.Create(r.output)
		if err != nil {
			Fatalf("creating report file: %v", err)
		}
		defer file.Close()
		out = file
	}
	if err := writeValue(out, conf.Format, rep); err != nil {
		Fatalf("writing report: %v", err)
	}
	return subcommands.ExitSuccess
}
