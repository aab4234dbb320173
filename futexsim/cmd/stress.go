// Copyright 2018 The gVisor Authors.
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

	"github.com/google/subcommands"
	"gvisor.dev/kfutex/futexsim/config"
	"gvisor.dev/kfutex/futexsim/workload"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	processes bool
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "increment a counter from many tasks under a futex mutex"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [-processes] - runs --tasks tasks that each take a futex-based mutex --iterations times and increment a shared counter. Fails if any increment is lost.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&s.processes, "processes", false, "run each task in its own address space. Requires --shared.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	return runWorkload(ctx, s.Name(), conf, func(ctx context.Context, e *workload.Env) (any, error) {
		return workload.MutexStress(ctx, e, workload.StressOptions{
			Tasks:      conf.Tasks,
			Iterations: conf.Iterations,
			Processes:  s.processes,
		})
	})
}
