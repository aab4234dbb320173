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

// Barrier implements subcommands.Command for the "barrier" command.
type Barrier struct {
	processes bool
}

// Name implements subcommands.Command.Name.
func (*Barrier) Name() string {
	return "barrier"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Barrier) Synopsis() string {
	return "run rounds of a condition variable barrier"
}

// Usage implements subcommands.Command.Usage.
func (*Barrier) Usage() string {
	return `barrier [-processes] - runs --iterations rounds of a barrier over --tasks tasks. The last task to arrive releases the others with a requeueing broadcast.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Barrier) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&b.processes, "processes", false, "run each task in its own address space. Requires --shared.")
}

// Execute implements subcommands.Command.Execute.
func (b *Barrier) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	return runWorkload(ctx, b.Name(), conf, func(ctx context.Context, e *workload.Env) (any, error) {
		return workload.Barrier(ctx, e, workload.BarrierOptions{
			Tasks:     conf.Tasks,
			Rounds:    conf.Iterations,
			Processes: b.processes,
		})
	})
}

// Queue implements subcommands.Command for the "queue" command.
type Queue struct{}

// Name implements subcommands.Command.Name.
func (*Queue) Name() string {
	return "queue"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Queue) Synopsis() string {
	return "hand items from a producer to consumers through a condition variable"
}

// Usage implements subcommands.Command.Usage.
func (*Queue) Usage() string {
	return `queue - one producer hands --iterations items to --tasks consumers, signalling each item. Fails unless every item is consumed exactly once.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Queue) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (q *Queue) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	return runWorkload(ctx, q.Name(), conf, func(ctx context.Context, e *workload.Env) (any, error) {
		return workload.Queue(ctx, e, workload.QueueOptions{
			Consumers: conf.Tasks,
			Items:     conf.Iterations,
		})
	})
}
