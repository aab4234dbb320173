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

// Race implements subcommands.Command for the "race" command.
type Race struct{}

// Name implements subcommands.Command.Name.
func (*Race) Name() string {
	return "race"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Race) Synopsis() string {
	return "race futex wakes against wait timeouts"
}

// Usage implements subcommands.Command.Usage.
func (*Race) Usage() string {
	return `race - runs --trials trials of a FUTEX_WAKE racing the --wait-timeout of a FUTEX_WAIT. Fails if a wake is lost or counted twice.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Race) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (r *Race) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	return runWorkload(ctx, r.Name(), conf, func(ctx context.Context, e *workload.Env) (any, error) {
		return workload.WakeTimeoutRace(ctx, e, workload.RaceOptions{
			Trials:  conf.Trials,
			Timeout: conf.WaitTimeout,
		})
	})
}

// Robust implements subcommands.Command for the "robust" command.
type Robust struct {
	waiters int
	pending bool
}

// Name implements subcommands.Command.Name.
func (*Robust) Name() string {
	return "robust"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Robust) Synopsis() string {
	return "exit while holding a robust futex and check that a waiter recovers it"
}

// Usage implements subcommands.Command.Usage.
func (*Robust) Usage() string {
	return `robust [-waiters=<n>] [-pending] - a task exits holding a robust mutex with waiters queued. Exactly one acquirer must see EOWNERDEAD.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Robust) SetFlags(f *flag.FlagSet) {
	f.IntVar(&r.waiters, "waiters", 1, "number of tasks waiting when the owner exits.")
	f.BoolVar(&r.pending, "pending", false, "exit with the lock named only by list_op_pending.")
}

// Execute implements subcommands.Command.Execute.
func (r *Robust) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || r.waiters < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	return runWorkload(ctx, r.Name(), conf, func(ctx context.Context, e *workload.Env) (any, error) {
		return workload.OwnerDied(ctx, e, workload.OwnerDiedOptions{
			Waiters: r.waiters,
			Pending: r.pending,
		})
	})
}
