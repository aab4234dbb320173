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

// Package kernel provides a simulated kernel: tasks with address spaces and
// thread IDs, the shared futex manager, and the clocks futex waits are
// measured against.
//
// Lock order:
//
//	TaskSet.mu
//	  Task.mu
//	    Kernel.blockMu
package kernel

import (
	"time"

	"gvisor.dev/kfutex/pkg/log"
	"gvisor.dev/kfutex/pkg/sentry/kernel/futex"
	"gvisor.dev/kfutex/pkg/sentry/ktime"
	"gvisor.dev/kfutex/pkg/sync"
)

// robustWarnInterval bounds how often robust list truncation is logged.
const robustWarnInterval = time.Second

// Kernel represents an emulated kernel instance.
type Kernel struct {
	// futexes is the kernel-wide futex manager. futexes is immutable.
	futexes *futex.Manager

	// realtimeClock and monotonicClock are immutable.
	realtimeClock  ktime.Clock
	monotonicClock ktime.Clock

	tasks *TaskSet

	// robustLog reports truncated robust lists.
	robustLog log.Logger

	// blockMu protects blocking.
	blockMu sync.Mutex

	// blocking is the number of Task.Block calls in progress, including
	// those of tasks that have already exited. blockIdle is signalled when it
	// drops to zero.
	blocking  int
	blockIdle *sync.Cond
}

// InitKernelArgs holds arguments to NewKernel.
type InitKernelArgs struct {
	// RealtimeClock is the CLOCK_REALTIME clock. If nil, the host's wall
	// clock is used.
	RealtimeClock ktime.Clock

	// MonotonicClock is the CLOCK_MONOTONIC clock. If nil, a host monotonic
	// clock is used.
	MonotonicClock ktime.Clock
}

// NewKernel returns an initialized Kernel.
func NewKernel(args InitKernelArgs) *Kernel {
	k := &Kernel{
		futexes:        futex.NewManager(),
		realtimeClock:  args.RealtimeClock,
		monotonicClock: args.MonotonicClock,
		tasks:          newTaskSet(),
		robustLog:      log.BasicRateLimitedLogger(robustWarnInterval),
	}
	k.blockIdle = sync.NewCond(&k.blockMu)
	if k.realtimeClock == nil {
		k.realtimeClock = ktime.RealtimeClock{}
	}
	if k.monotonicClock == nil {
		k.monotonicClock = ktime.NewMonotonicClock()
	}
	return k
}

// Futexes returns the kernel's futex manager.
func (k *Kernel) Futexes() *futex.Manager {
	return k.futexes
}

// RealtimeClock returns the application CLOCK_REALTIME clock.
func (k *Kernel) RealtimeClock() ktime.Clock {
	return k.realtimeClock
}

// MonotonicClock returns the application CLOCK_MONOTONIC clock.
func (k *Kernel) MonotonicClock() ktime.Clock {
	return k.monotonicClock
}

// Clock returns the clock identified by id.
func (k *Kernel) Clock(id ktime.ClockID) ktime.Clock {
	if id == ktime.Realtime {
		return k.realtimeClock
	}
	return k.monotonicClock
}

// TaskSet returns the TaskSet.
func (k *Kernel) TaskSet() *TaskSet {
	return k.tasks
}

// Destroy exits all remaining tasks, waits for their blocking operations to
// return, and tears down the futex manager, which panics if any futex object
// outlived its users.
func (k *Kernel) Destroy() {
	for _, t := range k.tasks.Tasks() {
		t.Exit()
	}
	k.waitBlocked()
	k.futexes.Destroy()
}

func (k *Kernel) beginBlock() {
	k.blockMu.Lock()
	k.blocking++
	k.blockMu.Unlock()
}

func (k *Kernel) endBlock() {
	k.blockMu.Lock()
	defer k.blockMu.Unlock()
	k.blocking--
	if k.blocking == 0 {
		k.blockIdle.Broadcast()
	}
}

// waitBlocked waits until no Task.Block call is in progress.
func (k *Kernel) waitBlocked() {
	k.blockMu.Lock()
	defer k.blockMu.Unlock()
	for k.blocking > 0 {
		k.blockIdle.Wait()
	}
}
