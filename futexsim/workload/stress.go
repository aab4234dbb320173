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

package workload

import (
	"context"
	"fmt"
	"time"

	"gvisor.dev/kfutex/pkg/hostarch"
	"gvisor.dev/kfutex/pkg/sentry/kernel"
)

// StressOptions configures MutexStress.
type StressOptions struct {
	Tasks      int
	Iterations int

	// Processes runs each task in its own address space. The Env must use
	// shared futexes.
	Processes bool
}

// StressResult is the outcome of MutexStress.
type StressResult struct {
	Tasks      int           `json:"tasks" yaml:"tasks"`
	Iterations int           `json:"iterations" yaml:"iterations"`
	Counter    uint32        `json:"counter" yaml:"counter"`
	Elapsed    time.Duration `json:"elapsed_ns" yaml:"elapsed_ns"`
}

// MutexStress has opts.Tasks tasks each increment a shared counter
// opts.Iterations times under a Mutex, with a non-atomic read-modify-write.
// It fails if any increment is lost.
func MutexStress(ctx context.Context, e *Env, opts StressOptions) (StressResult, error) {
	res := StressResult{Tasks: opts.Tasks, Iterations: opts.Iterations}
	if opts.Processes && e.Private() {
		return res, fmt.Errorf("processes require shared futexes")
	}
	m, err := NewMutex(e)
	if err != nil {
		return res, err
	}
	counter, err := e.Alloc(4)
	if err != nil {
		return res, err
	}
	tasks, err := e.Spawn("stress", opts.Tasks, opts.Processes)
	if err != nil {
		return res, err
	}

	start := time.Now()
	err = Run(ctx, tasks, func(ctx context.Context, _ int, t *kernel.Task) error {
		for i := 0; i < opts.Iterations; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := m.Lock(t); err != nil {
				return err
			}
			if err := increment(t, counter); err != nil {
				return err
			}
			if err := m.Unlock(t); err != nil {
				return err
			}
		}
		return nil
	})
	res.Elapsed = elapsed("mutex stress", start)
	if err != nil {
		return res, err
	}
	if res.Counter, err = e.init.LoadUint32(counter); err != nil {
		return res, err
	}
	if want := uint32(opts.Tasks * opts.Iterations); res.Counter != want {
		return res, fmt.Errorf("counter is %d, want %d", res.Counter, want)
	}
	return res, nil
}

// increment adds one to the word at addr without atomicity.
func increment(t *kernel.Task, addr hostarch.Addr) error {
	v, err := t.LoadUint32(addr)
	if err != nil {
		return err
	}
	_, err = t.SwapUint32(addr, v+1)
	return err
}
