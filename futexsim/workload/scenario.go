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

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/kfutex/pkg/hostarch"
	"gvisor.dev/kfutex/pkg/log"
	"gvisor.dev/kfutex/pkg/sentry/kernel"
)

// Spawn creates n tasks named prefix-0 through prefix-(n-1). They are threads
// of the init task, or processes if processes is true.
func (e *Env) Spawn(prefix string, n int, processes bool) ([]*kernel.Task, error) {
	tasks := make([]*kernel.Task, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("%s-%d", prefix, i)
		var (
			t   *kernel.Task
			err error
		)
		if processes {
			t, err = e.NewProcess(name)
		} else {
			t, err = e.NewTask(name)
		}
		if err != nil {
			for _, t := range tasks {
				t.Exit()
			}
			return nil, fmt.Errorf("creating %s: %w", name, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Run calls fn for each task in its own goroutine and waits for all of them.
// Each task exits when its fn returns. If ctx is done or any fn fails, every
// task is exited so that blocked operations return EINTR.
func Run(ctx context.Context, tasks []*kernel.Task, fn func(ctx context.Context, i int, t *kernel.Task) error) error {
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() {
		for _, t := range tasks {
			t.Exit()
		}
	})
	defer stop()
	for i, t := range tasks {
		i, t := i, t
		g.Go(func() error {
			defer t.Exit()
			if err := fn(gctx, i, t); err != nil {
				return fmt.Errorf("task %d (%s): %w", t.ThreadID(), t.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// WaitQueued polls until n waiters are queued on addr.
func (e *Env) WaitQueued(ctx context.Context, addr hostarch.Addr, n int) error {
	b := backoff.WithContext(backoff.NewConstantBackOff(100*time.Microsecond), ctx)
	return backoff.Retry(func() error {
		got, err := e.k.Futexes().QueuedWaiters(e.init, addr, e.Private())
		if err != nil {
			return backoff.Permanent(err)
		}
		if got != n {
			return fmt.Errorf("%d waiters queued on %v, want %d", got, addr, n)
		}
		return nil
	}, b)
}

// elapsed logs and returns the time since start.
func elapsed(name string, start time.Time) time.Duration {
	d := time.Since(start)
	log.Infof("workload: %s finished in %v", name, d)
	return d
}
