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

	"golang.org/x/sync/errgroup"
	"gvisor.dev/kfutex/pkg/abi/linux"
	"gvisor.dev/kfutex/pkg/errors/linuxerr"
	"gvisor.dev/kfutex/pkg/log"
)

// RaceOptions configures WakeTimeoutRace.
type RaceOptions struct {
	Trials  int
	Timeout time.Duration
}

// RaceResult is the outcome of WakeTimeoutRace.
type RaceResult struct {
	Trials   int           `json:"trials" yaml:"trials"`
	Woken    int           `json:"woken" yaml:"woken"`
	TimedOut int           `json:"timed_out" yaml:"timed_out"`
	Elapsed  time.Duration `json:"elapsed_ns" yaml:"elapsed_ns"`
}

// WakeTimeoutRace races a FUTEX_WAKE against the timeout of a FUTEX_WAIT,
// opts.Trials times with the wake landing before, near and after the
// deadline. In every trial exactly one side must win: the wake reports one
// waiter woken and the wait succeeds, or the wake finds nobody and the wait
// times out. No futex may outlive the trials.
func WakeTimeoutRace(ctx context.Context, e *Env, opts RaceOptions) (res RaceResult, err error) {
	res.Trials = opts.Trials
	word, err := e.Alloc(4)
	if err != nil {
		return res, err
	}
	tasks, err := e.Spawn("race", 2, false)
	if err != nil {
		return res, err
	}
	waiter, waker := tasks[0], tasks[1]
	defer waiter.Exit()
	defer waker.Exit()

	start := time.Now()
	defer func() { res.Elapsed = elapsed("wake/timeout race", start) }()
	for i := 0; i < opts.Trials; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ts, err := e.WriteTimeout(waiter, opts.Timeout)
		if err != nil {
			return res, err
		}
		jitter := opts.Timeout * time.Duration(i%5) / 4

		var (
			g       errgroup.Group
			waitErr error
			woken   uintptr
		)
		g.Go(func() error {
			_, waitErr = e.Futex(waiter, word, linux.FUTEX_WAIT, 0, uintptr(ts), 0, 0)
			return nil
		})
		g.Go(func() error {
			time.Sleep(jitter)
			var err error
			woken, err = e.Futex(waker, word, linux.FUTEX_WAKE, 1, 0, 0, 0)
			return err
		})
		if err := g.Wait(); err != nil {
			return res, fmt.Errorf("trial %d: wake: %w", i, err)
		}

		switch {
		case woken == 1 && waitErr == nil:
			res.Woken++
		case woken == 0 && linuxerr.Equals(linuxerr.ETIMEDOUT, waitErr):
			res.TimedOut++
		default:
			return res, fmt.Errorf("trial %d: wake woke %d, wait returned %v", i, woken, waitErr)
		}
	}

	stats := e.k.Futexes().Stats()
	if live := stats.PrivateFutexes + stats.SharedFutexes; live != 0 {
		return res, fmt.Errorf("%d futexes live after %d trials", live, opts.Trials)
	}
	log.Infof("workload: %d trials, %d woken, %d timed out", res.Trials, res.Woken, res.TimedOut)
	return res, nil
}
