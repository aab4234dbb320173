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

	"gvisor.dev/kfutex/pkg/atomicbitops"
	"gvisor.dev/kfutex/pkg/errors/linuxerr"
	"gvisor.dev/kfutex/pkg/sentry/kernel"
)

// OwnerDiedOptions configures OwnerDied.
type OwnerDiedOptions struct {
	// Waiters is the number of tasks blocked on the lock when its owner
	// exits. With no waiters, a task locks it after the exit.
	Waiters int

	// Pending has the owner exit between acquiring the lock word and
	// linking it onto its robust list, so that only list_op_pending names
	// the lock.
	Pending bool
}

// OwnerDiedResult is the outcome of OwnerDied.
type OwnerDiedResult struct {
	Waiters     int            `json:"waiters" yaml:"waiters"`
	Pending     bool           `json:"pending" yaml:"pending"`
	OwnerDead   uint64         `json:"owner_dead" yaml:"owner_dead"`
	Acquired    uint64         `json:"acquired" yaml:"acquired"`
	ExitEntries int            `json:"exit_entries" yaml:"exit_entries"`
	ExitResults map[string]int `json:"exit_results" yaml:"exit_results"`
	Elapsed     time.Duration  `json:"elapsed_ns" yaml:"elapsed_ns"`
}

// OwnerDied has a task exit while holding a RobustMutex that opts.Waiters
// tasks are waiting for. The exit must mark the lock FUTEX_OWNER_DIED and
// wake one waiter, and exactly one acquirer must be told the owner died.
func OwnerDied(ctx context.Context, e *Env, opts OwnerDiedOptions) (OwnerDiedResult, error) {
	res := OwnerDiedResult{Waiters: opts.Waiters, Pending: opts.Pending}
	m, err := NewRobustMutex(e)
	if err != nil {
		return res, err
	}
	owner, err := e.NewTask("owner")
	if err != nil {
		return res, err
	}
	defer owner.Exit()
	ol, err := NewRobustList(e, owner)
	if err != nil {
		return res, err
	}
	if opts.Pending {
		if err := ol.setPending(m.entry); err != nil {
			return res, err
		}
		if _, err := m.acquire(owner); err != nil {
			return res, err
		}
	} else if err := m.Lock(ol); err != nil {
		return res, err
	}

	n := opts.Waiters
	if n == 0 {
		n = 1
	}
	tasks, err := e.Spawn("waiter", n, false)
	if err != nil {
		return res, err
	}
	lists := make([]*RobustList, n)
	for i, t := range tasks {
		if lists[i], err = NewRobustList(e, t); err != nil {
			for _, t := range tasks {
				t.Exit()
			}
			return res, err
		}
	}

	start := time.Now()
	var ownerDead, acquired atomicbitops.Uint64
	err = func() error {
		ready := make(chan struct{})
		errs := make(chan error, 1)
		go func() {
			errs <- Run(ctx, tasks, func(_ context.Context, i int, t *kernel.Task) error {
				if opts.Waiters == 0 {
					<-ready
				}
				err := m.Lock(lists[i])
				switch {
				case linuxerr.Equals(linuxerr.EOWNERDEAD, err):
					ownerDead.Add(1)
				case err != nil:
					return err
				}
				acquired.Add(1)
				return m.Unlock(lists[i])
			})
		}()

		if opts.Waiters > 0 {
			if err := e.WaitQueued(ctx, m.Addr(), opts.Waiters); err != nil {
				// Unblock the waiters before giving up.
				owner.Exit()
				<-errs
				return err
			}
		}
		owner.Exit()
		close(ready)
		return <-errs
	}()
	res.Elapsed = elapsed("owner died", start)
	res.OwnerDead = ownerDead.Load()
	res.Acquired = acquired.Load()

	stats := owner.LastRobustExit()
	res.ExitEntries = stats.Entries
	res.ExitResults = make(map[string]int, len(stats.Results))
	for r, c := range stats.Results {
		res.ExitResults[r.String()] = c
	}
	if err != nil {
		return res, err
	}
	if res.OwnerDead != 1 {
		return res, fmt.Errorf("%d acquirers saw EOWNERDEAD, want 1", res.OwnerDead)
	}
	if res.Acquired != uint64(n) {
		return res, fmt.Errorf("%d of %d acquirers got the lock", res.Acquired, n)
	}
	tid, died, err := m.Owner(e.init)
	if err != nil {
		return res, err
	}
	if tid != 0 || died {
		return res, fmt.Errorf("lock word left with owner %d, owner died %t", tid, died)
	}
	return res, nil
}
