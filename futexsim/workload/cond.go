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
	"math"
	"time"

	"gvisor.dev/kfutex/pkg/abi/linux"
	"gvisor.dev/kfutex/pkg/errors/linuxerr"
	"gvisor.dev/kfutex/pkg/hostarch"
	"gvisor.dev/kfutex/pkg/sentry/kernel"
)

// Cond is a condition variable over a sequence word in the arena, used with
// the Mutex L.
type Cond struct {
	L *Mutex

	env *Env
	seq hostarch.Addr
}

// NewCond allocates a Cond bound to l.
func NewCond(e *Env, l *Mutex) (*Cond, error) {
	seq, err := e.Alloc(4)
	if err != nil {
		return nil, err
	}
	return &Cond{L: l, env: e, seq: seq}, nil
}

// Wait unlocks c.L, waits for a Signal or Broadcast and relocks c.L before
// returning. t must hold c.L. Wait may return spuriously; callers recheck
// their condition in a loop.
func (c *Cond) Wait(t *kernel.Task) error {
	return c.wait(t, 0)
}

// WaitTimeout is Wait with a relative timeout. It returns ETIMEDOUT, holding
// c.L, if d elapses first.
func (c *Cond) WaitTimeout(t *kernel.Task, d time.Duration) error {
	ts, err := c.env.WriteTimeout(t, d)
	if err != nil {
		return err
	}
	return c.wait(t, ts)
}

func (c *Cond) wait(t *kernel.Task, ts hostarch.Addr) error {
	seq, err := t.LoadUint32(c.seq)
	if err != nil {
		return err
	}
	if err := c.L.Unlock(t); err != nil {
		return err
	}
	_, waitErr := c.env.Futex(t, c.seq, linux.FUTEX_WAIT, seq, uintptr(ts), 0, 0)
	if linuxerr.Equals(linuxerr.EAGAIN, waitErr) {
		// A wakeup raced with Unlock.
		waitErr = nil
	}
	// A Broadcast may have requeued t onto c.L, which it left contended.
	if err := c.L.lockContended(t); err != nil {
		return err
	}
	return waitErr
}

// Signal wakes one waiter. t need not hold c.L.
func (c *Cond) Signal(t *kernel.Task) error {
	// Bump the sequence and wake in one call. The comparison fails while the
	// sequence is below 1<<31, so the second count wakes nobody.
	op := linux.FutexOp(linux.FUTEX_OP_ADD, 1, linux.FUTEX_OP_CMP_LT, 0)
	_, err := c.env.Futex(t, c.seq, linux.FUTEX_WAKE_OP, 1, 0, c.seq, op)
	return err
}

// Broadcast wakes one waiter and moves the rest onto c.L, so they are woken
// one at a time as the lock is released. t must hold c.L.
func (c *Cond) Broadcast(t *kernel.Task) error {
	if _, err := t.SwapUint32(c.L.addr, contended); err != nil {
		return err
	}
	for {
		seq, err := t.LoadUint32(c.seq)
		if err != nil {
			return err
		}
		if old, err := t.CompareAndSwapUint32(c.seq, seq, seq+1); err != nil {
			return err
		} else if old != seq {
			continue
		}
		_, err = c.env.Futex(t, c.seq, linux.FUTEX_CMP_REQUEUE, 1, math.MaxInt32, c.L.addr, seq+1)
		if linuxerr.Equals(linuxerr.EAGAIN, err) {
			// A Signal moved the sequence.
			continue
		}
		return err
	}
}
