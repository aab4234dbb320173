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

package futex

import (
	"context"
	"fmt"
	"time"

	"gvisor.dev/kfutex/pkg/errors/linuxerr"
	"gvisor.dev/kfutex/pkg/sentry/ktime"
	"gvisor.dev/kfutex/pkg/sync"
)

// Waiter is one blocked call to Wait. A Waiter is queued on at most one Futex
// at a time.
//
// A Waiter moves from queued to either woken (bitset cleared by a waker) or
// aborting and then removed (by its own Wait call, after a timeout, an
// interrupt or a clock failure). Exactly one of those transitions happens,
// decided under mu.
type Waiter struct {
	// waiterEntry links Waiter into Futex.queue.
	waiterEntry

	// mu protects the fields below. Lock order: Futex.queueMu, then
	// Waiter.mu, then Futex.abortMu.
	mu sync.Mutex

	// C is the condition: it is sent to when the Waiter is woken.
	C chan struct{}

	// futex is the Futex this Waiter is queued on, or nil. futex is only
	// mutated with both futex.queueMu and mu locked.
	futex *Futex

	// bitset is nonzero while waiting. It is set to the wait mask at
	// creation and cleared by a successful wake.
	bitset uint32

	// aborting is set in the first phase of abort. Wakers skip aborting
	// Waiters.
	aborting bool
}

// newWaiter returns an unqueued Waiter for the given mask.
func newWaiter(bitset uint32) *Waiter {
	return &Waiter{
		C:      make(chan struct{}, 1),
		bitset: bitset,
	}
}

// notify signals w's condition without blocking.
//
// Preconditions: w.mu is locked.
func (w *Waiter) notify() {
	select {
	case w.C <- struct{}{}:
	default:
	}
}

// done returns true if w has been woken or removed from its queue.
func (w *Waiter) done() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bitset == 0 || w.futex == nil
}

// Deadline bounds a Wait. A nil *Deadline waits forever.
type Deadline struct {
	// Clock is the clock At is measured against.
	Clock ktime.Clock

	// At is the absolute time at which the wait times out.
	At ktime.Time
}

// DeadlineAfter returns a Deadline d after the current time on c.
func DeadlineAfter(c ktime.Clock, d time.Duration) (*Deadline, error) {
	now, err := c.Now()
	if err != nil {
		return nil, fmt.Errorf("reading clock: %w", err)
	}
	return &Deadline{Clock: c, At: now.Add(d)}, nil
}

// timedWait blocks until w is woken, the deadline passes, ctx is cancelled or
// the clock cannot be read. An error is returned only if w was not observed
// to be woken; the caller must then abort w.
//
// Preconditions: w is queued.
func timedWait(ctx context.Context, w *Waiter, d *Deadline) error {
	var pending error
	for {
		if w.done() {
			return nil
		}
		if pending != nil {
			return pending
		}

		var (
			timer   *time.Timer
			timeout <-chan time.Time
		)
		if d != nil {
			now, err := d.Clock.Now()
			if err != nil {
				return fmt.Errorf("reading deadline clock: %w", err)
			}
			if !now.Before(d.At) {
				pending = linuxerr.ETIMEDOUT
				continue
			}
			timer = time.NewTimer(d.Clock.WallTimeUntil(d.At, now))
			timeout = timer.C
		}

		select {
		case <-w.C:
		case <-timeout:
		case <-ctx.Done():
			pending = linuxerr.EINTR
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// abort removes w from whatever Futex it is queued on, if any, and reports
// whether w was woken before it could be frozen. On return w.aborting is set
// and w.futex is nil.
//
// abort runs in three phases so that w.mu is never held while taking a
// Futex's queue lock: (A) under w.mu, find the Futex and register w on its
// abort list, which keeps the Futex from being destroyed and makes wakers
// skip w; (B) take the queue lock, then w.mu, and dequeue; (C) deregister
// from the abort list and drop the queue's reference.
func abort(w *Waiter) (woken bool) {
	// Phase A.
	w.mu.Lock()
	f := w.futex
	if f == nil {
		w.aborting = true
		woken = w.bitset == 0
		w.mu.Unlock()
		return woken
	}
	f.abortMu.Lock()
	f.abortList[w] = struct{}{}
	f.abortMu.Unlock()
	w.aborting = true
	w.mu.Unlock()

	// Phase B.
	f.queueMu.Lock()
	w.mu.Lock()
	if w.futex == f {
		f.dequeueLocked(w)
	}
	w.mu.Unlock()
	f.queueMu.Unlock()

	// Phase C.
	f.abortMu.Lock()
	delete(f.abortList, w)
	if len(f.abortList) == 0 {
		f.abortDrained.Broadcast()
	}
	f.abortMu.Unlock()
	f.decRef()
	return false
}
