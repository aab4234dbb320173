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

	"gvisor.dev/kfutex/pkg/abi/linux"
	"gvisor.dev/kfutex/pkg/atomicbitops"
	"gvisor.dev/kfutex/pkg/errors/linuxerr"
	"gvisor.dev/kfutex/pkg/hostarch"
	"gvisor.dev/kfutex/pkg/refs"
)

// Manager holds all futex state for a kernel: the registry of live Futex
// objects and the operations on them. A single Manager is shared by all
// address spaces; keys keep them apart.
type Manager struct {
	reg registry

	// created and destroyed count Futex objects published to and removed
	// from the registry.
	created   atomicbitops.Uint64
	destroyed atomicbitops.Uint64
}

// NewManager returns an initialized futex manager.
func NewManager() *Manager {
	m := &Manager{}
	m.reg.init()
	return m
}

// Stats describes the registry at an instant.
type Stats struct {
	// PrivateFutexes and SharedFutexes are the live objects in each tree.
	PrivateFutexes int `json:"private_futexes" yaml:"private_futexes"`
	SharedFutexes  int `json:"shared_futexes" yaml:"shared_futexes"`

	// Created and Destroyed count objects over the Manager's lifetime.
	Created   uint64 `json:"created" yaml:"created"`
	Destroyed uint64 `json:"destroyed" yaml:"destroyed"`
}

// Stats returns the current registry statistics.
func (m *Manager) Stats() Stats {
	p, s := m.reg.counts()
	return Stats{
		PrivateFutexes: p,
		SharedFutexes:  s,
		Created:        m.created.Load(),
		Destroyed:      m.destroyed.Load(),
	}
}

// Destroy tears down m. It panics if any futex is still live.
func (m *Manager) Destroy() {
	if p, s := m.reg.counts(); p != 0 || s != 0 {
		panic(fmt.Sprintf("futex manager destroyed with %d private and %d shared futexes live", p, s))
	}
	refs.DoLeakCheck()
}

// lookup resolves addr and returns its Futex with a reference held, or nil.
func (m *Manager) lookup(t Target, addr hostarch.Addr, private bool) (*Futex, error) {
	k, err := resolveKey(t, addr, private)
	if err != nil {
		return nil, err
	}
	defer k.release()
	return m.reg.lookup(&k)
}

// lookupOrCreate resolves addr and returns its Futex with a reference held.
func (m *Manager) lookupOrCreate(t Target, addr hostarch.Addr, private bool) (*Futex, error) {
	k, err := resolveKey(t, addr, private)
	if err != nil {
		return nil, err
	}
	return m.reg.lookupOrCreate(m, k)
}

// Wait blocks until the futex at addr is woken with a mask intersecting
// bitmask, the deadline d passes, or ctx is cancelled. If the word at addr
// does not contain val, Wait returns EAGAIN without blocking.
//
// Wait returns nil when woken, ETIMEDOUT on timeout, EINTR if ctx is
// cancelled, or a wrapped clock error if d.Clock cannot be read.
func (m *Manager) Wait(ctx context.Context, t Target, addr hostarch.Addr, private bool, val, bitmask uint32, d *Deadline) error {
	if bitmask == 0 {
		return linuxerr.EINVAL
	}
	k, err := resolveKey(t, addr, private)
	if err != nil {
		return err
	}

	// Check the word before touching the registry.
	cur, err := t.LoadUint32(addr)
	if err != nil {
		k.release()
		return err
	}
	if cur != val {
		k.release()
		return linuxerr.EAGAIN
	}

	f, err := m.reg.lookupOrCreate(m, k)
	if err != nil {
		return err
	}
	defer f.decRef()

	w := newWaiter(bitmask)
	f.queueMu.Lock()
	// Recheck under the queue lock; a waker that changed the word must take
	// this lock to find us.
	if cur, err = t.LoadUint32(addr); err != nil || cur != val {
		f.queueMu.Unlock()
		if err != nil {
			return err
		}
		return linuxerr.EAGAIN
	}
	// The queue holds its own reference while w is queued.
	if err := f.incRef(); err != nil {
		f.queueMu.Unlock()
		return err
	}
	w.mu.Lock()
	f.enqueueLocked(w)
	w.mu.Unlock()
	f.queueMu.Unlock()

	if err := timedWait(ctx, w, d); err != nil {
		if abort(w) {
			// Woken before the abort took effect; the wake wins.
			return nil
		}
		return err
	}
	return nil
}

// Wake wakes up to n waiters on addr whose bitset intersects bitmask. It
// returns the number of waiters woken.
func (m *Manager) Wake(t Target, addr hostarch.Addr, private bool, bitmask uint32, n int) (int, error) {
	if bitmask == 0 || n < 0 {
		return 0, linuxerr.EINVAL
	}
	f, err := m.lookup(t, addr, private)
	if err != nil || f == nil {
		return 0, err
	}
	f.queueMu.Lock()
	woken := f.wakeLocked(n, bitmask, nil, 0)
	f.queueMu.Unlock()
	f.decRef()
	return woken, nil
}

func (m *Manager) doRequeue(t Target, addr, naddr hostarch.Addr, private bool, checkval bool, val uint32, nwake, nreq int) (int, error) {
	if nwake < 0 || nreq < 0 {
		return 0, linuxerr.EINVAL
	}
	if !naddr.IsAligned(4) {
		return 0, linuxerr.EINVAL
	}
	f1, err := m.lookup(t, addr, private)
	if err != nil || f1 == nil {
		return 0, err
	}
	defer f1.decRef()
	f2, err := m.lookupOrCreate(t, naddr, private)
	if err != nil {
		return 0, err
	}
	defer f2.decRef()

	lockPair(f1, f2)
	defer unlockPair(f1, f2)

	if checkval {
		cur, err := t.LoadUint32(addr)
		if err != nil {
			return 0, err
		}
		if cur != val {
			return 0, linuxerr.EAGAIN
		}
	}
	return f1.wakeLocked(nwake, linux.FUTEX_BITSET_MATCH_ANY, f2, nreq), nil
}

// Requeue wakes up to nwake waiters on addr, and unconditionally moves up to
// nreq of the remaining waiters to naddr. It returns the number woken.
func (m *Manager) Requeue(t Target, addr, naddr hostarch.Addr, private bool, nwake, nreq int) (int, error) {
	return m.doRequeue(t, addr, naddr, private, false, 0, nwake, nreq)
}

// RequeueCmp is like Requeue, but first checks that addr contains val; if it
// does not, no waiter is woken or moved and EAGAIN is returned.
func (m *Manager) RequeueCmp(t Target, addr, naddr hostarch.Addr, private bool, val uint32, nwake, nreq int) (int, error) {
	return m.doRequeue(t, addr, naddr, private, true, val, nwake, nreq)
}

// WakeOp atomically applies op to the word at addr2, wakes up to nwake1
// waiters on addr1 and, if the comparison encoded in op holds for the value
// addr2 held before the update, up to nwake2 waiters on addr2. It returns the
// total number of waiters woken.
func (m *Manager) WakeOp(t Target, addr1, addr2 hostarch.Addr, private bool, nwake1, nwake2 int, op uint32) (int, error) {
	o, err := decodeWakeOp(op)
	if err != nil {
		return 0, err
	}
	if nwake1 < 0 || nwake2 < 0 {
		return 0, linuxerr.EINVAL
	}
	f1, err := m.lookup(t, addr1, private)
	if err != nil {
		return 0, err
	}
	if f1 != nil {
		defer f1.decRef()
	}
	f2, err := m.lookup(t, addr2, private)
	if err != nil {
		return 0, err
	}
	if f2 != nil {
		defer f2.decRef()
	}

	lockPair(f1, f2)
	defer unlockPair(f1, f2)

	old, err := o.update(t, addr2)
	if err != nil {
		return 0, err
	}

	woken := 0
	if f1 != nil {
		woken += f1.wakeLocked(nwake1, linux.FUTEX_BITSET_MATCH_ANY, nil, 0)
	}
	if f2 != nil && o.test(old) {
		woken += f2.wakeLocked(nwake2, linux.FUTEX_BITSET_MATCH_ANY, nil, 0)
	}
	return woken, nil
}

// QueuedWaiters returns the number of waiters queued on addr.
func (m *Manager) QueuedWaiters(t Target, addr hostarch.Addr, private bool) (int, error) {
	f, err := m.lookup(t, addr, private)
	if err != nil || f == nil {
		return 0, err
	}
	f.queueMu.Lock()
	n := f.queuedLocked()
	f.queueMu.Unlock()
	f.decRef()
	return n, nil
}
