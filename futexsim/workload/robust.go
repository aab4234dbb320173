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
	"fmt"

	"gvisor.dev/kfutex/pkg/abi/linux"
	"gvisor.dev/kfutex/pkg/errors/linuxerr"
	"gvisor.dev/kfutex/pkg/hostarch"
	"gvisor.dev/kfutex/pkg/sentry/arch"
	"gvisor.dev/kfutex/pkg/sentry/kernel"
	sys "gvisor.dev/kfutex/pkg/sentry/syscalls/linux"
)

const (
	// robustHeadOffset is the offset of a task's robust list head in its
	// scratch page. The timeout timespec lives below it.
	robustHeadOffset = 64

	// robustFutexOffset is the distance from a robust list entry to its lock
	// word, in either ABI.
	robustFutexOffset = 8
)

// RobustMutex is a lock whose word holds the owner's TID. If the owner exits
// while holding it, the kernel marks the word FUTEX_OWNER_DIED and wakes a
// waiter, which acquires the lock and is told the owner died.
type RobustMutex struct {
	env *Env

	// entry is the robust list entry. The lock word follows it at
	// robustFutexOffset.
	entry hostarch.Addr
}

// NewRobustMutex allocates an unlocked RobustMutex in e's arena.
func NewRobustMutex(e *Env) (*RobustMutex, error) {
	entry, err := e.Alloc(robustFutexOffset + 4)
	if err != nil {
		return nil, err
	}
	return &RobustMutex{env: e, entry: entry}, nil
}

// Addr returns the address of m's lock word.
func (m *RobustMutex) Addr() hostarch.Addr {
	return m.entry + robustFutexOffset
}

// Owner returns the TID in m's word and whether FUTEX_OWNER_DIED is set.
func (m *RobustMutex) Owner(t *kernel.Task) (kernel.ThreadID, bool, error) {
	v, err := t.LoadUint32(m.Addr())
	if err != nil {
		return 0, false, err
	}
	return kernel.ThreadID(v & linux.FUTEX_TID_MASK), v&linux.FUTEX_OWNER_DIED != 0, nil
}

// RobustList is a task's registered robust futex list. Its head lives in the
// task's scratch page.
type RobustList struct {
	env  *Env
	t    *kernel.Task
	head hostarch.Addr
}

// NewRobustList initializes an empty robust list for t and registers it with
// set_robust_list(2).
func NewRobustList(e *Env, t *kernel.Task) (*RobustList, error) {
	scratch, err := e.Scratch(t)
	if err != nil {
		return nil, err
	}
	l := &RobustList{env: e, t: t, head: scratch + robustHeadOffset}
	var size uintptr
	if t.Width() == arch.Width32 {
		size = linux.SizeOfRobustListHead32
		_, err = t.CopyObjectOut(l.head, &linux.RobustListHead32{
			List:        uint32(l.head),
			FutexOffset: robustFutexOffset,
		})
	} else {
		size = linux.SizeOfRobustListHead
		_, err = t.CopyObjectOut(l.head, &linux.RobustListHead{
			List:        uint64(l.head),
			FutexOffset: robustFutexOffset,
		})
	}
	if err != nil {
		return nil, err
	}
	if _, err := e.Syscall(t, sys.SysSetRobustList, uintptr(l.head), size); err != nil {
		return nil, fmt.Errorf("set_robust_list: %w", err)
	}
	return l, nil
}

// Head returns the address of l's head.
func (l *RobustList) Head() hostarch.Addr {
	return l.head
}

func (l *RobustList) ptrSize() hostarch.Addr {
	return hostarch.Addr(l.t.Width().PointerSize())
}

func (l *RobustList) load(addr hostarch.Addr) (hostarch.Addr, error) {
	buf := make([]byte, l.ptrSize())
	if _, err := l.t.CopyIn(addr, buf); err != nil {
		return 0, err
	}
	if len(buf) == 4 {
		return hostarch.Addr(hostarch.ByteOrder.Uint32(buf)), nil
	}
	return hostarch.Addr(hostarch.ByteOrder.Uint64(buf)), nil
}

func (l *RobustList) store(addr, val hostarch.Addr) error {
	buf := make([]byte, l.ptrSize())
	if len(buf) == 4 {
		hostarch.ByteOrder.PutUint32(buf, uint32(val))
	} else {
		hostarch.ByteOrder.PutUint64(buf, uint64(val))
	}
	_, err := l.t.CopyOut(addr, buf)
	return err
}

// pending returns the address of the list_op_pending field.
func (l *RobustList) pending() hostarch.Addr {
	return l.head + 2*l.ptrSize()
}

func (l *RobustList) setPending(entry hostarch.Addr) error {
	return l.store(l.pending(), entry)
}

// link pushes entry onto the front of l.
func (l *RobustList) link(entry hostarch.Addr) error {
	first, err := l.load(l.head)
	if err != nil {
		return err
	}
	if err := l.store(entry, first); err != nil {
		return err
	}
	return l.store(l.head, entry)
}

// unlink removes entry from l.
func (l *RobustList) unlink(entry hostarch.Addr) error {
	prev := l.head
	for i := 0; i < linux.ROBUST_LIST_LIMIT; i++ {
		next, err := l.load(prev)
		if err != nil {
			return err
		}
		if next == l.head {
			break
		}
		if next == entry {
			after, err := l.load(entry)
			if err != nil {
				return err
			}
			return l.store(prev, after)
		}
		prev = next
	}
	return fmt.Errorf("robust list entry %v not linked", entry)
}

// Entries returns the entries on l in list order.
func (l *RobustList) Entries() ([]hostarch.Addr, error) {
	var entries []hostarch.Addr
	next, err := l.load(l.head)
	for ; err == nil && next != l.head; next, err = l.load(next) {
		if len(entries) == linux.ROBUST_LIST_LIMIT {
			return entries, fmt.Errorf("robust list longer than %d", linux.ROBUST_LIST_LIMIT)
		}
		entries = append(entries, next)
	}
	return entries, err
}

// Lock acquires m as l's task. If the previous owner exited while holding m,
// Lock returns EOWNERDEAD with m held; the protected state may be
// inconsistent.
func (m *RobustMutex) Lock(l *RobustList) error {
	if err := l.setPending(m.entry); err != nil {
		return err
	}
	ownerDied, err := m.acquire(l.t)
	if err != nil {
		l.setPending(0)
		return err
	}
	if err := l.link(m.entry); err != nil {
		return err
	}
	if err := l.setPending(0); err != nil {
		return err
	}
	if ownerDied {
		return linuxerr.EOWNERDEAD
	}
	return nil
}

// acquire takes m's word for t. It does not touch t's robust list.
func (m *RobustMutex) acquire(t *kernel.Task) (ownerDied bool, err error) {
	tid := uint32(t.ThreadID())
	addr := m.Addr()
	want := tid
	for {
		c, err := t.CompareAndSwapUint32(addr, 0, want)
		if err != nil {
			return false, err
		}
		if c == 0 {
			return false, nil
		}
		if c&linux.FUTEX_TID_MASK == 0 {
			// Released by the kernel on behalf of a dead owner.
			next := want | c&linux.FUTEX_WAITERS
			old, err := t.CompareAndSwapUint32(addr, c, next)
			if err != nil {
				return false, err
			}
			if old == c {
				return c&linux.FUTEX_OWNER_DIED != 0, nil
			}
			continue
		}
		if c&linux.FUTEX_WAITERS == 0 {
			old, err := t.CompareAndSwapUint32(addr, c, c|linux.FUTEX_WAITERS)
			if err != nil {
				return false, err
			}
			if old != c {
				continue
			}
		}
		if _, err := m.env.Futex(t, addr, linux.FUTEX_WAIT, c|linux.FUTEX_WAITERS, 0, 0, 0); err != nil && !linuxerr.Equals(linuxerr.EAGAIN, err) {
			return false, err
		}
		// Other waiters may remain, so the lock is retaken contended.
		want = tid | linux.FUTEX_WAITERS
	}
}

// Unlock releases m, which l's task must hold.
func (m *RobustMutex) Unlock(l *RobustList) error {
	t := l.t
	c, err := t.LoadUint32(m.Addr())
	if err != nil {
		return err
	}
	if owner := kernel.ThreadID(c & linux.FUTEX_TID_MASK); owner != t.ThreadID() {
		return fmt.Errorf("unlock of robust mutex at %v not owned by task %d (owner %d)", m.Addr(), t.ThreadID(), owner)
	}
	if err := l.setPending(m.entry); err != nil {
		return err
	}
	if err := l.unlink(m.entry); err != nil {
		return err
	}
	if c, err = t.SwapUint32(m.Addr(), 0); err != nil {
		return err
	}
	if c&linux.FUTEX_WAITERS != 0 {
		if _, err := m.env.Futex(t, m.Addr(), linux.FUTEX_WAKE, 1, 0, 0, 0); err != nil {
			return err
		}
	}
	return l.setPending(0)
}
