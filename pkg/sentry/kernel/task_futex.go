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

package kernel

import (
	"context"

	"gvisor.dev/kfutex/pkg/abi/linux"
	"gvisor.dev/kfutex/pkg/hostarch"
	"gvisor.dev/kfutex/pkg/log"
	"gvisor.dev/kfutex/pkg/metric"
	"gvisor.dev/kfutex/pkg/sentry/arch"
	"gvisor.dev/kfutex/pkg/sentry/kernel/futex"
	"gvisor.dev/kfutex/pkg/usermem"
)

var robustOwnerDied = metric.MustCreateNewUint64Metric("/futex/robust_owner_died", "Number of robust futexes marked FUTEX_OWNER_DIED at thread exit.")

// Futex returns t's futex manager.
func (t *Task) Futex() *futex.Manager {
	return t.k.futexes
}

// LoadUint32 implements futex.Target.LoadUint32.
func (t *Task) LoadUint32(addr hostarch.Addr) (uint32, error) {
	return t.image.LoadUint32(context.Background(), addr, usermem.IOOpts{})
}

// CompareAndSwapUint32 implements futex.Target.CompareAndSwapUint32.
func (t *Task) CompareAndSwapUint32(addr hostarch.Addr, old, new uint32) (uint32, error) {
	return t.image.CompareAndSwapUint32(context.Background(), addr, old, new, usermem.IOOpts{})
}

// AddressSpaceID implements futex.Target.AddressSpaceID.
func (t *Task) AddressSpaceID() uint64 {
	return t.image.ID()
}

// GetSharedKey implements futex.Target.GetSharedKey.
func (t *Task) GetSharedKey(addr hostarch.Addr) (futex.Key, error) {
	return t.image.GetSharedFutexKey(context.Background(), addr)
}

// GetRobustList gets the robust futex list for the task.
func (t *Task) GetRobustList() hostarch.Addr {
	t.mu.Lock()
	addr := t.robustList
	t.mu.Unlock()
	return addr
}

// SetRobustList sets the robust futex list for the task.
func (t *Task) SetRobustList(addr hostarch.Addr) {
	t.mu.Lock()
	t.robustList = addr
	t.mu.Unlock()
}

// RobustExitStats summarizes the robust list walk run when a task exits.
type RobustExitStats struct {
	// Entries is the number of list entries visited, excluding the pending
	// entry.
	Entries int

	// Results counts the outcome of each released lock, including the
	// pending one.
	Results map[futex.RobustResult]int

	// Truncated is true if the walk stopped early on a fault or at
	// ROBUST_LIST_LIMIT.
	Truncated bool
}

func (s *RobustExitStats) record(r futex.RobustResult) {
	if s.Results == nil {
		s.Results = make(map[futex.RobustResult]int)
	}
	s.Results[r]++
	if r == futex.RobustOwnerDied || r == futex.RobustOwnerDiedWoken {
		robustOwnerDied.Increment()
	}
}

// LastRobustExit returns the result of the robust list walk run by Exit.
func (t *Task) LastRobustExit() RobustExitStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.robustExit
}

// copyInRobustListHead reads the robust list head at addr in t's ABI layout.
func (t *Task) copyInRobustListHead(addr hostarch.Addr) (linux.RobustListHead, error) {
	if t.width == arch.Width32 {
		var rl32 linux.RobustListHead32
		if _, err := t.CopyObjectIn(addr, &rl32); err != nil {
			return linux.RobustListHead{}, err
		}
		return rl32.Widen(), nil
	}
	var rl linux.RobustListHead
	_, err := t.CopyObjectIn(addr, &rl)
	return rl, err
}

// copyInPointer reads a user pointer at addr in t's ABI layout.
func (t *Task) copyInPointer(addr hostarch.Addr) (uint64, error) {
	buf := make([]byte, t.width.PointerSize())
	if _, err := t.CopyIn(addr, buf); err != nil {
		return 0, err
	}
	if t.width == arch.Width32 {
		return uint64(hostarch.ByteOrder.Uint32(buf)), nil
	}
	return hostarch.ByteOrder.Uint64(buf), nil
}

// robustFutexAddr returns the futex word address for a robust list entry,
// truncated to t's pointer width. The low bit of entry flags a PI futex.
func (t *Task) robustFutexAddr(entry, offset uint64) hostarch.Addr {
	a := (entry &^ 1) + offset
	if t.width == arch.Width32 {
		a = uint64(uint32(a))
	}
	return hostarch.Addr(a)
}

// exitRobustList walks the robust futex list, marking locks dead and notifying
// wakers. It corresponds to Linux's exit_robust_list(). Following Linux,
// faults end the walk and are only logged.
func (t *Task) exitRobustList() {
	t.mu.Lock()
	addr := t.robustList
	t.robustList = 0
	t.mu.Unlock()

	var stats RobustExitStats
	defer func() {
		t.mu.Lock()
		t.robustExit = stats
		t.mu.Unlock()
	}()

	if addr == 0 {
		return
	}

	rl, err := t.copyInRobustListHead(addr)
	if err != nil {
		stats.Truncated = true
		t.k.robustLog.Warningf("task %d: unreadable robust list head at %v: %v", t.tid, addr, err)
		return
	}

	next := rl.List
	var pendingLock hostarch.Addr
	if rl.ListOpPending != 0 {
		pendingLock = t.robustFutexAddr(rl.ListOpPending, rl.FutexOffset)
	}

	tid := uint32(t.tid)
	m := t.Futex()

	// Wake up normal elements.
	for hostarch.Addr(next&^1) != addr {
		// We traverse to the next element of the list before we
		// actually wake anything. This prevents the race where waking
		// this futex causes a modification of the list.
		thisLock := t.robustFutexAddr(next, rl.FutexOffset)

		// Decode the next element in the list.
		nextNext, err := t.copyInPointer(hostarch.Addr(next &^ 1))
		if err != nil {
			// Can't traverse the list anymore? We need to bail
			// out at this point.
			stats.Truncated = true
			t.k.robustLog.Warningf("task %d: robust list entry at %#x unreadable: %v", t.tid, next&^1, err)
			break
		}

		// Perform the wakeup if it's not pending.
		if thisLock != pendingLock {
			stats.record(m.ReleaseRobust(t, thisLock, tid, false))
		}
		stats.Entries++
		next = nextNext

		// This is a user structure, so it could be a massive list, or
		// even contain a loop if they are trying to mess with us. We
		// cap traversal to prevent that.
		if stats.Entries >= linux.ROBUST_LIST_LIMIT {
			stats.Truncated = true
			t.k.robustLog.Warningf("task %d: robust list truncated after %d entries", t.tid, stats.Entries)
			break
		}
	}

	// Is there a pending entry to wake?
	if pendingLock != 0 {
		stats.record(m.ReleaseRobust(t, pendingLock, tid, true))
	}

	if log.IsLogging(log.Debug) {
		log.Debugf("task %d: robust list released: %+v", t.tid, stats)
	}
}
