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
	"gvisor.dev/kfutex/pkg/abi/linux"
	"gvisor.dev/kfutex/pkg/hostarch"
)

// RobustResult describes what ReleaseRobust did with one robust-list entry.
type RobustResult int

const (
	// RobustSkipped means the word was not owned by the exiting thread, or
	// could not be read or updated.
	RobustSkipped RobustResult = iota

	// RobustPendingWake means the pending entry had no owner but had
	// waiters, and one waiter was woken.
	RobustPendingWake

	// RobustOwnerDied means FUTEX_OWNER_DIED was set and nobody was woken.
	RobustOwnerDied

	// RobustOwnerDiedWoken means FUTEX_OWNER_DIED was set and one waiter was
	// woken.
	RobustOwnerDiedWoken
)

// String implements fmt.Stringer.
func (r RobustResult) String() string {
	switch r {
	case RobustSkipped:
		return "skipped"
	case RobustPendingWake:
		return "pending_wake"
	case RobustOwnerDied:
		return "owner_died"
	case RobustOwnerDiedWoken:
		return "owner_died_woken"
	default:
		return "unknown"
	}
}

// maxRobustRetries bounds the compare-and-swap retries on one robust futex
// word that keeps changing under us.
const maxRobustRetries = 128

// ReleaseRobust repairs the futex word at addr on behalf of thread tid, which
// is exiting while possibly holding it. pending is true for the robust list's
// list_op_pending entry. ReleaseRobust is best effort: faults end the work on
// this entry silently.
func (m *Manager) ReleaseRobust(t Target, addr hostarch.Addr, tid uint32, pending bool) RobustResult {
	if !addr.IsAligned(4) {
		return RobustSkipped
	}
	for i := 0; i < maxRobustRetries; i++ {
		v, err := t.LoadUint32(addr)
		if err != nil {
			return RobustSkipped
		}

		// The pending lock was being released or acquired but ownership was
		// never recorded: nothing to mark, but a waiter may be stranded.
		if pending && v&linux.FUTEX_TID_MASK == 0 && v&linux.FUTEX_WAITERS != 0 {
			m.wakeRobust(t, addr)
			return RobustPendingWake
		}
		if v&linux.FUTEX_TID_MASK != tid {
			return RobustSkipped
		}

		nv := (v & linux.FUTEX_WAITERS) | linux.FUTEX_OWNER_DIED
		if v&linux.FUTEX_WAITERS == 0 {
			// Nobody can be queued; no kernel state to touch.
			prev, err := t.CompareAndSwapUint32(addr, v, nv)
			if err != nil {
				return RobustSkipped
			}
			if prev != v {
				continue
			}
			return RobustOwnerDied
		}

		f := m.lookupRobust(t, addr)
		if f == nil {
			// Nobody ever queued; mark the word for the next acquirer.
			prev, err := t.CompareAndSwapUint32(addr, v, nv)
			if err != nil {
				return RobustSkipped
			}
			if prev != v {
				continue
			}
			return RobustOwnerDied
		}
		f.queueMu.Lock()
		prev, err := t.CompareAndSwapUint32(addr, v, nv)
		if err != nil || prev != v {
			f.queueMu.Unlock()
			f.decRef()
			if err != nil {
				return RobustSkipped
			}
			continue
		}
		woken := f.wakeLocked(1, linux.FUTEX_BITSET_MATCH_ANY, nil, 0)
		f.queueMu.Unlock()
		f.decRef()
		if woken > 0 {
			return RobustOwnerDiedWoken
		}
		return RobustOwnerDied
	}
	return RobustSkipped
}

// lookupRobust finds the Futex for a robust lock at addr. The robust list
// does not record whether the lock is process-shared, so the shared key is
// tried before the private one.
func (m *Manager) lookupRobust(t Target, addr hostarch.Addr) *Futex {
	if f, err := m.lookup(t, addr, false); err == nil && f != nil {
		return f
	}
	if f, err := m.lookup(t, addr, true); err == nil && f != nil {
		return f
	}
	return nil
}

// wakeRobust wakes one waiter on the robust lock at addr, ignoring bitsets.
func (m *Manager) wakeRobust(t Target, addr hostarch.Addr) {
	f := m.lookupRobust(t, addr)
	if f == nil {
		return
	}
	f.queueMu.Lock()
	f.wakeLocked(1, linux.FUTEX_BITSET_MATCH_ANY, nil, 0)
	f.queueMu.Unlock()
	f.decRef()
}
