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
	"fmt"
	"math"

	"gvisor.dev/kfutex/pkg/atomicbitops"
	"gvisor.dev/kfutex/pkg/errors/linuxerr"
	"gvisor.dev/kfutex/pkg/ilist"
	"gvisor.dev/kfutex/pkg/log"
	"gvisor.dev/kfutex/pkg/refs"
	"gvisor.dev/kfutex/pkg/sync"
)

// maxRefs is the largest reference count a Futex may reach.
const maxRefs = math.MaxUint32 - 1

type waiterList = ilist.List[*Waiter]

type waiterEntry = ilist.Entry[*Waiter]

// Futex is the kernel object for one futex key. It holds the FIFO queue of
// Waiters blocked on that key.
//
// A Futex is reachable from its Manager's registry (onTree) for as long as
// its reference count is nonzero. References are held by each lookup result
// and by each queued Waiter; the registry itself holds none.
type Futex struct {
	// key is immutable after creation.
	key Key

	// m is the owning Manager. m is immutable.
	m *Manager

	// refs is the reference count. It is decremented to zero only with
	// m.reg.mu locked for writing.
	refs atomicbitops.Uint32

	// onTree is protected by m.reg.mu.
	onTree bool

	// queueMu protects queue and, together with Waiter.mu, each queued
	// Waiter's futex field.
	queueMu sync.Mutex
	queue   waiterList

	// abortMu protects abortList. abortMu is the innermost futex lock.
	abortMu sync.Mutex

	// abortList holds Waiters between phase A and phase C of abort.
	abortList map[*Waiter]struct{}

	// abortDrained is signalled when abortList becomes empty.
	abortDrained *sync.Cond
}

// newFutex returns a Futex for k with one reference held. Ownership of k is
// transferred to the new Futex.
func newFutex(m *Manager, k Key) *Futex {
	f := &Futex{
		key:       k,
		m:         m,
		abortList: make(map[*Waiter]struct{}),
	}
	f.abortDrained = sync.NewCond(&f.abortMu)
	f.refs.Store(1)
	refs.Register(f)
	return f
}

// RefType implements refs.CheckedObject.RefType.
func (f *Futex) RefType() string {
	return "futex.Futex"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (f *Futex) LeakMessage() string {
	return fmt.Sprintf("[futex.Futex %p] %v: reference count of %d instead of 0", f, f.key, f.refs.Load())
}

// LogRefs implements refs.CheckedObject.LogRefs.
func (f *Futex) LogRefs() bool {
	return false
}

// incRef acquires a reference on f.
//
// Preconditions: the caller holds a reference on f, or holds m.reg.mu and
// found f on the tree.
func (f *Futex) incRef() error {
	for {
		v := f.refs.Load()
		if v == 0 {
			panic(fmt.Sprintf("futex %v: incrementing zero reference count", f.key))
		}
		if v >= maxRefs {
			return linuxerr.ETOOMANYREFS
		}
		if f.refs.CompareAndSwap(v, v+1) {
			return nil
		}
	}
}

// decRef releases a reference on f. If this was the last reference, f is
// removed from the registry and destroyed.
//
// Preconditions: no futex locks are held, unless the caller holds another
// reference on f.
func (f *Futex) decRef() {
	for {
		v := f.refs.Load()
		if v == 0 {
			panic(fmt.Sprintf("futex %v: decrementing zero reference count", f.key))
		}
		if v == 1 {
			break
		}
		if f.refs.CompareAndSwap(v, v-1) {
			return
		}
	}

	// Possibly the last reference. Lookups increment the count with the
	// registry locked for reading, so once we hold it for writing and
	// observe zero nobody can find f again.
	r := &f.m.reg
	r.mu.Lock()
	if f.refs.Add(^uint32(0)) != 0 {
		r.mu.Unlock()
		return
	}
	r.removeLocked(f)
	r.mu.Unlock()
	f.destroy()
}

// destroy frees f once no abort is in flight.
//
// Preconditions: f's reference count is zero and f is not on the tree.
func (f *Futex) destroy() {
	f.abortMu.Lock()
	for len(f.abortList) != 0 {
		f.abortDrained.Wait()
	}
	f.abortMu.Unlock()

	f.queueMu.Lock()
	if !f.queue.Empty() {
		panic(fmt.Sprintf("futex %v destroyed with queued waiters", f.key))
	}
	f.queueMu.Unlock()

	if log.IsLogging(log.Debug) {
		log.Debugf("futex %v destroyed", f.key)
	}
	f.discard()
	f.m.destroyed.Add(1)
}

// discard releases the resources of a Futex that is unreachable, either
// because it lost an insertOrAdopt race or because it was destroyed.
func (f *Futex) discard() {
	f.key.release()
	refs.Unregister(f)
}

// enqueueLocked appends w to f's queue.
//
// Preconditions: f.queueMu and w.mu are locked; w is not queued.
func (f *Futex) enqueueLocked(w *Waiter) {
	if w.futex != nil {
		panic(fmt.Sprintf("waiter already queued on futex %v", w.futex.key))
	}
	w.futex = f
	f.queue.PushBack(w)
}

// dequeueLocked removes w from f's queue.
//
// Preconditions: f.queueMu and w.mu are locked; w.futex == f.
func (f *Futex) dequeueLocked(w *Waiter) {
	if w.futex != f {
		panic(fmt.Sprintf("waiter not queued on futex %v", f.key))
	}
	f.queue.Remove(w)
	w.futex = nil
}

// wakeLocked scans f's queue in FIFO order and, for each Waiter whose bitset
// intersects mask, wakes it while nwake permits, then moves it to f2 while
// nreq permits. It returns the number of waiters woken, not counting those
// requeued. Waiters that are aborting are skipped.
//
// Preconditions: f.queueMu is locked, and f2.queueMu if f2 is not nil. The
// caller holds references on f and f2.
func (f *Futex) wakeLocked(nwake int, mask uint32, f2 *Futex, nreq int) int {
	woken := 0
	for w := f.queue.Front(); w != nil && (nwake > 0 || (f2 != nil && nreq > 0)); {
		next := w.Next()
		w.mu.Lock()
		if w.aborting || w.bitset&mask == 0 {
			w.mu.Unlock()
			w = next
			continue
		}

		if nwake > 0 {
			f.dequeueLocked(w)
			w.bitset = 0
			w.notify()
			w.mu.Unlock()
			// The queue's reference is dropped on the waiter's behalf.
			f.decRef()
			nwake--
			woken++
			w = next
			continue
		}

		if f2 == f {
			// Requeueing onto the same futex leaves w where it is.
			w.mu.Unlock()
			nreq--
			w = next
			continue
		}
		if err := f2.incRef(); err != nil {
			w.mu.Unlock()
			log.Debugf("futex %v: requeue to %v stopped: %v", f.key, f2.key, err)
			break
		}
		f.dequeueLocked(w)
		f2.enqueueLocked(w)
		w.mu.Unlock()
		f.decRef()
		nreq--
		w = next
	}
	return woken
}

// queuedLocked returns the number of waiters queued on f.
//
// Preconditions: f.queueMu is locked.
func (f *Futex) queuedLocked() int {
	return f.queue.Len()
}
