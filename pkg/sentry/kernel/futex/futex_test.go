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
	"errors"
	"fmt"
	"math"
	"runtime"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"gvisor.dev/kfutex/pkg/abi/linux"
	"gvisor.dev/kfutex/pkg/atomicbitops"
	"gvisor.dev/kfutex/pkg/errors/linuxerr"
	"gvisor.dev/kfutex/pkg/hostarch"
	"gvisor.dev/kfutex/pkg/sentry/ktime"
	"gvisor.dev/kfutex/pkg/test/testutil"
	"gvisor.dev/kfutex/pkg/usermem"
)

const sizeofInt32 = 4

// testIdentity is a MappingIdentity that counts outstanding references.
type testIdentity struct {
	refs atomicbitops.Int64
}

func (i *testIdentity) IncRef() { i.refs.Add(1) }

func (i *testIdentity) DecRef() {
	if i.refs.Add(-1) < 0 {
		panic("testIdentity: negative reference count")
	}
}

// testData implements the Target interface, and allows us to treat the
// address passed for futex operations as an index in a byte slice for testing
// simplicity. All shared futexes resolve to the same mappable.
type testData struct {
	io *usermem.BytesIO
	as uint64
	id *testIdentity
}

func newTestData(size uint) *testData {
	return &testData{
		io: &usermem.BytesIO{Bytes: make([]byte, size)},
		as: 1,
		id: &testIdentity{},
	}
}

// LoadUint32 implements Target.LoadUint32.
func (d *testData) LoadUint32(addr hostarch.Addr) (uint32, error) {
	return d.io.LoadUint32(context.Background(), addr, usermem.IOOpts{})
}

// CompareAndSwapUint32 implements Target.CompareAndSwapUint32.
func (d *testData) CompareAndSwapUint32(addr hostarch.Addr, old, new uint32) (uint32, error) {
	return d.io.CompareAndSwapUint32(context.Background(), addr, old, new, usermem.IOOpts{})
}

// AddressSpaceID implements Target.AddressSpaceID.
func (d *testData) AddressSpaceID() uint64 {
	return d.as
}

// GetSharedKey implements Target.GetSharedKey.
func (d *testData) GetSharedKey(addr hostarch.Addr) (Key, error) {
	if int(addr) >= len(d.io.Bytes) {
		return Key{}, linuxerr.EFAULT
	}
	d.id.IncRef()
	return Key{
		Kind:            KindSharedMappable,
		Mappable:        1,
		MappingIdentity: d.id,
		Offset:          uint64(addr),
	}, nil
}

func (d *testData) store(t *testing.T, addr hostarch.Addr, val uint32) {
	t.Helper()
	if err := d.io.StoreUint32(context.Background(), addr, val, usermem.IOOpts{}); err != nil {
		t.Fatalf("StoreUint32(%v): %v", addr, err)
	}
}

func (d *testData) load(t *testing.T, addr hostarch.Addr) uint32 {
	t.Helper()
	v, err := d.LoadUint32(addr)
	if err != nil {
		t.Fatalf("LoadUint32(%v): %v", addr, err)
	}
	return v
}

func futexKind(private bool) string {
	if private {
		return "private"
	}
	return "shared"
}

// checkEmpty verifies that m holds no futex objects and that d holds no
// leftover identity references.
func checkEmpty(t *testing.T, m *Manager, d *testData) {
	t.Helper()
	s := m.Stats()
	if s.PrivateFutexes != 0 || s.SharedFutexes != 0 {
		t.Errorf("registry not empty: %+v", s)
	}
	if s.Created != s.Destroyed {
		t.Errorf("created %d futexes but destroyed %d", s.Created, s.Destroyed)
	}
	if n := d.id.refs.Load(); n != 0 {
		t.Errorf("mapping identity holds %d references, want 0", n)
	}
}

// waitQueued polls until want waiters are queued on addr.
func waitQueued(t *testing.T, m *Manager, d *testData, addr hostarch.Addr, private bool, want int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := testutil.PollEvery(ctx, time.Millisecond, func() error {
		n, err := m.QueuedWaiters(d, addr, private)
		if err != nil {
			return backoff.Permanent(err)
		}
		if n != want {
			return fmt.Errorf("%d waiters queued on %v, want %d", n, addr, want)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("waiting for queued waiters: %v", err)
	}
}

// testWaiter is a Wait call running in its own goroutine.
type testWaiter struct {
	cancel context.CancelFunc
	done   chan error
}

// startWaiter starts a Wait on addr and returns once it is queued.
func startWaiter(t *testing.T, m *Manager, d *testData, addr hostarch.Addr, private bool, val, bitmask uint32, dl *Deadline) *testWaiter {
	t.Helper()
	before, err := m.QueuedWaiters(d, addr, private)
	if err != nil {
		t.Fatalf("QueuedWaiters: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &testWaiter{cancel: cancel, done: make(chan error, 1)}
	go func() {
		w.done <- m.Wait(ctx, d, addr, private, val, bitmask, dl)
	}()
	waitQueued(t, m, d, addr, private, before+1)
	return w
}

// result waits for the Wait call to return.
func (w *testWaiter) result(t *testing.T) error {
	t.Helper()
	defer w.cancel()
	select {
	case err := <-w.done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatalf("waiter did not return")
		return nil
	}
}

// returned reports whether the Wait call has already returned.
func (w *testWaiter) returned() bool {
	select {
	case err := <-w.done:
		w.done <- err
		return true
	default:
		return false
	}
}

func TestWaitMismatchedValue(t *testing.T) {
	for _, private := range []bool{false, true} {
		t.Run(futexKind(private), func(t *testing.T) {
			m := NewManager()
			d := newTestData(sizeofInt32)
			d.store(t, 0, 7)

			for _, val := range []uint32{0, 1, 6, 8, math.MaxUint32} {
				if err := m.Wait(context.Background(), d, 0, private, val, linux.FUTEX_BITSET_MATCH_ANY, nil); !linuxerr.Equals(linuxerr.EAGAIN, err) {
					t.Errorf("Wait(val=%d): got %v, wanted EAGAIN", val, err)
				}
			}
			if s := m.Stats(); s.Created != 0 {
				t.Errorf("Wait with stale value created %d futexes", s.Created)
			}
			checkEmpty(t, m, d)
		})
	}
}

func TestInvalidArguments(t *testing.T) {
	m := NewManager()
	d := newTestData(2 * sizeofInt32)
	ctx := context.Background()

	for _, tc := range []struct {
		name string
		fn   func() error
	}{
		{"wait misaligned", func() error { return m.Wait(ctx, d, 1, true, 0, 1, nil) }},
		{"wait zero bitmask", func() error { return m.Wait(ctx, d, 0, true, 0, 0, nil) }},
		{"wake zero bitmask", func() error { _, err := m.Wake(d, 0, true, 0, 1); return err }},
		{"wake negative count", func() error { _, err := m.Wake(d, 0, true, 1, -1); return err }},
		{"wake misaligned", func() error { _, err := m.Wake(d, 2, true, 1, 1); return err }},
		{"requeue negative wake", func() error { _, err := m.Requeue(d, 0, 4, true, -1, 0); return err }},
		{"requeue negative requeue", func() error { _, err := m.Requeue(d, 0, 4, true, 0, -1); return err }},
		{"requeue misaligned target", func() error { _, err := m.Requeue(d, 0, 3, true, 1, 1); return err }},
		{"wake op bad op", func() error { _, err := m.WakeOp(d, 0, 4, true, 1, 1, 7<<28); return err }},
		{"wake op bad cmp", func() error { _, err := m.WakeOp(d, 0, 4, true, 1, 1, 9<<24); return err }},
		{"wake op negative count", func() error { _, err := m.WakeOp(d, 0, 4, true, -1, 1, 0); return err }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.fn(); !linuxerr.Equals(linuxerr.EINVAL, err) {
				t.Errorf("got %v, wanted EINVAL", err)
			}
		})
	}
	checkEmpty(t, m, d)
}

func TestWaitFault(t *testing.T) {
	for _, private := range []bool{false, true} {
		t.Run(futexKind(private), func(t *testing.T) {
			m := NewManager()
			d := newTestData(sizeofInt32)
			if err := m.Wait(context.Background(), d, 64, private, 0, 1, nil); !linuxerr.Equals(linuxerr.EFAULT, err) {
				t.Errorf("Wait on unmapped address: got %v, wanted EFAULT", err)
			}
			checkEmpty(t, m, d)
		})
	}
}

func TestFutexWake(t *testing.T) {
	for _, private := range []bool{false, true} {
		t.Run(futexKind(private), func(t *testing.T) {
			m := NewManager()
			d := newTestData(sizeofInt32)

			// Start waiting for wakeup.
			w := startWaiter(t, m, d, 0, private, 0, linux.FUTEX_BITSET_MATCH_ANY, nil)

			// Perform a wakeup.
			if n, err := m.Wake(d, 0, private, linux.FUTEX_BITSET_MATCH_ANY, 1); err != nil || n != 1 {
				t.Errorf("Wake: got (%d, %v), wanted (1, nil)", n, err)
			}

			// Expect the waiter to have been woken.
			if err := w.result(t); err != nil {
				t.Errorf("Wait: got %v, wanted nil", err)
			}
			checkEmpty(t, m, d)
		})
	}
}

func TestFutexWakeBitmask(t *testing.T) {
	for _, private := range []bool{false, true} {
		t.Run(futexKind(private), func(t *testing.T) {
			m := NewManager()
			d := newTestData(sizeofInt32)

			// Start waiting for wakeup.
			w := startWaiter(t, m, d, 0, private, 0, 0x0000ffff, nil)

			// Perform a wakeup using the wrong bitmask.
			if n, err := m.Wake(d, 0, private, 0xffff0000, 1); err != nil || n != 0 {
				t.Errorf("Wake with non-matching bitmask: got (%d, %v), wanted (0, nil)", n, err)
			}

			// Expect the waiter to still be waiting.
			if w.returned() {
				t.Error("waiter woken unexpectedly")
			}

			// Perform a wakeup using the right bitmask.
			if n, err := m.Wake(d, 0, private, 0x00000001, 1); err != nil || n != 1 {
				t.Errorf("Wake with matching bitmask: got (%d, %v), wanted (1, nil)", n, err)
			}

			// Expect that the waiter was woken.
			if err := w.result(t); err != nil {
				t.Errorf("Wait: got %v, wanted nil", err)
			}
			checkEmpty(t, m, d)
		})
	}
}

func TestFutexWakeOrder(t *testing.T) {
	masks := []uint32{0x1, 0x2, 0x1, 0x1, 0x3}

	for _, private := range []bool{false, true} {
		t.Run(futexKind(private), func(t *testing.T) {
			m := NewManager()
			d := newTestData(sizeofInt32)

			ws := make([]*testWaiter, len(masks))
			for i, mask := range masks {
				ws[i] = startWaiter(t, m, d, 0, private, 0, mask, nil)
			}

			// Two wakeups on bit 0 must take the first two eligible waiters,
			// skipping the one waiting on bit 1.
			if n, err := m.Wake(d, 0, private, 0x1, 2); err != nil || n != 2 {
				t.Fatalf("Wake: got (%d, %v), wanted (2, nil)", n, err)
			}
			for _, i := range []int{0, 2} {
				if err := ws[i].result(t); err != nil {
					t.Errorf("waiter %d: got %v, wanted nil", i, err)
				}
			}
			waitQueued(t, m, d, 0, private, 3)
			for _, i := range []int{1, 3, 4} {
				if ws[i].returned() {
					t.Errorf("waiter %d woken unexpectedly", i)
				}
			}

			if n, err := m.Wake(d, 0, private, linux.FUTEX_BITSET_MATCH_ANY, math.MaxInt32); err != nil || n != 3 {
				t.Errorf("Wake all: got (%d, %v), wanted (3, nil)", n, err)
			}
			for _, i := range []int{1, 3, 4} {
				if err := ws[i].result(t); err != nil {
					t.Errorf("waiter %d: got %v, wanted nil", i, err)
				}
			}
			checkEmpty(t, m, d)
		})
	}
}

func TestFutexWakeUnrelated(t *testing.T) {
	for _, private := range []bool{false, true} {
		t.Run(futexKind(private), func(t *testing.T) {
			m := NewManager()
			d := newTestData(2 * sizeofInt32)

			// Start two waiters waiting for wakeup on different addresses.
			w1 := startWaiter(t, m, d, 0*sizeofInt32, private, 0, linux.FUTEX_BITSET_MATCH_ANY, nil)
			w2 := startWaiter(t, m, d, 1*sizeofInt32, private, 0, linux.FUTEX_BITSET_MATCH_ANY, nil)

			// Perform two wakeups on the second address.
			if n, err := m.Wake(d, 1*sizeofInt32, private, linux.FUTEX_BITSET_MATCH_ANY, 2); err != nil || n != 1 {
				t.Errorf("Wake: got (%d, %v), wanted (1, nil)", n, err)
			}

			// Expect that only the second waiter was woken.
			if err := w2.result(t); err != nil {
				t.Errorf("w2: got %v, wanted nil", err)
			}
			if w1.returned() {
				t.Error("w1 woken unexpectedly")
			}

			if n, err := m.Wake(d, 0, private, linux.FUTEX_BITSET_MATCH_ANY, 1); err != nil || n != 1 {
				t.Errorf("Wake: got (%d, %v), wanted (1, nil)", n, err)
			}
			if err := w1.result(t); err != nil {
				t.Errorf("w1: got %v, wanted nil", err)
			}
			checkEmpty(t, m, d)
		})
	}
}

func TestPrivateAndSharedDoNotMatch(t *testing.T) {
	m := NewManager()
	d := newTestData(sizeofInt32)

	w := startWaiter(t, m, d, 0, true, 0, linux.FUTEX_BITSET_MATCH_ANY, nil)
	if n, err := m.Wake(d, 0, false, linux.FUTEX_BITSET_MATCH_ANY, 1); err != nil || n != 0 {
		t.Errorf("shared Wake of private waiter: got (%d, %v), wanted (0, nil)", n, err)
	}
	if n, err := m.Wake(d, 0, true, linux.FUTEX_BITSET_MATCH_ANY, 1); err != nil || n != 1 {
		t.Errorf("private Wake: got (%d, %v), wanted (1, nil)", n, err)
	}
	if err := w.result(t); err != nil {
		t.Errorf("Wait: got %v, wanted nil", err)
	}
	checkEmpty(t, m, d)
}

func TestWaitTimeout(t *testing.T) {
	m := NewManager()
	d := newTestData(sizeofInt32)
	c := ktime.NewManualClock(ktime.FromSeconds(100))
	dl, err := DeadlineAfter(c, time.Second)
	if err != nil {
		t.Fatalf("DeadlineAfter: %v", err)
	}

	w := startWaiter(t, m, d, 0, true, 0, linux.FUTEX_BITSET_MATCH_ANY, dl)
	if w.returned() {
		t.Fatal("waiter returned before its deadline")
	}
	c.Advance(2 * time.Second)
	if err := w.result(t); !linuxerr.Equals(linuxerr.ETIMEDOUT, err) {
		t.Errorf("Wait: got %v, wanted ETIMEDOUT", err)
	}
	checkEmpty(t, m, d)
}

func TestWaitDeadlineInPast(t *testing.T) {
	m := NewManager()
	d := newTestData(sizeofInt32)
	c := ktime.NewManualClock(ktime.FromSeconds(100))
	dl := &Deadline{Clock: c, At: ktime.FromSeconds(99)}

	if err := m.Wait(context.Background(), d, 0, true, 0, 1, dl); !linuxerr.Equals(linuxerr.ETIMEDOUT, err) {
		t.Errorf("Wait: got %v, wanted ETIMEDOUT", err)
	}
	checkEmpty(t, m, d)
}

func TestWaitClockError(t *testing.T) {
	m := NewManager()
	d := newTestData(sizeofInt32)
	c := ktime.NewManualClock(ktime.FromSeconds(100))
	dl, err := DeadlineAfter(c, time.Hour)
	if err != nil {
		t.Fatalf("DeadlineAfter: %v", err)
	}

	errClock := errors.New("clock unavailable")
	c.SetError(errClock)
	if err := m.Wait(context.Background(), d, 0, true, 0, 1, dl); !errors.Is(err, errClock) {
		t.Errorf("Wait: got %v, wanted %v", err, errClock)
	}
	if _, err := DeadlineAfter(c, time.Second); !errors.Is(err, errClock) {
		t.Errorf("DeadlineAfter: got %v, wanted %v", err, errClock)
	}
	checkEmpty(t, m, d)
}

func TestWaitInterrupted(t *testing.T) {
	for _, private := range []bool{false, true} {
		t.Run(futexKind(private), func(t *testing.T) {
			m := NewManager()
			d := newTestData(sizeofInt32)

			w := startWaiter(t, m, d, 0, private, 0, linux.FUTEX_BITSET_MATCH_ANY, nil)
			w.cancel()
			if err := w.result(t); !linuxerr.Equals(linuxerr.EINTR, err) {
				t.Errorf("Wait: got %v, wanted EINTR", err)
			}
			if n, err := m.Wake(d, 0, private, linux.FUTEX_BITSET_MATCH_ANY, 1); err != nil || n != 0 {
				t.Errorf("Wake after interrupt: got (%d, %v), wanted (0, nil)", n, err)
			}
			checkEmpty(t, m, d)
		})
	}
}

// TestWakeTimeoutRace checks that a waiter racing a wake against its
// deadline resolves exactly one way, and that the waker's count agrees.
func TestWakeTimeoutRace(t *testing.T) {
	trials := 10000
	if testing.Short() {
		trials = 500
	}
	m := NewManager()
	d := newTestData(sizeofInt32)
	c := ktime.NewMonotonicClock()

	var woken, timedOut int
	for i := 0; i < trials; i++ {
		dl, err := DeadlineAfter(c, time.Duration(i%20)*time.Microsecond)
		if err != nil {
			t.Fatalf("DeadlineAfter: %v", err)
		}
		var (
			waitErr error
			n       int
			g       errgroup.Group
		)
		g.Go(func() error {
			waitErr = m.Wait(context.Background(), d, 0, true, 0, linux.FUTEX_BITSET_MATCH_ANY, dl)
			return nil
		})
		g.Go(func() error {
			if i%2 == 0 {
				runtime.Gosched()
			}
			var err error
			n, err = m.Wake(d, 0, true, linux.FUTEX_BITSET_MATCH_ANY, 1)
			return err
		})
		if err := g.Wait(); err != nil {
			t.Fatalf("trial %d: Wake: %v", i, err)
		}

		switch {
		case waitErr == nil && n == 1:
			woken++
		case linuxerr.Equals(linuxerr.ETIMEDOUT, waitErr) && n == 0:
			timedOut++
		default:
			t.Fatalf("trial %d: Wait returned %v but Wake woke %d", i, waitErr, n)
		}
	}
	if woken+timedOut != trials {
		t.Errorf("got %d woken and %d timed out, wanted %d trials", woken, timedOut, trials)
	}
	t.Logf("%d woken, %d timed out", woken, timedOut)
	checkEmpty(t, m, d)
}

func TestRequeue(t *testing.T) {
	for _, tc := range []struct {
		name        string
		waiters     int
		nwake       int
		nreq        int
		wantWoken   int
		wantOnFirst int
		wantMoved   int
	}{
		{name: "wake and move", waiters: 5, nwake: 2, nreq: 2, wantWoken: 2, wantOnFirst: 1, wantMoved: 2},
		{name: "move all", waiters: 3, nwake: 0, nreq: 10, wantWoken: 0, wantOnFirst: 0, wantMoved: 3},
		{name: "wake all", waiters: 3, nwake: 5, nreq: 5, wantWoken: 3, wantOnFirst: 0, wantMoved: 0},
		{name: "nothing", waiters: 2, nwake: 0, nreq: 0, wantWoken: 0, wantOnFirst: 2, wantMoved: 0},
	} {
		for _, private := range []bool{false, true} {
			t.Run(tc.name+"/"+futexKind(private), func(t *testing.T) {
				m := NewManager()
				d := newTestData(2 * sizeofInt32)

				ws := make([]*testWaiter, tc.waiters)
				for i := range ws {
					ws[i] = startWaiter(t, m, d, 0, private, 0, linux.FUTEX_BITSET_MATCH_ANY, nil)
				}

				n, err := m.Requeue(d, 0, sizeofInt32, private, tc.nwake, tc.nreq)
				if err != nil || n != tc.wantWoken {
					t.Fatalf("Requeue: got (%d, %v), wanted (%d, nil)", n, err, tc.wantWoken)
				}
				for i := 0; i < tc.wantWoken; i++ {
					if err := ws[i].result(t); err != nil {
						t.Errorf("waiter %d: got %v, wanted nil", i, err)
					}
				}
				waitQueued(t, m, d, 0, private, tc.wantOnFirst)
				waitQueued(t, m, d, sizeofInt32, private, tc.wantMoved)

				// Requeued waiters are woken from the second address, in
				// their original order.
				if n, err := m.Wake(d, sizeofInt32, private, linux.FUTEX_BITSET_MATCH_ANY, math.MaxInt32); err != nil || n != tc.wantMoved {
					t.Errorf("Wake second: got (%d, %v), wanted (%d, nil)", n, err, tc.wantMoved)
				}
				if n, err := m.Wake(d, 0, private, linux.FUTEX_BITSET_MATCH_ANY, math.MaxInt32); err != nil || n != tc.wantOnFirst {
					t.Errorf("Wake first: got (%d, %v), wanted (%d, nil)", n, err, tc.wantOnFirst)
				}
				for i := tc.wantWoken; i < tc.waiters; i++ {
					if err := ws[i].result(t); err != nil {
						t.Errorf("waiter %d: got %v, wanted nil", i, err)
					}
				}
				checkEmpty(t, m, d)
			})
		}
	}
}

func TestRequeueSameAddress(t *testing.T) {
	m := NewManager()
	d := newTestData(sizeofInt32)

	ws := make([]*testWaiter, 3)
	for i := range ws {
		ws[i] = startWaiter(t, m, d, 0, true, 0, linux.FUTEX_BITSET_MATCH_ANY, nil)
	}
	if n, err := m.Requeue(d, 0, 0, true, 1, 5); err != nil || n != 1 {
		t.Fatalf("Requeue: got (%d, %v), wanted (1, nil)", n, err)
	}
	if err := ws[0].result(t); err != nil {
		t.Errorf("waiter 0: got %v, wanted nil", err)
	}
	waitQueued(t, m, d, 0, true, 2)
	if n, err := m.Wake(d, 0, true, linux.FUTEX_BITSET_MATCH_ANY, 2); err != nil || n != 2 {
		t.Errorf("Wake: got (%d, %v), wanted (2, nil)", n, err)
	}
	for _, w := range ws[1:] {
		if err := w.result(t); err != nil {
			t.Errorf("got %v, wanted nil", err)
		}
	}
	checkEmpty(t, m, d)
}

func TestRequeueNoWaiters(t *testing.T) {
	m := NewManager()
	d := newTestData(2 * sizeofInt32)
	if n, err := m.Requeue(d, 0, sizeofInt32, true, 1, 1); err != nil || n != 0 {
		t.Errorf("Requeue: got (%d, %v), wanted (0, nil)", n, err)
	}
	if s := m.Stats(); s.Created != 0 {
		t.Errorf("Requeue without waiters created %d futexes", s.Created)
	}
	checkEmpty(t, m, d)
}

func TestRequeueCmp(t *testing.T) {
	for _, private := range []bool{false, true} {
		t.Run(futexKind(private), func(t *testing.T) {
			m := NewManager()
			d := newTestData(2 * sizeofInt32)

			ws := make([]*testWaiter, 3)
			for i := range ws {
				ws[i] = startWaiter(t, m, d, 0, private, 0, linux.FUTEX_BITSET_MATCH_ANY, nil)
			}

			// A stale value moves and wakes nobody.
			if n, err := m.RequeueCmp(d, 0, sizeofInt32, private, 1, 1, 1); !linuxerr.Equals(linuxerr.EAGAIN, err) || n != 0 {
				t.Errorf("RequeueCmp with stale value: got (%d, %v), wanted (0, EAGAIN)", n, err)
			}
			waitQueued(t, m, d, 0, private, 3)
			waitQueued(t, m, d, sizeofInt32, private, 0)

			// A current value behaves like Requeue.
			if n, err := m.RequeueCmp(d, 0, sizeofInt32, private, 0, 1, 1); err != nil || n != 1 {
				t.Errorf("RequeueCmp: got (%d, %v), wanted (1, nil)", n, err)
			}
			if err := ws[0].result(t); err != nil {
				t.Errorf("waiter 0: got %v, wanted nil", err)
			}
			waitQueued(t, m, d, 0, private, 1)
			waitQueued(t, m, d, sizeofInt32, private, 1)

			if _, err := m.Wake(d, 0, private, linux.FUTEX_BITSET_MATCH_ANY, 1); err != nil {
				t.Errorf("Wake: %v", err)
			}
			if _, err := m.Wake(d, sizeofInt32, private, linux.FUTEX_BITSET_MATCH_ANY, 1); err != nil {
				t.Errorf("Wake: %v", err)
			}
			for _, w := range ws[1:] {
				if err := w.result(t); err != nil {
					t.Errorf("got %v, wanted nil", err)
				}
			}
			checkEmpty(t, m, d)
		})
	}
}

func TestRequeuedWaiterTimesOut(t *testing.T) {
	m := NewManager()
	d := newTestData(2 * sizeofInt32)
	c := ktime.NewManualClock(ktime.FromSeconds(0))
	dl, err := DeadlineAfter(c, time.Second)
	if err != nil {
		t.Fatalf("DeadlineAfter: %v", err)
	}

	w := startWaiter(t, m, d, 0, true, 0, linux.FUTEX_BITSET_MATCH_ANY, dl)
	if n, err := m.Requeue(d, 0, sizeofInt32, true, 0, 1); err != nil || n != 0 {
		t.Fatalf("Requeue: got (%d, %v), wanted (0, nil)", n, err)
	}
	waitQueued(t, m, d, sizeofInt32, true, 1)

	// The abort must find the waiter on the futex it was moved to.
	c.Advance(time.Hour)
	if err := w.result(t); !linuxerr.Equals(linuxerr.ETIMEDOUT, err) {
		t.Errorf("Wait: got %v, wanted ETIMEDOUT", err)
	}
	checkEmpty(t, m, d)
}

func TestWakeOpEmpty(t *testing.T) {
	for _, private := range []bool{false, true} {
		t.Run(futexKind(private), func(t *testing.T) {
			m := NewManager()
			d := newTestData(2 * sizeofInt32)

			// Perform wakeups with no waiters.
			if n, err := m.WakeOp(d, 0, sizeofInt32, private, 10, 10, 0); err != nil || n != 0 {
				t.Fatalf("WakeOp: got (%d, %v), wanted (0, nil)", n, err)
			}
			checkEmpty(t, m, d)
		})
	}
}

func TestWakeOp(t *testing.T) {
	// setZero stores 0 and tests old == 0, which holds for a zeroed word.
	setZero := linux.FutexOp(linux.FUTEX_OP_SET, 0, linux.FUTEX_OP_CMP_EQ, 0)
	// setOneFail stores 1 and tests old == 1, which fails for a zeroed word.
	setOneFail := linux.FutexOp(linux.FUTEX_OP_SET, 1, linux.FUTEX_OP_CMP_EQ, 1)

	for _, tc := range []struct {
		name      string
		first     int
		second    int
		addr2     hostarch.Addr
		nwake1    int
		nwake2    int
		op        uint32
		wantWoken int
	}{
		{name: "first non-empty", first: 2, addr2: sizeofInt32, nwake1: 10, op: setZero, wantWoken: 2},
		{name: "second non-empty", second: 2, addr2: sizeofInt32, nwake2: 10, op: setZero, wantWoken: 2},
		{name: "second non-empty failing op", second: 2, addr2: sizeofInt32, nwake2: 10, op: setOneFail, wantWoken: 0},
		{name: "all non-empty", first: 2, second: 2, addr2: sizeofInt32, nwake1: 10, nwake2: 10, op: setZero, wantWoken: 4},
		{name: "all non-empty failing op", first: 2, second: 2, addr2: sizeofInt32, nwake1: 10, nwake2: 10, op: setOneFail, wantWoken: 2},
		{name: "same address", first: 4, addr2: 0, nwake1: 1, nwake2: 1, op: setZero, wantWoken: 2},
		{name: "same address failing op", first: 4, addr2: 0, nwake1: 1, nwake2: 1, op: setOneFail, wantWoken: 1},
	} {
		for _, private := range []bool{false, true} {
			t.Run(tc.name+"/"+futexKind(private), func(t *testing.T) {
				m := NewManager()
				d := newTestData(2 * sizeofInt32)

				var ws []*testWaiter
				for i := 0; i < tc.first; i++ {
					ws = append(ws, startWaiter(t, m, d, 0, private, 0, linux.FUTEX_BITSET_MATCH_ANY, nil))
				}
				for i := 0; i < tc.second; i++ {
					ws = append(ws, startWaiter(t, m, d, tc.addr2, private, 0, linux.FUTEX_BITSET_MATCH_ANY, nil))
				}

				if n, err := m.WakeOp(d, 0, tc.addr2, private, tc.nwake1, tc.nwake2, tc.op); err != nil || n != tc.wantWoken {
					t.Errorf("WakeOp: got (%d, %v), wanted (%d, nil)", n, err, tc.wantWoken)
				}

				// Release everyone left; the word may have changed, but Wake
				// does not look at it.
				remaining := len(ws) - tc.wantWoken
				total := 0
				for _, addr := range []hostarch.Addr{0, sizeofInt32} {
					n, err := m.Wake(d, addr, private, linux.FUTEX_BITSET_MATCH_ANY, math.MaxInt32)
					if err != nil {
						t.Fatalf("Wake(%v): %v", addr, err)
					}
					total += n
				}
				if total != remaining {
					t.Errorf("woke %d leftover waiters, wanted %d", total, remaining)
				}
				for _, w := range ws {
					if err := w.result(t); err != nil {
						t.Errorf("got %v, wanted nil", err)
					}
				}
				checkEmpty(t, m, d)
			})
		}
	}
}

func TestWakeOpWrites(t *testing.T) {
	for _, tc := range []struct {
		name  string
		old   uint32
		op    uint32
		want  uint32
		woken bool
	}{
		{"set", 5, linux.FutexOp(linux.FUTEX_OP_SET, 9, linux.FUTEX_OP_CMP_EQ, 5), 9, true},
		{"add", 5, linux.FutexOp(linux.FUTEX_OP_ADD, 3, linux.FUTEX_OP_CMP_NE, 5), 8, false},
		{"add negative", 5, linux.FutexOp(linux.FUTEX_OP_ADD, 0xfff, linux.FUTEX_OP_CMP_GT, 4), 4, true},
		{"or", 0x10, linux.FutexOp(linux.FUTEX_OP_OR, 0x3, linux.FUTEX_OP_CMP_LT, 0x11), 0x13, true},
		{"andn", 0xff, linux.FutexOp(linux.FUTEX_OP_ANDN, 0xf, linux.FUTEX_OP_CMP_LE, 0xfe), 0xf0, false},
		{"xor", 0x0f, linux.FutexOp(linux.FUTEX_OP_XOR, 0xff, linux.FUTEX_OP_CMP_GE, 0x0f), 0xf0, true},
		{"shift", 0, linux.FutexOp(linux.FUTEX_OP_OR|linux.FUTEX_OP_OPARG_SHIFT, 31, linux.FUTEX_OP_CMP_EQ, 0), 0x80000000, true},
		{"signed compare", 0xffffffff, linux.FutexOp(linux.FUTEX_OP_SET, 0, linux.FUTEX_OP_CMP_LT, 0), 0, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager()
			d := newTestData(2 * sizeofInt32)
			d.store(t, sizeofInt32, tc.old)
			w := startWaiter(t, m, d, sizeofInt32, true, tc.old, linux.FUTEX_BITSET_MATCH_ANY, nil)

			n, err := m.WakeOp(d, 0, sizeofInt32, true, 0, 1, tc.op)
			if err != nil {
				t.Fatalf("WakeOp: %v", err)
			}
			if got := d.load(t, sizeofInt32); got != tc.want {
				t.Errorf("word after WakeOp: got %#x, wanted %#x", got, tc.want)
			}
			if got := n == 1; got != tc.woken {
				t.Errorf("WakeOp woke %d, wanted woken=%t", n, tc.woken)
			}
			if !tc.woken {
				m.Wake(d, sizeofInt32, true, linux.FUTEX_BITSET_MATCH_ANY, 1)
			}
			if err := w.result(t); err != nil {
				t.Errorf("Wait: got %v, wanted nil", err)
			}
			checkEmpty(t, m, d)
		})
	}
}

func TestDecodeWakeOp(t *testing.T) {
	for _, tc := range []struct {
		name    string
		enc     uint32
		want    wakeOp
		wantErr bool
	}{
		{
			name: "plain",
			enc:  linux.FutexOp(linux.FUTEX_OP_ADD, 7, linux.FUTEX_OP_CMP_GE, 3),
			want: wakeOp{op: linux.FUTEX_OP_ADD, cmp: linux.FUTEX_OP_CMP_GE, oparg: 7, cmparg: 3},
		},
		{
			name: "sign extended",
			enc:  linux.FutexOp(linux.FUTEX_OP_ADD, 0xfff, linux.FUTEX_OP_CMP_EQ, 0x800),
			want: wakeOp{op: linux.FUTEX_OP_ADD, cmp: linux.FUTEX_OP_CMP_EQ, oparg: math.MaxUint32, cmparg: -2048},
		},
		{
			name: "shift",
			enc:  linux.FutexOp(linux.FUTEX_OP_SET|linux.FUTEX_OP_OPARG_SHIFT, 4, linux.FUTEX_OP_CMP_NE, 0),
			want: wakeOp{op: linux.FUTEX_OP_SET, cmp: linux.FUTEX_OP_CMP_NE, oparg: 16},
		},
		{
			name:    "shift too large",
			enc:     linux.FutexOp(linux.FUTEX_OP_SET|linux.FUTEX_OP_OPARG_SHIFT, 32, linux.FUTEX_OP_CMP_EQ, 0),
			wantErr: true,
		},
		{
			name:    "shift negative",
			enc:     linux.FutexOp(linux.FUTEX_OP_SET|linux.FUTEX_OP_OPARG_SHIFT, 0xfff, linux.FUTEX_OP_CMP_EQ, 0),
			wantErr: true,
		},
		{
			name:    "unknown op",
			enc:     linux.FutexOp(5, 0, linux.FUTEX_OP_CMP_EQ, 0),
			wantErr: true,
		},
		{
			name:    "unknown cmp",
			enc:     linux.FutexOp(linux.FUTEX_OP_SET, 0, 6, 0),
			wantErr: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := decodeWakeOp(tc.enc)
			if tc.wantErr {
				if !linuxerr.Equals(linuxerr.EINVAL, err) {
					t.Errorf("decodeWakeOp(%#x): got error %v, wanted EINVAL", tc.enc, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeWakeOp(%#x): %v", tc.enc, err)
			}
			if diff := cmp.Diff(tc.want, got, cmp.AllowUnexported(wakeOp{})); diff != "" {
				t.Errorf("decodeWakeOp(%#x) mismatch (-want +got):\n%s", tc.enc, diff)
			}
		})
	}
}

// TestWakeOpSerializable hammers one word with WakeOp additions and plain
// CAS increments. Additions commute, so any serial order ends at the total.
func TestWakeOpSerializable(t *testing.T) {
	const (
		workers = 8
		iters   = 500
	)
	m := NewManager()
	d := newTestData(2 * sizeofInt32)
	addOne := linux.FutexOp(linux.FUTEX_OP_ADD, 1, linux.FUTEX_OP_CMP_EQ, 0)

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		useWakeOp := i%2 == 0
		g.Go(func() error {
			for j := 0; j < iters; j++ {
				if useWakeOp {
					if _, err := m.WakeOp(d, 0, sizeofInt32, true, 1, 1, addOne); err != nil {
						return err
					}
					continue
				}
				for {
					v, err := d.LoadUint32(sizeofInt32)
					if err != nil {
						return err
					}
					prev, err := d.CompareAndSwapUint32(sizeofInt32, v, v+1)
					if err != nil {
						return err
					}
					if prev == v {
						break
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("worker failed: %v", err)
	}
	if got, want := d.load(t, sizeofInt32), uint32(workers*iters); got != want {
		t.Errorf("final word: got %d, wanted %d", got, want)
	}
	checkEmpty(t, m, d)
}

func TestEndToEnd(t *testing.T) {
	m := NewManager()
	d := newTestData(sizeofInt32)

	w := startWaiter(t, m, d, 0, true, 0, 1, nil)
	d.store(t, 0, 1)
	if n, err := m.Wake(d, 0, true, 1, 1); err != nil || n != 1 {
		t.Fatalf("Wake: got (%d, %v), wanted (1, nil)", n, err)
	}
	if err := w.result(t); err != nil {
		t.Errorf("Wait: got %v, wanted nil", err)
	}
	if err := m.Wait(context.Background(), d, 0, true, 0, 1, nil); !linuxerr.Equals(linuxerr.EAGAIN, err) {
		t.Errorf("Wait after store: got %v, wanted EAGAIN", err)
	}
	checkEmpty(t, m, d)
	m.Destroy()
}

func TestTooManyReferences(t *testing.T) {
	m := NewManager()
	d := newTestData(sizeofInt32)

	f, err := m.lookupOrCreate(d, 0, true)
	if err != nil {
		t.Fatalf("lookupOrCreate: %v", err)
	}
	f.refs.Store(maxRefs)
	if err := f.incRef(); !linuxerr.Equals(linuxerr.ETOOMANYREFS, err) {
		t.Errorf("incRef at ceiling: got %v, wanted ETOOMANYREFS", err)
	}
	if _, err := m.lookup(d, 0, true); !linuxerr.Equals(linuxerr.ETOOMANYREFS, err) {
		t.Errorf("lookup at ceiling: got %v, wanted ETOOMANYREFS", err)
	}
	if err := m.Wait(context.Background(), d, 0, true, 0, 1, nil); !linuxerr.Equals(linuxerr.ETOOMANYREFS, err) {
		t.Errorf("Wait at ceiling: got %v, wanted ETOOMANYREFS", err)
	}
	f.refs.Store(1)
	f.decRef()
	checkEmpty(t, m, d)
}

func TestLookupOrCreateRace(t *testing.T) {
	for _, private := range []bool{false, true} {
		t.Run(futexKind(private), func(t *testing.T) {
			const racers = 16
			m := NewManager()
			d := newTestData(sizeofInt32)

			fs := make([]*Futex, racers)
			var g errgroup.Group
			for i := range fs {
				i := i
				g.Go(func() error {
					f, err := m.lookupOrCreate(d, 0, private)
					fs[i] = f
					return err
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatalf("lookupOrCreate: %v", err)
			}
			for i, f := range fs {
				if f != fs[0] {
					t.Errorf("racer %d got futex %p, wanted %p", i, f, fs[0])
				}
			}
			want := Stats{Created: 1}
			if private {
				want.PrivateFutexes = 1
			} else {
				want.SharedFutexes = 1
			}
			if diff := cmp.Diff(want, m.Stats()); diff != "" {
				t.Errorf("Stats mismatch (-want +got):\n%s", diff)
			}
			if got := fs[0].refs.Load(); got != racers {
				t.Errorf("reference count: got %d, wanted %d", got, racers)
			}
			for _, f := range fs {
				f.decRef()
			}
			checkEmpty(t, m, d)
		})
	}
}

func TestDestroyPanicsWithLiveFutex(t *testing.T) {
	m := NewManager()
	d := newTestData(sizeofInt32)
	f, err := m.lookupOrCreate(d, 0, true)
	if err != nil {
		t.Fatalf("lookupOrCreate: %v", err)
	}
	defer f.decRef()

	defer func() {
		if recover() == nil {
			t.Error("Destroy did not panic with a live futex")
		}
	}()
	m.Destroy()
}

func TestKeyOrdering(t *testing.T) {
	keys := []Key{
		{Kind: KindPrivate, AddressSpace: 1, Offset: 8},
		{Kind: KindPrivate, AddressSpace: 2, Offset: 0},
		{Kind: KindSharedPrivate, AddressSpace: 1, Offset: 0},
		{Kind: KindSharedMappable, Mappable: 1, Offset: 4},
		{Kind: KindSharedMappable, Mappable: 2, Offset: 0},
	}
	for i := range keys {
		for j := range keys {
			if got, want := keys[i].less(&keys[j]), i < j; got != want {
				t.Errorf("%v.less(%v): got %t, wanted %t", keys[i], keys[j], got, want)
			}
		}
	}
	a := Key{Kind: KindSharedMappable, Mappable: 1, MappingIdentity: &testIdentity{}}
	b := Key{Kind: KindSharedMappable, Mappable: 1}
	if a.less(&b) || b.less(&a) {
		t.Errorf("keys differing only in MappingIdentity are ordered apart")
	}
}

func TestReleaseRobust(t *testing.T) {
	const tid = 42

	for _, tc := range []struct {
		name     string
		word     uint32
		pending  bool
		waiter   bool
		want     RobustResult
		wantWord uint32
	}{
		{
			name:     "owned without waiters",
			word:     tid,
			want:     RobustOwnerDied,
			wantWord: linux.FUTEX_OWNER_DIED,
		},
		{
			name:     "owned by another thread",
			word:     tid + 1,
			want:     RobustSkipped,
			wantWord: tid + 1,
		},
		{
			name:     "owned with waiter",
			word:     tid | linux.FUTEX_WAITERS,
			waiter:   true,
			want:     RobustOwnerDiedWoken,
			wantWord: linux.FUTEX_WAITERS | linux.FUTEX_OWNER_DIED,
		},
		{
			name:     "waiters bit but nobody queued",
			word:     tid | linux.FUTEX_WAITERS,
			want:     RobustOwnerDied,
			wantWord: linux.FUTEX_WAITERS | linux.FUTEX_OWNER_DIED,
		},
		{
			name:     "pending without owner",
			word:     linux.FUTEX_WAITERS,
			pending:  true,
			waiter:   true,
			want:     RobustPendingWake,
			wantWord: linux.FUTEX_WAITERS,
		},
		{
			name:     "pending owned",
			word:     tid,
			pending:  true,
			want:     RobustOwnerDied,
			wantWord: linux.FUTEX_OWNER_DIED,
		},
		{
			name:     "not pending without owner",
			word:     linux.FUTEX_WAITERS,
			want:     RobustSkipped,
			wantWord: linux.FUTEX_WAITERS,
		},
	} {
		for _, private := range []bool{false, true} {
			t.Run(tc.name+"/"+futexKind(private), func(t *testing.T) {
				m := NewManager()
				d := newTestData(sizeofInt32)
				d.store(t, 0, tc.word)

				var w *testWaiter
				if tc.waiter {
					w = startWaiter(t, m, d, 0, private, tc.word, linux.FUTEX_BITSET_MATCH_ANY, nil)
				}
				if got := m.ReleaseRobust(d, 0, tid, tc.pending); got != tc.want {
					t.Errorf("ReleaseRobust: got %v, wanted %v", got, tc.want)
				}
				if got := d.load(t, 0); got != tc.wantWord {
					t.Errorf("word: got %#x, wanted %#x", got, tc.wantWord)
				}
				if w != nil {
					if err := w.result(t); err != nil {
						t.Errorf("Wait: got %v, wanted nil", err)
					}
				}
				checkEmpty(t, m, d)
			})
		}
	}
}

func TestReleaseRobustFault(t *testing.T) {
	m := NewManager()
	d := newTestData(sizeofInt32)
	for _, addr := range []hostarch.Addr{2, 64} {
		if got := m.ReleaseRobust(d, addr, 1, false); got != RobustSkipped {
			t.Errorf("ReleaseRobust(%v): got %v, wanted %v", addr, got, RobustSkipped)
		}
	}
	checkEmpty(t, m, d)
}

const (
	testMutexSize            = sizeofInt32
	testMutexLocked   uint32 = 1
	testMutexUnlocked uint32 = 0
)

// testMutex ties together a testData, an address, and a futex manager in
// order to implement the sync.Locker interface.
type testMutex struct {
	a hostarch.Addr
	d *testData
	m *Manager
}

func newTestMutex(addr hostarch.Addr, d *testData, m *Manager) *testMutex {
	return &testMutex{a: addr, d: d, m: m}
}

// Lock acquires the testMutex.
// This may wait for it to be available via the futex manager.
func (t *testMutex) Lock() {
	for {
		// Attempt to grab the lock.
		if prev, _ := t.d.CompareAndSwapUint32(t.a, testMutexUnlocked, testMutexLocked); prev == testMutexUnlocked {
			// Lock held.
			return
		}

		// Wait for it to be "not locked".
		err := t.m.Wait(context.Background(), t.d, t.a, true, testMutexLocked, linux.FUTEX_BITSET_MATCH_ANY, nil)
		if err != nil && !linuxerr.Equals(linuxerr.EAGAIN, err) {
			// Should never happen.
			panic("Wait returned unexpected error: " + err.Error())
		}
	}
}

// Unlock releases the testMutex.
// This will notify any waiters via the futex manager.
func (t *testMutex) Unlock() {
	t.d.io.StoreUint32(context.Background(), t.a, testMutexUnlocked, usermem.IOOpts{})
	t.m.Wake(t.d, t.a, true, linux.FUTEX_BITSET_MATCH_ANY, math.MaxInt32)
}

func TestMutexStress(t *testing.T) {
	m := NewManager()
	d := newTestData(testMutexSize)
	tm := newTestMutex(0*testMutexSize, d, m)

	var (
		g       errgroup.Group
		holders atomicbitops.Int64
	)
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			for j := 0; j < 1000; j++ {
				tm.Lock()
				if n := holders.Add(1); n != 1 {
					return fmt.Errorf("%d holders inside the critical section", n)
				}
				runtime.Gosched()
				holders.Add(-1)
				tm.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	checkEmpty(t, m, d)
}
