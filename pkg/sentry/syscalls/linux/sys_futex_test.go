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

package linux

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"gvisor.dev/kfutex/pkg/abi/linux"
	"gvisor.dev/kfutex/pkg/errors/linuxerr"
	"gvisor.dev/kfutex/pkg/hostarch"
	"gvisor.dev/kfutex/pkg/sentry/arch"
	"gvisor.dev/kfutex/pkg/sentry/kernel"
	"gvisor.dev/kfutex/pkg/sentry/ktime"
	"gvisor.dev/kfutex/pkg/test/testutil"
	"gvisor.dev/kfutex/pkg/usermem"
)

const (
	waitPrivate = linux.FUTEX_WAIT | linux.FUTEX_PRIVATE_FLAG
	wakePrivate = linux.FUTEX_WAKE | linux.FUTEX_PRIVATE_FLAG
)

type harness struct {
	k     *kernel.Kernel
	clock *ktime.ManualClock
	// main and helper share an address space.
	main   *kernel.Task
	helper *kernel.Task
	page   hostarch.Addr
}

func newHarness(t *testing.T, width arch.Width) *harness {
	t.Helper()
	clock := ktime.NewManualClock(ktime.FromSeconds(1000))
	k := kernel.NewKernel(kernel.InitKernelArgs{RealtimeClock: clock, MonotonicClock: clock})
	t.Cleanup(k.Destroy)
	main, err := k.NewTask(kernel.TaskConfig{Name: "main", Width: width})
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	helper, err := k.NewTask(kernel.TaskConfig{Name: "helper", Width: width, MemoryManager: main.MemoryManager()})
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	page, err := Mmap(main, arch.Args(0, hostarch.PageSize, linux.PROT_READ|linux.PROT_WRITE, linux.MAP_PRIVATE|linux.MAP_ANONYMOUS, ^uintptr(0), 0))
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	return &harness{k: k, clock: clock, main: main, helper: helper, page: hostarch.Addr(page)}
}

func (h *harness) store(t *testing.T, addr hostarch.Addr, val uint32) {
	t.Helper()
	if err := h.main.MemoryManager().StoreUint32(context.Background(), addr, val, usermem.IOOpts{}); err != nil {
		t.Fatalf("StoreUint32(%v): %v", addr, err)
	}
}

func (h *harness) load(t *testing.T, addr hostarch.Addr) uint32 {
	t.Helper()
	v, err := h.main.LoadUint32(addr)
	if err != nil {
		t.Fatalf("LoadUint32(%v): %v", addr, err)
	}
	return v
}

// startWait issues futex(2) as the helper task in the background.
func (h *harness) startWait(args arch.SyscallArguments) <-chan error {
	ch := make(chan error, 1)
	go func() {
		_, err := Futex(h.helper, args)
		ch <- err
	}()
	return ch
}

func (h *harness) waitQueued(t *testing.T, addr hostarch.Addr, private bool, want int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := testutil.PollEvery(ctx, time.Millisecond, func() error {
		n, err := h.main.Futex().QueuedWaiters(h.main, addr, private)
		if err != nil {
			return err
		}
		if n != want {
			return fmt.Errorf("%d waiters on %v, want %d", n, addr, want)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("waiting for queued waiters: %v", err)
	}
}

func receive(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(10 * time.Second):
		t.Fatalf("futex wait did not return")
		return nil
	}
}

func ptr(a hostarch.Addr) uintptr { return uintptr(a) }

func TestFutexWaitWake(t *testing.T) {
	h := newHarness(t, arch.Width64)
	addr := h.page
	before := futexWaitResults.Value("woken")

	ch := h.startWait(arch.Args(ptr(addr), waitPrivate, 0))
	h.waitQueued(t, addr, true, 1)

	// A shared wake does not match a private waiter.
	if n, err := Futex(h.main, arch.Args(ptr(addr), linux.FUTEX_WAKE, 1)); err != nil || n != 0 {
		t.Errorf("shared FUTEX_WAKE got (%d, %v) want (0, nil)", n, err)
	}
	// A non-positive count wakes one waiter.
	if n, err := Futex(h.main, arch.Args(ptr(addr), wakePrivate, 0)); err != nil || n != 1 {
		t.Errorf("FUTEX_WAKE got (%d, %v) want (1, nil)", n, err)
	}
	if err := receive(t, ch); err != nil {
		t.Errorf("FUTEX_WAIT got err %v want nil", err)
	}
	if got := futexWaitResults.Value("woken") - before; got != 1 {
		t.Errorf("wait_results{woken} increased by %d, want 1", got)
	}
}

func TestFutexWaitErrors(t *testing.T) {
	h := newHarness(t, arch.Width64)
	addr := h.page
	ts := h.page + 0x100
	h.store(t, addr, 1)
	if _, err := h.main.CopyObjectOut(ts, &linux.Timespec{Sec: 0, Nsec: 2e9}); err != nil {
		t.Fatalf("CopyObjectOut: %v", err)
	}

	for _, tc := range []struct {
		name string
		args arch.SyscallArguments
		want error
	}{
		{"value mismatch", arch.Args(ptr(addr), waitPrivate, 0), linuxerr.EAGAIN},
		{"misaligned", arch.Args(ptr(addr+1), waitPrivate, 1), linuxerr.EINVAL},
		{"unmapped", arch.Args(ptr(h.page+hostarch.PageSize), waitPrivate, 0), linuxerr.EFAULT},
		{"invalid timespec", arch.Args(ptr(addr), waitPrivate, 1, ptr(ts)), linuxerr.EINVAL},
		{"unreadable timespec", arch.Args(ptr(addr), waitPrivate, 1, ptr(h.page+hostarch.PageSize)), linuxerr.EFAULT},
		{"zero bitset", arch.Args(ptr(addr), linux.FUTEX_WAIT_BITSET|linux.FUTEX_PRIVATE_FLAG, 1, 0, 0, 0), linuxerr.EINVAL},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Futex(h.main, tc.args); !errors.Is(err, tc.want) {
				t.Errorf("futex got err %v want %v", err, tc.want)
			}
		})
	}
}

func TestFutexWaitTimeout(t *testing.T) {
	h := newHarness(t, arch.Width64)
	addr := h.page
	ts := h.page + 0x100
	if _, err := h.main.CopyObjectOut(ts, &linux.Timespec{Sec: 5}); err != nil {
		t.Fatalf("CopyObjectOut: %v", err)
	}

	ch := h.startWait(arch.Args(ptr(addr), waitPrivate, 0, ptr(ts)))
	h.waitQueued(t, addr, true, 1)
	h.clock.Advance(5 * time.Second)
	if err := receive(t, ch); !linuxerr.Equals(linuxerr.ETIMEDOUT, err) {
		t.Errorf("FUTEX_WAIT got err %v want ETIMEDOUT", err)
	}
	h.waitQueued(t, addr, true, 0)
}

func TestFutexWaitBitsetAbsolute(t *testing.T) {
	for _, width := range []arch.Width{arch.Width64, arch.Width32} {
		t.Run(width.String(), func(t *testing.T) {
			h := newHarness(t, width)
			addr := h.page
			ts := h.page + 0x100

			// The deadline is absolute; one already in the past times
			// out immediately.
			var err error
			if width == arch.Width32 {
				_, err = h.main.CopyObjectOut(ts, &linux.Timespec32{Sec: 999})
			} else {
				_, err = h.main.CopyObjectOut(ts, &linux.Timespec{Sec: 999})
			}
			if err != nil {
				t.Fatalf("CopyObjectOut: %v", err)
			}
			op := uintptr(linux.FUTEX_WAIT_BITSET | linux.FUTEX_PRIVATE_FLAG | linux.FUTEX_CLOCK_REALTIME)
			if _, err := Futex(h.main, arch.Args(ptr(addr), op, 0, ptr(ts), 0, 1)); !linuxerr.Equals(linuxerr.ETIMEDOUT, err) {
				t.Errorf("FUTEX_WAIT_BITSET got err %v want ETIMEDOUT", err)
			}
		})
	}
}

func TestFutexWakeBitset(t *testing.T) {
	h := newHarness(t, arch.Width64)
	addr := h.page
	waitOp := uintptr(linux.FUTEX_WAIT_BITSET | linux.FUTEX_PRIVATE_FLAG)
	wakeOp := uintptr(linux.FUTEX_WAKE_BITSET | linux.FUTEX_PRIVATE_FLAG)

	ch := h.startWait(arch.Args(ptr(addr), waitOp, 0, 0, 0, 0b0100))
	h.waitQueued(t, addr, true, 1)
	if n, err := Futex(h.main, arch.Args(ptr(addr), wakeOp, 1, 0, 0, 0b0011)); err != nil || n != 0 {
		t.Errorf("FUTEX_WAKE_BITSET with disjoint mask got (%d, %v) want (0, nil)", n, err)
	}
	if _, err := Futex(h.main, arch.Args(ptr(addr), wakeOp, 1, 0, 0, 0)); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("FUTEX_WAKE_BITSET with zero mask got err %v want EINVAL", err)
	}
	if n, err := Futex(h.main, arch.Args(ptr(addr), wakeOp, 1, 0, 0, 0b0110)); err != nil || n != 1 {
		t.Errorf("FUTEX_WAKE_BITSET got (%d, %v) want (1, nil)", n, err)
	}
	if err := receive(t, ch); err != nil {
		t.Errorf("FUTEX_WAIT_BITSET got err %v want nil", err)
	}
}

func TestFutexInterrupted(t *testing.T) {
	h := newHarness(t, arch.Width64)
	addr := h.page
	before := futexWaitResults.Value("eintr")

	ch := h.startWait(arch.Args(ptr(addr), waitPrivate, 0))
	h.waitQueued(t, addr, true, 1)
	h.helper.Interrupt()
	if err := receive(t, ch); !linuxerr.Equals(linuxerr.EINTR, err) {
		t.Errorf("FUTEX_WAIT got err %v want EINTR", err)
	}
	if got := futexWaitResults.Value("eintr") - before; got != 1 {
		t.Errorf("wait_results{eintr} increased by %d, want 1", got)
	}
}

func TestFutexCmpRequeue(t *testing.T) {
	h := newHarness(t, arch.Width64)
	addr := h.page
	naddr := h.page + 4
	op := uintptr(linux.FUTEX_CMP_REQUEUE | linux.FUTEX_PRIVATE_FLAG)

	ch := h.startWait(arch.Args(ptr(addr), waitPrivate, 0))
	h.waitQueued(t, addr, true, 1)

	if _, err := Futex(h.main, arch.Args(ptr(addr), op, 0, 1, ptr(naddr), 7)); !linuxerr.Equals(linuxerr.EAGAIN, err) {
		t.Errorf("FUTEX_CMP_REQUEUE with stale value got err %v want EAGAIN", err)
	}
	if n, err := Futex(h.main, arch.Args(ptr(addr), op, 0, 1, ptr(naddr), 0)); err != nil || n != 0 {
		t.Errorf("FUTEX_CMP_REQUEUE got (%d, %v) want (0, nil)", n, err)
	}
	h.waitQueued(t, addr, true, 0)
	h.waitQueued(t, naddr, true, 1)

	if n, err := Futex(h.main, arch.Args(ptr(naddr), wakePrivate, 1)); err != nil || n != 1 {
		t.Errorf("FUTEX_WAKE on requeue target got (%d, %v) want (1, nil)", n, err)
	}
	if err := receive(t, ch); err != nil {
		t.Errorf("FUTEX_WAIT got err %v want nil", err)
	}
}

func TestFutexRequeue(t *testing.T) {
	h := newHarness(t, arch.Width64)
	addr := h.page
	naddr := h.page + 4
	op := uintptr(linux.FUTEX_REQUEUE | linux.FUTEX_PRIVATE_FLAG)

	ch := h.startWait(arch.Args(ptr(addr), waitPrivate, 0))
	h.waitQueued(t, addr, true, 1)
	if _, err := Futex(h.main, arch.Args(ptr(addr), op, 0, ^uintptr(0), ptr(naddr))); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("FUTEX_REQUEUE with negative count got err %v want EINVAL", err)
	}
	if n, err := Futex(h.main, arch.Args(ptr(addr), op, 1, 1, ptr(naddr))); err != nil || n != 1 {
		t.Errorf("FUTEX_REQUEUE got (%d, %v) want (1, nil)", n, err)
	}
	if err := receive(t, ch); err != nil {
		t.Errorf("FUTEX_WAIT got err %v want nil", err)
	}
}

func TestFutexWakeOp(t *testing.T) {
	h := newHarness(t, arch.Width64)
	addr1 := h.page
	addr2 := h.page + 4
	h.store(t, addr2, 3)
	op := uintptr(linux.FUTEX_WAKE_OP | linux.FUTEX_PRIVATE_FLAG)

	ch1 := h.startWait(arch.Args(ptr(addr1), waitPrivate, 0))
	h.waitQueued(t, addr1, true, 1)

	// *addr2 += 1, and wake on addr2 if the old value was > 2. There is
	// nobody on addr2, so only the waiter on addr1 counts.
	wop := uintptr(linux.FutexOp(linux.FUTEX_OP_ADD, 1, linux.FUTEX_OP_CMP_GT, 2))
	if n, err := Futex(h.main, arch.Args(ptr(addr1), op, 1, 1, ptr(addr2), wop)); err != nil || n != 1 {
		t.Errorf("FUTEX_WAKE_OP got (%d, %v) want (1, nil)", n, err)
	}
	if got := h.load(t, addr2); got != 4 {
		t.Errorf("*addr2 got %d want 4", got)
	}
	if err := receive(t, ch1); err != nil {
		t.Errorf("FUTEX_WAIT got err %v want nil", err)
	}

	bad := uintptr(linux.FutexOp(7, 0, 0, 0))
	if _, err := Futex(h.main, arch.Args(ptr(addr1), op, 1, 1, ptr(addr2), bad)); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("FUTEX_WAKE_OP with bad op got err %v want EINVAL", err)
	}
}

func TestFutexWakeOpNonPositiveCounts(t *testing.T) {
	for _, tc := range []struct {
		name   string
		nwake1 uintptr
		nwake2 uintptr
	}{
		{name: "zero", nwake1: 0, nwake2: 0},
		{name: "negative", nwake1: ^uintptr(0), nwake2: ^uintptr(0)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, arch.Width64)
			addr1 := h.page
			addr2 := h.page + 4
			op := uintptr(linux.FUTEX_WAKE_OP | linux.FUTEX_PRIVATE_FLAG)

			ch := h.startWait(arch.Args(ptr(addr2), waitPrivate, 0))
			h.waitQueued(t, addr2, true, 1)

			// *addr2 = 1, and wake on addr2 if the old value was 0.
			wop := uintptr(linux.FutexOp(linux.FUTEX_OP_SET, 1, linux.FUTEX_OP_CMP_EQ, 0))
			if n, err := Futex(h.main, arch.Args(ptr(addr1), op, tc.nwake1, tc.nwake2, ptr(addr2), wop)); err != nil || n != 1 {
				t.Errorf("FUTEX_WAKE_OP got (%d, %v) want (1, nil)", n, err)
			}
			if err := receive(t, ch); err != nil {
				t.Errorf("FUTEX_WAIT got err %v want nil", err)
			}
		})
	}
}

func TestFutexUnsupported(t *testing.T) {
	h := newHarness(t, arch.Width64)
	before := futexOps.Value("unsupported")
	ops := []uintptr{
		linux.FUTEX_FD,
		linux.FUTEX_LOCK_PI,
		linux.FUTEX_UNLOCK_PI,
		linux.FUTEX_TRYLOCK_PI,
		linux.FUTEX_WAIT_REQUEUE_PI,
		linux.FUTEX_CMP_REQUEUE_PI,
		linux.FUTEX_LOCK_PI2,
		99,
	}
	for _, op := range ops {
		if _, err := Futex(h.main, arch.Args(ptr(h.page), op|linux.FUTEX_PRIVATE_FLAG)); !linuxerr.Equals(linuxerr.ENOSYS, err) {
			t.Errorf("futex op %d got err %v want ENOSYS", op, err)
		}
	}
	if got := futexOps.Value("unsupported") - before; got != uint64(len(ops)) {
		t.Errorf("ops{unsupported} increased by %d, want %d", got, len(ops))
	}
}

func TestRobustListSyscalls(t *testing.T) {
	for _, tc := range []struct {
		width    arch.Width
		headSize uintptr
	}{
		{arch.Width64, linux.SizeOfRobustListHead},
		{arch.Width32, linux.SizeOfRobustListHead32},
	} {
		t.Run(tc.width.String(), func(t *testing.T) {
			h := newHarness(t, tc.width)
			head := h.page + 0x100
			out := h.page + 0x200
			outSize := h.page + 0x208

			if _, err := SetRobustList(h.main, arch.Args(ptr(head), tc.headSize+1)); !linuxerr.Equals(linuxerr.EINVAL, err) {
				t.Errorf("set_robust_list with bad length got err %v want EINVAL", err)
			}
			if _, err := SetRobustList(h.main, arch.Args(ptr(head), tc.headSize)); err != nil {
				t.Fatalf("set_robust_list got err %v want nil", err)
			}

			readWord := func(addr hostarch.Addr) uint64 {
				buf := make([]byte, tc.width.PointerSize())
				if _, err := h.main.CopyIn(addr, buf); err != nil {
					t.Fatalf("CopyIn(%v): %v", addr, err)
				}
				if tc.width == arch.Width32 {
					return uint64(hostarch.ByteOrder.Uint32(buf))
				}
				return hostarch.ByteOrder.Uint64(buf)
			}

			for _, tid := range []kernel.ThreadID{0, h.main.ThreadID()} {
				h.store(t, out, 0)
				h.store(t, out+4, 0)
				if _, err := GetRobustList(h.helper, arch.Args(uintptr(tid), ptr(out), ptr(outSize))); err != nil {
					t.Fatalf("get_robust_list(%d) got err %v want nil", tid, err)
				}
				want := uint64(head)
				if tid == 0 {
					// The helper has no list of its own.
					want = 0
				}
				got := []uint64{readWord(out), readWord(outSize)}
				if diff := cmp.Diff([]uint64{want, uint64(tc.headSize)}, got); diff != "" {
					t.Errorf("get_robust_list(%d) mismatch (-want +got):\n%s", tid, diff)
				}
			}

			if _, err := GetRobustList(h.main, arch.Args(12345, ptr(out), ptr(outSize))); !linuxerr.Equals(linuxerr.ESRCH, err) {
				t.Errorf("get_robust_list of unknown tid got err %v want ESRCH", err)
			}
			if _, err := GetRobustList(h.main, arch.Args(^uintptr(0), ptr(out), ptr(outSize))); !linuxerr.Equals(linuxerr.EINVAL, err) {
				t.Errorf("get_robust_list of negative tid got err %v want EINVAL", err)
			}
			if _, err := GetRobustList(h.main, arch.Args(0, ptr(h.page+hostarch.PageSize), ptr(outSize))); !linuxerr.Equals(linuxerr.EFAULT, err) {
				t.Errorf("get_robust_list to unmapped memory got err %v want EFAULT", err)
			}
		})
	}
}

func TestSyscallTables(t *testing.T) {
	for _, table := range []*kernel.SyscallTable{AMD64, ARM64} {
		t.Run(table.Arch.String(), func(t *testing.T) {
			got, ok := kernel.LookupSyscallTable(table.Arch)
			if !ok || got != table {
				t.Fatalf("LookupSyscallTable(%v) got (%p, %t) want (%p, true)", table.Arch, got, ok, table)
			}
			for _, name := range []string{SysMmap, SysMunmap, SysGettid, SysFutex, SysSetRobustList, SysGetRobustList} {
				if _, ok := Number(table, name); !ok {
					t.Errorf("%s missing from %v table", name, table.Arch)
				}
			}
			if _, ok := Number(table, "fork"); ok {
				t.Errorf("fork unexpectedly present in %v table", table.Arch)
			}
			for name, want := range map[string]kernel.SyscallSupportLevel{
				SysMunmap:     kernel.SupportFull,
				SysFutex:      kernel.SupportPartial,
				"futex_waitv": kernel.SupportUnimplemented,
			} {
				num, _ := Number(table, name)
				if got := table.Table[num].SupportLevel; got != want {
					t.Errorf("%s support level got %v want %v", name, got, want)
				}
			}

			h := newHarness(t, arch.Width64)
			gettid, _ := Number(table, SysGettid)
			if rv, err := h.main.Syscall(table, gettid, arch.Args()); err != nil || kernel.ThreadID(rv) != h.main.ThreadID() {
				t.Errorf("gettid got (%d, %v) want (%d, nil)", rv, err, h.main.ThreadID())
			}
			if _, err := h.main.Syscall(table, 449, arch.Args()); !linuxerr.Equals(linuxerr.ENOSYS, err) {
				t.Errorf("futex_waitv got err %v want ENOSYS", err)
			}
		})
	}
}

func TestMmap(t *testing.T) {
	h := newHarness(t, arch.Width64)
	rw := uintptr(linux.PROT_READ | linux.PROT_WRITE)
	anon := uintptr(linux.MAP_ANONYMOUS)
	noFD := ^uintptr(0)
	for _, tc := range []struct {
		name  string
		prot  uintptr
		flags uintptr
		fd    uintptr
		want  error
	}{
		{"private and shared", rw, linux.MAP_PRIVATE | linux.MAP_SHARED | anon, noFD, linuxerr.EINVAL},
		{"neither private nor shared", rw, anon, noFD, linuxerr.EINVAL},
		{"bad prot", 0x80, linux.MAP_PRIVATE | anon, noFD, linuxerr.EINVAL},
		{"no fd", rw, linux.MAP_SHARED, noFD, linuxerr.EBADF},
		{"file", rw, linux.MAP_SHARED, 3, linuxerr.ENODEV},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Mmap(h.main, arch.Args(0, hostarch.PageSize, tc.prot, tc.flags, tc.fd, 0)); !errors.Is(err, tc.want) {
				t.Errorf("mmap got err %v want %v", err, tc.want)
			}
		})
	}

	addr, err := Mmap(h.main, arch.Args(0, hostarch.PageSize, rw, linux.MAP_SHARED|anon, noFD, 0))
	if err != nil {
		t.Fatalf("mmap got err %v want nil", err)
	}
	h.store(t, hostarch.Addr(addr), 9)
	if _, err := Munmap(h.main, arch.Args(addr, hostarch.PageSize)); err != nil {
		t.Fatalf("munmap got err %v want nil", err)
	}
	if _, err := h.main.LoadUint32(hostarch.Addr(addr)); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("load after munmap got err %v want EFAULT", err)
	}
}
