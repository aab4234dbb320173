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
	"time"

	"gvisor.dev/kfutex/pkg/abi/linux"
	"gvisor.dev/kfutex/pkg/errors/linuxerr"
	"gvisor.dev/kfutex/pkg/hostarch"
	"gvisor.dev/kfutex/pkg/metric"
	"gvisor.dev/kfutex/pkg/sentry/arch"
	"gvisor.dev/kfutex/pkg/sentry/kernel"
	"gvisor.dev/kfutex/pkg/sentry/kernel/futex"
	"gvisor.dev/kfutex/pkg/sentry/ktime"
)

var (
	futexOps = metric.MustCreateNewUint64Metric("/futex/ops", "Number of futex(2) calls by operation.",
		metric.NewField("op", "wait", "wait_bitset", "wake", "wake_bitset", "requeue", "cmp_requeue", "wake_op", "unsupported"))
	futexWaitResults = metric.MustCreateNewUint64Metric("/futex/wait_results", "Number of completed futex waits by result.",
		metric.NewField("result", "woken", "eagain", "etimedout", "eintr", "efault", "einval", "other"))
)

// waitResult names err for the wait_results metric.
func waitResult(err error) string {
	switch {
	case err == nil:
		return "woken"
	case linuxerr.Equals(linuxerr.EAGAIN, err):
		return "eagain"
	case linuxerr.Equals(linuxerr.ETIMEDOUT, err):
		return "etimedout"
	case linuxerr.Equals(linuxerr.EINTR, err):
		return "eintr"
	case linuxerr.Equals(linuxerr.EFAULT, err):
		return "efault"
	case linuxerr.Equals(linuxerr.EINVAL, err):
		return "einval"
	default:
		return "other"
	}
}

// copyTimespecIn reads a struct timespec in t's ABI layout.
func copyTimespecIn(t *kernel.Task, addr hostarch.Addr) (linux.Timespec, error) {
	if t.Width() == arch.Width32 {
		var ts32 linux.Timespec32
		if _, err := t.CopyObjectIn(addr, &ts32); err != nil {
			return linux.Timespec{}, err
		}
		return ts32.Widen(), nil
	}
	var ts linux.Timespec
	_, err := t.CopyObjectIn(addr, &ts)
	return ts, err
}

// copyOutWord writes a pointer-sized value in t's ABI layout.
func copyOutWord(t *kernel.Task, addr hostarch.Addr, v uint64) error {
	buf := make([]byte, t.Width().PointerSize())
	if t.Width() == arch.Width32 {
		hostarch.ByteOrder.PutUint32(buf, uint32(v))
	} else {
		hostarch.ByteOrder.PutUint64(buf, v)
	}
	_, err := t.CopyOut(addr, buf)
	return err
}

// futexWait blocks t on addr until woken, interrupted or past d.
func futexWait(t *kernel.Task, addr hostarch.Addr, private bool, val, mask uint32, d *futex.Deadline) (uintptr, error) {
	err := t.Block(func(ctx context.Context) error {
		return t.Futex().Wait(ctx, t, addr, private, val, mask, d)
	})
	futexWaitResults.Increment(waitResult(err))
	return 0, err
}

// futexWaitDuration waits with a timeout relative to the current time on
// clock. forever ignores the timeout.
func futexWaitDuration(t *kernel.Task, clock ktime.Clock, duration time.Duration, forever bool, addr hostarch.Addr, private bool, val, mask uint32) (uintptr, error) {
	var d *futex.Deadline
	if !forever {
		var err error
		if d, err = futex.DeadlineAfter(clock, duration); err != nil {
			return 0, err
		}
	}
	return futexWait(t, addr, private, val, mask, d)
}

// futexWaitAbsolute waits until an absolute time on clock. forever ignores
// the timeout.
func futexWaitAbsolute(t *kernel.Task, clock ktime.Clock, ts linux.Timespec, forever bool, addr hostarch.Addr, private bool, val, mask uint32) (uintptr, error) {
	var d *futex.Deadline
	if !forever {
		d = &futex.Deadline{Clock: clock, At: ktime.FromTimespec(ts)}
	}
	return futexWait(t, addr, private, val, mask, d)
}

// Futex implements linux syscall futex(2).
// It provides a method for a program to wait for a value at a given address to
// change, and a method to wake up anyone waiting on a particular address.
func Futex(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	addr := args[0].Pointer()
	futexOp := args[1].Int()
	val := int(args[2].Int())
	nreq := int(args[3].Int())
	timeout := args[3].Pointer()
	naddr := args[4].Pointer()
	val3 := args[5].Int()

	cmd := futexOp & linux.FUTEX_CMD_MASK
	private := (futexOp & linux.FUTEX_PRIVATE_FLAG) != 0
	clockRealtime := (futexOp & linux.FUTEX_CLOCK_REALTIME) == linux.FUTEX_CLOCK_REALTIME
	mask := uint32(val3)

	clock := t.Kernel().MonotonicClock()
	if clockRealtime {
		clock = t.Kernel().RealtimeClock()
	}

	switch cmd {
	case linux.FUTEX_WAIT, linux.FUTEX_WAIT_BITSET:
		// WAIT{_BITSET} wait forever if the timeout isn't passed.
		forever := (timeout == 0)

		var timespec linux.Timespec
		if !forever {
			var err error
			timespec, err = copyTimespecIn(t, timeout)
			if err != nil {
				return 0, err
			}
			if !timespec.Valid() {
				return 0, linuxerr.EINVAL
			}
		}

		switch cmd {
		case linux.FUTEX_WAIT:
			futexOps.Increment("wait")
			// WAIT uses a relative timeout.
			mask = linux.FUTEX_BITSET_MATCH_ANY
			var timeoutDur time.Duration
			if !forever {
				timeoutDur = timespec.ToDuration()
			}
			return futexWaitDuration(t, clock, timeoutDur, forever, addr, private, uint32(val), mask)

		case linux.FUTEX_WAIT_BITSET:
			futexOps.Increment("wait_bitset")
			// WAIT_BITSET uses an absolute timeout which is either
			// CLOCK_MONOTONIC or CLOCK_REALTIME.
			if mask == 0 {
				return 0, linuxerr.EINVAL
			}
			return futexWaitAbsolute(t, clock, timespec, forever, addr, private, uint32(val), mask)

		default:
			panic("unreachable")
		}

	case linux.FUTEX_WAKE:
		futexOps.Increment("wake")
		mask = ^uint32(0)
		return futexWake(t, addr, private, mask, val)

	case linux.FUTEX_WAKE_BITSET:
		futexOps.Increment("wake_bitset")
		if mask == 0 {
			return 0, linuxerr.EINVAL
		}
		return futexWake(t, addr, private, mask, val)

	case linux.FUTEX_REQUEUE:
		futexOps.Increment("requeue")
		n, err := t.Futex().Requeue(t, addr, naddr, private, val, nreq)
		return uintptr(n), err

	case linux.FUTEX_CMP_REQUEUE:
		futexOps.Increment("cmp_requeue")
		// 'val3' contains the value to be checked at 'addr' and
		// 'val' is the number of waiters that should be woken up.
		nval := uint32(val3)
		n, err := t.Futex().RequeueCmp(t, addr, naddr, private, nval, val, nreq)
		return uintptr(n), err

	case linux.FUTEX_WAKE_OP:
		futexOps.Increment("wake_op")
		op := uint32(val3)
		// As with FUTEX_WAKE, both counts wake at least one waiter.
		if val <= 0 {
			val = 1
		}
		if nreq <= 0 {
			nreq = 1
		}
		n, err := t.Futex().WakeOp(t, addr, naddr, private, val, nreq, op)
		return uintptr(n), err

	default:
		// FUTEX_FD was removed in Linux 2.6.26. The priority inheritance
		// operations are not provided.
		futexOps.Increment("unsupported")
		return 0, linuxerr.ENOSYS
	}
}

func futexWake(t *kernel.Task, addr hostarch.Addr, private bool, mask uint32, val int) (uintptr, error) {
	if val <= 0 {
		// The Linux kernel wakes one waiter even if val is
		// non-positive.
		val = 1
	}
	n, err := t.Futex().Wake(t, addr, private, mask, val)
	return uintptr(n), err
}

// robustListHeadSize returns the size of struct robust_list_head in t's ABI.
func robustListHeadSize(t *kernel.Task) uint {
	if t.Width() == arch.Width32 {
		return linux.SizeOfRobustListHead32
	}
	return linux.SizeOfRobustListHead
}

// SetRobustList implements linux syscall set_robust_list(2).
func SetRobustList(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	head := args[0].Pointer()
	length := args[1].SizeT()

	if length != robustListHeadSize(t) {
		return 0, linuxerr.EINVAL
	}
	t.SetRobustList(head)
	return 0, nil
}

// GetRobustList implements linux syscall get_robust_list(2).
func GetRobustList(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	// Despite the syscall using the name 'pid' for this variable, it is
	// very much a tid.
	tid := args[0].Int()
	headAddr := args[1].Pointer()
	sizeAddr := args[2].Pointer()

	if tid < 0 {
		return 0, linuxerr.EINVAL
	}

	ot := t
	if tid != 0 {
		if ot = t.Kernel().TaskSet().TaskWithID(kernel.ThreadID(tid)); ot == nil {
			return 0, linuxerr.ESRCH
		}
	}

	// Copy out head pointer.
	if err := copyOutWord(t, headAddr, uint64(ot.GetRobustList())); err != nil {
		return 0, err
	}

	// Copy out size, which is a constant.
	if err := copyOutWord(t, sizeAddr, uint64(robustListHeadSize(t))); err != nil {
		return 0, err
	}

	return 0, nil
}
