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

// Package linux contains the constants and types needed to interface with a
// Linux kernel.
package linux

import (
	"gvisor.dev/kfutex/pkg/hostarch"
)

// From <linux/futex.h> and <sys/time.h>.
// Flags are used in syscall futex(2).
const (
	FUTEX_WAIT            = 0
	FUTEX_WAKE            = 1
	FUTEX_FD              = 2
	FUTEX_REQUEUE         = 3
	FUTEX_CMP_REQUEUE     = 4
	FUTEX_WAKE_OP         = 5
	FUTEX_LOCK_PI         = 6
	FUTEX_UNLOCK_PI       = 7
	FUTEX_TRYLOCK_PI      = 8
	FUTEX_WAIT_BITSET     = 9
	FUTEX_WAKE_BITSET     = 10
	FUTEX_WAIT_REQUEUE_PI = 11
	FUTEX_CMP_REQUEUE_PI  = 12
	FUTEX_LOCK_PI2        = 13

	FUTEX_PRIVATE_FLAG   = 128
	FUTEX_CLOCK_REALTIME = 256
)

// FUTEX_CMD_MASK strips the modifier flags from a futex(2) operation.
const FUTEX_CMD_MASK = ^(FUTEX_PRIVATE_FLAG | FUTEX_CLOCK_REALTIME)

// These are flags are from <linux/futex.h> and are used in FUTEX_WAKE_OP
// to define the operations.
const (
	FUTEX_OP_SET         = 0
	FUTEX_OP_ADD         = 1
	FUTEX_OP_OR          = 2
	FUTEX_OP_ANDN        = 3
	FUTEX_OP_XOR         = 4
	FUTEX_OP_OPARG_SHIFT = 8
	FUTEX_OP_CMP_EQ      = 0
	FUTEX_OP_CMP_NE      = 1
	FUTEX_OP_CMP_LT      = 2
	FUTEX_OP_CMP_LE      = 3
	FUTEX_OP_CMP_GT      = 4
	FUTEX_OP_CMP_GE      = 5
)

// FutexOp encodes a FUTEX_WAKE_OP operation, like the FUTEX_OP macro in
// <linux/futex.h>.
func FutexOp(op, oparg, cmp, cmparg uint32) uint32 {
	return ((op & 0xf) << 28) | ((cmp & 0xf) << 24) | ((oparg & 0xfff) << 12) | (cmparg & 0xfff)
}

// FUTEX_TID_MASK is the TID portion of a PI futex word.
const FUTEX_TID_MASK = 0x3fffffff

// Constants used for priority-inheritance futexes.
const (
	FUTEX_WAITERS    = 0x80000000
	FUTEX_OWNER_DIED = 0x40000000
)

// FUTEX_BITSET_MATCH_ANY has all bits set.
const FUTEX_BITSET_MATCH_ANY = 0xffffffff

// ROBUST_LIST_LIMIT protects against a deliberately circular list.
const ROBUST_LIST_LIMIT = 2048

// RobustListHead corresponds to Linux's struct robust_list_head.
type RobustListHead struct {
	List          uint64
	FutexOffset   uint64
	ListOpPending uint64
}

// SizeOfRobustListHead is the size of a RobustListHead struct.
const SizeOfRobustListHead = 24

// SizeBytes returns the encoded size of a RobustListHead.
func (*RobustListHead) SizeBytes() int {
	return SizeOfRobustListHead
}

// MarshalBytes encodes r into dst.
func (r *RobustListHead) MarshalBytes(dst []byte) {
	hostarch.ByteOrder.PutUint64(dst[0:], r.List)
	hostarch.ByteOrder.PutUint64(dst[8:], r.FutexOffset)
	hostarch.ByteOrder.PutUint64(dst[16:], r.ListOpPending)
}

// UnmarshalBytes decodes src into r.
func (r *RobustListHead) UnmarshalBytes(src []byte) {
	r.List = hostarch.ByteOrder.Uint64(src[0:])
	r.FutexOffset = hostarch.ByteOrder.Uint64(src[8:])
	r.ListOpPending = hostarch.ByteOrder.Uint64(src[16:])
}

// RobustListHead32 corresponds to the compat_robust_list_head used by 32-bit
// tasks. FutexOffset is a signed compat_long_t.
type RobustListHead32 struct {
	List          uint32
	FutexOffset   int32
	ListOpPending uint32
}

// SizeOfRobustListHead32 is the size of a RobustListHead32 struct.
const SizeOfRobustListHead32 = 12

// SizeBytes returns the encoded size of a RobustListHead32.
func (*RobustListHead32) SizeBytes() int {
	return SizeOfRobustListHead32
}

// MarshalBytes encodes r into dst.
func (r *RobustListHead32) MarshalBytes(dst []byte) {
	hostarch.ByteOrder.PutUint32(dst[0:], r.List)
	hostarch.ByteOrder.PutUint32(dst[4:], uint32(r.FutexOffset))
	hostarch.ByteOrder.PutUint32(dst[8:], r.ListOpPending)
}

// UnmarshalBytes decodes src into r.
func (r *RobustListHead32) UnmarshalBytes(src []byte) {
	r.List = hostarch.ByteOrder.Uint32(src[0:])
	r.FutexOffset = int32(hostarch.ByteOrder.Uint32(src[4:]))
	r.ListOpPending = hostarch.ByteOrder.Uint32(src[8:])
}

// Widen converts r to the native layout. The futex offset is sign-extended so
// that negative offsets survive the conversion.
func (r *RobustListHead32) Widen() RobustListHead {
	return RobustListHead{
		List:          uint64(r.List),
		FutexOffset:   uint64(int64(r.FutexOffset)),
		ListOpPending: uint64(r.ListOpPending),
	}
}
