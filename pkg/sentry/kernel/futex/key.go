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

// Package futex provides an implementation of the futex interface as found in
// the Linux kernel. Futex objects are created on demand in an ordered registry
// keyed by address space or shared backing object, reference counted, and
// destroyed when the last reference is dropped.
package futex

import (
	"fmt"

	"gvisor.dev/kfutex/pkg/errors/linuxerr"
	"gvisor.dev/kfutex/pkg/hostarch"
)

// KeyKind indicates the type of a Key.
type KeyKind int

const (
	// KindPrivate indicates a private futex (a futex syscall with the
	// FUTEX_PRIVATE_FLAG set).
	KindPrivate KeyKind = iota

	// KindSharedPrivate indicates a shared futex on a private memory mapping.
	// Although KindPrivate and KindSharedPrivate futexes both use memory
	// addresses to identify futexes, they do not interoperate (in Linux, the
	// two are distinguished by the FUT_OFF_MMSHARED flag, which is used in key
	// comparison).
	KindSharedPrivate

	// KindSharedMappable indicates a shared futex on a memory mapping other
	// than a private anonymous memory mapping.
	KindSharedMappable
)

// String implements fmt.Stringer.
func (k KeyKind) String() string {
	switch k {
	case KindPrivate:
		return "private"
	case KindSharedPrivate:
		return "shared-private"
	case KindSharedMappable:
		return "shared-mappable"
	default:
		return fmt.Sprintf("KeyKind(%d)", int(k))
	}
}

// MappingIdentity is a reference on the object backing a shared futex. A Key
// holding one keeps the object, and therefore its identity, alive.
type MappingIdentity interface {
	IncRef()
	DecRef()
}

// Key represents something that a futex waiter may wait on.
type Key struct {
	// Kind is the type of the Key.
	Kind KeyKind

	// AddressSpace identifies the virtual address space for KindPrivate and
	// KindSharedPrivate keys. It is zero for KindSharedMappable keys.
	AddressSpace uint64

	// Mappable identifies the memory-mapped object represented by a
	// KindSharedMappable key. It is zero for other kinds.
	Mappable uint64

	// MappingIdentity, if not nil, is a reference held on the object named
	// by Mappable. It is ignored by ordering.
	MappingIdentity MappingIdentity

	// If Kind is KindPrivate or KindSharedPrivate, Offset is the represented
	// memory address. Otherwise, Offset is the represented offset into
	// Mappable.
	Offset uint64
}

// release drops the reference held by k, if any.
func (k *Key) release() {
	if k.MappingIdentity != nil {
		k.MappingIdentity.DecRef()
	}
	k.MappingIdentity = nil
}

// shared returns true if k belongs in the shared registry tree.
func (k *Key) shared() bool {
	return k.Kind != KindPrivate
}

// less orders keys by (Kind, AddressSpace, Mappable, Offset).
func (k *Key) less(k2 *Key) bool {
	if k.Kind != k2.Kind {
		return k.Kind < k2.Kind
	}
	if k.AddressSpace != k2.AddressSpace {
		return k.AddressSpace < k2.AddressSpace
	}
	if k.Mappable != k2.Mappable {
		return k.Mappable < k2.Mappable
	}
	return k.Offset < k2.Offset
}

// String implements fmt.Stringer.
func (k Key) String() string {
	if k.Kind == KindSharedMappable {
		return fmt.Sprintf("%v{mappable=%d off=%#x}", k.Kind, k.Mappable, k.Offset)
	}
	return fmt.Sprintf("%v{as=%d addr=%#x}", k.Kind, k.AddressSpace, k.Offset)
}

// Target abstracts the memory and address-space services a futex operation
// needs from the calling task.
type Target interface {
	// LoadUint32 atomically loads the futex word at addr. It returns EFAULT
	// if addr is not mapped.
	LoadUint32(addr hostarch.Addr) (uint32, error)

	// CompareAndSwapUint32 atomically replaces the word at addr with new if
	// it equals old, and returns the value observed before the operation.
	// The swap succeeded iff prev == old.
	CompareAndSwapUint32(addr hostarch.Addr, old, new uint32) (prev uint32, err error)

	// AddressSpaceID returns the identity of the caller's virtual address
	// space. Identities are never reused.
	AddressSpaceID() uint64

	// GetSharedKey returns a Key with kind KindSharedPrivate or
	// KindSharedMappable corresponding to the memory mapped at address addr.
	//
	// If GetSharedKey returns a Key with a non-nil MappingIdentity, a
	// reference is held on the MappingIdentity, which must be dropped by the
	// caller when the Key is no longer in use.
	GetSharedKey(addr hostarch.Addr) (Key, error)
}

// resolveKey returns a Key representing address addr in t.
func resolveKey(t Target, addr hostarch.Addr, private bool) (Key, error) {
	// Ensure the address is aligned.
	// It must be a DWORD boundary.
	if !addr.IsAligned(4) {
		return Key{}, linuxerr.EINVAL
	}
	if private {
		return Key{Kind: KindPrivate, AddressSpace: t.AddressSpaceID(), Offset: uint64(addr)}, nil
	}
	return t.GetSharedKey(addr)
}
