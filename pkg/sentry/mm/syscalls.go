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

package mm

import (
	"context"

	"gvisor.dev/kfutex/pkg/errors/linuxerr"
	"gvisor.dev/kfutex/pkg/hostarch"
	"gvisor.dev/kfutex/pkg/log"
	"gvisor.dev/kfutex/pkg/sentry/kernel/futex"
)

// MMapOpts specifies a request to create a memory mapping.
type MMapOpts struct {
	// Length is the length of the mapping. It is rounded up to a page.
	Length uint64

	// Mappable is the object to map. If Mappable is nil, the mapping is
	// anonymous and a new zero-filled SpecialMappable is created for it.
	Mappable *SpecialMappable

	// Offset is the offset into Mappable to map. If Mappable is nil, Offset
	// is ignored.
	Offset uint64

	// Addr is the suggested address for the mapping.
	Addr hostarch.Addr

	// If Fixed is true, the mapping must be placed at Addr, replacing any
	// existing mappings there.
	Fixed bool

	// Private is true for MAP_PRIVATE mappings. A private mapping of an
	// existing Mappable takes a snapshot of its contents; later writes on
	// either side are not visible to the other.
	Private bool

	// Name is used in Maps output for anonymous mappings.
	Name string
}

// MMap establishes a memory mapping.
func (mm *MemoryManager) MMap(ctx context.Context, opts MMapOpts) (hostarch.Addr, error) {
	if opts.Length == 0 {
		return 0, linuxerr.EINVAL
	}
	length, ok := hostarch.Addr(opts.Length).RoundUp()
	if !ok {
		return 0, linuxerr.ENOMEM
	}
	opts.Length = uint64(length)

	if opts.Mappable != nil {
		// Offset must be aligned.
		if hostarch.Addr(opts.Offset).RoundDown() != hostarch.Addr(opts.Offset) {
			return 0, linuxerr.EINVAL
		}
		if !opts.Mappable.contains(opts.Offset, opts.Length) {
			return 0, linuxerr.ENXIO
		}
	} else {
		opts.Offset = 0
	}

	if opts.Addr.RoundDown() != opts.Addr {
		// MAP_FIXED requires addr to be page-aligned; non-fixed mappings
		// don't.
		if opts.Fixed {
			return 0, linuxerr.EINVAL
		}
		opts.Addr = opts.Addr.RoundDown()
	}

	m, off, err := mappableFor(ctx, opts)
	if err != nil {
		return 0, err
	}

	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	ar, err := mm.placeLocked(opts)
	if err != nil {
		m.DecRef()
		return 0, err
	}
	mm.unmapLocked(ar)
	mm.vmas.ReplaceOrInsert(&vma{
		start:    ar.Start,
		end:      ar.End,
		mappable: m,
		off:      off,
		private:  opts.Private,
	})
	log.Debugf("mm %d: mapped %v onto %v at %#x", mm.id, ar, m, off)
	return ar.Start, nil
}

// mappableFor returns the object a new mapping for opts should reference,
// with a reference held, and the offset into it.
func mappableFor(ctx context.Context, opts MMapOpts) (*SpecialMappable, uint64, error) {
	if opts.Mappable == nil {
		name := opts.Name
		if name == "" {
			name = "[anon]"
		}
		m, err := NewSpecialMappable(name, opts.Length)
		return m, 0, err
	}
	if !opts.Private {
		opts.Mappable.IncRef()
		return opts.Mappable, opts.Offset, nil
	}
	m, err := NewSpecialMappable(opts.Mappable.Name(), opts.Length)
	if err != nil {
		return nil, 0, err
	}
	buf := make([]byte, opts.Length)
	if _, err := opts.Mappable.data.CopyIn(ctx, hostarch.Addr(opts.Offset), buf, ioOpts); err != nil {
		m.DecRef()
		return nil, 0, err
	}
	if _, err := m.data.CopyOut(ctx, 0, buf, ioOpts); err != nil {
		m.DecRef()
		return nil, 0, err
	}
	return m, 0, nil
}

// placeLocked chooses the range for a new mapping.
//
// Preconditions: mm.mappingMu is locked.
func (mm *MemoryManager) placeLocked(opts MMapOpts) (hostarch.AddrRange, error) {
	if opts.Fixed {
		ar, ok := opts.Addr.ToRange(opts.Length)
		if !ok || ar.Start < MinUserAddress || ar.End > MaxUserAddress {
			return hostarch.AddrRange{}, linuxerr.ENOMEM
		}
		return ar, nil
	}
	// Honor the hint if the range is free.
	if opts.Addr >= MinUserAddress {
		if ar, ok := opts.Addr.ToRange(opts.Length); ok && ar.End <= MaxUserAddress && len(mm.overlappingLocked(ar)) == 0 {
			return ar, nil
		}
	}
	start, ok := mm.findAvailableLocked(opts.Length)
	if !ok {
		return hostarch.AddrRange{}, linuxerr.ENOMEM
	}
	ar, _ := start.ToRange(opts.Length)
	return ar, nil
}

// MUnmap implements the semantics of Linux's munmap(2).
func (mm *MemoryManager) MUnmap(ctx context.Context, addr hostarch.Addr, length uint64) error {
	if addr != addr.RoundDown() {
		return linuxerr.EINVAL
	}
	if length == 0 {
		return linuxerr.EINVAL
	}
	la, ok := hostarch.Addr(length).RoundUp()
	if !ok {
		return linuxerr.EINVAL
	}
	ar, ok := addr.ToRange(uint64(la))
	if !ok {
		return linuxerr.EINVAL
	}

	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	mm.unmapLocked(ar)
	return nil
}

// GetSharedFutexKey is used by kernel.Task.GetSharedKey.
func (mm *MemoryManager) GetSharedFutexKey(ctx context.Context, addr hostarch.Addr) (futex.Key, error) {
	ar, ok := addr.ToRange(4) // sizeof(int32).
	if !ok {
		return futex.Key{}, linuxerr.EFAULT
	}

	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	v := mm.findLocked(addr)
	if v == nil || !v.addrRange().IsSupersetOf(ar) {
		return futex.Key{}, linuxerr.EFAULT
	}

	if v.private {
		return futex.Key{
			Kind:         futex.KindSharedPrivate,
			AddressSpace: mm.id,
			Offset:       uint64(addr),
		}, nil
	}

	v.mappable.IncRef()
	return futex.Key{
		Kind:            futex.KindSharedMappable,
		Mappable:        v.mappable.ID(),
		MappingIdentity: v.mappable,
		Offset:          v.mappableOffsetAt(addr),
	}, nil
}

// VirtualMemorySize returns the combined length in bytes of all mappings in
// mm.
func (mm *MemoryManager) VirtualMemorySize() uint64 {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	var n uint64
	mm.vmas.Ascend(func(v *vma) bool {
		n += v.addrRange().Length()
		return true
	})
	return n
}
