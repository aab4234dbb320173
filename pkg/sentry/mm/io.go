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
	"gvisor.dev/kfutex/pkg/usermem"
)

// There are two supported ways to copy data to/from application virtual
// memory: byte-wise copies, which may span mappings and succeed partially,
// and 4-byte atomic accesses, which must lie within one mapping.
//
// ioOpts is used for all accesses to SpecialMappable memory, which carries
// no permissions of its own.
var ioOpts = usermem.IOOpts{}

// CheckIORange is similar to hostarch.Addr.ToRange, but applies bounds checks
// consistent with Linux's arch/x86/include/asm/uaccess.h:access_ok().
//
// Preconditions: length >= 0.
func (mm *MemoryManager) CheckIORange(addr hostarch.Addr, length int64) (hostarch.AddrRange, bool) {
	// Note that access_ok() constrains end even if length == 0.
	ar, ok := addr.ToRange(uint64(length))
	return ar, (ok && ar.End <= MaxUserAddress)
}

// forEachMappingLocked calls fn for each piece of ar in address order, with
// the mappable offset at which the piece starts. It stops at the first
// unmapped address or error, returning the number of bytes processed.
//
// Preconditions: mm.mappingMu is locked.
func (mm *MemoryManager) forEachMappingLocked(ar hostarch.AddrRange, fn func(v *vma, off uint64, done, n int) (int, error)) (int, error) {
	done := 0
	for cur := ar.Start; cur < ar.End; {
		v := mm.findLocked(cur)
		if v == nil {
			return done, linuxerr.EFAULT
		}
		end := v.end
		if end > ar.End {
			end = ar.End
		}
		n := int(end - cur)
		copied, err := fn(v, v.mappableOffsetAt(cur), done, n)
		done += copied
		if err != nil {
			return done, err
		}
		cur = end
	}
	return done, nil
}

// CopyOut implements usermem.IO.CopyOut.
func (mm *MemoryManager) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte, opts usermem.IOOpts) (int, error) {
	ar, ok := mm.CheckIORange(addr, int64(len(src)))
	if !ok {
		return 0, linuxerr.EFAULT
	}
	if len(src) == 0 {
		return 0, nil
	}
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	return mm.forEachMappingLocked(ar, func(v *vma, off uint64, done, n int) (int, error) {
		return v.mappable.data.CopyOut(ctx, hostarch.Addr(off), src[done:done+n], ioOpts)
	})
}

// CopyIn implements usermem.IO.CopyIn.
func (mm *MemoryManager) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte, opts usermem.IOOpts) (int, error) {
	ar, ok := mm.CheckIORange(addr, int64(len(dst)))
	if !ok {
		return 0, linuxerr.EFAULT
	}
	if len(dst) == 0 {
		return 0, nil
	}
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	return mm.forEachMappingLocked(ar, func(v *vma, off uint64, done, n int) (int, error) {
		return v.mappable.data.CopyIn(ctx, hostarch.Addr(off), dst[done:done+n], ioOpts)
	})
}

// wordLocked returns the mappable and offset backing the 4-byte word at
// addr.
//
// Preconditions: mm.mappingMu is locked.
func (mm *MemoryManager) wordLocked(addr hostarch.Addr) (*SpecialMappable, hostarch.Addr, error) {
	if !addr.IsAligned(4) {
		return nil, 0, linuxerr.EINVAL
	}
	ar, ok := mm.CheckIORange(addr, 4)
	if !ok {
		return nil, 0, linuxerr.EFAULT
	}
	v := mm.findLocked(addr)
	if v == nil || !v.addrRange().IsSupersetOf(ar) {
		// Atomicity is unachievable across mappings.
		return nil, 0, linuxerr.EFAULT
	}
	return v.mappable, hostarch.Addr(v.mappableOffsetAt(addr)), nil
}

// SwapUint32 implements usermem.IO.SwapUint32.
func (mm *MemoryManager) SwapUint32(ctx context.Context, addr hostarch.Addr, new uint32, opts usermem.IOOpts) (uint32, error) {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	m, off, err := mm.wordLocked(addr)
	if err != nil {
		return 0, err
	}
	return m.data.SwapUint32(ctx, off, new, ioOpts)
}

// CompareAndSwapUint32 implements usermem.IO.CompareAndSwapUint32.
func (mm *MemoryManager) CompareAndSwapUint32(ctx context.Context, addr hostarch.Addr, old, new uint32, opts usermem.IOOpts) (uint32, error) {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	m, off, err := mm.wordLocked(addr)
	if err != nil {
		return 0, err
	}
	return m.data.CompareAndSwapUint32(ctx, off, old, new, ioOpts)
}

// LoadUint32 implements usermem.IO.LoadUint32.
func (mm *MemoryManager) LoadUint32(ctx context.Context, addr hostarch.Addr, opts usermem.IOOpts) (uint32, error) {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	m, off, err := mm.wordLocked(addr)
	if err != nil {
		return 0, err
	}
	return m.data.LoadUint32(ctx, off, ioOpts)
}

// StoreUint32 atomically stores val at addr.
func (mm *MemoryManager) StoreUint32(ctx context.Context, addr hostarch.Addr, val uint32, opts usermem.IOOpts) error {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	m, off, err := mm.wordLocked(addr)
	if err != nil {
		return err
	}
	return m.data.StoreUint32(ctx, off, val, ioOpts)
}
