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

// Package mm provides a simulated memory management subsystem: address spaces
// built from mappings of SpecialMappables, word-sized atomic IO into them, and
// the shared-memory identities that back shared futexes.
//
// Lock order:
//
//	MemoryManager.mappingMu
//	  SpecialMappable memory (atomic accesses only)
package mm

import (
	"github.com/google/btree"

	"gvisor.dev/kfutex/pkg/atomicbitops"
	"gvisor.dev/kfutex/pkg/hostarch"
	"gvisor.dev/kfutex/pkg/sync"
)

const (
	// MinUserAddress is the lowest address handed out by MMap.
	MinUserAddress hostarch.Addr = 0x10000

	// MaxUserAddress is one past the highest mappable address.
	MaxUserAddress hostarch.Addr = 1 << 47

	// vmaDegree is the degree of the VMA btree.
	vmaDegree = 8
)

// lastMMID is the last identity handed to a MemoryManager.
var lastMMID atomicbitops.Uint64

// A vma represents a mapping of [start, end) onto mappable at offset off.
type vma struct {
	start hostarch.Addr
	end   hostarch.Addr

	// mappable is the mapped object. A reference is held on it while the
	// vma exists.
	mappable *SpecialMappable

	// off is the offset into mappable at which start is mapped.
	off uint64

	// private is true for MAP_PRIVATE mappings. Shared futexes on private
	// mappings are keyed by address, not by mappable.
	private bool
}

func vmaLess(a, b *vma) bool {
	return a.start < b.start
}

func (v *vma) addrRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: v.start, End: v.end}
}

// mappableOffsetAt returns the offset into v.mappable mapped at addr.
//
// Preconditions: v contains addr.
func (v *vma) mappableOffsetAt(addr hostarch.Addr) uint64 {
	return v.off + uint64(addr-v.start)
}

// MemoryManager implements a virtual address space.
type MemoryManager struct {
	// id identifies the address space for private futexes. id is never
	// reused and is immutable.
	id uint64

	// users is the number of references on the mappings in the
	// MemoryManager. When users reaches zero, all mappings are removed.
	users atomicbitops.Int64

	// mappingMu protects vmas.
	mappingMu sync.RWMutex

	// vmas is ordered by start address. VMAs never overlap.
	vmas *btree.BTreeG[*vma]
}

// NewMemoryManager returns a new, empty MemoryManager with one user.
func NewMemoryManager() *MemoryManager {
	mm := &MemoryManager{
		id:   lastMMID.Add(1),
		vmas: btree.NewG(vmaDegree, vmaLess),
	}
	mm.users.Store(1)
	return mm
}

// ID returns the identity of the address space.
func (mm *MemoryManager) ID() uint64 {
	return mm.id
}

// IncUsers increments mm's user count and returns true. If the user count is
// already zero, IncUsers does nothing and returns false.
func (mm *MemoryManager) IncUsers() bool {
	for {
		users := mm.users.Load()
		if users == 0 {
			return false
		}
		if mm.users.CompareAndSwap(users, users+1) {
			return true
		}
	}
}

// DecUsers decrements mm's user count. If the user count reaches 0, all
// mappings in mm are unmapped.
func (mm *MemoryManager) DecUsers() {
	if users := mm.users.Add(-1); users > 0 {
		return
	} else if users < 0 {
		panic("Invalid MemoryManager.users")
	}

	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	mm.unmapLocked(hostarch.AddrRange{Start: 0, End: MaxUserAddress})
}

// findLocked returns the vma containing addr, or nil.
//
// Preconditions: mm.mappingMu is locked.
func (mm *MemoryManager) findLocked(addr hostarch.Addr) *vma {
	var found *vma
	mm.vmas.DescendLessOrEqual(&vma{start: addr}, func(v *vma) bool {
		if addr < v.end {
			found = v
		}
		return false
	})
	return found
}

// overlappingLocked returns the vmas intersecting ar, in address order.
//
// Preconditions: mm.mappingMu is locked.
func (mm *MemoryManager) overlappingLocked(ar hostarch.AddrRange) []*vma {
	if ar.Length() == 0 {
		return nil
	}
	var vs []*vma
	if v := mm.findLocked(ar.Start); v != nil {
		vs = append(vs, v)
	}
	mm.vmas.AscendRange(&vma{start: ar.Start + 1}, &vma{start: ar.End}, func(v *vma) bool {
		vs = append(vs, v)
		return true
	})
	return vs
}

// unmapLocked removes all mappings in ar, splitting vmas that straddle its
// boundaries.
//
// Preconditions: mm.mappingMu is locked for writing.
func (mm *MemoryManager) unmapLocked(ar hostarch.AddrRange) {
	for _, v := range mm.overlappingLocked(ar) {
		mm.vmas.Delete(v)
		if v.start < ar.Start {
			left := *v
			left.end = ar.Start
			left.mappable.IncRef()
			mm.vmas.ReplaceOrInsert(&left)
		}
		if v.end > ar.End {
			right := *v
			right.off = v.mappableOffsetAt(ar.End)
			right.start = ar.End
			right.mappable.IncRef()
			mm.vmas.ReplaceOrInsert(&right)
		}
		v.mappable.DecRef()
	}
}

// findAvailableLocked returns the lowest address at or above MinUserAddress
// at which length bytes are unmapped.
//
// Preconditions: mm.mappingMu is locked.
func (mm *MemoryManager) findAvailableLocked(length uint64) (hostarch.Addr, bool) {
	start := MinUserAddress
	found := false
	mm.vmas.AscendGreaterOrEqual(&vma{start: 0}, func(v *vma) bool {
		if v.end <= start {
			return true
		}
		if end, ok := start.AddLength(length); ok && end <= v.start {
			found = true
			return false
		}
		start = v.end
		return true
	})
	if found {
		return start, true
	}
	end, ok := start.AddLength(length)
	return start, ok && end <= MaxUserAddress
}
