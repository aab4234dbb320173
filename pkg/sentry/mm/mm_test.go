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
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"gvisor.dev/kfutex/pkg/errors/linuxerr"
	"gvisor.dev/kfutex/pkg/hostarch"
	"gvisor.dev/kfutex/pkg/sentry/kernel/futex"
	"gvisor.dev/kfutex/pkg/usermem"
)

func mustMMap(t *testing.T, mm *MemoryManager, opts MMapOpts) hostarch.Addr {
	t.Helper()
	addr, err := mm.MMap(context.Background(), opts)
	if err != nil {
		t.Fatalf("MMap(%+v) got err %v want nil", opts, err)
	}
	return addr
}

func mustMappable(t *testing.T, length uint64) *SpecialMappable {
	t.Helper()
	m, err := NewSpecialMappable("test", length)
	if err != nil {
		t.Fatalf("NewSpecialMappable(%d): %v", length, err)
	}
	return m
}

func TestMMapPlacement(t *testing.T) {
	mm := NewMemoryManager()
	defer mm.DecUsers()

	a := mustMMap(t, mm, MMapOpts{Length: 1})
	b := mustMMap(t, mm, MMapOpts{Length: 2 * hostarch.PageSize})
	if a != MinUserAddress {
		t.Errorf("first mapping at %v, want %v", a, MinUserAddress)
	}
	if want := a + hostarch.PageSize; b != want {
		t.Errorf("second mapping at %v, want %v", b, want)
	}
	if got, want := mm.VirtualMemorySize(), uint64(3*hostarch.PageSize); got != want {
		t.Errorf("VirtualMemorySize got %d want %d", got, want)
	}

	// A freed hole is reused.
	if err := mm.MUnmap(context.Background(), a, hostarch.PageSize); err != nil {
		t.Fatalf("MUnmap got err %v want nil", err)
	}
	if c := mustMMap(t, mm, MMapOpts{Length: hostarch.PageSize}); c != a {
		t.Errorf("mapping after unmap at %v, want %v", c, a)
	}
}

func TestMMapInvalid(t *testing.T) {
	mm := NewMemoryManager()
	defer mm.DecUsers()
	m := mustMappable(t, hostarch.PageSize)
	defer m.DecRef()

	for _, tc := range []struct {
		name string
		opts MMapOpts
		want error
	}{
		{"zero length", MMapOpts{}, linuxerr.EINVAL},
		{"misaligned fixed", MMapOpts{Length: 1, Addr: MinUserAddress + 1, Fixed: true}, linuxerr.EINVAL},
		{"misaligned offset", MMapOpts{Length: 1, Mappable: m, Offset: 1}, linuxerr.EINVAL},
		{"beyond mappable", MMapOpts{Length: 2 * hostarch.PageSize, Mappable: m}, linuxerr.ENXIO},
		{"fixed below minimum", MMapOpts{Length: 1, Fixed: true}, linuxerr.ENOMEM},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := mm.MMap(context.Background(), tc.opts); !errors.Is(err, tc.want) {
				t.Errorf("MMap got err %v want %v", err, tc.want)
			}
		})
	}
	if got := m.ReadRefs(); got != 1 {
		t.Errorf("failed mappings left %d references on the mappable, want 1", got)
	}
}

func TestUnmapSplits(t *testing.T) {
	ctx := context.Background()
	mm := NewMemoryManager()
	defer mm.DecUsers()
	m := mustMappable(t, 3*hostarch.PageSize)
	defer m.DecRef()

	addr := mustMMap(t, mm, MMapOpts{Length: 3 * hostarch.PageSize, Mappable: m})
	for i := 0; i < 3; i++ {
		if err := mm.StoreUint32(ctx, addr+hostarch.Addr(i)*hostarch.PageSize, uint32(i+1), usermem.IOOpts{}); err != nil {
			t.Fatalf("StoreUint32 page %d: %v", i, err)
		}
	}

	if err := mm.MUnmap(ctx, addr+hostarch.PageSize, hostarch.PageSize); err != nil {
		t.Fatalf("MUnmap got err %v want nil", err)
	}
	if _, err := mm.LoadUint32(ctx, addr+hostarch.PageSize, usermem.IOOpts{}); !errors.Is(err, linuxerr.EFAULT) {
		t.Errorf("LoadUint32 in hole got err %v want EFAULT", err)
	}
	// The remaining pieces still map the right offsets.
	for _, i := range []int{0, 2} {
		v, err := mm.LoadUint32(ctx, addr+hostarch.Addr(i)*hostarch.PageSize, usermem.IOOpts{})
		if err != nil || v != uint32(i+1) {
			t.Errorf("LoadUint32 page %d got (%d, %v) want (%d, nil)", i, v, err, i+1)
		}
	}
	if got := m.ReadRefs(); got != 3 {
		t.Errorf("mappable refs got %d want 3 (owner plus two vmas)", got)
	}
	if got := strings.Count(mm.Maps(), "\n"); got != 2 {
		t.Errorf("Maps got %d entries want 2:\n%s", got, mm.Maps())
	}
}

func TestFixedReplaces(t *testing.T) {
	ctx := context.Background()
	mm := NewMemoryManager()
	defer mm.DecUsers()

	addr := mustMMap(t, mm, MMapOpts{Length: 2 * hostarch.PageSize})
	if err := mm.StoreUint32(ctx, addr, 7, usermem.IOOpts{}); err != nil {
		t.Fatalf("StoreUint32: %v", err)
	}
	if got := mustMMap(t, mm, MMapOpts{Length: hostarch.PageSize, Addr: addr, Fixed: true}); got != addr {
		t.Fatalf("fixed MMap at %v want %v", got, addr)
	}
	if v, err := mm.LoadUint32(ctx, addr, usermem.IOOpts{}); err != nil || v != 0 {
		t.Errorf("LoadUint32 after replacement got (%d, %v) want (0, nil)", v, err)
	}
	if got, want := mm.VirtualMemorySize(), uint64(2*hostarch.PageSize); got != want {
		t.Errorf("VirtualMemorySize got %d want %d", got, want)
	}
}

func TestWordIO(t *testing.T) {
	ctx := context.Background()
	mm := NewMemoryManager()
	defer mm.DecUsers()
	addr := mustMMap(t, mm, MMapOpts{Length: hostarch.PageSize})

	for _, tc := range []struct {
		name string
		addr hostarch.Addr
		want error
	}{
		{"first word", addr, nil},
		{"last word", addr + hostarch.PageSize - 4, nil},
		{"misaligned", addr + 2, linuxerr.EINVAL},
		{"unmapped", addr + hostarch.PageSize, linuxerr.EFAULT},
		{"kernel address", MaxUserAddress, linuxerr.EFAULT},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := mm.LoadUint32(ctx, tc.addr, usermem.IOOpts{}); !errors.Is(err, tc.want) {
				t.Errorf("LoadUint32 got err %v want %v", err, tc.want)
			}
			if _, err := mm.CompareAndSwapUint32(ctx, tc.addr, 0, 1, usermem.IOOpts{}); !errors.Is(err, tc.want) {
				t.Errorf("CompareAndSwapUint32 got err %v want %v", err, tc.want)
			}
			if _, err := mm.SwapUint32(ctx, tc.addr, 2, usermem.IOOpts{}); !errors.Is(err, tc.want) {
				t.Errorf("SwapUint32 got err %v want %v", err, tc.want)
			}
		})
	}

	if prev, err := mm.CompareAndSwapUint32(ctx, addr, 2, 3, usermem.IOOpts{}); err != nil || prev != 2 {
		t.Errorf("CompareAndSwapUint32 got (%d, %v) want (2, nil)", prev, err)
	}
	if prev, err := mm.CompareAndSwapUint32(ctx, addr, 2, 4, usermem.IOOpts{}); err != nil || prev != 3 {
		t.Errorf("failing CompareAndSwapUint32 got (%d, %v) want (3, nil)", prev, err)
	}
}

func TestCopyAcrossMappings(t *testing.T) {
	ctx := context.Background()
	mm := NewMemoryManager()
	defer mm.DecUsers()
	a := mustMMap(t, mm, MMapOpts{Length: hostarch.PageSize})
	mustMMap(t, mm, MMapOpts{Length: hostarch.PageSize, Addr: a + hostarch.PageSize, Fixed: true})

	src := bytes.Repeat([]byte{0xab}, 16)
	start := a + hostarch.PageSize - 8
	if n, err := mm.CopyOut(ctx, start, src, usermem.IOOpts{}); err != nil || n != len(src) {
		t.Fatalf("CopyOut across mappings got (%d, %v) want (%d, nil)", n, err, len(src))
	}
	dst := make([]byte, len(src))
	if n, err := mm.CopyIn(ctx, start, dst, usermem.IOOpts{}); err != nil || n != len(dst) {
		t.Fatalf("CopyIn across mappings got (%d, %v) want (%d, nil)", n, err, len(dst))
	}
	if diff := cmp.Diff(src, dst); diff != "" {
		t.Errorf("CopyIn mismatch (-want +got):\n%s", diff)
	}

	// A copy running off the end succeeds partially.
	end := a + 2*hostarch.PageSize - 4
	if n, err := mm.CopyIn(ctx, end, dst, usermem.IOOpts{}); !errors.Is(err, linuxerr.EFAULT) || n != 4 {
		t.Errorf("CopyIn off the end got (%d, %v) want (4, EFAULT)", n, err)
	}
}

func TestSharedFutexKeys(t *testing.T) {
	ctx := context.Background()
	m := mustMappable(t, 2*hostarch.PageSize)
	defer m.DecRef()

	mm1 := NewMemoryManager()
	defer mm1.DecUsers()
	mm2 := NewMemoryManager()
	defer mm2.DecUsers()

	a1 := mustMMap(t, mm1, MMapOpts{Length: hostarch.PageSize, Mappable: m, Offset: hostarch.PageSize})
	// Map at a different address in the second address space.
	mustMMap(t, mm2, MMapOpts{Length: hostarch.PageSize})
	a2 := mustMMap(t, mm2, MMapOpts{Length: hostarch.PageSize, Mappable: m, Offset: hostarch.PageSize})
	if a1 == a2 {
		t.Fatalf("test wants distinct addresses, both mappings at %v", a1)
	}

	// Writes through one address space are visible through the other.
	if err := mm1.StoreUint32(ctx, a1+8, 42, usermem.IOOpts{}); err != nil {
		t.Fatalf("StoreUint32: %v", err)
	}
	if v, err := mm2.LoadUint32(ctx, a2+8, usermem.IOOpts{}); err != nil || v != 42 {
		t.Errorf("LoadUint32 through second mapping got (%d, %v) want (42, nil)", v, err)
	}

	k1, err := mm1.GetSharedFutexKey(ctx, a1+8)
	if err != nil {
		t.Fatalf("GetSharedFutexKey: %v", err)
	}
	defer k1.MappingIdentity.DecRef()
	k2, err := mm2.GetSharedFutexKey(ctx, a2+8)
	if err != nil {
		t.Fatalf("GetSharedFutexKey: %v", err)
	}
	defer k2.MappingIdentity.DecRef()

	want := futex.Key{Kind: futex.KindSharedMappable, Mappable: m.ID(), Offset: hostarch.PageSize + 8}
	opt := cmpopts.IgnoreFields(futex.Key{}, "MappingIdentity")
	if diff := cmp.Diff(want, k1, opt); diff != "" {
		t.Errorf("first key mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, k2, opt); diff != "" {
		t.Errorf("second key mismatch (-want +got):\n%s", diff)
	}
	if got := m.ReadRefs(); got != 5 {
		t.Errorf("mappable refs got %d want 5 (owner, two vmas, two keys)", got)
	}
}

func TestPrivateMappingKeys(t *testing.T) {
	ctx := context.Background()
	mm1 := NewMemoryManager()
	defer mm1.DecUsers()
	mm2 := NewMemoryManager()
	defer mm2.DecUsers()
	a1 := mustMMap(t, mm1, MMapOpts{Length: hostarch.PageSize, Private: true})
	a2 := mustMMap(t, mm2, MMapOpts{Length: hostarch.PageSize, Private: true})

	k1, err := mm1.GetSharedFutexKey(ctx, a1)
	if err != nil {
		t.Fatalf("GetSharedFutexKey: %v", err)
	}
	k2, err := mm2.GetSharedFutexKey(ctx, a2)
	if err != nil {
		t.Fatalf("GetSharedFutexKey: %v", err)
	}
	if k1.Kind != futex.KindSharedPrivate || k1.MappingIdentity != nil {
		t.Errorf("private mapping key got %+v, want KindSharedPrivate without identity", k1)
	}
	if k1 == k2 {
		t.Errorf("private mappings in different address spaces share key %v", k1)
	}
	if _, err := mm1.GetSharedFutexKey(ctx, a1+hostarch.PageSize); !errors.Is(err, linuxerr.EFAULT) {
		t.Errorf("GetSharedFutexKey on unmapped address got err %v want EFAULT", err)
	}
}

func TestPrivateSnapshot(t *testing.T) {
	ctx := context.Background()
	m := mustMappable(t, hostarch.PageSize)
	defer m.DecRef()
	if err := m.StoreUint32(ctx, 0, 5); err != nil {
		t.Fatalf("StoreUint32: %v", err)
	}

	mm := NewMemoryManager()
	defer mm.DecUsers()
	addr := mustMMap(t, mm, MMapOpts{Length: hostarch.PageSize, Mappable: m, Private: true})
	if v, err := mm.LoadUint32(ctx, addr, usermem.IOOpts{}); err != nil || v != 5 {
		t.Errorf("LoadUint32 got (%d, %v) want (5, nil)", v, err)
	}
	if err := mm.StoreUint32(ctx, addr, 6, usermem.IOOpts{}); err != nil {
		t.Fatalf("StoreUint32: %v", err)
	}
	if v, err := m.IO().LoadUint32(ctx, 0, usermem.IOOpts{}); err != nil || v != 5 {
		t.Errorf("mappable word after private write got (%d, %v) want (5, nil)", v, err)
	}
	if got := m.ReadRefs(); got != 1 {
		t.Errorf("private mapping holds a reference on its source: refs %d want 1", got)
	}
}

func TestDecUsersReleasesMappings(t *testing.T) {
	m := mustMappable(t, hostarch.PageSize)
	defer m.DecRef()

	mm := NewMemoryManager()
	if !mm.IncUsers() {
		t.Fatal("IncUsers on live MemoryManager failed")
	}
	mustMMap(t, mm, MMapOpts{Length: hostarch.PageSize, Mappable: m})

	mm.DecUsers()
	if got := m.ReadRefs(); got != 2 {
		t.Errorf("refs after first DecUsers got %d want 2", got)
	}
	mm.DecUsers()
	if got := m.ReadRefs(); got != 1 {
		t.Errorf("refs after last DecUsers got %d want 1", got)
	}
	if mm.IncUsers() {
		t.Error("IncUsers on dead MemoryManager succeeded")
	}
}

func TestIDsAreUnique(t *testing.T) {
	seen := make(map[uint64]bool)
	for i := 0; i < 16; i++ {
		mm := NewMemoryManager()
		if seen[mm.ID()] {
			t.Fatalf("MemoryManager ID %d reused", mm.ID())
		}
		seen[mm.ID()] = true
		mm.DecUsers()
	}
}
