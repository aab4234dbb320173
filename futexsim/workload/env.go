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

// Package workload implements futex-based synchronization primitives for
// simulated tasks, built only on the syscall surface of the simulated kernel,
// and the scenarios futexsim runs with them.
package workload

import (
	"context"
	"fmt"
	"time"

	"gvisor.dev/kfutex/pkg/abi/linux"
	"gvisor.dev/kfutex/pkg/cleanup"
	"gvisor.dev/kfutex/pkg/errors/linuxerr"
	"gvisor.dev/kfutex/pkg/hostarch"
	"gvisor.dev/kfutex/pkg/log"
	"gvisor.dev/kfutex/pkg/sentry/arch"
	"gvisor.dev/kfutex/pkg/sentry/kernel"
	"gvisor.dev/kfutex/pkg/sentry/ktime"
	"gvisor.dev/kfutex/pkg/sentry/mm"
	sys "gvisor.dev/kfutex/pkg/sentry/syscalls/linux"
	"gvisor.dev/kfutex/pkg/sync"
)

const (
	// ArenaBase is where the shared arena is mapped in every process. It is
	// below 4GB so that 32-bit tasks can address it.
	ArenaBase hostarch.Addr = 0x40000000

	// ArenaSize is the size of the shared arena.
	ArenaSize = 64 * hostarch.PageSize
)

// Options configures an Env.
type Options struct {
	// Arch selects the syscall table.
	Arch arch.Arch

	// Width is the ABI width of all tasks.
	Width arch.Width

	// Shared makes primitives use shared futexes, which work across
	// processes. Otherwise FUTEX_PRIVATE_FLAG is passed.
	Shared bool

	// MonotonicClock and RealtimeClock override the kernel clocks.
	MonotonicClock ktime.Clock
	RealtimeClock  ktime.Clock
}

// Env is a simulated kernel with a shared memory arena that every process it
// creates maps at ArenaBase.
type Env struct {
	k     *kernel.Kernel
	table *kernel.SyscallTable
	width arch.Width
	flags uint32
	arena *mm.SpecialMappable
	init  *kernel.Task

	// mu protects the fields below.
	mu sync.Mutex

	// next is the first unallocated arena address.
	next hostarch.Addr

	// scratch holds a private page per task, mapped by Scratch.
	scratch map[*kernel.Task]hostarch.Addr
}

// NewEnv creates a kernel and its first process.
func NewEnv(opts Options) (*Env, error) {
	table, ok := kernel.LookupSyscallTable(opts.Arch)
	if !ok {
		return nil, fmt.Errorf("no syscall table for %v", opts.Arch)
	}
	arena, err := mm.NewSpecialMappable("[futexsim-arena]", ArenaSize)
	if err != nil {
		return nil, fmt.Errorf("allocating arena: %w", err)
	}
	cu := cleanup.Make(arena.DecRef)
	defer cu.Clean()

	e := &Env{
		k: kernel.NewKernel(kernel.InitKernelArgs{
			MonotonicClock: opts.MonotonicClock,
			RealtimeClock:  opts.RealtimeClock,
		}),
		table:   table,
		width:   opts.Width,
		arena:   arena,
		next:    ArenaBase,
		scratch: make(map[*kernel.Task]hostarch.Addr),
	}
	cu.Add(e.k.Destroy)
	if !opts.Shared {
		e.flags = linux.FUTEX_PRIVATE_FLAG
	}
	if e.init, err = e.NewProcess("init"); err != nil {
		return nil, err
	}
	cu.Release()
	log.Infof("workload: %v %v kernel, %s futexes", opts.Arch, opts.Width, e.kind())
	return e, nil
}

func (e *Env) kind() string {
	if e.flags&linux.FUTEX_PRIVATE_FLAG != 0 {
		return "private"
	}
	return "shared"
}

// Kernel returns e's kernel.
func (e *Env) Kernel() *kernel.Kernel {
	return e.k
}

// Init returns e's first task.
func (e *Env) Init() *kernel.Task {
	return e.init
}

// Arena returns the object backing the shared arena.
func (e *Env) Arena() *mm.SpecialMappable {
	return e.arena
}

// Private reports whether primitives use private futexes.
func (e *Env) Private() bool {
	return e.flags&linux.FUTEX_PRIVATE_FLAG != 0
}

// NewTask creates a thread in the address space of the init task.
func (e *Env) NewTask(name string) (*kernel.Task, error) {
	return e.k.NewTask(kernel.TaskConfig{
		Name:          name,
		MemoryManager: e.init.MemoryManager(),
		Width:         e.width,
	})
}

// NewProcess creates a task with a new address space that maps the arena.
// NewProcess tasks can only synchronize with other processes using shared
// futexes.
func (e *Env) NewProcess(name string) (*kernel.Task, error) {
	t, err := e.k.NewTask(kernel.TaskConfig{Name: name, Width: e.width})
	if err != nil {
		return nil, err
	}
	if _, err := t.MemoryManager().MMap(context.Background(), mm.MMapOpts{
		Length:   ArenaSize,
		Mappable: e.arena,
		Addr:     ArenaBase,
		Fixed:    true,
	}); err != nil {
		t.Exit()
		return nil, fmt.Errorf("mapping arena: %w", err)
	}
	return t, nil
}

// Alloc returns size bytes of zeroed arena memory aligned to a pointer.
func (e *Env) Alloc(size uint64) (hostarch.Addr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	addr := e.next
	end, ok := addr.AddLength((size + 7) &^ 7)
	if !ok || end > ArenaBase+ArenaSize {
		return 0, linuxerr.ENOMEM
	}
	e.next = end
	return addr, nil
}

// Scratch returns a page of memory private to t's address space, mapping it
// with mmap(2) on first use.
func (e *Env) Scratch(t *kernel.Task) (hostarch.Addr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if addr, ok := e.scratch[t]; ok {
		return addr, nil
	}
	addr, err := e.Syscall(t, sys.SysMmap, 0, hostarch.PageSize,
		linux.PROT_READ|linux.PROT_WRITE, linux.MAP_PRIVATE|linux.MAP_ANONYMOUS, ^uintptr(0), 0)
	if err != nil {
		return 0, fmt.Errorf("mapping scratch page: %w", err)
	}
	e.scratch[t] = hostarch.Addr(addr)
	return hostarch.Addr(addr), nil
}

// WriteTimeout writes d to t's scratch page as a timespec in t's ABI and
// returns its address, for use as a futex(2) timeout argument.
func (e *Env) WriteTimeout(t *kernel.Task, d time.Duration) (hostarch.Addr, error) {
	addr, err := e.Scratch(t)
	if err != nil {
		return 0, err
	}
	ts := linux.DurationToTimespec(d)
	if t.Width() == arch.Width32 {
		_, err = t.CopyObjectOut(addr, &linux.Timespec32{Sec: int32(ts.Sec), Nsec: int32(ts.Nsec)})
	} else {
		_, err = t.CopyObjectOut(addr, &ts)
	}
	return addr, err
}

// Syscall invokes the syscall named name as t.
func (e *Env) Syscall(t *kernel.Task, name string, args ...uintptr) (uintptr, error) {
	sysno, ok := sys.Number(e.table, name)
	if !ok {
		return 0, linuxerr.ENOSYS
	}
	return t.Syscall(e.table, sysno, arch.Args(args...))
}

// Futex invokes futex(2) as t with op, adding FUTEX_PRIVATE_FLAG unless e
// uses shared futexes.
func (e *Env) Futex(t *kernel.Task, addr hostarch.Addr, op uint32, val uint32, arg3 uintptr, addr2 hostarch.Addr, val3 uint32) (uintptr, error) {
	return e.Syscall(t, sys.SysFutex, uintptr(addr), uintptr(op|e.flags), uintptr(val), arg3, uintptr(addr2), uintptr(val3))
}

// Destroy exits every task and releases the arena.
func (e *Env) Destroy() {
	e.k.Destroy()
	e.arena.DecRef()
}
