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

	"gvisor.dev/kfutex/pkg/abi/linux"
	"gvisor.dev/kfutex/pkg/errors/linuxerr"
	"gvisor.dev/kfutex/pkg/sentry/arch"
	"gvisor.dev/kfutex/pkg/sentry/kernel"
	"gvisor.dev/kfutex/pkg/sentry/mm"
)

// Mmap implements linux syscall mmap(2). Only anonymous mappings are
// provided, since the simulated kernel has no files.
func Mmap(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	prot := args[2].Int()
	flags := args[3].Int()
	fd := args[4].Int()
	fixed := flags&linux.MAP_FIXED != 0
	private := flags&linux.MAP_PRIVATE != 0
	shared := flags&linux.MAP_SHARED != 0
	anon := flags&linux.MAP_ANONYMOUS != 0

	// Require exactly one of MAP_PRIVATE and MAP_SHARED.
	if private == shared {
		return 0, linuxerr.EINVAL
	}
	if prot&^(linux.PROT_READ|linux.PROT_WRITE|linux.PROT_EXEC) != 0 {
		return 0, linuxerr.EINVAL
	}
	if !anon {
		if fd < 0 {
			return 0, linuxerr.EBADF
		}
		return 0, linuxerr.ENODEV
	}

	opts := mm.MMapOpts{
		Length:  args[1].Uint64(),
		Addr:    args[0].Pointer(),
		Fixed:   fixed,
		Private: private,
	}
	addr, err := t.MemoryManager().MMap(context.Background(), opts)
	return uintptr(addr), err
}

// Munmap implements linux syscall munmap(2).
func Munmap(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	return 0, t.MemoryManager().MUnmap(context.Background(), args[0].Pointer(), args[1].Uint64())
}

// Gettid implements linux syscall gettid(2).
func Gettid(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	return uintptr(t.ThreadID()), nil
}
