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

// Package linux provides syscall tables for amd64 and arm64 Linux.
package linux

import (
	"gvisor.dev/kfutex/pkg/errors/linuxerr"
	"gvisor.dev/kfutex/pkg/sentry/arch"
	"gvisor.dev/kfutex/pkg/sentry/kernel"
	"gvisor.dev/kfutex/pkg/sentry/syscalls"
)

// AMD64 is a table of the Linux amd64 syscalls the simulated kernel
// provides, with the corresponding syscall numbers.
var AMD64 = &kernel.SyscallTable{
	Arch: arch.AMD64,
	Table: map[uintptr]kernel.Syscall{
		9:   syscalls.PartiallySupported("mmap", Mmap, "Only anonymous mappings are supported."),
		11:  syscalls.Supported("munmap", Munmap),
		186: syscalls.Supported("gettid", Gettid),
		202: syscalls.PartiallySupported("futex", Futex, "Priority inheritance and FUTEX_FD operations return ENOSYS."),
		273: syscalls.Supported("set_robust_list", SetRobustList),
		274: syscalls.Supported("get_robust_list", GetRobustList),
		// FUTEX_WAITV is not provided.
		449: syscalls.Error("futex_waitv", linuxerr.ENOSYS, "Vectored waits are not provided"),
	},
}

// ARM64 is a table of the Linux arm64 syscalls the simulated kernel
// provides, with the corresponding syscall numbers.
var ARM64 = &kernel.SyscallTable{
	Arch: arch.ARM64,
	Table: map[uintptr]kernel.Syscall{
		98:  syscalls.PartiallySupported("futex", Futex, "Priority inheritance and FUTEX_FD operations return ENOSYS."),
		99:  syscalls.Supported("set_robust_list", SetRobustList),
		100: syscalls.Supported("get_robust_list", GetRobustList),
		178: syscalls.Supported("gettid", Gettid),
		215: syscalls.Supported("munmap", Munmap),
		222: syscalls.PartiallySupported("mmap", Mmap, "Only anonymous mappings are supported."),
		449: syscalls.Error("futex_waitv", linuxerr.ENOSYS, "Vectored waits are not provided"),
	},
}

func init() {
	kernel.RegisterSyscallTable(AMD64)
	kernel.RegisterSyscallTable(ARM64)
}

// Names of the provided syscalls, for use with Number.
const (
	SysMmap          = "mmap"
	SysMunmap        = "munmap"
	SysGettid        = "gettid"
	SysFutex         = "futex"
	SysSetRobustList = "set_robust_list"
	SysGetRobustList = "get_robust_list"
)

// Number returns the number of the syscall named name in s.
func Number(s *kernel.SyscallTable, name string) (uintptr, bool) {
	for num, sc := range s.Table {
		if sc.Name == name {
			return num, true
		}
	}
	return 0, false
}
