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

package kernel

import (
	"fmt"

	"gvisor.dev/kfutex/pkg/errors/linuxerr"
	"gvisor.dev/kfutex/pkg/log"
	"gvisor.dev/kfutex/pkg/sentry/arch"
	"gvisor.dev/kfutex/pkg/sync"
)

// maxSyscallNum is the highest supported syscall number.
const maxSyscallNum = 2000

// SyscallFn is a syscall implementation.
type SyscallFn func(t *Task, args arch.SyscallArguments) (uintptr, error)

// SyscallSupportLevel is the level of support for a syscall.
type SyscallSupportLevel int

// String returns a human readable representation of the support level.
func (l SyscallSupportLevel) String() string {
	switch l {
	case SupportUnimplemented:
		return "Unimplemented"
	case SupportPartial:
		return "Partial Support"
	case SupportFull:
		return "Full Support"
	default:
		return "Undocumented"
	}
}

const (
	// SupportUndocumented indicates the syscall is not documented yet.
	SupportUndocumented SyscallSupportLevel = iota

	// SupportUnimplemented indicates the syscall is unimplemented.
	SupportUnimplemented

	// SupportPartial indicates the syscall is partially supported.
	SupportPartial

	// SupportFull indicates the syscall is fully supported.
	SupportFull
)

// Syscall includes the syscall implementation and compatibility information.
type Syscall struct {
	// Name is the syscall name.
	Name string

	// Fn is the implementation of the syscall.
	Fn SyscallFn

	// SupportLevel is the level of support implemented in the simulated
	// kernel.
	SupportLevel SyscallSupportLevel

	// Note is a short note about the syscall's implementation.
	Note string
}

// SyscallTable is a lookup table of system calls.
type SyscallTable struct {
	// Arch is the architecture that this syscall table targets.
	Arch arch.Arch

	// Table is the collection of functions.
	Table map[uintptr]Syscall

	// lookup is a fixed-size array that holds the syscalls (indexed by
	// their numbers). It is used for fast look ups.
	lookup [maxSyscallNum + 1]SyscallFn
}

// allSyscallTables contains all known tables.
var (
	syscallTablesMu  sync.Mutex
	allSyscallTables []*SyscallTable
)

// LookupSyscallTable returns the SyscallTable for the given architecture,
// if one was registered.
func LookupSyscallTable(a arch.Arch) (*SyscallTable, bool) {
	syscallTablesMu.Lock()
	defer syscallTablesMu.Unlock()
	for _, s := range allSyscallTables {
		if s.Arch == a {
			return s, true
		}
	}
	return nil, false
}

// SyscallTables returns all registered syscall tables.
func SyscallTables() []*SyscallTable {
	syscallTablesMu.Lock()
	defer syscallTablesMu.Unlock()
	return append([]*SyscallTable(nil), allSyscallTables...)
}

// RegisterSyscallTable registers a new syscall table for use by a Kernel.
func RegisterSyscallTable(s *SyscallTable) {
	for num := range s.Table {
		if num > maxSyscallNum {
			panic(fmt.Sprintf("syscall %d is greater than maximum syscall number %d", num, maxSyscallNum))
		}
	}
	s.Init()
	syscallTablesMu.Lock()
	allSyscallTables = append(allSyscallTables, s)
	syscallTablesMu.Unlock()
}

// Init initializes the lookup array from Table.
func (s *SyscallTable) Init() {
	for num, sc := range s.Table {
		s.lookup[num] = sc.Fn
	}
}

// Lookup returns the syscall implementation, if one exists.
func (s *SyscallTable) Lookup(sysno uintptr) SyscallFn {
	if sysno <= maxSyscallNum {
		return s.lookup[sysno]
	}
	return nil
}

// mapLookup is similar to Lookup, except that it only uses the syscall table,
// that is, it skips the fast look array. This is available for benchmarking.
func (s *SyscallTable) mapLookup(sysno uintptr) SyscallFn {
	if sc, ok := s.Table[sysno]; ok {
		return sc.Fn
	}
	return nil
}

// Name returns the name of syscall sysno, or a placeholder for unknown
// syscalls.
func (s *SyscallTable) Name(sysno uintptr) string {
	if sc, ok := s.Table[sysno]; ok {
		return sc.Name
	}
	return fmt.Sprintf("sys_%d", sysno)
}

// Syscall executes syscall sysno from s on behalf of t. Syscalls missing
// from s fail with ENOSYS.
func (t *Task) Syscall(s *SyscallTable, sysno uintptr, args arch.SyscallArguments) (uintptr, error) {
	fn := s.Lookup(sysno)
	if fn == nil {
		log.Warningf("task %d: unsupported syscall %d", t.tid, sysno)
		return 0, linuxerr.ENOSYS
	}
	rv, err := fn(t, args)
	if log.IsLogging(log.Debug) {
		log.Debugf("task %d: %s(%v, %v, %v) = %#x, %v", t.tid, s.Name(sysno), args[0], args[1], args[2], rv, err)
	}
	return rv, err
}
