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

package futex

import (
	"unsafe"
)

// lockPair locks the queues of f1 and f2, either of which may be nil, lower
// object address first. Identical futexes are locked once.
func lockPair(f1, f2 *Futex) {
	switch {
	case f1 == nil && f2 == nil:
	case f1 == nil:
		f2.queueMu.Lock()
	case f2 == nil || f1 == f2:
		f1.queueMu.Lock()
	case uintptr(unsafe.Pointer(f1)) < uintptr(unsafe.Pointer(f2)):
		f1.queueMu.Lock()
		f2.queueMu.Lock()
	default:
		f2.queueMu.Lock()
		f1.queueMu.Lock()
	}
}

// unlockPair reverses lockPair.
func unlockPair(f1, f2 *Futex) {
	if f1 != nil {
		f1.queueMu.Unlock()
	}
	if f2 != nil && f2 != f1 {
		f2.queueMu.Unlock()
	}
}
