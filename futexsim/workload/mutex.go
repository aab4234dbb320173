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

package workload

import (
	"fmt"

	"gvisor.dev/kfutex/pkg/abi/linux"
	"gvisor.dev/kfutex/pkg/errors/linuxerr"
	"gvisor.dev/kfutex/pkg/hostarch"
	"gvisor.dev/kfutex/pkg/sentry/kernel"
)

// Mutex lock word states.
const (
	unlocked  = 0
	locked    = 1
	contended = 2
)

// Mutex is a lock over a futex word in the arena. The word is 0 when
// unlocked, 1 when locked and 2 when locked with possible waiters.
//
// Waiters only enter the kernel when the lock is contended, and Unlock only
// enters the kernel when it observes state 2.
type Mutex struct {
	env  *Env
	addr hostarch.Addr
}

// NewMutex allocates an unlocked Mutex in e's arena.
func NewMutex(e *Env) (*Mutex, error) {
	addr, err := e.Alloc(4)
	if err != nil {
		return nil, err
	}
	return &Mutex{env: e, addr: addr}, nil
}

// Addr returns the address of m's lock word.
func (m *Mutex) Addr() hostarch.Addr {
	return m.addr
}

// TryLock acquires m as t if it is unlocked.
func (m *Mutex) TryLock(t *kernel.Task) (bool, error) {
	c, err := t.CompareAndSwapUint32(m.addr, unlocked, locked)
	return c == unlocked, err
}

// Lock acquires m as t, blocking in futex(2) while it is held. Lock returns
// EINTR without the lock if t is interrupted.
func (m *Mutex) Lock(t *kernel.Task) error {
	c, err := t.CompareAndSwapUint32(m.addr, unlocked, locked)
	if err != nil {
		return err
	}
	if c == unlocked {
		return nil
	}
	if c != contended {
		if c, err = t.SwapUint32(m.addr, contended); err != nil {
			return err
		}
		if c == unlocked {
			return nil
		}
	}
	return m.lockContended(t)
}

// lockContended acquires m leaving the word in state 2, so that the eventual
// Unlock wakes the next waiter.
func (m *Mutex) lockContended(t *kernel.Task) error {
	for {
		c, err := t.SwapUint32(m.addr, contended)
		if err != nil {
			return err
		}
		if c == unlocked {
			return nil
		}
		if _, err := m.env.Futex(t, m.addr, linux.FUTEX_WAIT, contended, 0, 0, 0); err != nil && !linuxerr.Equals(linuxerr.EAGAIN, err) {
			return err
		}
	}
}

// Unlock releases m, which t must hold.
func (m *Mutex) Unlock(t *kernel.Task) error {
	c, err := t.SwapUint32(m.addr, unlocked)
	if err != nil {
		return err
	}
	switch c {
	case unlocked:
		return fmt.Errorf("unlock of unlocked mutex at %v", m.addr)
	case contended:
		_, err = m.env.Futex(t, m.addr, linux.FUTEX_WAKE, 1, 0, 0, 0)
	}
	return err
}
