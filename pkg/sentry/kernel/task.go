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
	"context"

	"gvisor.dev/kfutex/pkg/errors/linuxerr"
	"gvisor.dev/kfutex/pkg/hostarch"
	"gvisor.dev/kfutex/pkg/log"
	"gvisor.dev/kfutex/pkg/sentry/arch"
	"gvisor.dev/kfutex/pkg/sentry/mm"
	"gvisor.dev/kfutex/pkg/sync"
	"gvisor.dev/kfutex/pkg/usermem"
)

// TaskConfig defines the configuration of a new Task.
type TaskConfig struct {
	// Name is the task's name, used in logs.
	Name string

	// MemoryManager is the task's address space. If nil, the task gets a
	// new, empty address space. Otherwise the task becomes an additional
	// user of the given one, like a thread created with CLONE_VM.
	MemoryManager *mm.MemoryManager

	// Width is the task's ABI word size.
	Width arch.Width
}

// Task represents a thread of execution in the simulated kernel.
//
// Task implements futex.Target.
type Task struct {
	k *Kernel

	// tid, name, width and image are immutable.
	tid   ThreadID
	name  string
	width arch.Width
	image *mm.MemoryManager

	// mu protects the fields below.
	mu sync.Mutex

	// robustList is the address of the robust futex list head registered by
	// set_robust_list(2), or 0.
	robustList hostarch.Addr

	// blockCtx is cancelled by Interrupt. It is replaced once a blocking
	// operation has observed the interrupt.
	blockCtx    context.Context
	blockCancel context.CancelFunc

	// robustExit is the result of the robust list walk run by Exit.
	robustExit RobustExitStats

	exited bool
}

// NewTask creates a task in k.
func (k *Kernel) NewTask(cfg TaskConfig) (*Task, error) {
	image := cfg.MemoryManager
	if image == nil {
		image = mm.NewMemoryManager()
	} else if !image.IncUsers() {
		// The address space was torn down by its last user.
		return nil, linuxerr.EINVAL
	}

	ts := k.tasks
	ts.mu.Lock()
	tid, err := ts.allocateTIDLocked()
	if err != nil {
		ts.mu.Unlock()
		image.DecUsers()
		return nil, err
	}
	t := &Task{
		k:     k,
		tid:   tid,
		name:  cfg.Name,
		width: cfg.Width,
		image: image,
	}
	t.blockCtx, t.blockCancel = context.WithCancel(context.Background())
	ts.tasks[tid] = t
	ts.mu.Unlock()

	log.Debugf("task %d (%s): created, %v ABI, address space %d", tid, t.name, t.width, image.ID())
	return t, nil
}

// Kernel returns the Kernel containing t.
func (t *Task) Kernel() *Kernel {
	return t.k
}

// ThreadID returns t's thread ID.
func (t *Task) ThreadID() ThreadID {
	return t.tid
}

// Name returns t's name.
func (t *Task) Name() string {
	return t.name
}

// Width returns t's ABI word size.
func (t *Task) Width() arch.Width {
	return t.width
}

// MemoryManager returns t's address space.
func (t *Task) MemoryManager() *mm.MemoryManager {
	return t.image
}

// Interrupt interrupts t's current or next blocking operation, which returns
// EINTR.
func (t *Task) Interrupt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blockCancel()
}

// Block runs fn with a context that is cancelled if t is interrupted. An
// interrupt observed by fn is consumed, unless t has exited.
func (t *Task) Block(fn func(ctx context.Context) error) error {
	t.mu.Lock()
	ctx := t.blockCtx
	t.k.beginBlock()
	t.mu.Unlock()
	defer t.k.endBlock()

	err := fn(ctx)

	if ctx.Err() != nil {
		t.mu.Lock()
		if t.blockCtx == ctx && !t.exited {
			t.blockCtx, t.blockCancel = context.WithCancel(context.Background())
		}
		t.mu.Unlock()
	}
	return err
}

// Exit runs t's exit path: abandoned robust futexes are released and t's
// address space loses a user. Exit is idempotent.
func (t *Task) Exit() {
	t.mu.Lock()
	if t.exited {
		t.mu.Unlock()
		return
	}
	t.exited = true
	t.blockCancel()
	t.mu.Unlock()

	t.exitRobustList()
	t.k.tasks.remove(t)
	t.image.DecUsers()
	log.Debugf("task %d (%s): exited", t.tid, t.name)
}

// Exited returns true if Exit has been called.
func (t *Task) Exited() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exited
}

// CopyIn copies len(dst) bytes from t's memory at addr to dst.
func (t *Task) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	return t.image.CopyIn(context.Background(), addr, dst, usermem.IOOpts{})
}

// CopyOut copies src to t's memory at addr.
func (t *Task) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	return t.image.CopyOut(context.Background(), addr, src, usermem.IOOpts{})
}

// CopyObjectIn unmarshals obj from t's memory at addr.
func (t *Task) CopyObjectIn(addr hostarch.Addr, obj usermem.Marshallable) (int, error) {
	return usermem.CopyObjectIn(context.Background(), t.image, addr, obj, usermem.IOOpts{})
}

// CopyObjectOut marshals obj into t's memory at addr.
func (t *Task) CopyObjectOut(addr hostarch.Addr, obj usermem.Marshallable) (int, error) {
	return usermem.CopyObjectOut(context.Background(), t.image, addr, obj, usermem.IOOpts{})
}

// SwapUint32 atomically stores new at addr and returns the old value.
func (t *Task) SwapUint32(addr hostarch.Addr, new uint32) (uint32, error) {
	return t.image.SwapUint32(context.Background(), addr, new, usermem.IOOpts{})
}
