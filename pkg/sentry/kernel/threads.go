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
	"sort"

	"gvisor.dev/kfutex/pkg/abi/linux"
	"gvisor.dev/kfutex/pkg/errors/linuxerr"
	"gvisor.dev/kfutex/pkg/sync"
)

// ThreadID is a generic thread identifier.
type ThreadID int32

// String returns a decimal representation of the ThreadID.
func (tid ThreadID) String() string {
	return fmt.Sprintf("%d", tid)
}

// maxThreadID is the largest ThreadID that fits in the owner field of a
// futex word.
const maxThreadID = ThreadID(linux.FUTEX_TID_MASK)

// TaskSet holds all live tasks by thread ID.
type TaskSet struct {
	// mu protects all fields below.
	mu sync.RWMutex

	// lastTID is the last allocated thread ID.
	lastTID ThreadID

	tasks map[ThreadID]*Task
}

// newTaskSet returns a new, empty TaskSet.
func newTaskSet() *TaskSet {
	return &TaskSet{tasks: make(map[ThreadID]*Task)}
}

// allocateTIDLocked returns an unused thread ID.
//
// Preconditions: ts.mu is locked for writing.
func (ts *TaskSet) allocateTIDLocked() (ThreadID, error) {
	tid := ts.lastTID
	for i := ThreadID(0); i < maxThreadID; i++ {
		tid++
		if tid > maxThreadID {
			tid = 1
		}
		if _, ok := ts.tasks[tid]; !ok {
			ts.lastTID = tid
			return tid, nil
		}
	}
	return 0, linuxerr.EAGAIN
}

// TaskWithID returns the task with thread ID tid, or nil.
func (ts *TaskSet) TaskWithID(tid ThreadID) *Task {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.tasks[tid]
}

// Tasks returns a snapshot of the live tasks, ordered by thread ID.
func (ts *TaskSet) Tasks() []*Task {
	ts.mu.RLock()
	tasks := make([]*Task, 0, len(ts.tasks))
	for _, t := range ts.tasks {
		tasks = append(tasks, t)
	}
	ts.mu.RUnlock()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].tid < tasks[j].tid })
	return tasks
}

// Count returns the number of live tasks.
func (ts *TaskSet) Count() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.tasks)
}

func (ts *TaskSet) remove(t *Task) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.tasks[t.tid] == t {
		delete(ts.tasks, t.tid)
	}
}
