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

// Package refs defines an interface for reference counted objects and
// provides leak checking for them.
package refs

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/kfutex/pkg/atomicbitops"
)

// RefCounter is the interface to be implemented by objects that are reference
// counted.
type RefCounter interface {
	// IncRef increments the reference counter on the object.
	IncRef()

	// DecRef decrements the object's reference count. Users of refs.RefCounter
	// must not call DecRef with an object that is not referenced.
	DecRef()

	// TryIncRef attempts to increase the reference counter on the object, but
	// may fail if all references have already been dropped, in which case it
	// returns false.
	TryIncRef() bool
}

// LeakMode configures the leak checker.
type LeakMode uint32

const (
	// NoLeakChecking indicates that no effort should be made to check for
	// leaks.
	NoLeakChecking LeakMode = iota

	// LeaksLogWarning indicates that a warning should be logged when leaks
	// are found.
	LeaksLogWarning

	// LeaksPanic indidcates that a panic should be issued when leaks are
	// found.
	LeaksPanic
)

// Set implements flag.Value.
func (l *LeakMode) Set(v string) error {
	switch v {
	case "disabled":
		*l = NoLeakChecking
	case "log-names", "warning":
		*l = LeaksLogWarning
	case "panic":
		*l = LeaksPanic
	default:
		return fmt.Errorf("invalid ref leak mode %q", v)
	}
	return nil
}

// Get implements flag.Value.
func (l *LeakMode) Get() any {
	return *l
}

// String implements flag.Value.
func (l LeakMode) String() string {
	switch l {
	case NoLeakChecking:
		return "disabled"
	case LeaksLogWarning:
		return "warning"
	case LeaksPanic:
		return "panic"
	default:
		panic(fmt.Sprintf("invalid ref leak mode %d", l))
	}
}

// leakMode stores the current mode for the reference leak checker.
//
// Values must be one of the LeakMode values.
//
// leakMode must be accessed atomically.
var leakMode uint32

// SetLeakMode configures the reference leak checker. Switching leak checking
// off forgets all registered objects.
func SetLeakMode(mode LeakMode) {
	if atomic.SwapUint32(&leakMode, uint32(mode)) != uint32(NoLeakChecking) && mode == NoLeakChecking {
		resetLiveObjects()
	}
}

// GetLeakMode returns the current leak mode.
func GetLeakMode() LeakMode {
	return LeakMode(atomic.LoadUint32(&leakMode))
}

// Refs is an embeddable reference count that registers with the leak checker
// while it is live. The zero value holds no references; call InitRefs first.
type Refs struct {
	refCount atomicbitops.Int64

	// refType names the owning object in leak messages.
	refType string
}

// InitRefs initializes r with one reference and, if enabled, activates leak
// checking.
func (r *Refs) InitRefs(refType string) {
	r.refType = refType
	r.refCount.Store(1)
	Register(r)
}

// RefType implements CheckedObject.RefType.
func (r *Refs) RefType() string {
	return r.refType
}

// LeakMessage implements CheckedObject.LeakMessage.
func (r *Refs) LeakMessage() string {
	return fmt.Sprintf("[%s %p] reference count of %d instead of 0", r.RefType(), r, r.ReadRefs())
}

// LogRefs implements CheckedObject.LogRefs.
func (r *Refs) LogRefs() bool {
	return false
}

// ReadRefs returns the current number of references. The returned count is
// inherently racy and is unsafe to use without external synchronization.
func (r *Refs) ReadRefs() int64 {
	return r.refCount.Load()
}

// IncRef increments the reference count.
//
//go:nosplit
func (r *Refs) IncRef() {
	v := r.refCount.Add(1)
	LogIncRef(r, v)
	if v <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive count %p on %s", r, r.RefType()))
	}
}

// TryIncRef increments the reference count unless it has already reached
// zero, reporting whether a reference is now held.
func (r *Refs) TryIncRef() bool {
	for {
		v := r.refCount.Load()
		if v <= 0 {
			return false
		}
		if r.refCount.CompareAndSwap(v, v+1) {
			LogIncRef(r, v+1)
			return true
		}
	}
}

// DecRef decrements the reference count, calling destroy once it reaches
// zero.
//
//go:nosplit
func (r *Refs) DecRef(destroy func()) {
	v := r.refCount.Add(-1)
	LogDecRef(r, v)
	switch {
	case v < 0:
		panic(fmt.Sprintf("Decrementing non-positive ref count %p, owned by %s", r, r.RefType()))

	case v == 0:
		Unregister(r)
		if destroy != nil {
			destroy()
		}
	}
}
