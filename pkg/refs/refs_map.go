// Copyright 2020 The gVisor Authors.
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

package refs

import (
	"fmt"
	"runtime"
	"strings"

	"gvisor.dev/kfutex/pkg/log"
	"gvisor.dev/kfutex/pkg/sync"
)

var (
	// liveObjects is a global map of reference-counted objects. Objects are
	// inserted when leak check is enabled, and they are removed when they are
	// destroyed. It is protected by liveObjectsMu.
	liveObjects   = make(map[CheckedObject]struct{})
	liveObjectsMu sync.Mutex
)

// CheckedObject represents a reference-counted object with an informative
// leak detection message.
type CheckedObject interface {
	// RefType is the type of the reference-counted object.
	RefType() string

	// LeakMessage supplies a warning to be printed upon leak detection.
	LeakMessage() string

	// LogRefs indicates whether reference-related events should be logged.
	LogRefs() bool
}

// LeakCheckEnabled returns whether leak checking is enabled. The following
// functions should only be called if it returns true.
func LeakCheckEnabled() bool {
	return GetLeakMode() != NoLeakChecking
}

// Register adds obj to the live object map.
func Register(obj CheckedObject) {
	if !LeakCheckEnabled() {
		return
	}
	liveObjectsMu.Lock()
	if _, ok := liveObjects[obj]; ok {
		liveObjectsMu.Unlock()
		panic(fmt.Sprintf("Unexpected entry in leak checking map: reference %p already added", obj))
	}
	liveObjects[obj] = struct{}{}
	liveObjectsMu.Unlock()
	if obj.LogRefs() {
		logEvent(obj, "registered")
	}
}

// Unregister removes obj from the live object map. Objects registered before
// leak checking was enabled are tolerated.
func Unregister(obj CheckedObject) {
	if !LeakCheckEnabled() {
		return
	}
	liveObjectsMu.Lock()
	delete(liveObjects, obj)
	liveObjectsMu.Unlock()
	if obj.LogRefs() {
		logEvent(obj, "unregistered")
	}
}

// LogIncRef logs a reference increment.
func LogIncRef(obj CheckedObject, refs int64) {
	if LeakCheckEnabled() && obj.LogRefs() {
		logEvent(obj, fmt.Sprintf("IncRef to %d", refs))
	}
}

// LogDecRef logs a reference decrement.
func LogDecRef(obj CheckedObject, refs int64) {
	if LeakCheckEnabled() && obj.LogRefs() {
		logEvent(obj, fmt.Sprintf("DecRef to %d", refs))
	}
}

// logEvent logs a message for the given reference-counted object.
//
// obj.LogRefs() should be checked before calling logEvent, in order to avoid
// calling any text processing needed to evaluate msg.
func logEvent(obj CheckedObject, msg string) {
	log.Infof("[%s %p] %s:\n%s", obj.RefType(), obj, msg, formatStack(recordStack()))
}

const maxStackFrames = 40

// recordStack constructs and returns the PCs on the current stack.
func recordStack() []uintptr {
	pcs := make([]uintptr, maxStackFrames)
	n := runtime.Callers(1, pcs)
	return pcs[:n]
}

// formatStack converts the given stack into a readable format.
func formatStack(pcs []uintptr) string {
	frames := runtime.CallersFrames(pcs)
	var trace strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&trace, "%s:%d: %s\n", frame.File, frame.Line, frame.Function)
		if !more {
			break
		}
	}
	return trace.String()
}

// LiveObjects returns the number of objects currently registered.
func LiveObjects() int {
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	return len(liveObjects)
}

// DoLeakCheck iterates through the live object map and logs a message for each
// object. It should be called when no reference-counted objects are reachable
// anymore, at which point anything left in the map is considered a leak. It
// returns the number of leaked objects, and panics instead in LeaksPanic mode.
func DoLeakCheck() int {
	if !LeakCheckEnabled() {
		return 0
	}
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	leaked := len(liveObjects)
	if leaked == 0 {
		return 0
	}
	var msg strings.Builder
	fmt.Fprintf(&msg, "Leak checking detected %d leaked objects:\n", leaked)
	for obj := range liveObjects {
		msg.WriteString(obj.LeakMessage())
		msg.WriteByte('\n')
	}
	if GetLeakMode() == LeaksPanic {
		panic(msg.String())
	}
	log.Warningf("%s", msg.String())
	return leaked
}

// resetLiveObjects forgets all registered objects.
func resetLiveObjects() {
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	liveObjects = make(map[CheckedObject]struct{})
}
