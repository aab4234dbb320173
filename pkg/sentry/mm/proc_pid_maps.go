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

package mm

import (
	"bytes"
	"fmt"
	"strings"
)

// Maps returns a /proc/[pid]/maps-style description of mm's mappings.
func (mm *MemoryManager) Maps() string {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	var b bytes.Buffer
	mm.vmas.Ascend(func(v *vma) bool {
		b.Write(vmaMapsEntry(v))
		return true
	})
	return b.String()
}

// vmaMapsEntry returns a maps entry for v, including the trailing newline.
func vmaMapsEntry(v *vma) []byte {
	private := "p"
	if !v.private {
		private = "s"
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "%08x-%08x rw-%s %08x 00:00 %d ", v.start, v.end, private, v.off, v.mappable.ID())

	// Per linux, we pad until the 74th character.
	if pad := 73 - b.Len(); pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	b.WriteString(v.mappable.Name())
	b.WriteString("\n")
	return b.Bytes()
}
