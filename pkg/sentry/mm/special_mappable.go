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
	"context"
	"fmt"

	"gvisor.dev/kfutex/pkg/atomicbitops"
	"gvisor.dev/kfutex/pkg/errors/linuxerr"
	"gvisor.dev/kfutex/pkg/hostarch"
	"gvisor.dev/kfutex/pkg/refs"
	"gvisor.dev/kfutex/pkg/usermem"
)

// lastMappableID is the last identity handed to a SpecialMappable.
var lastMappableID atomicbitops.Uint64

// SpecialMappable is a fixed-size object of memory that may be mapped into
// any number of address spaces. It owns the memory that it represents; the
// memory is released when the last reference is dropped.
//
// SpecialMappable implements futex.MappingIdentity.
type SpecialMappable struct {
	refs refs.Refs

	// id is the SpecialMappable's identity. id is never reused.
	id uint64

	// data is the backing memory. data is immutable after construction,
	// though its contents are not.
	data usermem.BytesIO

	name string
}

// NewSpecialMappable returns a zero-filled SpecialMappable of length bytes,
// rounded up to a whole number of pages, with one reference held. The
// SpecialMappable will use the given name in Maps output.
func NewSpecialMappable(name string, length uint64) (*SpecialMappable, error) {
	if length == 0 {
		return nil, linuxerr.EINVAL
	}
	end, ok := hostarch.Addr(length).RoundUp()
	if !ok {
		return nil, linuxerr.ENOMEM
	}
	m := &SpecialMappable{
		id:   lastMappableID.Add(1),
		data: usermem.BytesIO{Bytes: make([]byte, uint64(end))},
		name: name,
	}
	m.refs.InitRefs("mm.SpecialMappable")
	return m, nil
}

// ID returns the SpecialMappable's identity.
func (m *SpecialMappable) ID() uint64 {
	return m.id
}

// Length returns the size of m in bytes.
func (m *SpecialMappable) Length() uint64 {
	return uint64(len(m.data.Bytes))
}

// Name returns the name used in Maps output.
func (m *SpecialMappable) Name() string {
	return m.name
}

// IncRef implements futex.MappingIdentity.IncRef.
func (m *SpecialMappable) IncRef() {
	m.refs.IncRef()
}

// DecRef implements futex.MappingIdentity.DecRef.
func (m *SpecialMappable) DecRef() {
	m.refs.DecRef(nil)
}

// ReadRefs returns the current number of references held on m.
func (m *SpecialMappable) ReadRefs() int64 {
	return m.refs.ReadRefs()
}

// String implements fmt.Stringer.
func (m *SpecialMappable) String() string {
	return fmt.Sprintf("%s#%d", m.name, m.id)
}

// contains returns true if [off, off+length) lies within m.
func (m *SpecialMappable) contains(off, length uint64) bool {
	end := off + length
	return end >= off && end <= m.Length()
}

// IO returns an IO that accesses m directly, with addresses interpreted as
// offsets into m. The caller must hold a reference on m while using it.
func (m *SpecialMappable) IO() usermem.IO {
	return &m.data
}

// StoreUint32 atomically stores val at offset off in m.
func (m *SpecialMappable) StoreUint32(ctx context.Context, off uint64, val uint32) error {
	return m.data.StoreUint32(ctx, hostarch.Addr(off), val, usermem.IOOpts{})
}
