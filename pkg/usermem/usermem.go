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

// Package usermem governs access to user memory.
package usermem

import (
	"context"

	"gvisor.dev/kfutex/pkg/errors/linuxerr"
	"gvisor.dev/kfutex/pkg/hostarch"
)

// IO provides access to the contents of a virtual memory space.
type IO interface {
	// CopyOut copies len(src) bytes from src to the memory mapped at addr. It
	// returns the number of bytes copied. If the number of bytes copied is <
	// len(src), it returns a non-nil error explaining why.
	CopyOut(ctx context.Context, addr hostarch.Addr, src []byte, opts IOOpts) (int, error)

	// CopyIn copies len(dst) bytes from the memory mapped at addr to dst.
	// It returns the number of bytes copied. If the number of bytes copied is
	// < len(dst), it returns a non-nil error explaining why.
	CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte, opts IOOpts) (int, error)

	// SwapUint32 atomically sets the uint32 value at addr to new and
	// returns the previous value.
	//
	// Preconditions: addr must be aligned to a 4-byte boundary.
	SwapUint32(ctx context.Context, addr hostarch.Addr, new uint32, opts IOOpts) (uint32, error)

	// CompareAndSwapUint32 atomically compares the uint32 value at addr to
	// old; if they are equal, the value in memory is replaced by new. In
	// either case, the previous value stored in memory is returned.
	//
	// Preconditions: addr must be aligned to a 4-byte boundary.
	CompareAndSwapUint32(ctx context.Context, addr hostarch.Addr, old, new uint32, opts IOOpts) (uint32, error)

	// LoadUint32 atomically loads the uint32 value at addr and returns it.
	//
	// Preconditions: addr must be aligned to a 4-byte boundary.
	LoadUint32(ctx context.Context, addr hostarch.Addr, opts IOOpts) (uint32, error)
}

// IOOpts contains options applicable to all IO methods.
type IOOpts struct {
	// If IgnorePermissions is true, application-defined memory protections set
	// by mmap(2) or mprotect(2) will be ignored. (Memory protections required
	// by the target of the mapping are never ignored.)
	IgnorePermissions bool
}

// BytesIO implements IO using a byte slice. Addresses are interpreted as
// offsets into the slice. Reads and writes beyond the end of the slice return
// EFAULT.
type BytesIO struct {
	Bytes []byte
}

// CopyOut implements IO.CopyOut.
func (b *BytesIO) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte, opts IOOpts) (int, error) {
	rngN, rngErr := b.rangeCheck(addr, len(src))
	if rngN == 0 {
		return 0, rngErr
	}
	return copy(b.Bytes[int(addr):], src[:rngN]), rngErr
}

// CopyIn implements IO.CopyIn.
func (b *BytesIO) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte, opts IOOpts) (int, error) {
	rngN, rngErr := b.rangeCheck(addr, len(dst))
	if rngN == 0 {
		return 0, rngErr
	}
	return copy(dst[:rngN], b.Bytes[int(addr):]), rngErr
}

// rangeCheck returns the number of bytes of the length bytes at addr that lie
// within b, and EFAULT if that is fewer than length.
func (b *BytesIO) rangeCheck(addr hostarch.Addr, length int) (int, error) {
	if length == 0 {
		return 0, nil
	}
	if length < 0 {
		return 0, linuxerr.EINVAL
	}
	max := hostarch.Addr(len(b.Bytes))
	if addr >= max {
		return 0, linuxerr.EFAULT
	}
	end, ok := addr.AddLength(uint64(length))
	if !ok || end > max {
		return int(max - addr), linuxerr.EFAULT
	}
	return length, nil
}

// wordCheck validates a 4-byte atomic access at addr.
func (b *BytesIO) wordCheck(addr hostarch.Addr) error {
	if !addr.IsAligned(4) {
		return linuxerr.EINVAL
	}
	if n, err := b.rangeCheck(addr, 4); n != 4 {
		return err
	}
	return nil
}

// CopyObjectOut marshals obj into the memory at addr.
func CopyObjectOut(ctx context.Context, uio IO, addr hostarch.Addr, obj Marshallable, opts IOOpts) (int, error) {
	buf := make([]byte, obj.SizeBytes())
	obj.MarshalBytes(buf)
	return uio.CopyOut(ctx, addr, buf, opts)
}

// CopyObjectIn unmarshals obj from the memory at addr. obj is left untouched
// unless the whole object could be read.
func CopyObjectIn(ctx context.Context, uio IO, addr hostarch.Addr, obj Marshallable, opts IOOpts) (int, error) {
	buf := make([]byte, obj.SizeBytes())
	n, err := uio.CopyIn(ctx, addr, buf, opts)
	if err != nil {
		return n, err
	}
	obj.UnmarshalBytes(buf)
	return n, nil
}

// Marshallable is a fixed-size type with an explicit byte encoding.
type Marshallable interface {
	SizeBytes() int
	MarshalBytes(dst []byte)
	UnmarshalBytes(src []byte)
}
