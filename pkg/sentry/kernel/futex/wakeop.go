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
	"fmt"

	"gvisor.dev/kfutex/pkg/abi/linux"
	"gvisor.dev/kfutex/pkg/errors/linuxerr"
	"gvisor.dev/kfutex/pkg/hostarch"
)

// wakeOp is a decoded FUTEX_WAKE_OP operation:
//
//	op:4 | cmp:4 | oparg:12 | cmparg:12
type wakeOp struct {
	op     uint32
	cmp    uint32
	oparg  uint32
	cmparg int32
}

// signExtend12 sign-extends the low 12 bits of v.
func signExtend12(v uint32) int32 {
	return int32(v<<20) >> 20
}

// decodeWakeOp validates and decodes enc.
func decodeWakeOp(enc uint32) (wakeOp, error) {
	o := wakeOp{
		op:     (enc >> 28) & 0xf,
		cmp:    (enc >> 24) & 0xf,
		oparg:  uint32(signExtend12((enc >> 12) & 0xfff)),
		cmparg: signExtend12(enc & 0xfff),
	}
	if o.op&linux.FUTEX_OP_OPARG_SHIFT != 0 {
		shift := int32(o.oparg)
		if shift < 0 || shift > 31 {
			return wakeOp{}, linuxerr.EINVAL
		}
		o.oparg = 1 << uint32(shift)
		o.op &^= linux.FUTEX_OP_OPARG_SHIFT
	}
	if o.op > linux.FUTEX_OP_XOR {
		return wakeOp{}, linuxerr.EINVAL
	}
	if o.cmp > linux.FUTEX_OP_CMP_GE {
		return wakeOp{}, linuxerr.EINVAL
	}
	return o, nil
}

// apply returns the value stored by the operation given the old value.
func (o wakeOp) apply(old uint32) uint32 {
	switch o.op {
	case linux.FUTEX_OP_SET:
		return o.oparg
	case linux.FUTEX_OP_ADD:
		return old + o.oparg
	case linux.FUTEX_OP_OR:
		return old | o.oparg
	case linux.FUTEX_OP_ANDN:
		return old &^ o.oparg
	case linux.FUTEX_OP_XOR:
		return old ^ o.oparg
	default:
		panic(fmt.Sprintf("unvalidated wake op %d", o.op))
	}
}

// test evaluates the comparison against the value before the update. The
// comparison is signed.
func (o wakeOp) test(old uint32) bool {
	v := int32(old)
	switch o.cmp {
	case linux.FUTEX_OP_CMP_EQ:
		return v == o.cmparg
	case linux.FUTEX_OP_CMP_NE:
		return v != o.cmparg
	case linux.FUTEX_OP_CMP_LT:
		return v < o.cmparg
	case linux.FUTEX_OP_CMP_LE:
		return v <= o.cmparg
	case linux.FUTEX_OP_CMP_GT:
		return v > o.cmparg
	case linux.FUTEX_OP_CMP_GE:
		return v >= o.cmparg
	default:
		panic(fmt.Sprintf("unvalidated wake op comparison %d", o.cmp))
	}
}

// update atomically applies o to the word at addr and returns the old value.
// The compare-and-swap is retried until it succeeds or faults.
func (o wakeOp) update(t Target, addr hostarch.Addr) (uint32, error) {
	old, err := t.LoadUint32(addr)
	if err != nil {
		return 0, err
	}
	for {
		prev, err := t.CompareAndSwapUint32(addr, old, o.apply(old))
		if err != nil {
			return 0, err
		}
		if prev == old {
			return old, nil
		}
		old = prev
	}
}
