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

package linux

import (
	"math"
	"time"

	"gvisor.dev/kfutex/pkg/hostarch"
)

// Clock identifiers for use with clock_gettime(2), clock_getres(2),
// clock_nanosleep(2).
const (
	CLOCK_REALTIME  = 0
	CLOCK_MONOTONIC = 1
)

// maxSecInDuration is the number of seconds that fit in a time.Duration.
const maxSecInDuration = math.MaxInt64 / int64(time.Second)

// SizeOfTimespec is the size of a Timespec struct in bytes.
const SizeOfTimespec = 16

// SizeOfTimespec32 is the size of a Timespec32 struct in bytes.
const SizeOfTimespec32 = 8

// Timespec represents struct timespec in <time.h>.
type Timespec struct {
	Sec  int64
	Nsec int64
}

// ToNsec returns the nanosecond representation.
func (ts Timespec) ToNsec() int64 {
	return int64(ts.Sec)*1e9 + int64(ts.Nsec)
}

// ToNsecCapped returns the safe nanosecond representation.
func (ts Timespec) ToNsecCapped() int64 {
	if ts.Sec > maxSecInDuration {
		return math.MaxInt64
	}
	return ts.ToNsec()
}

// ToDuration returns the safe nanosecond representation as time.Duration.
func (ts Timespec) ToDuration() time.Duration {
	return time.Duration(ts.ToNsecCapped())
}

// Valid returns whether the timespec contains valid values.
func (ts Timespec) Valid() bool {
	return !(ts.Sec < 0 || ts.Nsec < 0 || ts.Nsec >= int64(time.Second))
}

// SizeBytes returns the encoded size of a Timespec.
func (*Timespec) SizeBytes() int {
	return SizeOfTimespec
}

// MarshalBytes encodes ts into dst.
func (ts *Timespec) MarshalBytes(dst []byte) {
	hostarch.ByteOrder.PutUint64(dst[0:], uint64(ts.Sec))
	hostarch.ByteOrder.PutUint64(dst[8:], uint64(ts.Nsec))
}

// UnmarshalBytes decodes src into ts.
func (ts *Timespec) UnmarshalBytes(src []byte) {
	ts.Sec = int64(hostarch.ByteOrder.Uint64(src[0:]))
	ts.Nsec = int64(hostarch.ByteOrder.Uint64(src[8:]))
}

// NsecToTimespec translates nanoseconds to Timespec.
func NsecToTimespec(nsec int64) (ts Timespec) {
	ts.Sec = nsec / 1e9
	ts.Nsec = nsec % 1e9
	return
}

// DurationToTimespec translates time.Duration to Timespec.
func DurationToTimespec(dur time.Duration) Timespec {
	return NsecToTimespec(dur.Nanoseconds())
}

// Timespec32 is the compat timespec used by 32-bit tasks.
type Timespec32 struct {
	Sec  int32
	Nsec int32
}

// SizeBytes returns the encoded size of a Timespec32.
func (*Timespec32) SizeBytes() int {
	return SizeOfTimespec32
}

// UnmarshalBytes decodes src into ts.
func (ts *Timespec32) UnmarshalBytes(src []byte) {
	ts.Sec = int32(hostarch.ByteOrder.Uint32(src[0:]))
	ts.Nsec = int32(hostarch.ByteOrder.Uint32(src[4:]))
}

// MarshalBytes encodes ts into dst.
func (ts *Timespec32) MarshalBytes(dst []byte) {
	hostarch.ByteOrder.PutUint32(dst[0:], uint32(ts.Sec))
	hostarch.ByteOrder.PutUint32(dst[4:], uint32(ts.Nsec))
}

// Widen converts ts to the native layout.
func (ts Timespec32) Widen() Timespec {
	return Timespec{Sec: int64(ts.Sec), Nsec: int64(ts.Nsec)}
}
