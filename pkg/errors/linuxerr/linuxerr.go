// Copyright 2021 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License"),;
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

// Package linuxerr contains syscall error codes exported as an error interface
// pointers. This allows for fast comparison and return operations comperable
// to unix.Errno constants.
package linuxerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/kfutex/pkg/errors"
)

// The following errors are semantically identical to Errno of type unix.Errno
// or sycall.Errno. However, since the type are distinct ( these are
// *errors.Error), they are not directly comperable. The Errno method returns
// an Errno number such that the error can be compared to unix.Errno (e.g.
// EPERM.Errno() == unix.EPERM is true).
var (
	noError *errors.Error = nil
	EPERM                 = errors.New(unix.EPERM, "operation not permitted")
	ESRCH                 = errors.New(unix.ESRCH, "no such process")
	EINTR                 = errors.New(unix.EINTR, "interrupted system call")
	ENXIO                 = errors.New(unix.ENXIO, "no such device or address")
	EBADF                 = errors.New(unix.EBADF, "bad file number")
	ENODEV                = errors.New(unix.ENODEV, "no such device")
	EAGAIN                = errors.New(unix.EAGAIN, "try again")
	ENOMEM                = errors.New(unix.ENOMEM, "out of memory")
	EFAULT                = errors.New(unix.EFAULT, "bad address")
	EEXIST                = errors.New(unix.EEXIST, "file exists")
	EINVAL                = errors.New(unix.EINVAL, "invalid argument")
	ERANGE                = errors.New(unix.ERANGE, "math result not representable")
	EDEADLK               = errors.New(unix.EDEADLK, "resource deadlock would occur")
	ENOSYS                = errors.New(unix.ENOSYS, "invalid system call number")
	ETOOMANYREFS          = errors.New(unix.ETOOMANYREFS, "too many references: cannot splice")
	ETIMEDOUT             = errors.New(unix.ETIMEDOUT, "connection timed out")
	EOWNERDEAD            = errors.New(unix.EOWNERDEAD, "owner died")

	// Errors equivalent to other errors.
	EWOULDBLOCK = EAGAIN
)

// Equals compars a linuxerr to a given error.
func Equals(e *errors.Error, err error) bool {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	if err == nil {
		err = noError
	}
	return e == err || unixErr == err
}

// Errno extracts the errno carried by err, looking through wrapping. ok is
// false if err carries no errno.
func Errno(err error) (unix.Errno, bool) {
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno(), true
	}
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}
