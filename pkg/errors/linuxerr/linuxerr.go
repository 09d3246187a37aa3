// Copyright 2026 The gVisor Authors.
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

// Package linuxerr contains syscall error codes exported as error interface
// pointers. This allows for fast comparison and return operations comparable
// to unix.Errno constants.
package linuxerr

import (
	"errors"

	"golang.org/x/sys/unix"
	pcerrors "pagecore.dev/pagecore/pkg/errors"
)

// The errors returned by the memory core. Errno returns a number that compares
// equal to the matching unix.Errno.
var (
	noError *pcerrors.Error = nil
	EPERM                   = pcerrors.New(unix.EPERM, "operation not permitted")
	ESRCH                   = pcerrors.New(unix.ESRCH, "no such process")
	EBADF                   = pcerrors.New(unix.EBADF, "bad file number")
	EAGAIN                  = pcerrors.New(unix.EAGAIN, "try again")
	ENOMEM                  = pcerrors.New(unix.ENOMEM, "out of memory")
	EFAULT                  = pcerrors.New(unix.EFAULT, "bad address")
	EEXIST                  = pcerrors.New(unix.EEXIST, "file exists")
	EINVAL                  = pcerrors.New(unix.EINVAL, "invalid argument")
	EMFILE                  = pcerrors.New(unix.EMFILE, "too many open files")
	EOVERFLOW               = pcerrors.New(unix.EOVERFLOW, "value too large for defined data type")
)

var errorSlice = map[unix.Errno]*pcerrors.Error{
	unix.EPERM:     EPERM,
	unix.ESRCH:     ESRCH,
	unix.EBADF:     EBADF,
	unix.EAGAIN:    EAGAIN,
	unix.ENOMEM:    ENOMEM,
	unix.EFAULT:    EFAULT,
	unix.EEXIST:    EEXIST,
	unix.EINVAL:    EINVAL,
	unix.EMFILE:    EMFILE,
	unix.EOVERFLOW: EOVERFLOW,
}

// ErrorFromUnix returns a linuxerr from a unix.Errno. Errnos without a
// dedicated value are returned unchanged.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	if e, ok := errorSlice[err]; ok {
		return e
	}
	return err
}

// ToError converts a linuxerr to an error type.
func ToError(err *pcerrors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ToUnix converts a linuxerr to a unix.Errno.
func ToUnix(e *pcerrors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	return unixErr
}

// Equals compares a linuxerr to a given error. Wrapped errors are unwrapped.
func Equals(e *pcerrors.Error, err error) bool {
	if err == nil {
		return e == noError
	}
	var target *pcerrors.Error
	if errors.As(err, &target) {
		return target == e
	}
	var unixErr unix.Errno
	if errors.As(err, &unixErr) {
		return ToUnix(e) == unixErr
	}
	if translated, ok := TranslateError(err); ok {
		return translated == e
	}
	return false
}
