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

package linuxerr

import (
	"errors"

	"golang.org/x/sys/unix"
	pcerrors "pagecore.dev/pagecore/pkg/errors"
)

var errorMap = map[error]*pcerrors.Error{}

// AddErrorTranslation registers a translation of a package sentinel error to
// an errno. It must only be called at init.
func AddErrorTranslation(from error, to *pcerrors.Error) {
	if _, ok := errorMap[from]; ok {
		panic("duplicate error translation for " + from.Error())
	}
	errorMap[from] = to
}

// TranslateError translates errors to errnos. It returns false if the error
// has no registered translation and carries no errno.
func TranslateError(from error) (*pcerrors.Error, bool) {
	if from == nil {
		return nil, false
	}
	var e *pcerrors.Error
	if errors.As(from, &e) {
		return e, true
	}
	for from != nil {
		if err, ok := errorMap[from]; ok {
			return err, true
		}
		from = errors.Unwrap(from)
	}
	return nil, false
}

// ToErrno returns the errno for err, or EINVAL when err has no translation.
func ToErrno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	if e, ok := TranslateError(err); ok {
		return e.Errno()
	}
	var unixErr unix.Errno
	if errors.As(err, &unixErr) {
		return unixErr
	}
	return unix.EINVAL
}
