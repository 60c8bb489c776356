// Copyright 2024 The gVisor Authors.
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

// Package errors defines the errno-carrying error type returned by sentry
// operations.
package errors

import (
	"github.com/sentrybinder/sentrybinder/pkg/abi/linux/errno"
	"golang.org/x/sys/unix"
)

// Error is an errno paired with a human readable message. Values are
// compared by identity, so each errno has one canonical *Error in linuxerr.
type Error struct {
	errno   errno.Errno
	message string
}

// New returns an Error for err described by message.
func New(err errno.Errno, message string) *Error {
	return &Error{
		errno:   err,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Errno returns the errno carried by e.
func (e *Error) Errno() errno.Errno { return e.errno }

// Is reports whether target is the host errno with the same value, so that
// callers outside the sentry can match with errors.Is(err, unix.EFOO).
func (e *Error) Is(target error) bool {
	n, ok := target.(unix.Errno)
	return ok && uint32(n) == uint32(e.errno)
}
