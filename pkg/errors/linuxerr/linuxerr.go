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

// Package linuxerr holds *errors.Error sentinels for the errnos vproc
// reports. Sentinels compare by pointer, and errors.Is also matches them
// against the equivalent unix.Errno.
package linuxerr

import (
	"fmt"

	"golang.org/x/sys/unix"
	"vproc.dev/vproc/pkg/errors"
)

// Sentinel errors, one per errno.
var (
	EPERM     = errors.New(unix.EPERM, "operation not permitted")
	ENOENT    = errors.New(unix.ENOENT, "no such file or directory")
	EINTR     = errors.New(unix.EINTR, "interrupted system call")
	EIO       = errors.New(unix.EIO, "I/O error")
	EBADF     = errors.New(unix.EBADF, "bad file number")
	EAGAIN    = errors.New(unix.EAGAIN, "try again")
	ENOMEM    = errors.New(unix.ENOMEM, "out of memory")
	EACCES    = errors.New(unix.EACCES, "permission denied")
	EFAULT    = errors.New(unix.EFAULT, "bad address")
	EBUSY     = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST    = errors.New(unix.EEXIST, "file exists")
	ENODEV    = errors.New(unix.ENODEV, "no such device")
	EINVAL    = errors.New(unix.EINVAL, "invalid argument")
	ENFILE    = errors.New(unix.ENFILE, "file table overflow")
	EMFILE    = errors.New(unix.EMFILE, "too many open files")
	ENOSPC    = errors.New(unix.ENOSPC, "no space left on device")
	ENOSYS    = errors.New(unix.ENOSYS, "invalid system call number")
	EOVERFLOW = errors.New(unix.EOVERFLOW, "value too large for defined data type")
	ENOTCONN  = errors.New(unix.ENOTCONN, "transport endpoint is not connected")
	EALREADY  = errors.New(unix.EALREADY, "operation already in progress")
	ECANCELED = errors.New(unix.ECANCELED, "operation canceled")
)

var errorSlice = []*errors.Error{
	EPERM, ENOENT, EINTR, EIO, EBADF, EAGAIN, ENOMEM, EACCES, EFAULT, EBUSY,
	EEXIST, ENODEV, EINVAL, ENFILE, EMFILE, ENOSPC, ENOSYS, EOVERFLOW,
	ENOTCONN, EALREADY, ECANCELED,
}

var byErrno = func() map[unix.Errno]*errors.Error {
	m := make(map[unix.Errno]*errors.Error, len(errorSlice))
	for _, e := range errorSlice {
		m[e.Errno()] = e
	}
	return m
}()

// ErrorFromUnix returns the sentinel for errno, or a new *errors.Error
// carrying the host message when there is none. It returns nil for 0.
func ErrorFromUnix(errno unix.Errno) error {
	if errno == 0 {
		return nil
	}
	if e, ok := byErrno[errno]; ok {
		return e
	}
	return errors.New(errno, errno.Error())
}

// Errno returns the errno a syscall reports for err. An error that carries
// no errno is a programming error.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	if errno, ok := err.(unix.Errno); ok {
		return errno
	}
	e, ok := TranslateError(err)
	if !ok {
		panic(fmt.Sprintf("error %v (%T) carries no errno", err, err))
	}
	return e.Errno()
}
