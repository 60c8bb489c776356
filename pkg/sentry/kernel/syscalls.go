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


package kernel

import (
	"errors"
	"strings"

	"github.com/sentrybinder/sentrybinder/pkg/abi/linux"
	"github.com/sentrybinder/sentrybinder/pkg/errors/linuxerr"
	"github.com/sentrybinder/sentrybinder/pkg/hostarch"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/memmap"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/vfs"
	"github.com/sentrybinder/sentrybinder/pkg/waiter"
)

// devPrefix is the mount point of devtmpfs.
const devPrefix = "/dev/"

// handleSyscallError translates an error returned by a blocking operation
// into the value returned to the application, consuming the interrupt that
// caused it if any.
func (t *Task) handleSyscallError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, linuxerr.ErrInterrupted) || errors.Is(err, linuxerr.EINTR) {
		t.consumeInterrupt()
		return linuxerr.EINTR
	}
	return err
}

// Open implements open(2) for device special files under /dev.
func (t *Task) Open(pathname string, flags uint32) (int32, error) {
	if !strings.HasPrefix(pathname, devPrefix) {
		return -1, linuxerr.ENOENT
	}
	dev, ok := t.k.vfs.LookupDeviceFile(strings.TrimPrefix(pathname, devPrefix))
	if !ok {
		return -1, linuxerr.ENOENT
	}
	fd, err := t.k.vfs.OpenDeviceSpecialFile(t, dev.Kind, dev.Major, dev.Minor, vfs.OpenOptions{Flags: flags})
	if err != nil {
		return -1, err
	}
	defer fd.DecRef(t)

	fds, err := t.FDTable().NewFDs(t, 0, []*vfs.FileDescription{fd}, FDFlagsFromOpenFlags(flags))
	if err != nil {
		return -1, err
	}
	return fds[0], nil
}

// Close implements close(2).
func (t *Task) Close(fd int32) error {
	file := t.FDTable().Remove(fd)
	if file == nil {
		return linuxerr.EBADF
	}
	file.DecRef(t)
	return nil
}

// Dup implements dup(2).
func (t *Task) Dup(fd int32) (int32, error) {
	file, _ := t.FDTable().Get(fd)
	if file == nil {
		return -1, linuxerr.EBADF
	}
	defer file.DecRef(t)

	fds, err := t.FDTable().NewFDs(t, 0, []*vfs.FileDescription{file}, FDFlags{})
	if err != nil {
		return -1, err
	}
	return fds[0], nil
}

// GetFile returns a reference to the file at fd, or nil if fd is not open.
//
// N.B. Callers are required to use DecRef when they are done.
func (t *Task) GetFile(fd int32) *vfs.FileDescription {
	file, _ := t.FDTable().Get(fd)
	return file
}

// Ioctl implements ioctl(2).
func (t *Task) Ioctl(fd int32, cmd uint32, arg hostarch.Addr) (uintptr, error) {
	file := t.GetFile(fd)
	if file == nil {
		return 0, linuxerr.EBADF
	}
	defer file.DecRef(t)

	ret, err := file.Ioctl(t, t.MemoryManager(), cmd, arg)
	return ret, t.handleSyscallError(err)
}

// Readiness returns the subset of mask for which the file at fd is ready,
// as poll(2) with a zero timeout would.
func (t *Task) Readiness(fd int32, mask waiter.EventMask) (waiter.EventMask, error) {
	file := t.GetFile(fd)
	if file == nil {
		return 0, linuxerr.EBADF
	}
	defer file.DecRef(t)
	return file.Readiness(mask), nil
}

// MMap implements mmap(2). If flags contains MAP_ANONYMOUS, fd is ignored.
func (t *Task) MMap(addr hostarch.Addr, length uint64, prot, flags int, fd int32, offset uint64) (hostarch.Addr, error) {
	shared := flags&linux.MAP_SHARED != 0
	private := flags&linux.MAP_PRIVATE != 0
	if shared == private {
		return 0, linuxerr.EINVAL
	}
	opts := memmap.MMapOpts{
		Length:  length,
		Offset:  offset,
		Addr:    addr,
		Fixed:   flags&linux.MAP_FIXED != 0,
		Unmap:   flags&linux.MAP_FIXED != 0,
		Private: private,
		Perms: hostarch.AccessType{
			Read:    prot&linux.PROT_READ != 0,
			Write:   prot&linux.PROT_WRITE != 0,
			Execute: prot&linux.PROT_EXEC != 0,
		},
		MaxPerms: hostarch.AnyAccess,
	}
	if flags&linux.MAP_ANONYMOUS == 0 {
		file := t.GetFile(fd)
		if file == nil {
			return 0, linuxerr.EBADF
		}
		defer file.DecRef(t)

		// mmap unconditionally requires that the FD is readable.
		if !file.IsReadable() {
			return 0, linuxerr.EACCES
		}
		// MAP_SHARED requires that the FD be writable for PROT_WRITE.
		if shared && !file.IsWritable() {
			opts.MaxPerms.Write = false
		}
		if err := file.ConfigureMMap(t, &opts); err != nil {
			return 0, err
		}
	}
	return t.MemoryManager().MMap(t, opts)
}

// MUnmap implements munmap(2).
func (t *Task) MUnmap(addr hostarch.Addr, length uint64) error {
	return t.MemoryManager().MUnmap(t, addr, length)
}
