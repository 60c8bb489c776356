// Copyright 2019 The gVisor Authors.
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

package vfs

import (
	"fmt"

	"github.com/sentrybinder/sentrybinder/pkg/abi/linux"
	"github.com/sentrybinder/sentrybinder/pkg/errors/linuxerr"
	"github.com/sentrybinder/sentrybinder/pkg/hostarch"
	"github.com/sentrybinder/sentrybinder/pkg/refs"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/context"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/memmap"
	"github.com/sentrybinder/sentrybinder/pkg/sync"
	"github.com/sentrybinder/sentrybinder/pkg/usermem"
	"github.com/sentrybinder/sentrybinder/pkg/waiter"
)

// A FileDescription represents an open file description, which is the entity
// referred to by a file descriptor (POSIX.1-2017 3.258 "Open File
// Description").
//
// FileDescriptions are reference-counted. Unless otherwise specified, all
// FileDescription methods require that a reference is held.
//
// FileDescription is analogous to Linux's struct file.
type FileDescription struct {
	refs refs.RefCount

	// flagsMu protects statusFlags.
	flagsMu sync.Mutex

	// statusFlags contains status flags, "initialized by open(2) and possibly
	// modified by fcntl()" - fcntl(2).
	statusFlags uint32

	// opts contains options passed to FileDescription.Init(). opts is
	// immutable.
	opts FileDescriptionOptions

	// readable is set from the access mode of statusFlags. readable is
	// immutable.
	//
	// readable is analogous to Linux's FMODE_READ.
	readable bool

	// writable is set from the access mode of statusFlags. writable is
	// immutable.
	//
	// writable is analogous to Linux's FMODE_WRITE.
	writable bool

	// impl is the FileDescriptionImpl associated with this Filesystem. impl is
	// immutable. This should be the last field in FileDescription.
	impl FileDescriptionImpl
}

// FileDescriptionOptions contains options to FileDescription.Init().
type FileDescriptionOptions struct {
	// If DenyMMap is true, calls to FileDescription.ConfigureMMap() return
	// ENODEV without consulting the FileDescriptionImpl.
	DenyMMap bool
}

// FileCreationFlags are the set of flags passed to FileDescription.Init() but
// omitted from FileDescription.StatusFlags().
const FileCreationFlags = linux.O_CREAT | linux.O_EXCL | linux.O_NOCTTY | linux.O_TRUNC

// Init must be called before first use of fd. flags is the initial file
// description flags, which is usually the full set of flags passed to
// open(2).
func (fd *FileDescription) Init(impl FileDescriptionImpl, flags uint32, opts *FileDescriptionOptions) error {
	if impl == nil {
		return linuxerr.EINVAL
	}
	// Remove "file creation flags" to mirror the behavior from file.f_flags in
	// fs/open.c:do_dentry_open.
	fd.statusFlags = flags &^ FileCreationFlags
	if opts != nil {
		fd.opts = *opts
	}
	fd.readable, fd.writable = accessMode(flags)
	fd.impl = impl
	refs.Register(fd)
	return nil
}

// RefType implements refs.CheckedObject.RefType.
func (fd *FileDescription) RefType() string {
	return "vfs.FileDescription"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (fd *FileDescription) LeakMessage() string {
	return fmt.Sprintf("[vfs.FileDescription %p] %T has %d references", fd, fd.impl, fd.refs.ReadRefs())
}

// IncRef increments fd's reference count.
func (fd *FileDescription) IncRef() {
	fd.refs.IncRef()
}

// TryIncRef increments fd's reference count unless it has already reached
// zero, and returns true if it succeeded.
func (fd *FileDescription) TryIncRef() bool {
	return fd.refs.TryIncRef()
}

// ReadRefs returns the current number of references held on fd.
func (fd *FileDescription) ReadRefs() int64 {
	return fd.refs.ReadRefs()
}

// DecRef decrements fd's reference count. When the last reference is
// dropped, the FileDescriptionImpl is released.
func (fd *FileDescription) DecRef(ctx context.Context) {
	fd.refs.DecRef(func() {
		refs.Unregister(fd)
		fd.impl.Release(ctx)
	})
}

// StatusFlags returns file description status flags, as for
// fcntl(F_GETFL).
func (fd *FileDescription) StatusFlags() uint32 {
	fd.flagsMu.Lock()
	defer fd.flagsMu.Unlock()
	return fd.statusFlags
}

// SetStatusFlags sets file description status flags, as for fcntl(F_SETFL).
// Only O_APPEND and O_NONBLOCK may be changed.
func (fd *FileDescription) SetStatusFlags(flags uint32) {
	const settableFlags = linux.O_APPEND | linux.O_NONBLOCK
	fd.flagsMu.Lock()
	defer fd.flagsMu.Unlock()
	fd.statusFlags = (fd.statusFlags &^ settableFlags) | (flags & settableFlags)
}

// IsReadable returns true if fd was opened for reading.
func (fd *FileDescription) IsReadable() bool {
	return fd.readable
}

// IsWritable returns true if fd was opened for writing.
func (fd *FileDescription) IsWritable() bool {
	return fd.writable
}

// Impl returns the FileDescriptionImpl associated with fd.
func (fd *FileDescription) Impl() FileDescriptionImpl {
	return fd.impl
}

// FileDescriptionImpl contains implementation details for an FileDescription.
// Implementations of FileDescriptionImpl should contain their associated
// FileDescription by value as their first field.
//
// All methods may return errors not specified.
//
// FileDescriptionImpl is analogous to Linux's struct file_operations.
type FileDescriptionImpl interface {
	// Release is called when the associated FileDescription reaches zero
	// references.
	Release(ctx context.Context)

	// ConfigureMMap mutates opts to implement mmap(2) for the file. Most
	// implementations that support memory mapping can call
	// GenericConfigureMMap with the appropriate memmap.Mappable.
	ConfigureMMap(ctx context.Context, opts *memmap.MMapOpts) error

	// Ioctl implements the ioctl(2) syscall. cmd is the request number and
	// arg is the untyped argument, which for most requests is the address of
	// the request's argument structure in uio.
	Ioctl(ctx context.Context, uio usermem.IO, cmd uint32, arg hostarch.Addr) (uintptr, error)

	// Waitable methods may be used to poll for I/O events.
	waiter.Waitable
}

// Readiness implements waiter.Waitable.Readiness.
//
// It returns fd's I/O readiness.
func (fd *FileDescription) Readiness(mask waiter.EventMask) waiter.EventMask {
	return fd.impl.Readiness(mask)
}

// EventRegister implements waiter.Waitable.EventRegister.
//
// It registers e for I/O readiness events in mask.
func (fd *FileDescription) EventRegister(e *waiter.Entry, mask waiter.EventMask) {
	fd.impl.EventRegister(e, mask)
}

// EventUnregister implements waiter.Waitable.EventUnregister.
//
// It unregisters e for I/O readiness events.
func (fd *FileDescription) EventUnregister(e *waiter.Entry) {
	fd.impl.EventUnregister(e)
}

// ConfigureMMap mutates opts to implement mmap(2) for the file represented by
// fd.
func (fd *FileDescription) ConfigureMMap(ctx context.Context, opts *memmap.MMapOpts) error {
	if fd.opts.DenyMMap {
		return linuxerr.ENODEV
	}
	return fd.impl.ConfigureMMap(ctx, opts)
}

// Ioctl implements the ioctl(2) syscall.
func (fd *FileDescription) Ioctl(ctx context.Context, uio usermem.IO, cmd uint32, arg hostarch.Addr) (uintptr, error) {
	return fd.impl.Ioctl(ctx, uio, cmd, arg)
}

// accessMode returns whether a file opened with flags may be read and
// written. O_ACCMODE == 3 permits neither.
func accessMode(flags uint32) (readable, writable bool) {
	switch flags & linux.O_ACCMODE {
	case linux.O_RDONLY:
		return true, false
	case linux.O_WRONLY:
		return false, true
	case linux.O_RDWR:
		return true, true
	}
	return false, false
}
