// Copyright 2018 Google LLC
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
	"bytes"
	"fmt"
	"math"
	"sort"

	"github.com/sentrybinder/sentrybinder/pkg/abi/linux"
	"github.com/sentrybinder/sentrybinder/pkg/atomicbitops"
	"github.com/sentrybinder/sentrybinder/pkg/errors/linuxerr"
	"github.com/sentrybinder/sentrybinder/pkg/refs"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/context"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/vfs"
	"github.com/sentrybinder/sentrybinder/pkg/sync"
)

// FDFlags define flags for an individual descriptor.
type FDFlags struct {
	// CloseOnExec indicates the descriptor should be closed on exec.
	CloseOnExec bool
}

// FDFlagsFromOpenFlags returns the descriptor flags implied by open(2)
// flags.
func FDFlagsFromOpenFlags(flags uint32) FDFlags {
	return FDFlags{CloseOnExec: flags&linux.O_CLOEXEC != 0}
}

// ToLinuxFileFlags converts a kernel.FDFlags object to a Linux file flags
// representation.
func (f FDFlags) ToLinuxFileFlags() (mask uint) {
	if f.CloseOnExec {
		mask |= linux.O_CLOEXEC
	}
	return
}

// ToLinuxFDFlags converts a kernel.FDFlags object to a Linux descriptor flags
// representation.
func (f FDFlags) ToLinuxFDFlags() (mask uint) {
	if f.CloseOnExec {
		mask |= linux.FD_CLOEXEC
	}
	return
}

// descriptor holds the details about a file descriptor, namely a pointer to
// the file itself and the descriptor flags.
//
// Note that this is immutable and can only be changed via operations on the
// FDTable.
type descriptor struct {
	file  *vfs.FileDescription
	flags FDFlags
}

// FDTable is used to manage FileDescription references and flags.
//
// Each descriptor holds a reference on its file. References displaced from
// the table are dropped after mu is released, since dropping the last
// reference on a file runs its Release method, which may take locks that
// are also held while calling into the table.
type FDTable struct {
	refs refs.RefCount

	// maxFDs is the exclusive upper bound on descriptor numbers. It is
	// immutable.
	maxFDs int32

	// mu protects below.
	mu sync.Mutex

	// used contains the number of non-nil entries. It may be read without
	// holding mu (but not written).
	used atomicbitops.Int32

	// descriptors maps descriptor numbers to installed files.
	descriptors map[int32]descriptor
}

// NewFDTable allocates a new FDTable that may be used by tasks in k.
func (k *Kernel) NewFDTable() *FDTable {
	return newFDTable(k.maxFDs)
}

func newFDTable(maxFDs int32) *FDTable {
	if maxFDs <= 0 {
		maxFDs = math.MaxInt32
	}
	return &FDTable{
		maxFDs:      maxFDs,
		descriptors: make(map[int32]descriptor),
	}
}

// IncRef increments f's reference count.
func (f *FDTable) IncRef() {
	f.refs.IncRef()
}

// TryIncRef increments f's reference count unless f has already been
// destroyed.
func (f *FDTable) TryIncRef() bool {
	return f.refs.TryIncRef()
}

// DecRef decrements f's reference count. When the last reference is dropped,
// every file descriptor in f is closed.
func (f *FDTable) DecRef(ctx context.Context) {
	f.refs.DecRef(func() {
		f.RemoveIf(ctx, func(*vfs.FileDescription, FDFlags) bool {
			return true
		})
	})
}

// setLocked installs file at fd, replacing any existing entry, and returns
// the replaced file, whose table reference the caller must drop. A nil file
// clears fd. setLocked takes a reference on file.
//
// Preconditions: f.mu must be locked.
func (f *FDTable) setLocked(fd int32, file *vfs.FileDescription, flags FDFlags) *vfs.FileDescription {
	orig, ok := f.descriptors[fd]
	if file == nil {
		if ok {
			delete(f.descriptors, fd)
			f.used.Add(-1)
		}
	} else {
		file.IncRef()
		f.descriptors[fd] = descriptor{file: file, flags: flags}
		if !ok {
			f.used.Add(1)
		}
	}
	if !ok {
		return nil
	}
	return orig.file
}

// drop drops table references on files.
func drop(ctx context.Context, files ...*vfs.FileDescription) {
	for _, file := range files {
		if file != nil {
			file.DecRef(ctx)
		}
	}
}

// Size returns the number of file descriptor slots currently allocated.
func (f *FDTable) Size() int {
	return int(f.used.Load())
}

// fdsLocked returns the installed descriptor numbers in increasing order.
//
// Preconditions: f.mu must be locked.
func (f *FDTable) fdsLocked() []int32 {
	fds := make([]int32, 0, len(f.descriptors))
	for fd := range f.descriptors {
		fds = append(fds, fd)
	}
	sort.Slice(fds, func(i, j int) bool { return fds[i] < fds[j] })
	return fds
}

// String is a stringer for FDTable.
func (f *FDTable) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b bytes.Buffer
	for _, fd := range f.fdsLocked() {
		d := f.descriptors[fd]
		b.WriteString(fmt.Sprintf("\tfd:%d => %T flags %#x\n", fd, d.file.Impl(), d.file.StatusFlags()))
	}
	return b.String()
}

// NewFDs allocates new FDs guaranteed to be the lowest number available
// greater than or equal to the fd parameter. All files will share the set
// flags. Success is guaranteed to be all or none.
func (f *FDTable) NewFDs(ctx context.Context, fd int32, files []*vfs.FileDescription, flags FDFlags) (fds []int32, err error) {
	if fd < 0 {
		// Don't accept negative FDs.
		return nil, linuxerr.EINVAL
	}
	end := f.maxFDs
	if fd >= end {
		return nil, linuxerr.EMFILE
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// Install all entries.
	for i := fd; i < end && len(fds) < len(files); i++ {
		if _, ok := f.descriptors[i]; !ok {
			f.setLocked(i, files[len(fds)], flags) // Set the descriptor.
			fds = append(fds, i)                   // Record the file descriptor.
		}
	}

	// Failure? Unwind existing FDs.
	if len(fds) < len(files) {
		for _, i := range fds {
			// The file is still referenced by the caller, so this cannot
			// be the last reference.
			f.setLocked(i, nil, FDFlags{}).DecRef(ctx)
		}
		return nil, linuxerr.EMFILE
	}

	return fds, nil
}

// NewFDAt sets the file reference for the given FD. If there is an active
// reference for that FD, the ref count for that existing reference is
// decremented.
func (f *FDTable) NewFDAt(ctx context.Context, fd int32, file *vfs.FileDescription, flags FDFlags) error {
	if fd < 0 {
		// Don't accept negative FDs.
		return linuxerr.EBADF
	}
	if fd >= f.maxFDs {
		return linuxerr.EMFILE
	}

	f.mu.Lock()
	orig := f.setLocked(fd, file, flags)
	f.mu.Unlock()

	drop(ctx, orig)
	return nil
}

// SetFlags sets the flags for the given file descriptor.
func (f *FDTable) SetFlags(fd int32, flags FDFlags) error {
	if fd < 0 {
		// Don't accept negative FDs.
		return linuxerr.EBADF
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.descriptors[fd]
	if !ok {
		// No file found.
		return linuxerr.EBADF
	}

	// Update the flags.
	f.descriptors[fd] = descriptor{file: d.file, flags: flags}
	return nil
}

// Get returns a reference to the file and the flags for the FD or nil if no
// file is defined for the given fd.
//
// N.B. Callers are required to use DecRef when they are done.
func (f *FDTable) Get(fd int32) (*vfs.FileDescription, FDFlags) {
	if fd < 0 {
		return nil, FDFlags{}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.descriptors[fd]
	if !ok {
		// No file available.
		return nil, FDFlags{}
	}
	d.file.IncRef()
	return d.file, d.flags
}

// GetFDs returns a list of valid fds in increasing order.
func (f *FDTable) GetFDs() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fdsLocked()
}

// Fork returns an independent FDTable holding the same files.
func (f *FDTable) Fork() *FDTable {
	clone := newFDTable(f.maxFDs)

	f.mu.Lock()
	defer f.mu.Unlock()
	for fd, d := range f.descriptors {
		// The set function here will acquire an appropriate table
		// reference for the clone. We don't need anything else.
		clone.setLocked(fd, d.file, d.flags)
	}
	return clone
}

// Remove removes an FD from and returns a non-file iff successful.
//
// N.B. Callers are required to use DecRef when they are done.
func (f *FDTable) Remove(fd int32) *vfs.FileDescription {
	if fd < 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// The table reference is transferred to the caller.
	return f.setLocked(fd, nil, FDFlags{})
}

// RemoveIf removes all FDs where cond is true.
func (f *FDTable) RemoveIf(ctx context.Context, cond func(*vfs.FileDescription, FDFlags) bool) {
	var removed []*vfs.FileDescription
	f.mu.Lock()
	for _, fd := range f.fdsLocked() {
		d := f.descriptors[fd]
		if cond(d.file, d.flags) {
			removed = append(removed, f.setLocked(fd, nil, FDFlags{})) // Clear from table.
		}
	}
	f.mu.Unlock()

	drop(ctx, removed...)
}
