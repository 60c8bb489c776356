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

// Package binder implements the Android binder IPC driver.
//
// Processes open the binder device, map a read-only shared memory region
// from it, and exchange transactions with objects hosted by other processes
// through BINDER_WRITE_READ. Transaction payloads are copied directly into
// the shared memory of the receiving process, with embedded object
// references, file descriptors and pointers rewritten on the way.
package binder

import (
	"github.com/sentrybinder/sentrybinder/pkg/abi/linux"
	"github.com/sentrybinder/sentrybinder/pkg/errors/linuxerr"
	"github.com/sentrybinder/sentrybinder/pkg/hostarch"
	"github.com/sentrybinder/sentrybinder/pkg/log"
	"github.com/sentrybinder/sentrybinder/pkg/marshal"
	"github.com/sentrybinder/sentrybinder/pkg/marshal/primitive"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/context"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/memmap"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/vfs"
	"github.com/sentrybinder/sentrybinder/pkg/usermem"
	"github.com/sentrybinder/sentrybinder/pkg/waiter"
)

// Register registers d as the misc device /dev/binder in vfsObj.
func Register(vfsObj *vfs.VirtualFilesystem, d *Driver) error {
	_, err := vfsObj.RegisterMiscDevice(linux.MISC_MAJOR, d, &vfs.RegisterDeviceOptions{
		GroupName: "misc",
		Pathname:  "binder",
	})
	return err
}

// FD implements vfs.FileDescriptionImpl for an open binder device.
type FD struct {
	vfsfd vfs.FileDescription
	vfs.FileDescriptionDefaultImpl

	// proc is immutable. FD holds a reference on proc.
	proc *Process
}

// Process returns the binder process backing fd.
func (fd *FD) Process() *Process {
	return fd.proc
}

// Release implements vfs.FileDescriptionImpl.Release.
func (fd *FD) Release(context.Context) {
	fd.proc.DecRef()
}

// Readiness implements waiter.Waitable.Readiness.
func (fd *FD) Readiness(mask waiter.EventMask) waiter.EventMask {
	return fd.proc.Readiness(mask)
}

// EventRegister implements waiter.Waitable.EventRegister.
func (fd *FD) EventRegister(e *waiter.Entry, mask waiter.EventMask) {
	fd.proc.waitQueue.EventRegister(e, mask)
}

// EventUnregister implements waiter.Waitable.EventUnregister.
func (fd *FD) EventUnregister(e *waiter.Entry) {
	fd.proc.waitQueue.EventUnregister(e)
}

// ConfigureMMap implements vfs.FileDescriptionImpl.ConfigureMMap.
func (fd *FD) ConfigureMMap(ctx context.Context, opts *memmap.MMapOpts) error {
	// Compare drivers/android/binder.c:binder_mmap().
	p := fd.proc
	if tgid, ok := context.ThreadGroupIDFromContext(ctx); !ok || tgid != p.pid {
		return linuxerr.EINVAL
	}
	if opts.Perms.Write {
		return linuxerr.EPERM
	}
	if limit := p.driver.opts.MmapSizeLimit; opts.Length > limit {
		opts.Length = limit
	}
	length, ok := hostarch.Addr(opts.Length).RoundUp()
	if !ok || length == 0 {
		return linuxerr.EINVAL
	}
	opts.Length = uint64(length)
	opts.MaxPerms.Write = false

	p.smMu.Lock()
	defer p.smMu.Unlock()
	if p.shm != nil {
		// The region can only be mapped once per open.
		return linuxerr.EINVAL
	}
	r, err := newRegion(opts.Length)
	if err != nil {
		log.Warningf("%v: %v", p, err)
		return linuxerr.ENOMEM
	}
	p.shm = &sharedMemory{region: r, length: opts.Length}
	return vfs.GenericConfigureMMap(&fd.vfsfd, r, opts)
}

// Ioctl implements vfs.FileDescriptionImpl.Ioctl.
func (fd *FD) Ioctl(ctx context.Context, uio usermem.IO, cmd uint32, arg hostarch.Addr) (uintptr, error) {
	p := fd.proc
	cc := &usermem.IOCopyContext{Ctx: ctx, IO: uio}
	tid := threadIDFromContext(ctx)

	switch cmd {
	case linux.BINDER_VERSION:
		if arg == 0 {
			return 0, linuxerr.EINVAL
		}
		_, err := primitive.CopyInt32Out(cc, arg, linux.BINDER_CURRENT_PROTOCOL_VERSION)
		return 0, err

	case linux.BINDER_SET_CONTEXT_MGR, linux.BINDER_SET_CONTEXT_MGR_EXT:
		if arg == 0 {
			return 0, linuxerr.EINVAL
		}
		if cmd == linux.BINDER_SET_CONTEXT_MGR_EXT {
			var fbo linux.FlatBinderObject
			if _, err := marshal.CopyIn(cc, arg, &fbo); err != nil {
				return 0, err
			}
			if fbo.Type != linux.BINDER_TYPE_BINDER {
				return 0, linuxerr.EINVAL
			}
		}
		p.getThread(tid)
		p.driver.setContextManager(p.findOrRegisterObject(LocalObject{}))
		log.Infof("%v: registered as context manager", p)
		return 0, nil

	case linux.BINDER_WRITE_READ:
		if arg == 0 {
			return 0, linuxerr.EINVAL
		}
		return 0, p.handleWriteRead(ctx, cc, p.getThread(tid), arg)

	case linux.BINDER_SET_MAX_THREADS:
		p.driver.unimplemented.Infof("binder: BINDER_SET_MAX_THREADS is ignored")
		return 0, nil

	case linux.BINDER_ENABLE_ONEWAY_SPAM_DETECTION:
		p.driver.unimplemented.Infof("binder: BINDER_ENABLE_ONEWAY_SPAM_DETECTION is ignored")
		return 0, nil

	case linux.BINDER_THREAD_EXIT:
		p.removeThread(tid)
		return 0, nil

	default:
		log.Warningf("%v: unsupported ioctl %#x", p, cmd)
		return 0, linuxerr.EINVAL
	}
}

// handleWriteRead implements BINDER_WRITE_READ. The binder_write_read at arg
// is updated with the amounts consumed even if an error occurs.
func (p *Process) handleWriteRead(ctx context.Context, cc marshal.CopyContext, t *Thread, arg hostarch.Addr) error {
	var bwr linux.BinderWriteRead
	if _, err := marshal.CopyIn(cc, arg, &bwr); err != nil {
		return err
	}
	err := p.writeRead(ctx, cc, t, &bwr)
	if _, cerr := marshal.CopyOut(cc, arg, &bwr); err == nil {
		err = cerr
	}
	return err
}

func (p *Process) writeRead(ctx context.Context, cc marshal.CopyContext, t *Thread, bwr *linux.BinderWriteRead) error {
	if bwr.WriteSize > 0 {
		if bwr.WriteConsumed > bwr.WriteSize {
			return linuxerr.EINVAL
		}
		if err := p.handleThreadWrite(ctx, cc, t, hostarch.Addr(bwr.WriteBuffer), bwr.WriteSize, &bwr.WriteConsumed); err != nil {
			return err
		}
	}
	if bwr.ReadSize > 0 {
		if bwr.ReadConsumed > bwr.ReadSize {
			return linuxerr.EINVAL
		}
		n, err := p.handleThreadRead(ctx, cc, t, hostarch.Addr(bwr.ReadBuffer+bwr.ReadConsumed), bwr.ReadSize-bwr.ReadConsumed)
		bwr.ReadConsumed += n
		if err != nil {
			return err
		}
	}
	return nil
}

// threadIDFromContext returns the id of the calling thread.
func threadIDFromContext(ctx context.Context) int32 {
	if tid, ok := context.ThreadIDFromContext(ctx); ok {
		return tid
	}
	tgid, _ := context.ThreadGroupIDFromContext(ctx)
	return tgid
}
