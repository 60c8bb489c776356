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

package mm

import (
	"github.com/sentrybinder/sentrybinder/pkg/errors/linuxerr"
	"github.com/sentrybinder/sentrybinder/pkg/hostarch"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/context"
	"github.com/sentrybinder/sentrybinder/pkg/usermem"
)

// Application memory is accessed through the host memory backing each vma:
// anonymous vmas own a byte slice, and Mappable-backed vmas are translated
// once and cached until invalidated. CopyIn and CopyOut stop at the first
// unmapped or inaccessible byte and return EFAULT with the number of bytes
// transferred so far.

// CheckIORange is similar to hostarch.Addr.ToRange, but applies bounds checks
// consistent with Linux's arch/x86/include/asm/uaccess.h:access_ok().
//
// Preconditions: length >= 0.
func (mm *MemoryManager) CheckIORange(addr hostarch.Addr, length int64) (hostarch.AddrRange, bool) {
	// Note that access_ok() constrains end even if length == 0.
	ar, ok := addr.ToRange(uint64(length))
	return ar, (ok && ar.End <= maxUserAddress)
}

// withInternalMappings calls f on successive host slices backing
// [addr, addr+length) with access type at.
func (mm *MemoryManager) withInternalMappings(ctx context.Context, addr hostarch.Addr, length int, at hostarch.AccessType, ignorePermissions bool, f func(b []byte, done int)) (int, error) {
	if length == 0 {
		return 0, nil
	}
	if _, ok := mm.CheckIORange(addr, int64(length)); !ok {
		return 0, linuxerr.EFAULT
	}

	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()

	done := 0
	for done < length {
		cur := addr + hostarch.Addr(done)
		v := mm.findVMALocked(cur)
		if v == nil {
			return done, linuxerr.EFAULT
		}
		perms := v.realPerms
		if ignorePermissions {
			perms = v.maxPerms
		}
		if !perms.SupersetOf(at) {
			return done, linuxerr.EFAULT
		}
		ims, err := v.internalMappings(ctx)
		if err != nil {
			return done, linuxerr.EFAULT
		}
		off := int(cur - v.ar.Start)
		n := len(ims) - off
		if rem := length - done; n > rem {
			n = rem
		}
		f(ims[off:off+n], done)
		done += n
	}
	return done, nil
}

// CopyOut implements usermem.IO.CopyOut.
func (mm *MemoryManager) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte, opts usermem.IOOpts) (int, error) {
	return mm.withInternalMappings(ctx, addr, len(src), hostarch.Write, opts.IgnorePermissions, func(b []byte, done int) {
		copy(b, src[done:])
	})
}

// CopyIn implements usermem.IO.CopyIn.
func (mm *MemoryManager) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte, opts usermem.IOOpts) (int, error) {
	return mm.withInternalMappings(ctx, addr, len(dst), hostarch.Read, opts.IgnorePermissions, func(b []byte, done int) {
		copy(dst[done:], b)
	})
}

// ZeroOut implements usermem.IO.ZeroOut.
func (mm *MemoryManager) ZeroOut(ctx context.Context, addr hostarch.Addr, toZero int64, opts usermem.IOOpts) (int64, error) {
	if toZero < 0 {
		return 0, linuxerr.EINVAL
	}
	n, err := mm.withInternalMappings(ctx, addr, int(toZero), hostarch.Write, opts.IgnorePermissions, func(b []byte, _ int) {
		clear(b)
	})
	return int64(n), err
}

var _ usermem.IO = (*MemoryManager)(nil)
