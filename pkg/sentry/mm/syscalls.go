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
	"fmt"

	"github.com/sentrybinder/sentrybinder/pkg/errors/linuxerr"
	"github.com/sentrybinder/sentrybinder/pkg/hostarch"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/context"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/memmap"
)

// MMap establishes a memory mapping.
func (mm *MemoryManager) MMap(ctx context.Context, opts memmap.MMapOpts) (hostarch.Addr, error) {
	if opts.Length == 0 {
		return 0, linuxerr.EINVAL
	}
	length, ok := hostarch.Addr(opts.Length).RoundUp()
	if !ok {
		return 0, linuxerr.ENOMEM
	}
	opts.Length = uint64(length)

	if opts.Mappable != nil {
		// Offset must be aligned.
		if hostarch.Addr(opts.Offset).RoundDown() != hostarch.Addr(opts.Offset) {
			return 0, linuxerr.EINVAL
		}
		// Offset + length must not overflow.
		if end := opts.Offset + opts.Length; end < opts.Offset {
			return 0, linuxerr.ENOMEM
		}
	} else {
		opts.Offset = 0
	}

	if opts.Addr.RoundDown() != opts.Addr {
		// MAP_FIXED requires addr to be page-aligned; non-fixed mappings
		// don't.
		if opts.Fixed {
			return 0, linuxerr.EINVAL
		}
		opts.Addr = opts.Addr.RoundDown()
	}

	if !opts.MaxPerms.SupersetOf(opts.Perms) {
		return 0, linuxerr.EACCES
	}
	if opts.Unmap && !opts.Fixed {
		return 0, linuxerr.EINVAL
	}

	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	if mm.users.Load() == 0 {
		return 0, linuxerr.EFAULT
	}

	var ar hostarch.AddrRange
	if opts.Fixed {
		end, ok := opts.Addr.AddLength(opts.Length)
		if !ok || opts.Addr < minUserAddress || end > maxUserAddress {
			return 0, linuxerr.ENOMEM
		}
		ar = hostarch.AddrRange{Start: opts.Addr, End: end}
		if len(mm.overlappingVMAsLocked(ar)) != 0 {
			if !opts.Unmap {
				return 0, linuxerr.EEXIST
			}
			mm.removeVMAsLocked(ctx, ar)
		}
	} else {
		addr, err := mm.findAvailableLocked(opts.Length, opts.Addr)
		if err != nil {
			return 0, err
		}
		ar = hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(opts.Length)}
	}

	if _, err := mm.createVMALocked(ctx, ar, opts); err != nil {
		return 0, err
	}
	return ar.Start, nil
}

// MUnmap implements the semantics of Linux's munmap(2).
func (mm *MemoryManager) MUnmap(ctx context.Context, addr hostarch.Addr, length uint64) error {
	if addr != addr.RoundDown() {
		return linuxerr.EINVAL
	}
	if length == 0 {
		return linuxerr.EINVAL
	}
	la, ok := hostarch.Addr(length).RoundUp()
	if !ok {
		return linuxerr.EINVAL
	}
	ar, ok := addr.ToRange(uint64(la))
	if !ok {
		return linuxerr.EINVAL
	}

	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	mm.removeVMAsLocked(ctx, ar)
	return nil
}

// MProtect implements the semantics of Linux's mprotect(2).
func (mm *MemoryManager) MProtect(ctx context.Context, addr hostarch.Addr, length uint64, realPerms hostarch.AccessType) error {
	if addr.RoundDown() != addr {
		return linuxerr.EINVAL
	}
	if length == 0 {
		return nil
	}
	rlength, ok := hostarch.Addr(length).RoundUp()
	if !ok {
		return linuxerr.ENOMEM
	}
	ar, ok := addr.ToRange(uint64(rlength))
	if !ok {
		return linuxerr.ENOMEM
	}

	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	vmas := mm.overlappingVMAsLocked(ar)
	// Every page in ar must be mapped.
	next := ar.Start
	for _, v := range vmas {
		if v.ar.Start > next {
			return linuxerr.ENOMEM
		}
		if !v.maxPerms.SupersetOf(realPerms) {
			return linuxerr.EACCES
		}
		next = v.ar.End
	}
	if next < ar.End {
		return linuxerr.ENOMEM
	}
	for _, v := range vmas {
		if ar.IsSupersetOf(v.ar) {
			v.realPerms = realPerms
			continue
		}
		// Split v so that only the part inside ar changes.
		part := v.ar.Intersect(ar)
		mm.removeVMAsLocked(ctx, part)
		if err := mm.insertSubVMALocked(ctx, v, part, realPerms); err != nil {
			return err
		}
	}
	return nil
}

// DecUsers decrements mm's user count. If the user count reaches 0, all
// mappings in mm are unmapped.
func (mm *MemoryManager) DecUsers(ctx context.Context) {
	if users := mm.users.Add(-1); users > 0 {
		return
	} else if users < 0 {
		panic(fmt.Sprintf("Invalid MemoryManager.users: %d", users))
	}

	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	mm.removeVMAsLocked(ctx, hostarch.AddrRange{Start: 0, End: maxUserAddress})
}

// NumMappings returns the number of vmas in mm.
func (mm *MemoryManager) NumMappings() int {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	return mm.vmas.Len()
}
