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
	"github.com/sentrybinder/sentrybinder/pkg/sentry/memmap"
)

// findVMALocked returns the vma containing addr, or nil.
//
// Preconditions: mm.mappingMu must be locked.
func (mm *MemoryManager) findVMALocked(addr hostarch.Addr) *vma {
	var found *vma
	mm.vmas.DescendLessOrEqual(&vma{ar: hostarch.AddrRange{Start: addr}}, func(v *vma) bool {
		if v.ar.Contains(addr) {
			found = v
		}
		return false
	})
	return found
}

// overlappingVMAsLocked returns the vmas that overlap ar, in address order.
//
// Preconditions: mm.mappingMu must be locked.
func (mm *MemoryManager) overlappingVMAsLocked(ar hostarch.AddrRange) []*vma {
	var vmas []*vma
	if v := mm.findVMALocked(ar.Start); v != nil {
		vmas = append(vmas, v)
	}
	mm.vmas.AscendRange(&vma{ar: hostarch.AddrRange{Start: ar.Start + 1}}, &vma{ar: hostarch.AddrRange{Start: ar.End}}, func(v *vma) bool {
		vmas = append(vmas, v)
		return true
	})
	return vmas
}

// findAvailableLocked returns an unmapped range of the given length, starting
// the search at hint.
//
// Preconditions: mm.mappingMu must be locked. length must be page-aligned.
func (mm *MemoryManager) findAvailableLocked(length uint64, hint hostarch.Addr) (hostarch.Addr, error) {
	if hint < minUserAddress {
		hint = minUserAddress
	}
	start := hint
	var err error = linuxerr.ENOMEM
	var found hostarch.Addr
	try := func(gapEnd hostarch.Addr) bool {
		if end, ok := start.AddLength(length); ok && end <= gapEnd {
			found, err = start, nil
			return false
		}
		return true
	}
	if v := mm.findVMALocked(start); v != nil {
		start = v.ar.End
	}
	mm.vmas.AscendGreaterOrEqual(&vma{ar: hostarch.AddrRange{Start: start}}, func(v *vma) bool {
		if !try(v.ar.Start) {
			return false
		}
		if v.ar.End > start {
			start = v.ar.End
		}
		return true
	})
	if err != nil {
		try(maxUserAddress)
	}
	return found, err
}

// createVMALocked creates a vma for opts at ar and notifies its Mappable.
//
// Preconditions: mm.mappingMu must be locked for writing. ar must not overlap
// any existing vma.
func (mm *MemoryManager) createVMALocked(ctx context.Context, ar hostarch.AddrRange, opts memmap.MMapOpts) (*vma, error) {
	v := &vma{
		ar:        ar,
		mappable:  opts.Mappable,
		off:       opts.Offset,
		realPerms: opts.Perms,
		maxPerms:  opts.MaxPerms,
		private:   opts.Private,
		hint:      opts.Hint,
	}
	if opts.Mappable != nil {
		if err := opts.Mappable.AddMapping(ctx, mm, ar, opts.Offset, v.canWriteMappable()); err != nil {
			return nil, err
		}
	} else {
		v.data = make([]byte, ar.Length())
	}
	mm.vmas.ReplaceOrInsert(v)
	mm.usageAS += ar.Length()
	return v, nil
}

// removeVMAsLocked removes all mappings in ar, splitting vmas that straddle
// its bounds.
//
// Preconditions: mm.mappingMu must be locked for writing. ar must be
// page-aligned.
func (mm *MemoryManager) removeVMAsLocked(ctx context.Context, ar hostarch.AddrRange) {
	for _, v := range mm.overlappingVMAsLocked(ar) {
		mm.vmas.Delete(v)
		mm.usageAS -= v.ar.Length()
		// Re-insert the parts of v outside ar before removing v's mapping,
		// so that the Mappable never observes a transient unmapped state.
		if v.ar.Start < ar.Start {
			mm.reinsertLocked(ctx, v, hostarch.AddrRange{Start: v.ar.Start, End: ar.Start})
		}
		if ar.End < v.ar.End {
			mm.reinsertLocked(ctx, v, hostarch.AddrRange{Start: ar.End, End: v.ar.End})
		}
		if v.mappable != nil {
			v.mappable.RemoveMapping(ctx, mm, v.ar, v.off, v.canWriteMappable())
		}
	}
}

// reinsertLocked inserts a vma covering the sub-range part of old, with
// old's permissions.
func (mm *MemoryManager) reinsertLocked(ctx context.Context, old *vma, part hostarch.AddrRange) {
	if err := mm.insertSubVMALocked(ctx, old, part, old.realPerms); err != nil {
		// The Mappable refused to map a subset of an existing mapping;
		// drop it rather than leaving a vma it doesn't know about.
		ctx.Warningf("Mappable refused to split mapping %v: %v", part, err)
	}
}

// insertSubVMALocked inserts a vma covering the sub-range part of old, with
// permissions realPerms.
//
// Preconditions: mm.mappingMu must be locked for writing. part must not
// overlap any existing vma.
func (mm *MemoryManager) insertSubVMALocked(ctx context.Context, old *vma, part hostarch.AddrRange, realPerms hostarch.AccessType) error {
	delta := uint64(part.Start - old.ar.Start)
	nv := &vma{
		ar:        part,
		mappable:  old.mappable,
		realPerms: realPerms,
		maxPerms:  old.maxPerms,
		private:   old.private,
		hint:      old.hint,
	}
	if old.mappable != nil {
		nv.off = old.off + delta
		if err := old.mappable.AddMapping(ctx, mm, part, nv.off, nv.canWriteMappable()); err != nil {
			return err
		}
	} else {
		nv.data = old.data[delta : delta+part.Length()]
	}
	mm.vmas.ReplaceOrInsert(nv)
	mm.usageAS += part.Length()
	return nil
}

// internalMappings returns host memory backing v, translating it from v's
// Mappable if necessary.
func (v *vma) internalMappings(ctx context.Context) ([]byte, error) {
	if v.mappable == nil {
		return v.data, nil
	}
	v.internalMu.Lock()
	defer v.internalMu.Unlock()
	if v.internal == nil {
		b, err := v.mappable.Translate(ctx, memmap.MappableRange{Start: v.off, End: v.off + v.ar.Length()}, v.maxPerms)
		if err != nil {
			return nil, err
		}
		v.internal = b
	}
	return v.internal, nil
}

// Invalidate implements memmap.MappingSpace.Invalidate.
//
// Preconditions: Invalidate must not be called from Mappable.AddMapping or
// Mappable.RemoveMapping.
func (mm *MemoryManager) Invalidate(ar hostarch.AddrRange, opts memmap.InvalidateOpts) {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	mm.vmas.Ascend(func(v *vma) bool {
		if v.ar.Overlaps(ar) {
			v.internalMu.Lock()
			v.internal = nil
			v.internalMu.Unlock()
		}
		return v.ar.Start < ar.End
	})
}
