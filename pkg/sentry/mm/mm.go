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

// Package mm provides a memory management subsystem.
//
// Lock order:
//
//	fs locks, except for memmap.Mappable locks
//		mm.MemoryManager.mappingMu
//			Mappable locks
//				mm.vma.internalMu
package mm

import (
	"github.com/google/btree"
	"github.com/sentrybinder/sentrybinder/pkg/atomicbitops"
	"github.com/sentrybinder/sentrybinder/pkg/hostarch"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/memmap"
	"github.com/sentrybinder/sentrybinder/pkg/sync"
)

const (
	// minUserAddress is the lowest address handed out by non-fixed mappings.
	minUserAddress = hostarch.Addr(0x10000)

	// maxUserAddress is one past the highest mappable address.
	maxUserAddress = hostarch.Addr(0x7ffffffff000)

	// vmaTreeDegree is the btree degree of the vma set.
	vmaTreeDegree = 8
)

// MemoryManager implements a virtual address space.
//
// +stateify savable
type MemoryManager struct {
	// users is the number of references to this MemoryManager that are
	// holding the address space alive. When users reaches 0, all mappings
	// are removed.
	users atomicbitops.Int32

	// mappingMu is analogous to Linux's struct mm_struct::mmap_sem.
	mappingMu sync.RWMutex

	// vmas stores virtual memory areas ordered by start address. vmas never
	// overlap.
	//
	// vmas is protected by mappingMu.
	vmas *btree.BTreeG[*vma]

	// usageAS is vmas.Span(), cached to accelerate RLIMIT_AS checks.
	//
	// usageAS is protected by mappingMu.
	usageAS uint64
}

// vma represents a virtual memory area.
//
// +stateify savable
type vma struct {
	ar hostarch.AddrRange

	// mappable is the virtual memory object mapped by this vma. If mappable
	// is nil, the vma represents an anonymous mapping backed by data.
	mappable memmap.Mappable

	// off is the offset into mappable at which this vma begins. If mappable
	// is nil, off is meaningless.
	off uint64

	// data backs anonymous mappings.
	data []byte

	// realPerms are the memory permissions on this vma, as defined by the
	// application.
	realPerms hostarch.AccessType

	// maxPerms limits the set of permissions that may ever apply to this
	// memory.
	maxPerms hostarch.AccessType

	// private is true if this is a MAP_PRIVATE mapping.
	private bool

	// hint is the name used for the mapping in /proc/[pid]/maps.
	hint string

	// internalMu protects internal.
	internalMu sync.Mutex

	// internal caches the result of mappable.Translate for the whole vma.
	// It is cleared by MemoryManager.Invalidate.
	internal []byte
}

// canWriteMappable returns true if it is possible for vma.mappable to be
// written to via this vma, i.e. if it is possible that
// vma.mappable.Translate(at.Write=true) may be called as a result of this vma.
func (v *vma) canWriteMappable() bool {
	return !v.private && v.maxPerms.Write
}

func vmaLess(a, b *vma) bool {
	return a.ar.Start < b.ar.Start
}

// NewMemoryManager returns a new MemoryManager with a single user.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		users: atomicbitops.FromInt32(1),
		vmas:  btree.NewG[*vma](vmaTreeDegree, vmaLess),
	}
}

// IncUsers increments mm's user count and returns true. If the user count is
// already 0, IncUsers does nothing and returns false.
func (mm *MemoryManager) IncUsers() bool {
	for {
		users := mm.users.Load()
		if users == 0 {
			return false
		}
		if mm.users.CompareAndSwap(users, users+1) {
			return true
		}
	}
}

// Users returns the current number of users.
func (mm *MemoryManager) Users() int32 {
	return mm.users.Load()
}
