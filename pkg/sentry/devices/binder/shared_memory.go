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

package binder

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/sentrybinder/sentrybinder/pkg/errors/linuxerr"
	"github.com/sentrybinder/sentrybinder/pkg/hostarch"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/context"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/memmap"
	"github.com/sentrybinder/sentrybinder/pkg/sync"
)

// pointerSize is sizeof(binder_uintptr_t).
const pointerSize = 8

// region is the memory shared between the driver and one process. The driver
// writes transaction payloads into data directly; the process reads them
// through a read-only mapping.
//
// region implements memmap.Mappable.
type region struct {
	// data is a host mapping of the region. data is immutable until the
	// region is unmapped, which only happens once both the owning process
	// and all user mappings have released it.
	data []byte

	// mapMu protects the fields below. mapMu is a leaf lock; in particular
	// it may be taken while mm.MemoryManager.mappingMu is held.
	mapMu sync.Mutex

	// mappings tracks user mappings of the region.
	mappings memmap.MappingSet

	// userAddr is the address at which offset 0 of the region was first
	// mapped by the owning process.
	userAddr hostarch.Addr

	// released is true once the owning process no longer uses the region.
	released bool
}

// newRegion allocates a region of length bytes.
func newRegion(length uint64) (*region, error) {
	data, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate %d bytes of shared memory: %w", length, err)
	}
	return &region{data: data}, nil
}

// AddMapping implements memmap.Mappable.AddMapping.
func (r *region) AddMapping(ctx context.Context, ms memmap.MappingSpace, ar hostarch.AddrRange, offset uint64, writable bool) error {
	if writable {
		return linuxerr.EPERM
	}
	r.mapMu.Lock()
	defer r.mapMu.Unlock()
	if r.data == nil {
		return linuxerr.EINVAL
	}
	if r.mappings.AddMapping(ms, ar, offset, writable) {
		r.userAddr = ar.Start - hostarch.Addr(offset)
	}
	return nil
}

// RemoveMapping implements memmap.Mappable.RemoveMapping.
func (r *region) RemoveMapping(ctx context.Context, ms memmap.MappingSpace, ar hostarch.AddrRange, offset uint64, writable bool) {
	r.mapMu.Lock()
	defer r.mapMu.Unlock()
	if r.mappings.RemoveMapping(ms, ar, offset, writable) && r.released {
		r.unmapLocked()
	}
}

// Translate implements memmap.Mappable.Translate.
//
// Translate takes no locks: the caller holds a mapping of the range, so data
// cannot be unmapped concurrently.
func (r *region) Translate(ctx context.Context, required memmap.MappableRange, at hostarch.AccessType) ([]byte, error) {
	if at.Write {
		return nil, &memmap.BusError{Err: linuxerr.EFAULT}
	}
	if !required.WellFormed() || required.End > uint64(len(r.data)) {
		return nil, &memmap.BusError{Err: linuxerr.EFAULT}
	}
	return r.data[required.Start:required.End], nil
}

// mappedAddr returns the user address of offset 0 of the region.
func (r *region) mappedAddr() hostarch.Addr {
	r.mapMu.Lock()
	defer r.mapMu.Unlock()
	return r.userAddr
}

// releaseProcess is called when the owning process is destroyed.
func (r *region) releaseProcess() {
	r.mapMu.Lock()
	defer r.mapMu.Unlock()
	r.released = true
	if r.mappings.IsEmpty() {
		r.unmapLocked()
	}
}

// Preconditions: r.mapMu must be locked.
func (r *region) unmapLocked() {
	if r.data == nil {
		return
	}
	if err := unix.Munmap(r.data); err != nil {
		panic(fmt.Sprintf("failed to unmap binder shared memory: %v", err))
	}
	r.data = nil
}

// sharedMemory is a bump allocator over a region. Freed buffers are never
// reused, so two buffers handed out from the same sharedMemory never alias.
type sharedMemory struct {
	region *region

	// length is the usable length of the region.
	length uint64

	// nextFree is the offset of the first unallocated byte.
	nextFree uint64
}

// sharedBuffer is a bounds-checked view of part of a sharedMemory.
type sharedBuffer struct {
	mem    *sharedMemory
	offset uint64
	length uint64
}

// bytes returns the driver's view of b.
func (b sharedBuffer) bytes() []byte {
	return b.mem.region.data[b.offset : b.offset+b.length]
}

// userBuffer returns the location of b in the owning process's address space.
func (b sharedBuffer) userBuffer() userBuffer {
	return userBuffer{
		addr:   b.mem.region.mappedAddr() + hostarch.Addr(b.offset),
		length: b.length,
	}
}

// userBuffer is a range of memory in a process's address space.
type userBuffer struct {
	addr   hostarch.Addr
	length uint64
}

// transactionBuffers is the result of sharedMemory.allocateBuffers.
type transactionBuffers struct {
	data    sharedBuffer
	offsets sharedBuffer
	sg      sharedBuffer
}

// allocateBuffers carves out buffers for a transaction's data, offsets and
// scatter-gather payload. The data buffer is padded to pointer alignment, and
// always occupies at least one pointer so that every allocation has a
// distinct address.
func (m *sharedMemory) allocateBuffers(dataLen, offsetsLen, sgLen uint64) (transactionBuffers, error) {
	if offsetsLen%pointerSize != 0 || sgLen%pointerSize != 0 {
		return transactionBuffers{}, linuxerr.EINVAL
	}
	dataCap, ok := roundUp(dataLen, pointerSize)
	if !ok {
		return transactionBuffers{}, linuxerr.EINVAL
	}
	if dataCap == 0 {
		dataCap = pointerSize
	}
	total := dataCap + offsetsLen
	if total < dataCap {
		return transactionBuffers{}, linuxerr.EINVAL
	}
	if total+sgLen < total {
		return transactionBuffers{}, linuxerr.EINVAL
	}
	total += sgLen
	if end := m.nextFree + total; end < m.nextFree || end > m.length {
		return transactionBuffers{}, linuxerr.ENOMEM
	}

	start := m.nextFree
	m.nextFree += total
	return transactionBuffers{
		data:    sharedBuffer{mem: m, offset: start, length: dataLen},
		offsets: sharedBuffer{mem: m, offset: start + dataCap, length: offsetsLen},
		sg:      sharedBuffer{mem: m, offset: start + dataCap + offsetsLen, length: sgLen},
	}, nil
}

// freeBuffer validates that addr is the user address of a buffer in m.
// Memory is not reclaimed.
func (m *sharedMemory) freeBuffer(addr hostarch.Addr) error {
	base := m.region.mappedAddr()
	if addr < base || uint64(addr-base) >= m.length {
		return linuxerr.EINVAL
	}
	return nil
}

// roundUp rounds v up to a multiple of align, which must be a power of two.
func roundUp(v, align uint64) (uint64, bool) {
	r := (v + align - 1) &^ (align - 1)
	return r, r >= v
}
