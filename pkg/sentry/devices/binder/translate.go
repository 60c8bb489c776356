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
	"github.com/sentrybinder/sentrybinder/pkg/abi/linux"
	"github.com/sentrybinder/sentrybinder/pkg/errors/linuxerr"
	"github.com/sentrybinder/sentrybinder/pkg/hostarch"
	"github.com/sentrybinder/sentrybinder/pkg/marshal"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/context"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/vfs"
)

// translation is the state of one transaction payload being copied from its
// sender into its target.
type translation struct {
	ctx          context.Context
	cc           marshal.CopyContext
	sender       *Process
	senderThread *Thread
	target       *Process

	// refs collects the handles minted in target.
	refs transactionRefs

	// Object and file references released by translation are dropped once
	// target.smMu has been unlocked.
	dropObjects []*binderObject
	dropFiles   []*vfs.FileDescription
}

// finish drops the references collected during translation.
//
// Preconditions: no binder locks are held.
func (tr *translation) finish() {
	for _, obj := range tr.dropObjects {
		obj.DecRef()
	}
	tr.dropObjects = nil
	for _, f := range tr.dropFiles {
		f.DecRef(tr.ctx)
	}
	tr.dropFiles = nil
}

// copyTransactionBuffers copies the data, offsets and scatter-gather
// payload of a transaction from the sender's memory into the target's shared
// memory, translating every object it contains. On failure, every handle
// minted in the target is released.
func (tr *translation) copyTransactionBuffers(td *linux.BinderTransactionData, sgSize uint64) (transactionBuffers, error) {
	bufs, err := tr.copyTransactionBuffersLocked(td, sgSize)
	tr.finish()
	if err != nil {
		tr.refs.release()
		return transactionBuffers{}, err
	}
	return bufs, nil
}

func (tr *translation) copyTransactionBuffersLocked(td *linux.BinderTransactionData, sgSize uint64) (transactionBuffers, error) {
	target := tr.target
	target.smMu.Lock()
	defer target.smMu.Unlock()
	shm := target.shm
	if shm == nil {
		return transactionBuffers{}, linuxerr.ENOMEM
	}
	before := shm.nextFree
	bufs, err := shm.allocateBuffers(td.DataSize, td.OffsetsSize, sgSize)
	if err != nil {
		return transactionBuffers{}, err
	}
	allocated := shm.nextFree - before
	target.driver.metrics.sharedMemoryBytes.Add(float64(allocated))
	target.driver.metrics.transactionBytes.Observe(float64(td.DataSize + td.OffsetsSize + sgSize))

	data := bufs.data.bytes()
	if _, err := tr.cc.CopyInBytes(hostarch.Addr(td.Buffer), data); err != nil {
		return transactionBuffers{}, err
	}
	offsetBytes := bufs.offsets.bytes()
	if _, err := tr.cc.CopyInBytes(hostarch.Addr(td.Offsets), offsetBytes); err != nil {
		return transactionBuffers{}, err
	}
	offsets := make([]uint64, len(offsetBytes)/pointerSize)
	for i := range offsets {
		offsets[i] = hostarch.ByteOrder.Uint64(offsetBytes[i*pointerSize:])
	}
	if err := tr.translateObjects(offsets, data, bufs.sg); err != nil {
		return transactionBuffers{}, err
	}
	return bufs, nil
}

// objectType returns the type of the object at the start of data.
func objectType(data []byte) (uint32, error) {
	if len(data) < linux.SizeOfBinderObjectHeader {
		return 0, linuxerr.EINVAL
	}
	var hdr linux.BinderObjectHeader
	hdr.UnmarshalBytes(data)
	return hdr.Type, nil
}

// readFlatObject decodes the flat_binder_object at the start of data.
func readFlatObject(data []byte) (linux.FlatBinderObject, error) {
	var obj linux.FlatBinderObject
	if len(data) < linux.SizeOfFlatBinderObject {
		return obj, linuxerr.EINVAL
	}
	obj.UnmarshalBytes(data)
	return obj, nil
}

// readBufferObject decodes the binder_buffer_object at the start of data.
func readBufferObject(data []byte) (linux.BinderBufferObject, error) {
	var obj linux.BinderBufferObject
	if len(data) < linux.SizeOfBinderBufferObject {
		return obj, linuxerr.EINVAL
	}
	obj.UnmarshalBytes(data)
	return obj, nil
}

// translateObjects rewrites the objects at offsets in data so that they are
// valid in the target, copying buffer objects into sg.
//
// Preconditions: tr.target.smMu is locked.
func (tr *translation) translateObjects(offsets []uint64, data []byte, sg sharedBuffer) error {
	sgBytes := sg.bytes()
	sgBase := sg.userBuffer().addr
	var sgUsed uint64
	for idx, off := range offsets {
		if off >= uint64(len(data)) {
			return linuxerr.EINVAL
		}
		obj := data[off:]
		typ, err := objectType(obj)
		if err != nil {
			return err
		}
		switch typ {
		case linux.BINDER_TYPE_HANDLE:
			err = tr.translateHandle(obj)
		case linux.BINDER_TYPE_BINDER:
			err = tr.translateLocal(obj)
		case linux.BINDER_TYPE_FD:
			err = tr.translateFD(obj)
		case linux.BINDER_TYPE_PTR:
			var n uint64
			n, err = translateBuffer(tr.cc, offsets, idx, data, sgBytes[sgUsed:], sgBytes, sgBase, sgUsed)
			sgUsed += n
		case linux.BINDER_TYPE_FDA:
			err = linuxerr.EOPNOTSUPP
		default:
			err = linuxerr.EINVAL
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// translateHandle translates a handle in the sender into a handle in the
// target, or into the object itself if the target hosts it.
func (tr *translation) translateHandle(data []byte) error {
	fbo, err := readFlatObject(data)
	if err != nil {
		return err
	}
	h := fbo.Handle()
	if h == contextManagerHandle {
		return nil
	}
	tr.sender.handlesMu.Lock()
	obj, err := tr.sender.handles.get(handleToIndex(h))
	tr.sender.handlesMu.Unlock()
	if err != nil {
		return failure(err)
	}
	if obj.owner == tr.target {
		fbo.Type = linux.BINDER_TYPE_BINDER
		fbo.Binder = obj.local.WeakRef
		fbo.Cookie = obj.local.StrongRef
		fbo.MarshalBytes(data)
		tr.dropObjects = append(tr.dropObjects, obj)
		return nil
	}
	fbo.SetHandle(tr.mintHandle(obj))
	fbo.MarshalBytes(data)
	return nil
}

// translateLocal translates an object hosted by the sender into a handle in
// the target.
func (tr *translation) translateLocal(data []byte) error {
	fbo, err := readFlatObject(data)
	if err != nil {
		return err
	}
	local := LocalObject{WeakRef: fbo.Binder, StrongRef: fbo.Cookie}
	obj := tr.sender.findOrRegisterObject(local)
	tr.senderThread.enqueue(&command{kind: cmdAcquireRef, object: local})
	fbo.Type = linux.BINDER_TYPE_HANDLE
	fbo.SetHandle(tr.mintHandle(obj))
	fbo.Cookie = 0
	fbo.MarshalBytes(data)
	return nil
}

// mintHandle inserts obj, whose reference is consumed, into the target's
// handle table for the duration of the transaction and returns its handle.
func (tr *translation) mintHandle(obj *binderObject) uint32 {
	tr.target.handlesMu.Lock()
	idx, drop := tr.target.handles.insertForTransaction(obj)
	tr.target.handlesMu.Unlock()
	if drop != nil {
		tr.dropObjects = append(tr.dropObjects, drop)
	}
	tr.refs.push(idx)
	return indexToHandle(idx)
}

// translateFD installs the sender's file in the target's descriptor table.
func (tr *translation) translateFD(data []byte) error {
	fbo, err := readFlatObject(data)
	if err != nil {
		return err
	}
	senderFDs, targetFDs := tr.sender.fdTable, tr.target.fdTable
	if senderFDs == nil || targetFDs == nil {
		return linuxerr.EINVAL
	}
	if !senderFDs.TryIncRef() {
		return linuxerr.EBADF
	}
	file, flags := senderFDs.Get(int32(fbo.Handle()))
	senderFDs.DecRef(tr.ctx)
	if file == nil {
		return linuxerr.EBADF
	}
	tr.dropFiles = append(tr.dropFiles, file)
	if !targetFDs.TryIncRef() {
		return linuxerr.EINVAL
	}
	fds, err := targetFDs.NewFDs(tr.ctx, 0, []*vfs.FileDescription{file}, flags)
	targetFDs.DecRef(tr.ctx)
	if err != nil {
		return err
	}
	fbo.SetHandle(uint32(fds[0]))
	fbo.MarshalBytes(data)
	return nil
}

// translateBuffer copies the buffer described by the object at
// offsets[idx] into dst, the unused part of the scatter-gather buffer sg,
// and rewrites the object to point at the copy. If the object has a parent,
// the pointer to it embedded in the parent's copy is rewritten as well. It
// returns the number of bytes of dst used.
func translateBuffer(cc marshal.CopyContext, offsets []uint64, idx int, data, dst, sg []byte, sgBase hostarch.Addr, sgUsed uint64) (uint64, error) {
	obj := data[offsets[idx]:]
	bbo, err := readBufferObject(obj)
	if err != nil {
		return 0, err
	}
	if bbo.Length%pointerSize != 0 || bbo.Buffer%pointerSize != 0 {
		return 0, linuxerr.EINVAL
	}
	if bbo.Length > uint64(len(dst)) {
		return 0, linuxerr.EINVAL
	}
	if _, err := cc.CopyInBytes(hostarch.Addr(bbo.Buffer), dst[:bbo.Length]); err != nil {
		return 0, err
	}
	translated := sgBase + hostarch.Addr(sgUsed)

	if bbo.Flags&linux.BINDER_BUFFER_FLAG_HAS_PARENT != 0 {
		// The parent must already have been copied into the target, or the
		// fixup would land in the sender's memory.
		if bbo.Parent >= uint64(idx) {
			return 0, linuxerr.EINVAL
		}
		parentOff := offsets[bbo.Parent]
		if parentOff >= uint64(len(data)) {
			return 0, linuxerr.EINVAL
		}
		typ, err := objectType(data[parentOff:])
		if err != nil {
			return 0, err
		}
		if typ != linux.BINDER_TYPE_PTR {
			return 0, linuxerr.EINVAL
		}
		parent, err := readBufferObject(data[parentOff:])
		if err != nil {
			return 0, err
		}
		if bbo.ParentOffset > parent.Length || parent.Length-bbo.ParentOffset < pointerSize {
			return 0, linuxerr.EINVAL
		}
		// parent.Buffer has already been translated.
		if hostarch.Addr(parent.Buffer) < sgBase {
			return 0, linuxerr.EINVAL
		}
		fixup := uint64(hostarch.Addr(parent.Buffer)-sgBase) + bbo.ParentOffset
		if fixup < bbo.ParentOffset || fixup > uint64(len(sg)) || uint64(len(sg))-fixup < pointerSize {
			return 0, linuxerr.EINVAL
		}
		hostarch.ByteOrder.PutUint64(sg[fixup:], uint64(translated))
	}

	bbo.Buffer = uint64(translated)
	bbo.MarshalBytes(obj)
	return bbo.Length, nil
}
