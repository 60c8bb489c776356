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

package linux

import (
	"github.com/sentrybinder/sentrybinder/pkg/hostarch"
	"github.com/sentrybinder/sentrybinder/pkg/marshal"
)

// Sizes of the binder wire structs.
var (
	SizeOfBinderWriteRead         = (*BinderWriteRead)(nil).SizeBytes()
	SizeOfBinderObjectHeader      = (*BinderObjectHeader)(nil).SizeBytes()
	SizeOfFlatBinderObject        = (*FlatBinderObject)(nil).SizeBytes()
	SizeOfBinderBufferObject      = (*BinderBufferObject)(nil).SizeBytes()
	SizeOfBinderFDArrayObject     = (*BinderFDArrayObject)(nil).SizeBytes()
	SizeOfBinderTransactionData   = (*BinderTransactionData)(nil).SizeBytes()
	SizeOfBinderTransactionDataSG = (*BinderTransactionDataSG)(nil).SizeBytes()
	SizeOfBinderHandleCookie      = (*BinderHandleCookie)(nil).SizeBytes()
	SizeOfBinderPtrCookie         = (*BinderPtrCookie)(nil).SizeBytes()
)

var (
	_ marshal.Marshallable = (*BinderWriteRead)(nil)
	_ marshal.Marshallable = (*BinderObjectHeader)(nil)
	_ marshal.Marshallable = (*FlatBinderObject)(nil)
	_ marshal.Marshallable = (*BinderBufferObject)(nil)
	_ marshal.Marshallable = (*BinderFDArrayObject)(nil)
	_ marshal.Marshallable = (*BinderTransactionData)(nil)
	_ marshal.Marshallable = (*BinderTransactionDataSG)(nil)
	_ marshal.Marshallable = (*BinderHandleCookie)(nil)
	_ marshal.Marshallable = (*BinderPtrCookie)(nil)
)

func putUint32(dst []byte, v uint32) []byte {
	hostarch.ByteOrder.PutUint32(dst[:4], v)
	return dst[4:]
}

func putUint64(dst []byte, v uint64) []byte {
	hostarch.ByteOrder.PutUint64(dst[:8], v)
	return dst[8:]
}

func getUint32(src []byte, v *uint32) []byte {
	*v = hostarch.ByteOrder.Uint32(src[:4])
	return src[4:]
}

func getUint64(src []byte, v *uint64) []byte {
	*v = hostarch.ByteOrder.Uint64(src[:8])
	return src[8:]
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (b *BinderWriteRead) SizeBytes() int {
	return 48
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (b *BinderWriteRead) MarshalBytes(dst []byte) []byte {
	dst = putUint64(dst, b.WriteSize)
	dst = putUint64(dst, b.WriteConsumed)
	dst = putUint64(dst, b.WriteBuffer)
	dst = putUint64(dst, b.ReadSize)
	dst = putUint64(dst, b.ReadConsumed)
	return putUint64(dst, b.ReadBuffer)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (b *BinderWriteRead) UnmarshalBytes(src []byte) []byte {
	src = getUint64(src, &b.WriteSize)
	src = getUint64(src, &b.WriteConsumed)
	src = getUint64(src, &b.WriteBuffer)
	src = getUint64(src, &b.ReadSize)
	src = getUint64(src, &b.ReadConsumed)
	return getUint64(src, &b.ReadBuffer)
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (h *BinderObjectHeader) SizeBytes() int {
	return 4
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (h *BinderObjectHeader) MarshalBytes(dst []byte) []byte {
	return putUint32(dst, h.Type)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (h *BinderObjectHeader) UnmarshalBytes(src []byte) []byte {
	return getUint32(src, &h.Type)
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (f *FlatBinderObject) SizeBytes() int {
	return 24
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (f *FlatBinderObject) MarshalBytes(dst []byte) []byte {
	dst = putUint32(dst, f.Type)
	dst = putUint32(dst, f.Flags)
	dst = putUint64(dst, f.Binder)
	return putUint64(dst, f.Cookie)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (f *FlatBinderObject) UnmarshalBytes(src []byte) []byte {
	src = getUint32(src, &f.Type)
	src = getUint32(src, &f.Flags)
	src = getUint64(src, &f.Binder)
	return getUint64(src, &f.Cookie)
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (b *BinderBufferObject) SizeBytes() int {
	return 40
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (b *BinderBufferObject) MarshalBytes(dst []byte) []byte {
	dst = putUint32(dst, b.Type)
	dst = putUint32(dst, b.Flags)
	dst = putUint64(dst, b.Buffer)
	dst = putUint64(dst, b.Length)
	dst = putUint64(dst, b.Parent)
	return putUint64(dst, b.ParentOffset)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (b *BinderBufferObject) UnmarshalBytes(src []byte) []byte {
	src = getUint32(src, &b.Type)
	src = getUint32(src, &b.Flags)
	src = getUint64(src, &b.Buffer)
	src = getUint64(src, &b.Length)
	src = getUint64(src, &b.Parent)
	return getUint64(src, &b.ParentOffset)
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (f *BinderFDArrayObject) SizeBytes() int {
	return 32
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (f *BinderFDArrayObject) MarshalBytes(dst []byte) []byte {
	dst = putUint32(dst, f.Type)
	dst = putUint32(dst, f.Pad)
	dst = putUint64(dst, f.NumFDs)
	dst = putUint64(dst, f.Parent)
	return putUint64(dst, f.ParentOffset)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (f *BinderFDArrayObject) UnmarshalBytes(src []byte) []byte {
	src = getUint32(src, &f.Type)
	src = getUint32(src, &f.Pad)
	src = getUint64(src, &f.NumFDs)
	src = getUint64(src, &f.Parent)
	return getUint64(src, &f.ParentOffset)
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (t *BinderTransactionData) SizeBytes() int {
	return 64
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (t *BinderTransactionData) MarshalBytes(dst []byte) []byte {
	dst = putUint64(dst, t.Target)
	dst = putUint64(dst, t.Cookie)
	dst = putUint32(dst, t.Code)
	dst = putUint32(dst, t.Flags)
	dst = putUint32(dst, uint32(t.SenderPID))
	dst = putUint32(dst, t.SenderEUID)
	dst = putUint64(dst, t.DataSize)
	dst = putUint64(dst, t.OffsetsSize)
	dst = putUint64(dst, t.Buffer)
	return putUint64(dst, t.Offsets)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (t *BinderTransactionData) UnmarshalBytes(src []byte) []byte {
	var pid uint32
	src = getUint64(src, &t.Target)
	src = getUint64(src, &t.Cookie)
	src = getUint32(src, &t.Code)
	src = getUint32(src, &t.Flags)
	src = getUint32(src, &pid)
	t.SenderPID = int32(pid)
	src = getUint32(src, &t.SenderEUID)
	src = getUint64(src, &t.DataSize)
	src = getUint64(src, &t.OffsetsSize)
	src = getUint64(src, &t.Buffer)
	return getUint64(src, &t.Offsets)
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (t *BinderTransactionDataSG) SizeBytes() int {
	return 72
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (t *BinderTransactionDataSG) MarshalBytes(dst []byte) []byte {
	dst = t.Data.MarshalBytes(dst)
	return putUint64(dst, t.BuffersSize)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (t *BinderTransactionDataSG) UnmarshalBytes(src []byte) []byte {
	src = t.Data.UnmarshalBytes(src)
	return getUint64(src, &t.BuffersSize)
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (h *BinderHandleCookie) SizeBytes() int {
	return 12
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (h *BinderHandleCookie) MarshalBytes(dst []byte) []byte {
	dst = putUint32(dst, h.Handle)
	return putUint64(dst, h.Cookie)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (h *BinderHandleCookie) UnmarshalBytes(src []byte) []byte {
	src = getUint32(src, &h.Handle)
	return getUint64(src, &h.Cookie)
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (p *BinderPtrCookie) SizeBytes() int {
	return 16
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (p *BinderPtrCookie) MarshalBytes(dst []byte) []byte {
	dst = putUint64(dst, p.Ptr)
	return putUint64(dst, p.Cookie)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (p *BinderPtrCookie) UnmarshalBytes(src []byte) []byte {
	src = getUint64(src, &p.Ptr)
	return getUint64(src, &p.Cookie)
}
