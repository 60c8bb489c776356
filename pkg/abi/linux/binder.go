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

// BINDER_CURRENT_PROTOCOL_VERSION is the protocol version reported by
// BINDER_VERSION on 64-bit systems.
const BINDER_CURRENT_PROTOCOL_VERSION = 8

// Binder object types, from uapi/linux/android/binder.h.
const (
	BINDER_TYPE_BINDER      = 0x73622a85 // B_PACK_CHARS('s', 'b', '*', B_TYPE_LARGE)
	BINDER_TYPE_WEAK_BINDER = 0x77622a85 // B_PACK_CHARS('w', 'b', '*', B_TYPE_LARGE)
	BINDER_TYPE_HANDLE      = 0x73682a85 // B_PACK_CHARS('s', 'h', '*', B_TYPE_LARGE)
	BINDER_TYPE_WEAK_HANDLE = 0x77682a85 // B_PACK_CHARS('w', 'h', '*', B_TYPE_LARGE)
	BINDER_TYPE_FD          = 0x66642a85 // B_PACK_CHARS('f', 'd', '*', B_TYPE_LARGE)
	BINDER_TYPE_FDA         = 0x66646185 // B_PACK_CHARS('f', 'd', 'a', B_TYPE_LARGE)
	BINDER_TYPE_PTR         = 0x70742a85 // B_PACK_CHARS('p', 't', '*', B_TYPE_LARGE)
)

// Flags for flat_binder_object.
const (
	FLAT_BINDER_FLAG_PRIORITY_MASK    = 0xff
	FLAT_BINDER_FLAG_ACCEPTS_FDS      = 0x100
	FLAT_BINDER_FLAG_TXN_SECURITY_CTX = 0x1000
)

// Flags for binder_buffer_object.
const (
	BINDER_BUFFER_FLAG_HAS_PARENT = 0x01
)

// Transaction flags, for binder_transaction_data.flags.
const (
	TF_ONE_WAY     = 0x01
	TF_ROOT_OBJECT = 0x04
	TF_STATUS_CODE = 0x08
	TF_ACCEPT_FDS  = 0x10
	TF_CLEAR_BUF   = 0x20
)

// Commands written by userspace (binder_driver_command_protocol).
const (
	BC_TRANSACTION                = 0x40406300 // _IOW('c', 0, struct binder_transaction_data)
	BC_REPLY                      = 0x40406301 // _IOW('c', 1, struct binder_transaction_data)
	BC_ACQUIRE_RESULT             = 0x40046302 // _IOW('c', 2, __s32)
	BC_FREE_BUFFER                = 0x40086303 // _IOW('c', 3, binder_uintptr_t)
	BC_INCREFS                    = 0x40046304 // _IOW('c', 4, __u32)
	BC_ACQUIRE                    = 0x40046305 // _IOW('c', 5, __u32)
	BC_RELEASE                    = 0x40046306 // _IOW('c', 6, __u32)
	BC_DECREFS                    = 0x40046307 // _IOW('c', 7, __u32)
	BC_INCREFS_DONE               = 0x40106308 // _IOW('c', 8, struct binder_ptr_cookie)
	BC_ACQUIRE_DONE               = 0x40106309 // _IOW('c', 9, struct binder_ptr_cookie)
	BC_ATTEMPT_ACQUIRE            = 0x4008630a // _IOW('c', 10, struct binder_pri_desc)
	BC_REGISTER_LOOPER            = 0x0000630b // _IO('c', 11)
	BC_ENTER_LOOPER               = 0x0000630c // _IO('c', 12)
	BC_EXIT_LOOPER                = 0x0000630d // _IO('c', 13)
	BC_REQUEST_DEATH_NOTIFICATION = 0x400c630e // _IOW('c', 14, struct binder_handle_cookie)
	BC_CLEAR_DEATH_NOTIFICATION   = 0x400c630f // _IOW('c', 15, struct binder_handle_cookie)
	BC_DEAD_BINDER_DONE           = 0x40086310 // _IOW('c', 16, binder_uintptr_t)
	BC_TRANSACTION_SG             = 0x40486311 // _IOW('c', 17, struct binder_transaction_data_sg)
	BC_REPLY_SG                   = 0x40486312 // _IOW('c', 18, struct binder_transaction_data_sg)
)

// Commands read by userspace (binder_driver_return_protocol).
const (
	BR_ERROR                         = 0x80047200 // _IOR('r', 0, __s32)
	BR_OK                            = 0x00007201 // _IO('r', 1)
	BR_TRANSACTION                   = 0x80407202 // _IOR('r', 2, struct binder_transaction_data)
	BR_REPLY                         = 0x80407203 // _IOR('r', 3, struct binder_transaction_data)
	BR_ACQUIRE_RESULT                = 0x80047204 // _IOR('r', 4, __s32)
	BR_DEAD_REPLY                    = 0x00007205 // _IO('r', 5)
	BR_TRANSACTION_COMPLETE          = 0x00007206 // _IO('r', 6)
	BR_INCREFS                       = 0x80107207 // _IOR('r', 7, struct binder_ptr_cookie)
	BR_ACQUIRE                       = 0x80107208 // _IOR('r', 8, struct binder_ptr_cookie)
	BR_RELEASE                       = 0x80107209 // _IOR('r', 9, struct binder_ptr_cookie)
	BR_DECREFS                       = 0x8010720a // _IOR('r', 10, struct binder_ptr_cookie)
	BR_NOOP                          = 0x0000720c // _IO('r', 12)
	BR_SPAWN_LOOPER                  = 0x0000720d // _IO('r', 13)
	BR_FINISHED                      = 0x0000720e // _IO('r', 14)
	BR_DEAD_BINDER                   = 0x8008720f // _IOR('r', 15, binder_uintptr_t)
	BR_CLEAR_DEATH_NOTIFICATION_DONE = 0x80087210 // _IOR('r', 16, binder_uintptr_t)
	BR_FAILED_REPLY                  = 0x00007211 // _IO('r', 17)
	BR_FROZEN_REPLY                  = 0x00007212 // _IO('r', 18)
	BR_ONEWAY_SPAM_SUSPECT           = 0x00007213 // _IO('r', 19)
)

// BinderWriteRead is struct binder_write_read, the argument of
// BINDER_WRITE_READ.
type BinderWriteRead struct {
	WriteSize     uint64
	WriteConsumed uint64
	WriteBuffer   uint64
	ReadSize      uint64
	ReadConsumed  uint64
	ReadBuffer    uint64
}

// BinderObjectHeader is struct binder_object_header. Every object embedded
// in a transaction starts with one.
type BinderObjectHeader struct {
	Type uint32
}

// FlatBinderObject is struct flat_binder_object, used for BINDER_TYPE_BINDER,
// BINDER_TYPE_HANDLE and BINDER_TYPE_FD objects.
//
// Binder holds the union of binder_uintptr_t binder and __u32 handle; for
// handles and fds only the low 32 bits are meaningful.
type FlatBinderObject struct {
	Type   uint32
	Flags  uint32
	Binder uint64
	Cookie uint64
}

// Handle returns the handle (or fd) member of the union.
func (f *FlatBinderObject) Handle() uint32 {
	return uint32(f.Binder)
}

// SetHandle stores h in the handle member of the union, clearing the upper
// half.
func (f *FlatBinderObject) SetHandle(h uint32) {
	f.Binder = uint64(h)
}

// BinderBufferObject is struct binder_buffer_object (BINDER_TYPE_PTR).
type BinderBufferObject struct {
	Type         uint32
	Flags        uint32
	Buffer       uint64
	Length       uint64
	Parent       uint64
	ParentOffset uint64
}

// BinderFDArrayObject is struct binder_fd_array_object (BINDER_TYPE_FDA).
type BinderFDArrayObject struct {
	Type         uint32
	Pad          uint32
	NumFDs       uint64
	Parent       uint64
	ParentOffset uint64
}

// BinderTransactionData is struct binder_transaction_data.
//
// Target holds the union of __u32 handle and binder_uintptr_t ptr. Buffer and
// Offsets are the data.ptr members; the inline data.buf[8] form is not used.
type BinderTransactionData struct {
	Target      uint64
	Cookie      uint64
	Code        uint32
	Flags       uint32
	SenderPID   int32
	SenderEUID  uint32
	DataSize    uint64
	OffsetsSize uint64
	Buffer      uint64
	Offsets     uint64
}

// BinderTransactionDataSG is struct binder_transaction_data_sg.
type BinderTransactionDataSG struct {
	Data        BinderTransactionData
	BuffersSize uint64
}

// BinderHandleCookie is struct binder_handle_cookie. It is packed.
type BinderHandleCookie struct {
	Handle uint32
	Cookie uint64
}

// BinderPtrCookie is struct binder_ptr_cookie.
type BinderPtrCookie struct {
	Ptr    uint64
	Cookie uint64
}
