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

package bindertest

import (
	"fmt"
	"slices"

	"github.com/sentrybinder/sentrybinder/pkg/abi/linux"
	"github.com/sentrybinder/sentrybinder/pkg/hostarch"
	"github.com/sentrybinder/sentrybinder/pkg/marshal"
)

// Writer encodes a stream of BC_* commands. The zero value is an empty
// stream. Methods return the Writer so that calls can be chained.
type Writer struct {
	buf []byte
}

// Bytes returns the encoded commands.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the length of the encoded commands in bytes.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Command appends code followed by the marshalled payloads.
func (w *Writer) Command(code uint32, payload ...marshal.Marshallable) *Writer {
	w.buf = slices.Grow(w.buf, 4+marshal.TotalSize(payload...))
	w.buf = hostarch.ByteOrder.AppendUint32(w.buf, code)
	for _, m := range payload {
		w.buf = append(w.buf, marshal.Marshal(m)...)
	}
	return w
}

func (w *Writer) command32(code, v uint32) *Writer {
	w.buf = hostarch.ByteOrder.AppendUint32(w.buf, code)
	w.buf = hostarch.ByteOrder.AppendUint32(w.buf, v)
	return w
}

func (w *Writer) command64(code uint32, v uint64) *Writer {
	w.buf = hostarch.ByteOrder.AppendUint32(w.buf, code)
	w.buf = hostarch.ByteOrder.AppendUint64(w.buf, v)
	return w
}

// Transaction appends BC_TRANSACTION.
func (w *Writer) Transaction(td *linux.BinderTransactionData) *Writer {
	return w.Command(linux.BC_TRANSACTION, td)
}

// Reply appends BC_REPLY.
func (w *Writer) Reply(td *linux.BinderTransactionData) *Writer {
	return w.Command(linux.BC_REPLY, td)
}

// TransactionSG appends BC_TRANSACTION_SG.
func (w *Writer) TransactionSG(td *linux.BinderTransactionData, buffersSize uint64) *Writer {
	return w.Command(linux.BC_TRANSACTION_SG, &linux.BinderTransactionDataSG{Data: *td, BuffersSize: buffersSize})
}

// FreeBuffer appends BC_FREE_BUFFER.
func (w *Writer) FreeBuffer(addr uint64) *Writer {
	return w.command64(linux.BC_FREE_BUFFER, addr)
}

// IncRefs appends BC_INCREFS.
func (w *Writer) IncRefs(handle uint32) *Writer {
	return w.command32(linux.BC_INCREFS, handle)
}

// Acquire appends BC_ACQUIRE.
func (w *Writer) Acquire(handle uint32) *Writer {
	return w.command32(linux.BC_ACQUIRE, handle)
}

// Release appends BC_RELEASE.
func (w *Writer) Release(handle uint32) *Writer {
	return w.command32(linux.BC_RELEASE, handle)
}

// DecRefs appends BC_DECREFS.
func (w *Writer) DecRefs(handle uint32) *Writer {
	return w.command32(linux.BC_DECREFS, handle)
}

// EnterLooper appends BC_ENTER_LOOPER.
func (w *Writer) EnterLooper() *Writer {
	return w.Command(linux.BC_ENTER_LOOPER)
}

// RequestDeathNotification appends BC_REQUEST_DEATH_NOTIFICATION.
func (w *Writer) RequestDeathNotification(handle uint32, cookie uint64) *Writer {
	return w.Command(linux.BC_REQUEST_DEATH_NOTIFICATION, &linux.BinderHandleCookie{Handle: handle, Cookie: cookie})
}

// ClearDeathNotification appends BC_CLEAR_DEATH_NOTIFICATION.
func (w *Writer) ClearDeathNotification(handle uint32, cookie uint64) *Writer {
	return w.Command(linux.BC_CLEAR_DEATH_NOTIFICATION, &linux.BinderHandleCookie{Handle: handle, Cookie: cookie})
}

// DeadBinderDone appends BC_DEAD_BINDER_DONE.
func (w *Writer) DeadBinderDone(cookie uint64) *Writer {
	return w.command64(linux.BC_DEAD_BINDER_DONE, cookie)
}

// Return is a decoded BR_* command.
type Return struct {
	Code uint32

	// Errno is the payload of BR_ERROR.
	Errno int32

	// Ptr and Cookie are the payload of BR_INCREFS, BR_ACQUIRE, BR_RELEASE
	// and BR_DECREFS. Cookie is also the payload of BR_DEAD_BINDER and
	// BR_CLEAR_DEATH_NOTIFICATION_DONE.
	Ptr    uint64
	Cookie uint64

	// Txn is the payload of BR_TRANSACTION and BR_REPLY.
	Txn linux.BinderTransactionData
}

var returnNames = map[uint32]string{
	linux.BR_ERROR:                         "BR_ERROR",
	linux.BR_OK:                            "BR_OK",
	linux.BR_TRANSACTION:                   "BR_TRANSACTION",
	linux.BR_REPLY:                         "BR_REPLY",
	linux.BR_ACQUIRE_RESULT:                "BR_ACQUIRE_RESULT",
	linux.BR_DEAD_REPLY:                    "BR_DEAD_REPLY",
	linux.BR_TRANSACTION_COMPLETE:          "BR_TRANSACTION_COMPLETE",
	linux.BR_INCREFS:                       "BR_INCREFS",
	linux.BR_ACQUIRE:                       "BR_ACQUIRE",
	linux.BR_RELEASE:                       "BR_RELEASE",
	linux.BR_DECREFS:                       "BR_DECREFS",
	linux.BR_NOOP:                          "BR_NOOP",
	linux.BR_SPAWN_LOOPER:                  "BR_SPAWN_LOOPER",
	linux.BR_FINISHED:                      "BR_FINISHED",
	linux.BR_DEAD_BINDER:                   "BR_DEAD_BINDER",
	linux.BR_CLEAR_DEATH_NOTIFICATION_DONE: "BR_CLEAR_DEATH_NOTIFICATION_DONE",
	linux.BR_FAILED_REPLY:                  "BR_FAILED_REPLY",
	linux.BR_FROZEN_REPLY:                  "BR_FROZEN_REPLY",
	linux.BR_ONEWAY_SPAM_SUSPECT:           "BR_ONEWAY_SPAM_SUSPECT",
}

// ReturnName returns the name of a BR_* code.
func ReturnName(code uint32) string {
	if name, ok := returnNames[code]; ok {
		return name
	}
	return fmt.Sprintf("BR_%#x", code)
}

// String implements fmt.Stringer.
func (r Return) String() string {
	switch r.Code {
	case linux.BR_ERROR:
		return fmt.Sprintf("BR_ERROR(%d)", r.Errno)
	case linux.BR_TRANSACTION, linux.BR_REPLY:
		return fmt.Sprintf("%s{code=%#x flags=%#x sender=%d size=%d}", ReturnName(r.Code), r.Txn.Code, r.Txn.Flags, r.Txn.SenderPID, r.Txn.DataSize)
	case linux.BR_INCREFS, linux.BR_ACQUIRE, linux.BR_RELEASE, linux.BR_DECREFS:
		return fmt.Sprintf("%s(%#x, %#x)", ReturnName(r.Code), r.Ptr, r.Cookie)
	case linux.BR_DEAD_BINDER, linux.BR_CLEAR_DEATH_NOTIFICATION_DONE:
		return fmt.Sprintf("%s(%#x)", ReturnName(r.Code), r.Cookie)
	default:
		return ReturnName(r.Code)
	}
}

// ParseReturns decodes a stream of BR_* commands as filled in by
// BINDER_WRITE_READ.
func ParseReturns(b []byte) ([]Return, error) {
	var rets []Return
	for len(b) > 0 {
		if len(b) < 4 {
			return rets, fmt.Errorf("truncated command code: %d bytes left", len(b))
		}
		r := Return{Code: hostarch.ByteOrder.Uint32(b)}
		b = b[4:]
		size := int(linux.IOC_SIZE(r.Code))
		if len(b) < size {
			return rets, fmt.Errorf("truncated %s: have %d bytes, want %d", ReturnName(r.Code), len(b), size)
		}
		payload := b[:size]
		b = b[size:]
		switch r.Code {
		case linux.BR_ERROR, linux.BR_ACQUIRE_RESULT:
			r.Errno = int32(hostarch.ByteOrder.Uint32(payload))
		case linux.BR_TRANSACTION, linux.BR_REPLY:
			r.Txn.UnmarshalBytes(payload)
		case linux.BR_INCREFS, linux.BR_ACQUIRE, linux.BR_RELEASE, linux.BR_DECREFS:
			var pc linux.BinderPtrCookie
			pc.UnmarshalBytes(payload)
			r.Ptr, r.Cookie = pc.Ptr, pc.Cookie
		case linux.BR_DEAD_BINDER, linux.BR_CLEAR_DEATH_NOTIFICATION_DONE:
			r.Cookie = hostarch.ByteOrder.Uint64(payload)
		default:
			if _, ok := returnNames[r.Code]; !ok {
				return rets, fmt.Errorf("unknown command %#x", r.Code)
			}
		}
		rets = append(rets, r)
	}
	return rets, nil
}
