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
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sentrybinder/sentrybinder/pkg/abi/linux"
	"github.com/sentrybinder/sentrybinder/pkg/hostarch"
	"github.com/sentrybinder/sentrybinder/pkg/marshal"
)

func TestParseReturns(t *testing.T) {
	var b []byte
	b = hostarch.ByteOrder.AppendUint32(b, linux.BR_NOOP)
	b = hostarch.ByteOrder.AppendUint32(b, linux.BR_ERROR)
	b = hostarch.ByteOrder.AppendUint32(b, uint32(0xfffffff4)) // -ENOMEM
	b = hostarch.ByteOrder.AppendUint32(b, linux.BR_ACQUIRE)
	b = append(b, marshal.Marshal(&linux.BinderPtrCookie{Ptr: 1, Cookie: 2})...)
	b = hostarch.ByteOrder.AppendUint32(b, linux.BR_TRANSACTION)
	b = append(b, marshal.Marshal(&linux.BinderTransactionData{Code: 3, DataSize: 4})...)
	b = hostarch.ByteOrder.AppendUint32(b, linux.BR_DEAD_BINDER)
	b = hostarch.ByteOrder.AppendUint64(b, 0xdead)

	got, err := ParseReturns(b)
	if err != nil {
		t.Fatalf("ParseReturns failed: %v", err)
	}
	want := []Return{
		{Code: linux.BR_NOOP},
		{Code: linux.BR_ERROR, Errno: -12},
		{Code: linux.BR_ACQUIRE, Ptr: 1, Cookie: 2},
		{Code: linux.BR_TRANSACTION, Txn: linux.BinderTransactionData{Code: 3, DataSize: 4}},
		{Code: linux.BR_DEAD_BINDER, Cookie: 0xdead},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseReturns mismatch (-want +got):\n%s", diff)
	}
}

func TestParseReturnsErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		b    []byte
	}{
		{"short code", []byte{1, 2}},
		{"short payload", hostarch.ByteOrder.AppendUint32(nil, linux.BR_ERROR)},
		{"unknown code", hostarch.ByteOrder.AppendUint32(nil, 0x7299)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseReturns(tc.b); err == nil {
				t.Errorf("ParseReturns(%v) succeeded", tc.b)
			}
		})
	}
}

func TestWriter(t *testing.T) {
	w := new(Writer).Acquire(1).FreeBuffer(0x1000).EnterLooper()
	var want []byte
	want = hostarch.ByteOrder.AppendUint32(want, linux.BC_ACQUIRE)
	want = hostarch.ByteOrder.AppendUint32(want, 1)
	want = hostarch.ByteOrder.AppendUint32(want, linux.BC_FREE_BUFFER)
	want = hostarch.ByteOrder.AppendUint64(want, 0x1000)
	want = hostarch.ByteOrder.AppendUint32(want, linux.BC_ENTER_LOOPER)
	if diff := cmp.Diff(want, w.Bytes()); diff != "" {
		t.Errorf("encoded commands mismatch (-want +got):\n%s", diff)
	}

	w = new(Writer).RequestDeathNotification(1, 2)
	if got, want := w.Len(), 4+linux.SizeOfBinderHandleCookie; got != want {
		t.Errorf("BC_REQUEST_DEATH_NOTIFICATION encodes to %d bytes, want %d", got, want)
	}
}

func TestReturnString(t *testing.T) {
	for _, tc := range []struct {
		r    Return
		want string
	}{
		{Return{Code: linux.BR_TRANSACTION_COMPLETE}, "BR_TRANSACTION_COMPLETE"},
		{Return{Code: linux.BR_ERROR, Errno: -22}, "BR_ERROR(-22)"},
		{Return{Code: linux.BR_DEAD_BINDER, Cookie: 0xdead}, "BR_DEAD_BINDER(0xdead)"},
		{Return{Code: 0x7299}, "BR_0x7299"},
	} {
		if got := tc.r.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}
