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
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sentrybinder/sentrybinder/pkg/abi/linux"
	"github.com/sentrybinder/sentrybinder/pkg/errors/linuxerr"
	"github.com/sentrybinder/sentrybinder/pkg/waiter"
)

func TestPingPong(t *testing.T) {
	d, reg := newTestDriver(t)
	server := newTestProc(t, d, 1)
	server.becomeContextManager()
	client := newTestProc(t, d, 2)
	st, ct := server.main(), client.main()

	ct.write(bc(linux.BC_TRANSACTION, ct.transaction(0, 1, 0, []byte("ping"))))

	in := st.expect(linux.BR_TRANSACTION)
	if in.Txn.Target != 0 || in.Txn.Code != 1 || in.Txn.SenderPID != 2 {
		t.Errorf("unexpected transaction %+v", in.Txn)
	}
	if got := string(server.shm(in.Txn.Buffer, in.Txn.DataSize)); got != "ping" {
		t.Errorf("server received %q, want %q", got, "ping")
	}

	st.write(append(bc(linux.BC_REPLY, st.transaction(0, 2, 0, []byte("pong"))), bcUint64(linux.BC_FREE_BUFFER, in.Txn.Buffer)...))
	st.expect(linux.BR_TRANSACTION_COMPLETE)

	out := ct.expect(linux.BR_REPLY)
	if out.Txn.Code != 2 || out.Txn.SenderPID != 1 {
		t.Errorf("unexpected reply %+v", out.Txn)
	}
	if got := string(client.shm(out.Txn.Buffer, out.Txn.DataSize)); got != "pong" {
		t.Errorf("client received %q, want %q", got, "pong")
	}
	ct.freeBuffer(out.Txn)

	if n := server.p.numBuffers() + client.p.numBuffers(); n != 0 {
		t.Errorf("%d buffers outstanding after both were freed", n)
	}
	if got := ct.proc.p.lookupThread(ct.tid).topTransaction(); got != nil {
		t.Errorf("client transaction stack not empty after reply")
	}
	for _, kind := range []string{kindCall, kindReply} {
		if got := metricValue(t, reg, "binder_transactions_total", "kind", kind); got != 1 {
			t.Errorf("binder_transactions_total{kind=%q} = %v, want 1", kind, got)
		}
	}
	if got := metricValue(t, reg, "binder_transaction_bytes"); got != 2 {
		t.Errorf("binder_transaction_bytes sample count = %v, want 2", got)
	}
}

func TestOnewayOrdering(t *testing.T) {
	d, reg := newTestDriver(t)
	server := newTestProc(t, d, 1)
	server.becomeContextManager()
	client := newTestProc(t, d, 2)
	st, ct := server.main(), client.main()

	var w []byte
	for code := uint32(1); code <= 3; code++ {
		w = append(w, bc(linux.BC_TRANSACTION, ct.transaction(0, code, linux.TF_ONE_WAY, nil))...)
	}
	ct.write(w)
	for i := 0; i < 3; i++ {
		ct.expect(linux.BR_TRANSACTION_COMPLETE)
	}
	if got := metricValue(t, reg, "binder_oneway_queued"); got != 2 {
		t.Errorf("binder_oneway_queued = %v, want 2", got)
	}

	for code := uint32(1); code <= 3; code++ {
		r := st.expect(linux.BR_TRANSACTION)
		if r.Txn.Code != code {
			t.Fatalf("got oneway transaction %d, want %d", r.Txn.Code, code)
		}
		if r.Txn.Flags&linux.TF_ONE_WAY == 0 {
			t.Errorf("transaction %d is missing TF_ONE_WAY", code)
		}
		// The next transaction is only delivered once this one is freed.
		if got := server.queued(); len(got) != 0 {
			t.Fatalf("commands queued while a oneway transaction is in flight: %v", got)
		}
		st.freeBuffer(r.Txn)
	}
	if got := metricValue(t, reg, "binder_oneway_queued"); got != 0 {
		t.Errorf("binder_oneway_queued = %v, want 0", got)
	}
}

func TestOnewayQueueDroppedWithObject(t *testing.T) {
	d, reg := newTestDriver(t)
	server := newTestProc(t, d, 1)
	server.becomeContextManager()
	client := newTestProc(t, d, 2)
	st, ct := server.main(), client.main()

	var w []byte
	for code := uint32(1); code <= 3; code++ {
		w = append(w, bc(linux.BC_TRANSACTION, ct.transaction(0, code, linux.TF_ONE_WAY, nil))...)
	}
	ct.write(w)
	if got := metricValue(t, reg, "binder_oneway_queued"); got != 2 {
		t.Fatalf("binder_oneway_queued = %v, want 2", got)
	}

	// Dropping the last reference on the target discards what is queued
	// behind the transaction in flight.
	d.Release()
	if got := metricValue(t, reg, "binder_oneway_queued"); got != 0 {
		t.Errorf("binder_oneway_queued = %v after the target was released, want 0", got)
	}

	r := st.expect(linux.BR_TRANSACTION)
	if r.Txn.Code != 1 {
		t.Fatalf("got oneway transaction %d, want 1", r.Txn.Code)
	}
	st.freeBuffer(r.Txn)
	for _, kind := range server.queued() {
		if kind == cmdTransaction {
			t.Errorf("oneway transaction delivered after its target was released")
		}
	}
}

func TestSyncTransactionBypassesOnewayQueue(t *testing.T) {
	d, _ := newTestDriver(t)
	server := newTestProc(t, d, 1)
	server.becomeContextManager()
	client := newTestProc(t, d, 2)
	st := server.main()
	oneway := client.thread(20)
	caller := client.thread(21)

	oneway.write(append(
		bc(linux.BC_TRANSACTION, oneway.transaction(0, 1, linux.TF_ONE_WAY, nil)),
		bc(linux.BC_TRANSACTION, oneway.transaction(0, 2, linux.TF_ONE_WAY, nil))...))
	caller.write(bc(linux.BC_TRANSACTION, caller.transaction(0, 3, 0, nil)))

	first := st.expect(linux.BR_TRANSACTION)
	second := st.expect(linux.BR_TRANSACTION)
	if got := []uint32{first.Txn.Code, second.Txn.Code}; !cmp.Equal(got, []uint32{1, 3}) {
		t.Fatalf("delivery order: got %v, want [1 3]", got)
	}
	st.write(bc(linux.BC_REPLY, st.transaction(0, 0, 0, nil)))
	st.expect(linux.BR_TRANSACTION_COMPLETE)
	caller.expect(linux.BR_REPLY)

	st.freeBuffer(first.Txn)
	if r := st.expect(linux.BR_TRANSACTION); r.Txn.Code != 2 {
		t.Errorf("got transaction %d after freeing the first oneway, want 2", r.Txn.Code)
	}
}

func TestNoContextManager(t *testing.T) {
	d, reg := newTestDriver(t)
	client := newTestProc(t, d, 2)
	ct := client.main()

	ct.write(bc(linux.BC_TRANSACTION, ct.transaction(0, 1, 0, nil)))
	r := ct.expect(linux.BR_ERROR)
	if want := -int32(linuxerr.ENOENT.Errno()); r.Errno != want {
		t.Errorf("got errno %d, want %d", r.Errno, want)
	}
	if got := metricValue(t, reg, "binder_transaction_errors_total", "kind", "malformed"); got != 1 {
		t.Errorf("binder_transaction_errors_total{kind=malformed} = %v, want 1", got)
	}
}

func TestUnknownHandle(t *testing.T) {
	d, _ := newTestDriver(t)
	client := newTestProc(t, d, 2)
	ct := client.main()

	ct.write(bc(linux.BC_TRANSACTION, ct.transaction(5, 1, 0, nil)))
	ct.expect(linux.BR_FAILED_REPLY)
	if got := client.p.lookupThread(ct.tid).topTransaction(); got != nil {
		t.Errorf("failed transaction left a frame on the stack")
	}
}

func TestReplyWithoutTransaction(t *testing.T) {
	d, _ := newTestDriver(t)
	client := newTestProc(t, d, 2)
	ct := client.main()

	ct.write(bc(linux.BC_REPLY, ct.transaction(0, 1, 0, nil)))
	r := ct.expect(linux.BR_ERROR)
	if want := -int32(linuxerr.EINVAL.Errno()); r.Errno != want {
		t.Errorf("got errno %d, want %d", r.Errno, want)
	}
}

func TestNestedTransaction(t *testing.T) {
	d, _ := newTestDriver(t)
	server := newTestProc(t, d, 1)
	server.becomeContextManager()
	client := newTestProc(t, d, 2)
	st, ct := server.main(), client.main()

	// The client hands the server an object, and the server calls back into
	// it while serving the client's transaction.
	cb := LocalObject{WeakRef: 0xc0, StrongRef: 0xc8}
	data, offsets := objects(flatBinder(cb))
	ct.write(bc(linux.BC_TRANSACTION, ct.transaction(0, 1, 0, data, offsets...)))
	ct.expect(linux.BR_ACQUIRE)

	in := st.expect(linux.BR_TRANSACTION)
	var fbo linux.FlatBinderObject
	fbo.UnmarshalBytes(server.shm(in.Txn.Buffer, in.Txn.DataSize))
	st.write(bc(linux.BC_TRANSACTION, st.transaction(fbo.Handle(), 2, 0, nil)))

	// The client thread is waiting for the server, so another thread
	// serves the callback.
	looper := client.thread(22)
	nested := looper.expect(linux.BR_TRANSACTION)
	if nested.Txn.Target != cb.WeakRef || nested.Txn.Cookie != cb.StrongRef {
		t.Errorf("callback addressed to %#x/%#x, want %v", nested.Txn.Target, nested.Txn.Cookie, cb)
	}
	looper.write(bc(linux.BC_REPLY, looper.transaction(0, 3, 0, nil)))
	looper.expect(linux.BR_TRANSACTION_COMPLETE)
	if r := st.expect(linux.BR_REPLY); r.Txn.Code != 3 {
		t.Errorf("got reply %d, want 3", r.Txn.Code)
	}

	st.write(bc(linux.BC_REPLY, st.transaction(0, 4, 0, nil)))
	st.expect(linux.BR_TRANSACTION_COMPLETE)
	if r := ct.expect(linux.BR_REPLY); r.Txn.Code != 4 {
		t.Errorf("got reply %d, want 4", r.Txn.Code)
	}
}

func TestThreadExitSendsDeadReply(t *testing.T) {
	d, _ := newTestDriver(t)
	server := newTestProc(t, d, 1)
	server.becomeContextManager()
	client := newTestProc(t, d, 2)
	st, ct := server.main(), client.main()

	ct.write(bc(linux.BC_TRANSACTION, ct.transaction(0, 1, 0, nil)))
	st.expect(linux.BR_TRANSACTION)
	if err := st.ioctl(linux.BINDER_THREAD_EXIT, 0); err != nil {
		t.Fatalf("BINDER_THREAD_EXIT: %v", err)
	}
	ct.expect(linux.BR_DEAD_REPLY)
	if got := client.p.lookupThread(ct.tid).topTransaction(); got != nil {
		t.Errorf("dead reply left a frame on the caller's stack")
	}
}

func TestTargetExitSendsDeadReply(t *testing.T) {
	d, reg := newTestDriver(t)
	server := newTestProc(t, d, 1)
	server.becomeContextManager()
	client := newTestProc(t, d, 2)
	ct := client.main()

	ct.write(bc(linux.BC_TRANSACTION, ct.transaction(0, 1, 0, nil)))
	server.close()
	ct.expect(linux.BR_DEAD_REPLY)

	// The context manager is gone along with its owner.
	ct.write(bc(linux.BC_TRANSACTION, ct.transaction(0, 1, 0, nil)))
	if r := ct.expect(linux.BR_ERROR); r.Errno != -int32(linuxerr.ENOENT.Errno()) {
		t.Errorf("got errno %d, want ENOENT", r.Errno)
	}
	if got := metricValue(t, reg, "binder_processes"); got != 1 {
		t.Errorf("binder_processes = %v, want 1", got)
	}
}

func TestReplyToDeadCaller(t *testing.T) {
	d, _ := newTestDriver(t)
	server := newTestProc(t, d, 1)
	server.becomeContextManager()
	client := newTestProc(t, d, 2)
	st, ct := server.main(), client.main()

	ct.write(bc(linux.BC_TRANSACTION, ct.transaction(0, 1, 0, nil)))
	st.expect(linux.BR_TRANSACTION)
	client.close()

	st.write(bc(linux.BC_REPLY, st.transaction(0, 2, 0, nil)))
	st.expect(linux.BR_DEAD_REPLY)
	if got := server.p.lookupThread(st.tid).topTransaction(); got != nil {
		t.Errorf("undeliverable reply left the transaction on the stack")
	}
}

func TestReadiness(t *testing.T) {
	d, _ := newTestDriver(t)
	server := newTestProc(t, d, 1)
	server.becomeContextManager()
	client := newTestProc(t, d, 2)
	ct := client.main()

	mask := waiter.EventIn | waiter.EventOut
	if got := server.fd.Readiness(mask); got != waiter.EventOut {
		t.Errorf("idle readiness: got %#x, want EventOut", got)
	}

	e, ch := waiter.NewChannelEntry(nil)
	server.fd.EventRegister(&e, waiter.EventIn)
	defer server.fd.EventUnregister(&e)

	ct.write(bc(linux.BC_TRANSACTION, ct.transaction(0, 1, linux.TF_ONE_WAY, nil)))
	select {
	case <-ch:
	default:
		t.Errorf("no EventIn notification for a queued transaction")
	}
	if got := server.fd.Readiness(mask); got != mask {
		t.Errorf("readiness with a queued transaction: got %#x, want %#x", got, mask)
	}
}

func TestReadBufferTooSmall(t *testing.T) {
	d, _ := newTestDriver(t)
	server := newTestProc(t, d, 1)
	server.becomeContextManager()
	client := newTestProc(t, d, 2)
	st, ct := server.main(), client.main()

	ct.write(bc(linux.BC_TRANSACTION, ct.transaction(0, 1, linux.TF_ONE_WAY, nil)))
	bwr, _, err := st.writeRead(nil, 8)
	if err != linuxerr.ENOMEM {
		t.Fatalf("read into 8 bytes: got %v, want ENOMEM", err)
	}
	if bwr.ReadConsumed != 0 {
		t.Errorf("read_consumed = %d, want 0", bwr.ReadConsumed)
	}
	// The transaction is still queued.
	st.expect(linux.BR_TRANSACTION)
}

func TestFreeBuffer(t *testing.T) {
	d, _ := newTestDriver(t)
	tp := newTestProc(t, d, 1)
	tt := tp.main()

	// Addresses inside the region that were never handed out are accepted.
	tt.write(bcUint64(linux.BC_FREE_BUFFER, uint64(tp.shmAddr)+64))

	if _, _, err := tt.writeRead(bcUint64(linux.BC_FREE_BUFFER, uint64(tp.shmAddr)-8), 0); err != linuxerr.EINVAL {
		t.Errorf("freeing a buffer outside the region: got %v, want EINVAL", err)
	}
}

func TestTransactionSenderCredentials(t *testing.T) {
	d, _ := newTestDriver(t)
	server := newTestProc(t, d, 1)
	server.becomeContextManager()
	client := newTestProc(t, d, 2)
	ct := client.thread(23)

	ct.write(bc(linux.BC_TRANSACTION, ct.transaction(0, 1, linux.TF_ONE_WAY, []byte{1, 2, 3})))
	r := server.main().expect(linux.BR_TRANSACTION)
	if r.Txn.SenderPID != 2 {
		t.Errorf("sender pid: got %d, want 2", r.Txn.SenderPID)
	}
	if r.Txn.SenderEUID != client.p.euid {
		t.Errorf("sender euid: got %d, want %d", r.Txn.SenderEUID, client.p.euid)
	}
	if r.Txn.Buffer < uint64(server.shmAddr) || r.Txn.Buffer+r.Txn.DataSize > uint64(server.shmAddr)+testMmapSize {
		t.Errorf("buffer %#x is outside the server's shared memory", r.Txn.Buffer)
	}
	if r.Txn.Buffer%uint64(pointerSize) != 0 {
		t.Errorf("buffer %#x is not pointer aligned", r.Txn.Buffer)
	}
	if diff := cmp.Diff([]byte{1, 2, 3}, server.shm(r.Txn.Buffer, 3)); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}
