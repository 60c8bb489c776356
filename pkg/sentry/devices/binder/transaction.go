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

	"github.com/sentrybinder/sentrybinder/pkg/abi/linux"
	"github.com/sentrybinder/sentrybinder/pkg/errors/linuxerr"
	"github.com/sentrybinder/sentrybinder/pkg/hostarch"
	"github.com/sentrybinder/sentrybinder/pkg/marshal"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/context"
)

// transactionTarget is the object a transaction is addressed to, as seen by
// the process receiving it.
type transactionTarget struct {
	// isLocal is true if the receiver hosts the object, in which case local
	// identifies it. Otherwise handle is a handle in the receiver's table.
	isLocal bool
	local   LocalObject
	handle  uint32
}

// transaction is a transaction or reply in flight. It is immutable once
// queued.
//
// A transaction is also used as a frame on a thread's transaction stack.
// Frames for transactions received by a thread are the transactions
// themselves; a thread that sends a synchronous transaction pushes a
// placeholder frame carrying only peerPID.
type transaction struct {
	// sender is the sending process. sender holds no reference.
	sender     *Process
	senderPID  int32
	senderTID  int32
	senderEUID uint32

	target transactionTarget
	code   uint32
	flags  uint32

	data    userBuffer
	offsets userBuffer

	// callerFrame is the placeholder frame pushed by the sender of a
	// synchronous transaction, or nil for oneway transactions and replies.
	callerFrame *transaction

	// peerPID is set on placeholder frames; it is the pid of the process
	// the transaction was sent to.
	peerPID int32
}

func (t *transaction) oneway() bool {
	return t.flags&linux.TF_ONE_WAY != 0
}

// incoming returns true if t was received by the thread whose stack it is
// on, as opposed to being a placeholder for an outgoing transaction.
func (t *transaction) incoming() bool {
	return t.sender != nil
}

// transactionData returns the binder_transaction_data delivered to the
// receiver of t.
func (t *transaction) transactionData() linux.BinderTransactionData {
	td := linux.BinderTransactionData{
		Code:        t.code,
		Flags:       t.flags,
		SenderPID:   t.senderPID,
		SenderEUID:  t.senderEUID,
		DataSize:    t.data.length,
		OffsetsSize: t.offsets.length,
		Buffer:      uint64(t.data.addr),
		Offsets:     uint64(t.offsets.addr),
	}
	if t.target.isLocal {
		td.Target = t.target.local.WeakRef
		td.Cookie = t.target.local.StrongRef
	} else {
		td.Target = uint64(t.target.handle)
	}
	return td
}

// TransactionErrorKind classifies a failed transaction.
type TransactionErrorKind int

const (
	// Malformed is a transaction that the driver rejected as invalid. The
	// sender receives BR_ERROR with the negated errno.
	Malformed TransactionErrorKind = iota

	// Failure is a transaction that could not be delivered, for instance
	// because its target handle does not exist or one of its objects could
	// not be translated. The sender receives BR_FAILED_REPLY.
	Failure

	// Dead is a transaction whose target process has exited. The sender
	// receives BR_DEAD_REPLY.
	Dead
)

// String implements fmt.Stringer.String.
func (k TransactionErrorKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case Failure:
		return "failure"
	case Dead:
		return "dead"
	default:
		return fmt.Sprintf("TransactionErrorKind(%d)", int(k))
	}
}

// TransactionError is an error in the transaction path. It is reported to
// the originating thread through its command queue rather than as the
// result of the ioctl.
type TransactionError struct {
	Kind TransactionErrorKind

	// Err is the underlying error. For Malformed it determines the errno
	// reported in BR_ERROR.
	Err error
}

// Error implements error.Error.
func (e *TransactionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("binder transaction %v", e.Kind)
	}
	return fmt.Sprintf("binder transaction %v: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransactionError) Unwrap() error {
	return e.Err
}

func malformed(err error) *TransactionError {
	return &TransactionError{Kind: Malformed, Err: err}
}

func failure(err error) *TransactionError {
	return &TransactionError{Kind: Failure, Err: err}
}

func dead() *TransactionError {
	return &TransactionError{Kind: Dead}
}

// asTransactionError classifies err. Errors that are not already a
// TransactionError are Malformed.
func asTransactionError(err error) *TransactionError {
	if te, ok := err.(*TransactionError); ok {
		return te
	}
	return malformed(err)
}

// command returns the command reporting e to the sender of the transaction.
func (e *TransactionError) command() *command {
	switch e.Kind {
	case Failure:
		return &command{kind: cmdFailedReply}
	case Dead:
		return &command{kind: cmdDeadReply}
	default:
		return &command{kind: cmdError, errno: -int32(errnoOf(e.Err))}
	}
}

// errnoOf returns the errno carried by err, or EINVAL if there is none.
func errnoOf(err error) uint32 {
	if lerr, ok := linuxerr.TranslateError(err); ok {
		return uint32(lerr.Errno())
	}
	return uint32(linuxerr.EINVAL.Errno())
}

// transactionRefs holds the handle table entries minted in the receiving
// process while translating a transaction. Each holds one strong count on
// behalf of the transaction, dropped when the transaction's buffer is freed
// or the transaction fails.
type transactionRefs struct {
	proc    *Process
	handles []int
}

func (r *transactionRefs) push(idx int) {
	r.handles = append(r.handles, idx)
}

// release drops the strong counts held by r.
//
// Preconditions: no process locks other than Process.smMu are held.
func (r *transactionRefs) release() {
	if r.proc == nil || len(r.handles) == 0 {
		return
	}
	var drop []*binderObject
	r.proc.handlesMu.Lock()
	for _, idx := range r.handles {
		obj, err := r.proc.handles.decStrong(idx)
		if err != nil {
			// The table was emptied when the process exited.
			continue
		}
		if obj != nil {
			drop = append(drop, obj)
		}
	}
	r.proc.handlesMu.Unlock()
	r.handles = nil
	for _, obj := range drop {
		obj.DecRef()
	}
}

// transactionBuffer is the bookkeeping attached to a buffer allocated in a
// process's shared memory for a received transaction.
type transactionBuffer struct {
	// addr is the user address of the transaction's data buffer.
	addr hostarch.Addr

	refs transactionRefs

	// oneway is the target object of a oneway transaction, or nil for a
	// transaction expecting a reply. oneway holds no reference.
	oneway *binderObject
}

func transactionBufferLess(a, b *transactionBuffer) bool {
	return a.addr < b.addr
}

// handleTransaction starts a transaction sent by thread t of p.
func (p *Process) handleTransaction(ctx context.Context, cc marshal.CopyContext, t *Thread, tdsg *linux.BinderTransactionDataSG) error {
	td := &tdsg.Data
	handle := uint32(td.Target)
	var (
		obj    *binderObject
		target *Process
	)
	if handle == contextManagerHandle {
		var err error
		if obj, target, err = p.driver.getContextManager(); err != nil {
			return malformed(err)
		}
	} else {
		p.handlesMu.Lock()
		o, err := p.handles.get(handleToIndex(handle))
		p.handlesMu.Unlock()
		if err != nil {
			return failure(err)
		}
		if target = o.liveOwner(); target == nil {
			o.DecRef()
			return dead()
		}
		obj = o
	}
	defer target.DecRef()
	defer obj.DecRef()

	tr := translation{
		ctx:          ctx,
		cc:           cc,
		sender:       p,
		senderThread: t,
		target:       target,
		refs:         transactionRefs{proc: target},
	}
	bufs, err := tr.copyTransactionBuffers(td, tdsg.BuffersSize)
	if err != nil {
		return err
	}

	txn := &transaction{
		sender:     p,
		senderPID:  p.pid,
		senderTID:  t.tid,
		senderEUID: p.euid,
		code:       td.Code,
		flags:      td.Flags,
		data:       bufs.data.userBuffer(),
		offsets:    bufs.offsets.userBuffer(),
	}
	if handle == contextManagerHandle {
		// The context manager is always addressed by handle, even from its
		// own process.
		txn.target = transactionTarget{handle: contextManagerHandle}
	} else {
		txn.target = transactionTarget{isLocal: true, local: obj.local}
	}
	buf := &transactionBuffer{addr: txn.data.addr, refs: tr.refs}
	m := p.driver.metrics

	if txn.oneway() {
		t.enqueue(&command{kind: cmdTransactionComplete})
		buf.oneway = obj
		target.registerBuffer(buf)
		m.transactions.WithLabelValues(kindOneway).Inc()
		if !obj.queueOneway(txn) {
			// Delivered once the buffer of the oneway transaction in
			// flight is freed.
			m.onewayQueued.Inc()
			return nil
		}
	} else {
		frame := &transaction{peerPID: target.pid}
		t.pushTransaction(frame)
		txn.callerFrame = frame
		target.registerBuffer(buf)
		m.transactions.WithLabelValues(kindCall).Inc()
	}
	target.enqueueToAvailableThread(&command{kind: cmdTransaction, txn: txn}, nil)
	return nil
}

// handleReply answers the transaction at the top of t's stack.
func (p *Process) handleReply(ctx context.Context, cc marshal.CopyContext, t *Thread, tdsg *linux.BinderTransactionDataSG) error {
	in := t.topTransaction()
	if in == nil || !in.incoming() || in.callerFrame == nil {
		return malformed(linuxerr.EINVAL)
	}

	// The transaction is answered, whether or not the reply can be
	// delivered.
	t.popTransaction(in)
	caller := in.sender
	if !caller.TryIncRef() {
		return dead()
	}
	defer caller.DecRef()
	callerThread := caller.lookupThread(in.senderTID)
	if callerThread == nil {
		return dead()
	}

	td := &tdsg.Data
	tr := translation{
		ctx:          ctx,
		cc:           cc,
		sender:       p,
		senderThread: t,
		target:       caller,
		refs:         transactionRefs{proc: caller},
	}
	bufs, err := tr.copyTransactionBuffers(td, tdsg.BuffersSize)
	if err != nil {
		// Don't leave the caller waiting for a reply that will never
		// arrive.
		callerThread.enqueue(&command{kind: cmdFailedReply, frame: in.callerFrame})
		return err
	}

	reply := &transaction{
		sender:     p,
		senderPID:  p.pid,
		senderTID:  t.tid,
		senderEUID: p.euid,
		target:     transactionTarget{handle: contextManagerHandle},
		code:       td.Code,
		flags:      td.Flags,
		data:       bufs.data.userBuffer(),
		offsets:    bufs.offsets.userBuffer(),
	}
	caller.registerBuffer(&transactionBuffer{addr: reply.data.addr, refs: tr.refs})
	callerThread.enqueue(&command{kind: cmdReply, txn: reply, frame: in.callerFrame})
	t.enqueue(&command{kind: cmdTransactionComplete})
	p.driver.metrics.transactions.WithLabelValues(kindReply).Inc()
	return nil
}

// handleFreeBuffer releases the buffer at addr, delivered to p by a
// transaction or reply. Freeing the buffer of a oneway transaction
// dispatches the next oneway transaction queued on the same object.
func (p *Process) handleFreeBuffer(addr hostarch.Addr) error {
	if buf, ok := p.removeBuffer(addr); ok {
		buf.refs.release()
		if obj := buf.oneway; obj != nil && obj.TryIncRef() {
			if next := obj.nextOneway(); next != nil {
				p.driver.metrics.onewayQueued.Dec()
				p.enqueueToAvailableThread(&command{kind: cmdTransaction, txn: next}, nil)
			}
			obj.DecRef()
		}
	}

	p.smMu.Lock()
	defer p.smMu.Unlock()
	if p.shm == nil {
		return linuxerr.ENOMEM
	}
	return p.shm.freeBuffer(addr)
}
