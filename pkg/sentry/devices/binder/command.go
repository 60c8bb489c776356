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
)

// commandKind is the kind of a command sent from the driver to userspace.
type commandKind int

const (
	// cmdAcquireRef tells the owner of object that a remote strong reference
	// now exists (BR_ACQUIRE).
	cmdAcquireRef commandKind = iota

	// cmdReleaseRef tells the owner of object that no remote strong
	// references remain (BR_RELEASE).
	cmdReleaseRef

	// cmdError reports a malformed transaction (BR_ERROR).
	cmdError

	// cmdTransaction delivers txn to its target (BR_TRANSACTION).
	cmdTransaction

	// cmdReply delivers the reply txn to the caller (BR_REPLY).
	cmdReply

	// cmdTransactionComplete acknowledges a transaction or reply to its
	// sender (BR_TRANSACTION_COMPLETE).
	cmdTransactionComplete

	// cmdFailedReply reports a transaction that could not be delivered
	// (BR_FAILED_REPLY).
	cmdFailedReply

	// cmdDeadReply reports that the target of a transaction is dead
	// (BR_DEAD_REPLY).
	cmdDeadReply

	// cmdDeadBinder reports the death of an object's owner to a death
	// notification subscriber (BR_DEAD_BINDER).
	cmdDeadBinder
)

var commandKindNames = [...]string{
	cmdAcquireRef:          "AcquireRef",
	cmdReleaseRef:          "ReleaseRef",
	cmdError:               "Error",
	cmdTransaction:         "Transaction",
	cmdReply:               "Reply",
	cmdTransactionComplete: "TransactionComplete",
	cmdFailedReply:         "FailedReply",
	cmdDeadReply:           "DeadReply",
	cmdDeadBinder:          "DeadBinder",
}

// String implements fmt.Stringer.String.
func (k commandKind) String() string {
	if int(k) < len(commandKindNames) {
		return commandKindNames[k]
	}
	return fmt.Sprintf("commandKind(%d)", int(k))
}

// command is a notification queued for a binder thread.
type command struct {
	kind commandKind

	// object is set for cmdAcquireRef and cmdReleaseRef.
	object LocalObject

	// errno is set for cmdError. It is negative.
	errno int32

	// txn is set for cmdTransaction and cmdReply.
	txn *transaction

	// cookie is set for cmdDeadBinder.
	cookie uint64

	// frame is set for cmdReply, cmdFailedReply and cmdDeadReply sent to the
	// caller of a synchronous transaction: it is the entry on the caller's
	// transaction stack that the command completes.
	frame *transaction
}

// String implements fmt.Stringer.String.
func (c *command) String() string {
	switch c.kind {
	case cmdAcquireRef, cmdReleaseRef:
		return fmt.Sprintf("%v%v", c.kind, c.object)
	case cmdError:
		return fmt.Sprintf("%v(%d)", c.kind, c.errno)
	case cmdTransaction, cmdReply:
		return fmt.Sprintf("%v(code: %#x, flags: %#x, from: %d:%d)", c.kind, c.txn.code, c.txn.flags, c.txn.senderPID, c.txn.senderTID)
	case cmdDeadBinder:
		return fmt.Sprintf("%v(%#x)", c.kind, c.cookie)
	default:
		return c.kind.String()
	}
}

// code returns the BR_* code of c.
func (c *command) code() uint32 {
	switch c.kind {
	case cmdAcquireRef:
		return linux.BR_ACQUIRE
	case cmdReleaseRef:
		return linux.BR_RELEASE
	case cmdError:
		return linux.BR_ERROR
	case cmdTransaction:
		return linux.BR_TRANSACTION
	case cmdReply:
		return linux.BR_REPLY
	case cmdTransactionComplete:
		return linux.BR_TRANSACTION_COMPLETE
	case cmdFailedReply:
		return linux.BR_FAILED_REPLY
	case cmdDeadReply:
		return linux.BR_DEAD_REPLY
	case cmdDeadBinder:
		return linux.BR_DEAD_BINDER
	default:
		panic(fmt.Sprintf("unknown command kind %v", c.kind))
	}
}

// size returns the number of bytes c occupies on the wire.
func (c *command) size() int {
	const codeSize = 4
	switch c.kind {
	case cmdAcquireRef, cmdReleaseRef:
		return codeSize + linux.SizeOfBinderPtrCookie
	case cmdError:
		return codeSize + 4
	case cmdTransaction, cmdReply:
		return codeSize + linux.SizeOfBinderTransactionData
	case cmdDeadBinder:
		return codeSize + 8
	default:
		return codeSize
	}
}

// marshal serializes c into dst, which must be at least c.size() bytes.
func (c *command) marshal(dst []byte) {
	hostarch.ByteOrder.PutUint32(dst, c.code())
	dst = dst[4:]
	switch c.kind {
	case cmdAcquireRef, cmdReleaseRef:
		pc := linux.BinderPtrCookie{Ptr: c.object.WeakRef, Cookie: c.object.StrongRef}
		pc.MarshalBytes(dst)
	case cmdError:
		hostarch.ByteOrder.PutUint32(dst, uint32(c.errno))
	case cmdTransaction, cmdReply:
		td := c.txn.transactionData()
		td.MarshalBytes(dst)
	case cmdDeadBinder:
		hostarch.ByteOrder.PutUint64(dst, c.cookie)
	}
}

// bytes returns c serialized in a buffer of at most limit bytes, failing with
// ENOMEM if c does not fit.
func (c *command) bytes(limit uint64) ([]byte, error) {
	n := c.size()
	if uint64(n) > limit {
		return nil, linuxerr.ENOMEM
	}
	buf := make([]byte, n)
	c.marshal(buf)
	return buf, nil
}
