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

	"github.com/sentrybinder/sentrybinder/pkg/errors/linuxerr"
	"github.com/sentrybinder/sentrybinder/pkg/sync"
)

// registrationState records how a thread joined the thread pool.
type registrationState uint32

const (
	// registrationMain is set by BC_ENTER_LOOPER.
	registrationMain registrationState = 1 << 0

	// registrationRegistered is set by BC_REGISTER_LOOPER.
	registrationRegistered registrationState = 1 << 2
)

// Thread is the driver's state for one thread of a binder process. Threads
// are created lazily the first time they issue an ioctl.
type Thread struct {
	// tid and proc are immutable.
	tid  int32
	proc *Process

	// mu protects the fields below. mu is ordered after Process.queueMu.
	mu sync.Mutex

	registration registrationState

	// transactions is the thread's transaction stack. The top frame is the
	// transaction the thread is currently serving or waiting on.
	transactions []*transaction

	// commands is the thread's own command queue, which takes precedence
	// over the process queue.
	commands []*command

	// waiter is non-nil while the thread is blocked reading commands.
	waiter chan struct{}
}

// String implements fmt.Stringer.String.
func (t *Thread) String() string {
	return fmt.Sprintf("binder thread %d:%d", t.proc.pid, t.tid)
}

// register records that t has joined the thread pool.
func (t *Thread) register(state registrationState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.registration != 0 {
		return linuxerr.EINVAL
	}
	t.registration = state
	return nil
}

// unregister records that t has left the thread pool.
func (t *Thread) unregister() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registration = 0
}

// availableLocked returns true if t is registered and blocked with nothing
// to do.
//
// Preconditions: t.mu is locked.
func (t *Thread) availableLocked() bool {
	return t.registration != 0 && t.waiter != nil && len(t.commands) == 0 && len(t.transactions) == 0
}

// enqueueLocked appends cmd to t's queue and wakes t.
//
// Preconditions: t.mu is locked.
func (t *Thread) enqueueLocked(cmd *command) {
	t.commands = append(t.commands, cmd)
	if t.waiter != nil {
		select {
		case t.waiter <- struct{}{}:
		default:
		}
	}
}

// enqueue appends cmd to t's queue and wakes t.
func (t *Thread) enqueue(cmd *command) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enqueueLocked(cmd)
}

// pushTransaction pushes a frame onto t's transaction stack.
func (t *Thread) pushTransaction(txn *transaction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transactions = append(t.transactions, txn)
}

// popTransactionLocked pops frame if it is the top of t's transaction stack.
//
// Preconditions: t.mu is locked.
func (t *Thread) popTransactionLocked(frame *transaction) bool {
	n := len(t.transactions)
	if frame == nil || n == 0 || t.transactions[n-1] != frame {
		return false
	}
	t.transactions[n-1] = nil
	t.transactions = t.transactions[:n-1]
	return true
}

// popTransaction pops frame if it is the top of t's transaction stack.
func (t *Thread) popTransaction(frame *transaction) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.popTransactionLocked(frame)
}

// topTransaction returns the top of t's transaction stack, or nil.
func (t *Thread) topTransaction() *transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.transactions); n > 0 {
		return t.transactions[n-1]
	}
	return nil
}

// applyLocked updates t's transaction stack after cmd has been read by t.
//
// Preconditions: t.mu is locked.
func (t *Thread) applyLocked(cmd *command) {
	switch cmd.kind {
	case cmdTransaction:
		if !cmd.txn.oneway() {
			t.transactions = append(t.transactions, cmd.txn)
		}
	case cmdReply, cmdFailedReply, cmdDeadReply:
		t.popTransactionLocked(cmd.frame)
	}
}
