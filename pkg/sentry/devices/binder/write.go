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
	"github.com/sentrybinder/sentrybinder/pkg/log"
	"github.com/sentrybinder/sentrybinder/pkg/marshal"
	"github.com/sentrybinder/sentrybinder/pkg/marshal/primitive"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/context"
)

// writeCommands are the BC_* commands accepted in a write buffer. The size of
// each command's payload is encoded in the command.
var writeCommands = map[uint32]string{
	linux.BC_TRANSACTION:                "BC_TRANSACTION",
	linux.BC_REPLY:                      "BC_REPLY",
	linux.BC_FREE_BUFFER:                "BC_FREE_BUFFER",
	linux.BC_INCREFS:                    "BC_INCREFS",
	linux.BC_ACQUIRE:                    "BC_ACQUIRE",
	linux.BC_RELEASE:                    "BC_RELEASE",
	linux.BC_DECREFS:                    "BC_DECREFS",
	linux.BC_INCREFS_DONE:               "BC_INCREFS_DONE",
	linux.BC_ACQUIRE_DONE:               "BC_ACQUIRE_DONE",
	linux.BC_REGISTER_LOOPER:            "BC_REGISTER_LOOPER",
	linux.BC_ENTER_LOOPER:               "BC_ENTER_LOOPER",
	linux.BC_EXIT_LOOPER:                "BC_EXIT_LOOPER",
	linux.BC_REQUEST_DEATH_NOTIFICATION: "BC_REQUEST_DEATH_NOTIFICATION",
	linux.BC_CLEAR_DEATH_NOTIFICATION:   "BC_CLEAR_DEATH_NOTIFICATION",
	linux.BC_DEAD_BINDER_DONE:           "BC_DEAD_BINDER_DONE",
	linux.BC_TRANSACTION_SG:             "BC_TRANSACTION_SG",
	linux.BC_REPLY_SG:                   "BC_REPLY_SG",
}

// handleThreadWrite executes the commands in the write buffer [buf,
// buf+size) starting at *consumed, advancing *consumed past each command
// that completes.
func (p *Process) handleThreadWrite(ctx context.Context, cc marshal.CopyContext, t *Thread, buf hostarch.Addr, size uint64, consumed *uint64) error {
	const codeSize = 4
	for *consumed < size {
		remaining := size - *consumed
		if remaining < codeSize {
			return linuxerr.EINVAL
		}
		addr := buf + hostarch.Addr(*consumed)
		code, err := primitive.CopyUint32In(cc, addr)
		if err != nil {
			return err
		}
		name, ok := writeCommands[code]
		if !ok {
			log.Warningf("%v: unknown write command %#x", t, code)
			return linuxerr.EINVAL
		}
		n := uint64(linux.IOC_SIZE(code))
		if n > remaining-codeSize {
			return linuxerr.EINVAL
		}
		payload := make([]byte, n)
		if _, err := cc.CopyInBytes(addr+codeSize, payload); err != nil {
			return err
		}
		if log.IsLogging(log.Debug) {
			log.Debugf("%v: %s", t, name)
		}
		if err := p.handleWriteCommand(ctx, cc, t, code, payload); err != nil {
			return err
		}
		*consumed += codeSize + n
	}
	return nil
}

// handleWriteCommand executes one BC_* command.
func (p *Process) handleWriteCommand(ctx context.Context, cc marshal.CopyContext, t *Thread, code uint32, payload []byte) error {
	switch code {
	case linux.BC_ENTER_LOOPER:
		return t.register(registrationMain)
	case linux.BC_REGISTER_LOOPER:
		return t.register(registrationRegistered)
	case linux.BC_EXIT_LOOPER:
		t.unregister()
		return nil

	case linux.BC_INCREFS, linux.BC_ACQUIRE, linux.BC_RELEASE, linux.BC_DECREFS:
		return p.handleRefCount(code, hostarch.ByteOrder.Uint32(payload))

	case linux.BC_INCREFS_DONE, linux.BC_ACQUIRE_DONE:
		// Userspace acknowledges BR_INCREFS/BR_ACQUIRE; object lifetime is
		// tracked by the driver alone.
		return nil

	case linux.BC_FREE_BUFFER:
		return p.handleFreeBuffer(hostarch.Addr(hostarch.ByteOrder.Uint64(payload)))

	case linux.BC_REQUEST_DEATH_NOTIFICATION, linux.BC_CLEAR_DEATH_NOTIFICATION:
		var hc linux.BinderHandleCookie
		hc.UnmarshalBytes(payload)
		if code == linux.BC_REQUEST_DEATH_NOTIFICATION {
			return p.handleRequestDeathNotification(t, hc.Handle, hc.Cookie)
		}
		return p.handleClearDeathNotification(hc.Handle, hc.Cookie)

	case linux.BC_DEAD_BINDER_DONE:
		return nil

	case linux.BC_TRANSACTION, linux.BC_REPLY, linux.BC_TRANSACTION_SG, linux.BC_REPLY_SG:
		var tdsg linux.BinderTransactionDataSG
		if code == linux.BC_TRANSACTION_SG || code == linux.BC_REPLY_SG {
			tdsg.UnmarshalBytes(payload)
		} else {
			tdsg.Data.UnmarshalBytes(payload)
		}
		var err error
		if code == linux.BC_TRANSACTION || code == linux.BC_TRANSACTION_SG {
			err = p.handleTransaction(ctx, cc, t, &tdsg)
		} else {
			err = p.handleReply(ctx, cc, t, &tdsg)
		}
		if err != nil {
			p.dispatchTransactionError(t, asTransactionError(err))
		}
		return nil
	}
	panic("unreachable")
}

// dispatchTransactionError reports a failed transaction to the thread that
// sent it.
func (p *Process) dispatchTransactionError(t *Thread, err *TransactionError) {
	log.Debugf("%v: %v", t, err)
	p.driver.metrics.transactionErrors.WithLabelValues(err.Kind.String()).Inc()
	t.enqueue(err.command())
}

// handleRefCount applies a BC_INCREFS, BC_ACQUIRE, BC_RELEASE or BC_DECREFS
// to handle.
func (p *Process) handleRefCount(code, handle uint32) error {
	if handle == contextManagerHandle {
		// The context manager is held by the driver for as long as it is
		// registered.
		p.driver.unimplemented.Infof("binder: reference counting on the context manager handle is ignored")
		return nil
	}
	idx := handleToIndex(handle)
	var (
		drop *binderObject
		err  error
	)
	p.handlesMu.Lock()
	switch code {
	case linux.BC_INCREFS:
		err = p.handles.incWeak(idx)
	case linux.BC_ACQUIRE:
		err = p.handles.incStrong(idx)
	case linux.BC_RELEASE:
		drop, err = p.handles.decStrong(idx)
	case linux.BC_DECREFS:
		err = p.handles.decWeak(idx)
	}
	p.handlesMu.Unlock()
	if drop != nil {
		drop.DecRef()
	}
	return err
}
