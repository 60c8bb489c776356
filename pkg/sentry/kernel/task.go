// Copyright 2018 The gVisor Authors.
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

package kernel

import (
	"fmt"
	"time"

	"github.com/sentrybinder/sentrybinder/pkg/errors/linuxerr"
	"github.com/sentrybinder/sentrybinder/pkg/hostarch"
	"github.com/sentrybinder/sentrybinder/pkg/log"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/context"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/kernel/auth"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/mm"
	"github.com/sentrybinder/sentrybinder/pkg/sync"
	"github.com/sentrybinder/sentrybinder/pkg/usermem"
)

// copyScratchBufferLen is the length of Task.copyScratchBuffer.
const copyScratchBufferLen = 144 // sizeof(struct binder_transaction_data_sg) * 2

// ThreadGroup represents a thread group, i.e. a process: the set of tasks
// sharing an address space, a file descriptor table and credentials.
type ThreadGroup struct {
	k *Kernel

	// tgid is the thread group ID, equal to the leader's thread ID. tgid is
	// immutable.
	tgid ThreadID

	// name is immutable.
	name string

	// creds is immutable.
	creds *auth.Credentials

	// mm is the thread group's address space. mm is immutable; its user
	// count is dropped when the last task exits.
	mm *mm.MemoryManager

	// fdTable is immutable; its reference is dropped when the last task
	// exits.
	fdTable *FDTable

	// mu protects tasks.
	mu    sync.Mutex
	tasks map[ThreadID]*Task
}

// ID returns tg's thread group ID.
func (tg *ThreadGroup) ID() ThreadID {
	return tg.tgid
}

// Name returns tg's name.
func (tg *ThreadGroup) Name() string {
	return tg.name
}

// Credentials returns tg's credentials.
func (tg *ThreadGroup) Credentials() *auth.Credentials {
	return tg.creds
}

// MemoryManager returns tg's address space.
func (tg *ThreadGroup) MemoryManager() *mm.MemoryManager {
	return tg.mm
}

// FDTable returns tg's file descriptor table.
func (tg *ThreadGroup) FDTable() *FDTable {
	return tg.fdTable
}

// Leader returns tg's leader, or nil if the leader has exited.
func (tg *ThreadGroup) Leader() *Task {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	return tg.tasks[tg.tgid]
}

// Count returns the number of live tasks in tg.
func (tg *ThreadGroup) Count() int {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	return len(tg.tasks)
}

// Task represents a thread of execution in an emulated application.
//
// Each Task is driven by exactly one goroutine, called the task goroutine,
// which passes the Task as the Context for every system call it makes.
// Other goroutines may only call Interrupt and the immutable accessors.
type Task struct {
	k  *Kernel
	tg *ThreadGroup

	// tid is immutable.
	tid ThreadID

	// logPrefix is immutable.
	logPrefix string

	// mu protects the fields below.
	mu sync.Mutex

	// interruptChan is closed when the task is interrupted and replaced
	// once a system call has observed the interrupt.
	interruptChan chan struct{}

	// interrupted is true if interruptChan is closed.
	interrupted bool

	// exited is true after Exit.
	exited bool

	// copyScratchBuffer is a buffer available to CopyIn/CopyOut
	// implementations that require an intermediate buffer to copy data
	// into/out of. It prevents these buffers from being allocated/zeroed in
	// each syscall and eventually garbage collected.
	//
	// copyScratchBuffer is exclusive to the task goroutine.
	copyScratchBuffer [copyScratchBufferLen]byte
}

// newTaskLocked creates a task with the given ID in tg.
//
// Preconditions: k.tasksMu must be locked.
func (k *Kernel) newTaskLocked(tg *ThreadGroup, tid ThreadID) *Task {
	t := &Task{
		k:             k,
		tg:            tg,
		tid:           tid,
		logPrefix:     fmt.Sprintf("[% 4d:% 4d] ", tg.tgid, tid),
		interruptChan: make(chan struct{}),
	}
	tg.mu.Lock()
	tg.tasks[tid] = t
	tg.mu.Unlock()
	k.tasks[tid] = t
	return t
}

// NewThread creates a new task in t's thread group.
func (t *Task) NewThread() (*Task, error) {
	k := t.k
	k.tasksMu.Lock()
	defer k.tasksMu.Unlock()
	if _, ok := k.threadGroups[t.tg.tgid]; !ok {
		return nil, linuxerr.ESRCH
	}
	tid, err := k.allocateTIDLocked()
	if err != nil {
		return nil, err
	}
	nt := k.newTaskLocked(t.tg, tid)
	nt.Debugf("Created thread")
	return nt, nil
}

// Exit removes t from its thread group. When the last task of a thread group
// exits, the thread group's file descriptor table and address space are
// released, which closes every file it held open.
func (t *Task) Exit() {
	t.mu.Lock()
	if t.exited {
		t.mu.Unlock()
		return
	}
	t.exited = true
	t.mu.Unlock()

	k := t.k
	tg := t.tg
	k.tasksMu.Lock()
	delete(k.tasks, t.tid)
	tg.mu.Lock()
	delete(tg.tasks, t.tid)
	last := len(tg.tasks) == 0
	tg.mu.Unlock()
	if last {
		delete(k.threadGroups, tg.tgid)
	}
	k.tasksMu.Unlock()

	t.Debugf("Exiting")
	if last {
		// Release file descriptors before the address space so that
		// Release implementations may still observe their mappings.
		tg.fdTable.DecRef(t)
		tg.mm.DecUsers(t)
	}
}

// Kernel returns the Kernel containing t.
func (t *Task) Kernel() *Kernel {
	return t.k
}

// ThreadGroup returns the thread group containing t.
func (t *Task) ThreadGroup() *ThreadGroup {
	return t.tg
}

// ThreadID returns t's thread ID.
func (t *Task) ThreadID() ThreadID {
	return t.tid
}

// Credentials returns t's credentials.
func (t *Task) Credentials() *auth.Credentials {
	return t.tg.creds
}

// MemoryManager returns t's address space.
func (t *Task) MemoryManager() *mm.MemoryManager {
	return t.tg.mm
}

// FDTable returns t's file descriptor table.
func (t *Task) FDTable() *FDTable {
	return t.tg.fdTable
}

// Interrupt interrupts t. If t is blocked, it wakes with EINTR; otherwise
// the interrupt stays pending until a blocking operation observes it.
func (t *Task) Interrupt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.interrupted {
		t.interrupted = true
		close(t.interruptChan)
	}
}

// Interrupted returns true if t has a pending interrupt.
func (t *Task) Interrupted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interrupted
}

// consumeInterrupt clears a pending interrupt after a system call has
// returned EINTR because of it.
func (t *Task) consumeInterrupt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.interrupted {
		t.interrupted = false
		t.interruptChan = make(chan struct{})
	}
}

// Deadline implements context.Context.Deadline.
func (*Task) Deadline() (time.Time, bool) {
	return time.Time{}, false
}

// Done implements context.Context.Done. The returned channel is closed when
// t is interrupted.
func (t *Task) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interruptChan
}

// Err implements context.Context.Err.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.interrupted {
		return linuxerr.ErrInterrupted
	}
	return nil
}

// Value implements context.Context.Value.
func (t *Task) Value(key any) any {
	switch key {
	case CtxKernel:
		return t.k
	case CtxTask:
		return t
	case auth.CtxCredentials:
		return t.Credentials()
	case context.CtxThreadGroupID:
		return int32(t.tg.tgid)
	case context.CtxThreadID:
		return int32(t.tid)
	default:
		return nil
	}
}

// Debugf implements log.Logger.Debugf.
func (t *Task) Debugf(format string, v ...any) {
	if t.k.logger.IsLogging(log.Debug) {
		t.k.logger.Debugf(t.logPrefix+format, v...)
	}
}

// Infof implements log.Logger.Infof.
func (t *Task) Infof(format string, v ...any) {
	if t.k.logger.IsLogging(log.Info) {
		t.k.logger.Infof(t.logPrefix+format, v...)
	}
}

// Warningf implements log.Logger.Warningf.
func (t *Task) Warningf(format string, v ...any) {
	if t.k.logger.IsLogging(log.Warning) {
		t.k.logger.Warningf(t.logPrefix+format, v...)
	}
}

// IsLogging implements log.Logger.IsLogging.
func (t *Task) IsLogging(level log.Level) bool {
	return t.k.logger.IsLogging(level)
}

// CopyScratchBuffer returns a scratch buffer to be used in CopyIn/CopyOut
// functions. It must only be used within those functions and can only be used
// by the task goroutine; it exists to improve performance and thus
// intentionally lacks any synchronization.
//
// Callers should pass a constant value as an argument if possible, which will
// allow the compiler to inline and optimize out the if statement below.
func (t *Task) CopyScratchBuffer(size int) []byte {
	if size > copyScratchBufferLen {
		return make([]byte, size)
	}
	return t.copyScratchBuffer[:size]
}

// CopyInBytes is a fast version of CopyIn if the caller can serialize the
// data without reflection and pass in a byte slice.
func (t *Task) CopyInBytes(addr hostarch.Addr, dst []byte) (int, error) {
	return t.MemoryManager().CopyIn(t, addr, dst, usermem.IOOpts{})
}

// CopyOutBytes is a fast version of CopyOut if the caller can serialize the
// data without reflection and pass in a byte slice.
func (t *Task) CopyOutBytes(addr hostarch.Addr, src []byte) (int, error) {
	return t.MemoryManager().CopyOut(t, addr, src, usermem.IOOpts{})
}
