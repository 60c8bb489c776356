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

	"github.com/google/btree"

	"github.com/sentrybinder/sentrybinder/pkg/errors/linuxerr"
	"github.com/sentrybinder/sentrybinder/pkg/hostarch"
	"github.com/sentrybinder/sentrybinder/pkg/log"
	"github.com/sentrybinder/sentrybinder/pkg/marshal"
	"github.com/sentrybinder/sentrybinder/pkg/refs"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/context"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/kernel"
	"github.com/sentrybinder/sentrybinder/pkg/sync"
	"github.com/sentrybinder/sentrybinder/pkg/waiter"
)

const transactionBufferTreeDegree = 4

// deathSubscriber is a request for a BR_DEAD_BINDER notification.
type deathSubscriber struct {
	// proc is the subscribing process. proc holds no reference.
	proc   *Process
	cookie uint64
}

// Process is the driver's state for one process that opened the binder
// device. A Process lives as long as its file description; its references
// are held by the file description and, transiently, by operations that
// upgrade weak pointers to it.
//
// Lock order:
//
//	Process.smMu
//	  Process.poolMu
//	    Process.queueMu
//	      Thread.mu
//
// Process.handlesMu, Process.objectsMu, Process.buffersMu, Process.deathMu,
// binderObject.mu, Driver.mu and region.mapMu are leaves. A transaction
// locks the smMu of its target while running translation, which may take
// leaf locks and the queue locks of the sender. Reference drops on objects
// and processes never happen with any of these locks held, since they may
// enqueue commands.
type Process struct {
	refs refs.RefCount

	// The following fields are immutable.
	driver *Driver
	pid    int32
	euid   uint32

	// fdTable is the descriptor table of the process that opened the
	// device, or nil. fdTable holds no reference.
	fdTable *kernel.FDTable

	// smMu protects shm and serializes allocation and translation into it.
	smMu sync.Mutex
	shm  *sharedMemory

	// poolMu protects threads.
	poolMu  sync.Mutex
	threads map[int32]*Thread

	// queueMu protects commands.
	queueMu sync.Mutex

	// commands is the process-wide command queue, served by any thread
	// without more specific work.
	commands []*command

	// waitQueue is notified with EventIn when commands becomes non-empty.
	waitQueue waiter.Queue

	handlesMu sync.Mutex
	handles   handleTable

	// objects maps identities of objects hosted by this process to the
	// objects. Entries hold no references.
	objectsMu sync.Mutex
	objects   map[LocalObject]*binderObject

	// buffers holds the bookkeeping for buffers in shm that have been
	// delivered and not yet freed, ordered by address.
	buffersMu sync.Mutex
	buffers   *btree.BTreeG[*transactionBuffer]

	deathMu     sync.Mutex
	subscribers []deathSubscriber
}

func newProcess(d *Driver, pid int32, euid uint32, fdTable *kernel.FDTable) *Process {
	return &Process{
		driver:  d,
		pid:     pid,
		euid:    euid,
		fdTable: fdTable,
		threads: make(map[int32]*Thread),
		objects: make(map[LocalObject]*binderObject),
		buffers: btree.NewG[*transactionBuffer](transactionBufferTreeDegree, transactionBufferLess),
	}
}

// String implements fmt.Stringer.String.
func (p *Process) String() string {
	return fmt.Sprintf("binder process %d", p.pid)
}

// RefType implements refs.CheckedObject.RefType.
func (p *Process) RefType() string {
	return "binder.Process"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (p *Process) LeakMessage() string {
	return fmt.Sprintf("[binder.Process %p] pid %d has %d references", p, p.pid, p.refs.ReadRefs())
}

// TryIncRef takes a reference on p if p is alive.
func (p *Process) TryIncRef() bool {
	return p.refs.TryIncRef()
}

// IncRef takes a reference on p.
func (p *Process) IncRef() {
	p.refs.IncRef()
}

// DecRef drops a reference on p.
//
// Preconditions: no binder locks are held.
func (p *Process) DecRef() {
	p.refs.DecRef(p.destroy)
}

// getThread returns the thread tid of p, creating it if needed.
func (p *Process) getThread(tid int32) *Thread {
	p.poolMu.Lock()
	defer p.poolMu.Unlock()
	if t, ok := p.threads[tid]; ok {
		return t
	}
	t := &Thread{tid: tid, proc: p}
	p.threads[tid] = t
	return t
}

// lookupThread returns the thread tid of p, or nil.
func (p *Process) lookupThread(tid int32) *Thread {
	p.poolMu.Lock()
	defer p.poolMu.Unlock()
	return p.threads[tid]
}

// removeThread removes thread tid from p. Callers of transactions the
// thread was serving receive BR_DEAD_REPLY.
func (p *Process) removeThread(tid int32) {
	p.poolMu.Lock()
	t, ok := p.threads[tid]
	if !ok {
		p.poolMu.Unlock()
		return
	}
	delete(p.threads, tid)
	t.mu.Lock()
	frames := incomingFrames(t.transactions)
	t.transactions = nil
	t.commands = nil
	t.mu.Unlock()
	p.poolMu.Unlock()

	for _, f := range frames {
		sendDeadReply(f)
	}
}

// enqueueLocked appends cmd to the process queue.
//
// Preconditions: p.queueMu is locked.
func (p *Process) enqueueLocked(cmd *command) {
	p.commands = append(p.commands, cmd)
	p.waitQueue.Notify(waiter.EventIn)
}

// enqueueToAvailableThread queues cmd on an idle registered thread of p other
// than exclude, or on the process queue if there is none.
func (p *Process) enqueueToAvailableThread(cmd *command, exclude *Thread) {
	p.poolMu.Lock()
	defer p.poolMu.Unlock()
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	for _, t := range p.threads {
		if t == exclude {
			continue
		}
		t.mu.Lock()
		if t.availableLocked() {
			t.enqueueLocked(cmd)
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()
	}
	p.enqueueLocked(cmd)
}

// findOrRegisterObject returns a reference on the object hosted by p with
// identity local, creating it if needed.
func (p *Process) findOrRegisterObject(local LocalObject) *binderObject {
	p.objectsMu.Lock()
	defer p.objectsMu.Unlock()
	if o, ok := p.objects[local]; ok && o.TryIncRef() {
		return o
	}
	o := newBinderObject(p, local)
	p.objects[local] = o
	return o
}

// forgetObject removes o from p's object registry.
func (p *Process) forgetObject(o *binderObject) {
	p.objectsMu.Lock()
	defer p.objectsMu.Unlock()
	if p.objects[o.local] == o {
		delete(p.objects, o.local)
	}
}

// numObjects returns the number of registered objects hosted by p.
func (p *Process) numObjects() int {
	p.objectsMu.Lock()
	defer p.objectsMu.Unlock()
	return len(p.objects)
}

// Readiness implements waiter.Waitable.Readiness.
func (p *Process) Readiness(mask waiter.EventMask) waiter.EventMask {
	ready := waiter.EventOut
	p.queueMu.Lock()
	if len(p.commands) > 0 {
		ready |= waiter.EventIn
	}
	p.queueMu.Unlock()
	return mask & ready
}

// handleThreadRead copies the next command for t to buf, blocking until one
// is available. It returns the number of bytes written.
func (p *Process) handleThreadRead(ctx context.Context, cc marshal.CopyContext, t *Thread, buf hostarch.Addr, size uint64) (uint64, error) {
	for {
		p.queueMu.Lock()
		t.mu.Lock()
		var queue *[]*command
		switch {
		case len(t.commands) > 0:
			queue = &t.commands
		case len(t.transactions) == 0 && len(p.commands) > 0:
			// A thread in the middle of a transaction only takes work
			// addressed to it.
			queue = &p.commands
		}
		if queue != nil {
			n, err := p.readCommandLocked(cc, t, queue, buf, size)
			t.mu.Unlock()
			p.queueMu.Unlock()
			return n, err
		}

		e, ch := waiter.NewChannelEntry(nil)
		t.waiter = ch
		p.waitQueue.EventRegister(&e, waiter.EventIn)
		t.mu.Unlock()
		p.queueMu.Unlock()

		var err error
		select {
		case <-ch:
		case <-ctx.Done():
			err = linuxerr.ErrInterrupted
		}

		p.queueMu.Lock()
		t.mu.Lock()
		t.waiter = nil
		t.mu.Unlock()
		p.queueMu.Unlock()
		p.waitQueue.EventUnregister(&e)
		if err != nil {
			return 0, err
		}
	}
}

// readCommandLocked writes the command at the front of queue to buf and
// removes it from queue.
//
// Preconditions: p.queueMu and t.mu are locked.
func (p *Process) readCommandLocked(cc marshal.CopyContext, t *Thread, queue *[]*command, buf hostarch.Addr, size uint64) (uint64, error) {
	cmd := (*queue)[0]
	b, err := cmd.bytes(size)
	if err != nil {
		return 0, err
	}
	if _, err := cc.CopyOutBytes(buf, b); err != nil {
		return 0, err
	}
	(*queue)[0] = nil
	*queue = (*queue)[1:]
	t.applyLocked(cmd)
	if log.IsLogging(log.Debug) {
		log.Debugf("%v: read %v", t, cmd)
	}
	return uint64(len(b)), nil
}

// registerBuffer records the bookkeeping for a buffer delivered to p.
func (p *Process) registerBuffer(b *transactionBuffer) {
	p.buffersMu.Lock()
	defer p.buffersMu.Unlock()
	p.buffers.ReplaceOrInsert(b)
}

// removeBuffer removes and returns the bookkeeping for the buffer at addr.
func (p *Process) removeBuffer(addr hostarch.Addr) (*transactionBuffer, bool) {
	p.buffersMu.Lock()
	defer p.buffersMu.Unlock()
	return p.buffers.Delete(&transactionBuffer{addr: addr})
}

// numBuffers returns the number of outstanding buffers delivered to p.
func (p *Process) numBuffers() int {
	p.buffersMu.Lock()
	defer p.buffersMu.Unlock()
	return p.buffers.Len()
}

// incomingFrames returns the frames of stack for transactions whose callers
// are waiting for a reply.
func incomingFrames(stack []*transaction) []*transaction {
	var frames []*transaction
	for _, f := range stack {
		if f.incoming() && f.callerFrame != nil {
			frames = append(frames, f)
		}
	}
	return frames
}

// sendDeadReply tells the caller of txn that it will never be answered.
//
// Preconditions: no binder locks are held.
func sendDeadReply(txn *transaction) {
	caller := txn.sender
	if !caller.TryIncRef() {
		return
	}
	defer caller.DecRef()
	if t := caller.lookupThread(txn.senderTID); t != nil {
		t.enqueue(&command{kind: cmdDeadReply, frame: txn.callerFrame})
	}
}

// destroy tears p down once its last reference is gone.
func (p *Process) destroy() {
	refs.Unregister(p)
	d := p.driver
	d.removeProcess(p)

	// Death notifications.
	p.deathMu.Lock()
	subscribers := p.subscribers
	p.subscribers = nil
	p.deathMu.Unlock()
	for _, s := range subscribers {
		d.sendDeadBinder(s.proc, s.cookie, nil)
	}

	// Callers waiting on transactions p will never answer.
	var frames []*transaction
	p.poolMu.Lock()
	p.queueMu.Lock()
	for _, cmd := range p.commands {
		if cmd.kind == cmdTransaction && !cmd.txn.oneway() {
			frames = append(frames, cmd.txn)
		}
	}
	p.commands = nil
	for _, t := range p.threads {
		t.mu.Lock()
		for _, cmd := range t.commands {
			if cmd.kind == cmdTransaction && !cmd.txn.oneway() {
				frames = append(frames, cmd.txn)
			}
		}
		frames = append(frames, incomingFrames(t.transactions)...)
		t.commands = nil
		t.transactions = nil
		t.mu.Unlock()
	}
	p.threads = make(map[int32]*Thread)
	p.queueMu.Unlock()
	p.poolMu.Unlock()
	for _, f := range frames {
		sendDeadReply(f)
	}

	// References held by p's handles. Transaction buffers' references are
	// among them.
	p.handlesMu.Lock()
	objs := p.handles.releaseAll()
	p.handlesMu.Unlock()
	for _, obj := range objs {
		obj.DecRef()
	}

	p.buffersMu.Lock()
	p.buffers.Clear(false)
	p.buffersMu.Unlock()

	p.objectsMu.Lock()
	clear(p.objects)
	p.objectsMu.Unlock()

	p.smMu.Lock()
	shm := p.shm
	p.shm = nil
	p.smMu.Unlock()
	if shm != nil {
		shm.region.releaseProcess()
		d.metrics.sharedMemoryBytes.Sub(float64(shm.nextFree))
	}
	log.Debugf("%v: released", p)
}
