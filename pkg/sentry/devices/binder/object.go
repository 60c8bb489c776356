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

	"github.com/sentrybinder/sentrybinder/pkg/refs"
	"github.com/sentrybinder/sentrybinder/pkg/sync"
)

// LocalObject identifies a binder object within the process hosting it, by
// the addresses of its weak and strong reference counts in that process.
type LocalObject struct {
	WeakRef   uint64
	StrongRef uint64
}

// String implements fmt.Stringer.String.
func (l LocalObject) String() string {
	return fmt.Sprintf("{weak: %#x, strong: %#x}", l.WeakRef, l.StrongRef)
}

// binderObject is an object hosted by a process and referenced by handles in
// other processes.
//
// References on a binderObject are strong references: they are held by
// handle table entries with a non-zero strong count, by the driver for the
// context manager, and temporarily by callers. When the last one is dropped
// the owner, if still alive, is sent a release command. Weak references are
// plain pointers upgraded with TryIncRef.
//
// The liveness of a binderObject is independent of the liveness of its
// owner.
type binderObject struct {
	refs refs.RefCount

	// owner is the hosting process. owner holds no reference; it is upgraded
	// with TryIncRef. owner is immutable.
	owner *Process

	// local is immutable.
	local LocalObject

	// mu protects the fields below. mu is a leaf lock: it is never held
	// while acquiring a process or thread lock.
	mu sync.Mutex

	// oneway holds oneway transactions waiting for the one in flight to be
	// freed, in submission order.
	oneway []*transaction

	// handlingOneway is true if a oneway transaction for this object has been
	// dispatched and its buffer not yet freed.
	handlingOneway bool
}

func newBinderObject(owner *Process, local LocalObject) *binderObject {
	o := &binderObject{owner: owner, local: local}
	refs.Register(o)
	return o
}

// RefType implements refs.CheckedObject.RefType.
func (o *binderObject) RefType() string {
	return "binder.binderObject"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (o *binderObject) LeakMessage() string {
	return fmt.Sprintf("[binder.binderObject %p] %v hosted by pid %d has %d references", o, o.local, o.owner.pid, o.refs.ReadRefs())
}

// IncRef takes a strong reference on o.
func (o *binderObject) IncRef() {
	o.refs.IncRef()
}

// TryIncRef upgrades a weak reference on o.
func (o *binderObject) TryIncRef() bool {
	return o.refs.TryIncRef()
}

// DecRef drops a strong reference on o.
//
// Preconditions: no process, thread or object locks are held, with the
// exception of Process.smMu.
func (o *binderObject) DecRef() {
	o.refs.DecRef(o.destroy)
}

// destroy tells the owner that no remote strong references remain. Oneway
// transactions still queued on o are dropped.
func (o *binderObject) destroy() {
	refs.Unregister(o)
	if n := o.dropOneway(); n > 0 {
		o.owner.driver.metrics.onewayQueued.Sub(float64(n))
	}
	owner := o.owner
	if !owner.TryIncRef() {
		return
	}
	defer owner.DecRef()
	owner.forgetObject(o)
	owner.enqueueToAvailableThread(&command{kind: cmdReleaseRef, object: o.local}, nil)
}

// liveOwner returns a reference on o's owner, or nil if the owner is dead.
func (o *binderObject) liveOwner() *Process {
	if o.owner.TryIncRef() {
		return o.owner
	}
	return nil
}

// queueOneway admits a oneway transaction for o. It returns true if the
// transaction should be dispatched now, or false if it was queued behind the
// oneway transaction currently in flight.
func (o *binderObject) queueOneway(t *transaction) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.handlingOneway {
		o.oneway = append(o.oneway, t)
		return false
	}
	o.handlingOneway = true
	return true
}

// nextOneway is called when the buffer of the oneway transaction in flight
// is freed. It returns the next queued transaction to dispatch, or nil if
// there is none, in which case o no longer has a oneway transaction in
// flight.
func (o *binderObject) nextOneway() *transaction {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.oneway) == 0 {
		o.handlingOneway = false
		return nil
	}
	t := o.oneway[0]
	o.oneway[0] = nil
	o.oneway = o.oneway[1:]
	return t
}

// dropOneway discards the oneway transactions waiting on o and returns how
// many there were.
func (o *binderObject) dropOneway() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.oneway)
	o.oneway = nil
	return n
}

// queuedOneway returns the number of oneway transactions waiting on o.
func (o *binderObject) queuedOneway() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.oneway)
}
