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

// Package waiter implements wait queues for readiness notification.
//
// An object that can become ready embeds a Queue and implements Waitable.
// Blocking callers register an Entry, recheck readiness, and only then
// sleep, so that a notification between the first check and the
// registration is not lost:
//
//	e, ch := waiter.NewChannelEntry(nil)
//	w.EventRegister(&e, waiter.ReadableEvents)
//	defer w.EventUnregister(&e)
//	for w.Readiness(waiter.ReadableEvents) == 0 {
//		<-ch
//	}
package waiter

import (
	"github.com/sentrybinder/sentrybinder/pkg/sync"
)

// EventMask is a set of poll(2) events.
type EventMask uint64

// poll(2) event bits.
const (
	EventIn     EventMask = 0x01   // POLLIN
	EventPri    EventMask = 0x02   // POLLPRI
	EventOut    EventMask = 0x04   // POLLOUT
	EventErr    EventMask = 0x08   // POLLERR
	EventHUp    EventMask = 0x10   // POLLHUP
	EventRdNorm EventMask = 0x0040 // POLLRDNORM
	EventWrNorm EventMask = 0x0100 // POLLWRNORM

	ReadableEvents EventMask = EventIn | EventRdNorm
	WritableEvents EventMask = EventOut | EventWrNorm

	// alwaysNotified is added to every registration, as poll(2) reports
	// these regardless of the requested events.
	alwaysNotified = EventHUp | EventErr
)

// Waitable is implemented by objects whose readiness can be polled.
type Waitable interface {
	// Readiness returns the subset of mask the object is ready for.
	// EventHUp and EventErr may be returned even if not requested.
	Readiness(mask EventMask) EventMask

	// EventRegister arranges for e to be notified when the object becomes
	// ready for any event in mask.
	EventRegister(e *Entry, mask EventMask)

	// EventUnregister undoes EventRegister.
	EventUnregister(e *Entry)
}

// EntryCallback is invoked when an Entry is notified. It runs with the
// queue locked and must not call back into the queue.
type EntryCallback interface {
	Callback(e *Entry, mask EventMask)
}

// Entry is a registration in a Queue. An Entry may be registered with at
// most one Queue at a time.
type Entry struct {
	// Context is opaque state for Callback.
	Context any

	Callback EntryCallback

	// Protected by the owning queue's mu.
	mask EventMask
	waiterEntry
}

type channelCallback struct{}

// Callback implements EntryCallback.Callback.
func (*channelCallback) Callback(e *Entry, _ EventMask) {
	ch := e.Context.(chan struct{})
	select {
	case ch <- struct{}{}:
	default:
	}
}

// NewChannelEntry returns an Entry that signals c on notification without
// blocking. Notifications that arrive while c is full are coalesced. If c is
// nil, a channel with a buffer of one is allocated.
func NewChannelEntry(c chan struct{}) (Entry, chan struct{}) {
	if c == nil {
		c = make(chan struct{}, 1)
	}
	return Entry{Context: c, Callback: &channelCallback{}}, c
}

// Queue is a list of entries waiting for events. The zero value is an empty
// queue.
type Queue struct {
	mu   sync.RWMutex
	list waiterList
}

// EventRegister adds e to q. e is notified of events in mask as well as of
// EventHUp and EventErr.
func (q *Queue) EventRegister(e *Entry, mask EventMask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e.mask = mask | alwaysNotified
	q.list.PushBack(e)
}

// EventUnregister removes e from q.
func (q *Queue) EventUnregister(e *Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.list.Remove(e)
}

// Notify invokes the callback of every entry whose mask intersects mask.
func (q *Queue) Notify(mask EventMask) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for e := q.list.Front(); e != nil; e = e.Next() {
		if m := mask & e.mask; m != 0 {
			e.Callback.Callback(e, m)
		}
	}
}

// Events returns the union of the masks of all registered entries.
func (q *Queue) Events() EventMask {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var ret EventMask
	for e := q.list.Front(); e != nil; e = e.Next() {
		ret |= e.mask
	}
	return ret
}

// IsEmpty returns true if no entries are registered.
func (q *Queue) IsEmpty() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.list.Empty()
}
