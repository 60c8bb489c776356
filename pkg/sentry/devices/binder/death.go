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

// handleRequestDeathNotification subscribes p to the death of the owner of
// the object referenced by handle. If the owner is already dead, the
// notification is queued immediately, though never to the requesting thread
// t, which may be in the middle of handling a oneway transaction.
func (p *Process) handleRequestDeathNotification(t *Thread, handle uint32, cookie uint64) error {
	if handle == contextManagerHandle {
		p.driver.unimplemented.Infof("binder: death notification for the context manager is not supported")
		return nil
	}
	p.handlesMu.Lock()
	obj, err := p.handles.get(handleToIndex(handle))
	p.handlesMu.Unlock()
	if err != nil {
		return err
	}
	defer obj.DecRef()

	if owner := obj.liveOwner(); owner != nil {
		owner.deathMu.Lock()
		owner.subscribers = append(owner.subscribers, deathSubscriber{proc: p, cookie: cookie})
		owner.deathMu.Unlock()
		owner.DecRef()
		return nil
	}
	p.driver.sendDeadBinder(p, cookie, t)
	return nil
}

// handleClearDeathNotification removes a subscription made by
// handleRequestDeathNotification.
func (p *Process) handleClearDeathNotification(handle uint32, cookie uint64) error {
	if handle == contextManagerHandle {
		p.driver.unimplemented.Infof("binder: death notification for the context manager is not supported")
		return nil
	}
	p.handlesMu.Lock()
	obj, err := p.handles.get(handleToIndex(handle))
	p.handlesMu.Unlock()
	if err != nil {
		return err
	}
	defer obj.DecRef()

	owner := obj.liveOwner()
	if owner == nil {
		return nil
	}
	defer owner.DecRef()
	owner.deathMu.Lock()
	defer owner.deathMu.Unlock()
	for i, s := range owner.subscribers {
		if s.proc == p && s.cookie == cookie {
			last := len(owner.subscribers) - 1
			owner.subscribers[i] = owner.subscribers[last]
			owner.subscribers = owner.subscribers[:last]
			break
		}
	}
	return nil
}
