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
	"github.com/sentrybinder/sentrybinder/pkg/errors/linuxerr"
)

// Handle values as seen by userspace. Handle 0 always refers to the context
// manager; handle h > 0 refers to entry h-1 of the process's handle table.
const contextManagerHandle = 0

// handleToIndex converts a non-zero userspace handle into a table index.
func handleToIndex(h uint32) int {
	return int(h) - 1
}

// indexToHandle converts a table index into a userspace handle.
func indexToHandle(idx int) uint32 {
	return uint32(idx) + 1
}

// objectRef is an entry in a handleTable.
//
// While strongCount > 0 the entry is a strong reference and holds a
// reference on object. Otherwise it is a weak reference and object is only
// upgraded on demand. An entry exists iff strongCount > 0 || weakCount > 0.
type objectRef struct {
	object      *binderObject
	strongCount uint64
	weakCount   uint64
}

func (r *objectRef) strong() bool {
	return r.strongCount > 0
}

// handleTable maps handles to remote binder objects for one process.
//
// handleTable is not synchronized; see Process.handlesMu. Methods that drop
// references on objects return them to the caller, which must call DecRef
// once the table lock has been released.
type handleTable struct {
	// entries is indexed by handleToIndex. Freed entries are nil and are
	// reused lowest first.
	entries []*objectRef
}

// lookup returns the entry at idx.
func (t *handleTable) lookup(idx int) (*objectRef, error) {
	if idx < 0 || idx >= len(t.entries) || t.entries[idx] == nil {
		return nil, linuxerr.ENOENT
	}
	return t.entries[idx], nil
}

// insert stores r in the lowest free slot and returns its index.
func (t *handleTable) insert(r *objectRef) int {
	for i, e := range t.entries {
		if e == nil {
			t.entries[i] = r
			return i
		}
	}
	t.entries = append(t.entries, r)
	return len(t.entries) - 1
}

// remove frees the slot at idx.
func (t *handleTable) remove(idx int) {
	t.entries[idx] = nil
	for len(t.entries) > 0 && t.entries[len(t.entries)-1] == nil {
		t.entries = t.entries[:len(t.entries)-1]
	}
}

// insertForTransaction returns the index of a strong reference to obj,
// consuming the caller's reference on obj. If the table already refers to
// obj, that entry gains a strong count instead of a new entry being created,
// so one object always has a single handle in a process.
//
// It returns a reference that the caller must drop, or nil.
func (t *handleTable) insertForTransaction(obj *binderObject) (int, *binderObject) {
	for i, e := range t.entries {
		if e == nil || e.object != obj {
			continue
		}
		if e.strong() {
			e.strongCount++
			return i, obj
		}
		// Upgrade the weak entry with the caller's reference.
		e.strongCount = 1
		return i, nil
	}
	return t.insert(&objectRef{object: obj, strongCount: 1}), nil
}

// get returns a reference on the object at idx, or ENOENT if there is no
// such entry or the object has been destroyed.
func (t *handleTable) get(idx int) (*binderObject, error) {
	r, err := t.lookup(idx)
	if err != nil {
		return nil, err
	}
	if r.strong() {
		r.object.IncRef()
		return r.object, nil
	}
	if !r.object.TryIncRef() {
		return nil, linuxerr.ENOENT
	}
	return r.object, nil
}

// incStrong increments the strong count of the entry at idx. Upgrading a weak
// entry fails with EINVAL if the object has been destroyed.
func (t *handleTable) incStrong(idx int) error {
	r, err := t.lookup(idx)
	if err != nil {
		return err
	}
	if !r.strong() && !r.object.TryIncRef() {
		return linuxerr.EINVAL
	}
	r.strongCount++
	return nil
}

// incWeak increments the weak count of the entry at idx.
func (t *handleTable) incWeak(idx int) error {
	r, err := t.lookup(idx)
	if err != nil {
		return err
	}
	r.weakCount++
	return nil
}

// decStrong decrements the strong count of the entry at idx. When it
// reaches zero the entry is demoted to a weak reference, or removed if its
// weak count is also zero; the object reference it held is returned.
func (t *handleTable) decStrong(idx int) (*binderObject, error) {
	r, err := t.lookup(idx)
	if err != nil {
		return nil, err
	}
	if !r.strong() {
		return nil, linuxerr.EINVAL
	}
	r.strongCount--
	if r.strong() {
		return nil, nil
	}
	if r.weakCount == 0 {
		t.remove(idx)
	}
	return r.object, nil
}

// decWeak decrements the weak count of the entry at idx, removing a weak
// entry when it reaches zero.
func (t *handleTable) decWeak(idx int) error {
	r, err := t.lookup(idx)
	if err != nil {
		return err
	}
	if r.weakCount == 0 {
		return linuxerr.EINVAL
	}
	r.weakCount--
	if r.weakCount == 0 && !r.strong() {
		t.remove(idx)
	}
	return nil
}

// releaseAll empties the table and returns the object references it held.
func (t *handleTable) releaseAll() []*binderObject {
	var objs []*binderObject
	for _, r := range t.entries {
		if r != nil && r.strong() {
			objs = append(objs, r.object)
		}
	}
	t.entries = nil
	return objs
}
