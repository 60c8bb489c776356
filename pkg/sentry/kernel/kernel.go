// Copyright 2018 Google LLC
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

// Package kernel provides an emulation of the Linux kernel.
//
// This emulation is limited to what device drivers consume: thread groups
// and tasks with credentials, per-thread-group address spaces and file
// descriptor tables, and the ioctl(2) and mmap(2) entry points into
// vfs.FileDescriptions. Tasks do not execute application code; callers drive
// a Task directly from a goroutine that plays the role of the task
// goroutine.
//
// Lock order:
//
//	Kernel.tasksMu
//	  ThreadGroup.mu
//	    Task.mu
package kernel

import (
	"fmt"
	"math"

	"github.com/sentrybinder/sentrybinder/pkg/log"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/context"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/kernel/auth"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/mm"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/vfs"
	"github.com/sentrybinder/sentrybinder/pkg/sync"
)

// ThreadID is a generic thread identifier.
type ThreadID int32

// InitKernelArgs holds arguments to Init.
type InitKernelArgs struct {
	// Logger receives log output from tasks in the Kernel. If Logger is
	// nil, the global logger is used.
	Logger log.Logger

	// MaxFDs is the maximum number of file descriptors each FDTable may
	// hold. If MaxFDs is zero, there is no limit other than MaxInt32.
	MaxFDs int32
}

// Kernel represents an emulated Linux kernel. It must be initialized by
// calling Init.
type Kernel struct {
	// All of the following fields are immutable after Init.

	logger log.Logger
	maxFDs int32

	// vfs keeps the device registry.
	vfs vfs.VirtualFilesystem

	// tasksMu protects the fields below.
	tasksMu sync.Mutex

	// lastTID is the most recently allocated thread ID.
	lastTID ThreadID

	// tasks maps thread IDs to live tasks.
	tasks map[ThreadID]*Task

	// threadGroups maps thread group IDs to live thread groups.
	threadGroups map[ThreadID]*ThreadGroup
}

// Init initializes a Kernel with no tasks.
func (k *Kernel) Init(args InitKernelArgs) error {
	if k.tasks != nil {
		return fmt.Errorf("kernel already initialized")
	}
	k.logger = args.Logger
	if k.logger == nil {
		k.logger = log.Log()
	}
	k.maxFDs = args.MaxFDs
	if k.maxFDs <= 0 {
		k.maxFDs = math.MaxInt32
	}
	if err := k.vfs.Init(); err != nil {
		return fmt.Errorf("failed to initialize VFS: %w", err)
	}
	k.tasks = make(map[ThreadID]*Task)
	k.threadGroups = make(map[ThreadID]*ThreadGroup)
	return nil
}

// VFS returns the virtual filesystem for the kernel.
func (k *Kernel) VFS() *vfs.VirtualFilesystem {
	return &k.vfs
}

// CreateProcessArgs holds arguments to Kernel.CreateProcess.
type CreateProcessArgs struct {
	// Name is the thread group's name, used in log messages.
	Name string

	// Credentials is the initial credentials. If nil, root credentials are
	// used.
	Credentials *auth.Credentials
}

// CreateProcess creates a new thread group with a fresh address space and
// file descriptor table, and returns its leader.
func (k *Kernel) CreateProcess(args CreateProcessArgs) (*Task, error) {
	creds := args.Credentials
	if creds == nil {
		creds = auth.NewRootCredentials()
	}

	k.tasksMu.Lock()
	defer k.tasksMu.Unlock()
	tid, err := k.allocateTIDLocked()
	if err != nil {
		return nil, err
	}
	tg := &ThreadGroup{
		k:       k,
		tgid:    tid,
		name:    args.Name,
		creds:   creds,
		mm:      mm.NewMemoryManager(),
		fdTable: k.NewFDTable(),
		tasks:   make(map[ThreadID]*Task),
	}
	t := k.newTaskLocked(tg, tid)
	k.threadGroups[tid] = tg
	t.Debugf("Created process %q with %v", args.Name, creds)
	return t, nil
}

// TaskWithID returns the live task with the given thread ID, or nil.
func (k *Kernel) TaskWithID(tid ThreadID) *Task {
	k.tasksMu.Lock()
	defer k.tasksMu.Unlock()
	return k.tasks[tid]
}

// ThreadGroupWithID returns the live thread group with the given ID, or
// nil.
func (k *Kernel) ThreadGroupWithID(tgid ThreadID) *ThreadGroup {
	k.tasksMu.Lock()
	defer k.tasksMu.Unlock()
	return k.threadGroups[tgid]
}

// NumThreadGroups returns the number of live thread groups.
func (k *Kernel) NumThreadGroups() int {
	k.tasksMu.Lock()
	defer k.tasksMu.Unlock()
	return len(k.threadGroups)
}

// SupervisorContext returns a Context with maximum privileges in k. It
// should only be used by goroutines outside the control of the emulated
// kernel.
func (k *Kernel) SupervisorContext() context.Context {
	ctx := context.WithLogger(context.Background(), k.logger)
	ctx = ContextWithKernel(ctx, k)
	return auth.ContextWithCredentials(ctx, auth.NewRootCredentials())
}

// allocateTIDLocked returns an unused thread ID. IDs are allocated
// increasingly and are not reused until the space wraps.
//
// Preconditions: k.tasksMu must be locked.
func (k *Kernel) allocateTIDLocked() (ThreadID, error) {
	const maxTID = 1 << 22 // PID_MAX_LIMIT
	for i := 0; i < maxTID; i++ {
		k.lastTID++
		if k.lastTID >= maxTID {
			k.lastTID = 1
		}
		if _, ok := k.tasks[k.lastTID]; ok {
			continue
		}
		if _, ok := k.threadGroups[k.lastTID]; ok {
			continue
		}
		return k.lastTID, nil
	}
	return 0, fmt.Errorf("no thread IDs available")
}
