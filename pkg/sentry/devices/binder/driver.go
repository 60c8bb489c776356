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
	"time"

	"github.com/google/btree"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sentrybinder/sentrybinder/pkg/errors/linuxerr"
	"github.com/sentrybinder/sentrybinder/pkg/log"
	"github.com/sentrybinder/sentrybinder/pkg/refs"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/context"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/kernel"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/kernel/auth"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/vfs"
	"github.com/sentrybinder/sentrybinder/pkg/sync"
)

const (
	// DefaultMmapSizeLimit is the largest shared memory region a process
	// may map, as in Linux.
	DefaultMmapSizeLimit = 4 << 20

	procTreeDegree = 8

	// unimplementedLogInterval bounds how often accepted but ignored
	// requests are logged.
	unimplementedLogInterval = time.Minute
)

// Options configures a Driver.
type Options struct {
	// MmapSizeLimit bounds the size of each process's shared memory region.
	// Zero means DefaultMmapSizeLimit; larger values are clamped to it.
	MmapSizeLimit uint64

	// Registerer receives the driver's metrics. If nil, metrics are
	// collected but not registered.
	Registerer prometheus.Registerer
}

// Driver is one binder device: the set of processes that opened it and the
// context manager they share. Driver implements vfs.Device.
type Driver struct {
	opts    Options
	metrics *metrics

	// unimplemented logs requests that are accepted and ignored.
	unimplemented log.Logger

	// mu protects the fields below.
	mu sync.Mutex

	// procs holds live processes ordered by pid. Entries hold no
	// references; a process removes itself when destroyed.
	procs *btree.BTreeG[*Process]

	// contextManager is the object reachable through handle 0. If non-nil,
	// it holds a reference.
	contextManager *binderObject
}

func processLess(a, b *Process) bool {
	return a.pid < b.pid
}

// NewDriver returns a new driver with no processes.
func NewDriver(opts Options) *Driver {
	if opts.MmapSizeLimit == 0 || opts.MmapSizeLimit > DefaultMmapSizeLimit {
		opts.MmapSizeLimit = DefaultMmapSizeLimit
	}
	return &Driver{
		opts:          opts,
		metrics:       newMetrics(opts.Registerer),
		unimplemented: log.BasicRateLimitedLogger(unimplementedLogInterval),
		procs:         btree.NewG[*Process](procTreeDegree, processLess),
	}
}

// Open implements vfs.Device.Open.
func (d *Driver) Open(ctx context.Context, opts vfs.OpenOptions) (*vfs.FileDescription, error) {
	pid, ok := context.ThreadGroupIDFromContext(ctx)
	if !ok {
		return nil, linuxerr.EINVAL
	}
	var fdTable *kernel.FDTable
	if t := kernel.TaskFromContext(ctx); t != nil {
		fdTable = t.FDTable()
	}
	creds := auth.CredentialsFromContext(ctx)
	p := newProcess(d, pid, uint32(creds.EffectiveKUID), fdTable)

	d.mu.Lock()
	if old, ok := d.procs.Get(p); ok && old.TryIncRef() {
		d.mu.Unlock()
		old.DecRef()
		// A process may only open the device once at a time.
		return nil, linuxerr.EINVAL
	}
	d.procs.ReplaceOrInsert(p)
	d.mu.Unlock()
	refs.Register(p)
	d.metrics.processes.Inc()

	fd := &FD{proc: p}
	if err := fd.vfsfd.Init(fd, opts.Flags, &vfs.FileDescriptionOptions{}); err != nil {
		p.DecRef()
		return nil, err
	}
	log.Debugf("%v: opened", p)
	return &fd.vfsfd, nil
}

// removeProcess removes p from the process table if it is still registered.
func (d *Driver) removeProcess(p *Process) {
	d.mu.Lock()
	if cur, ok := d.procs.Get(p); ok && cur == p {
		d.procs.Delete(p)
	}
	d.mu.Unlock()
	d.metrics.processes.Dec()
}

// lookupProcess returns a reference on the live process pid, or nil.
func (d *Driver) lookupProcess(pid int32) *Process {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.procs.Get(&Process{pid: pid}); ok && p.TryIncRef() {
		return p
	}
	return nil
}

// NumProcesses returns the number of processes with the device open.
func (d *Driver) NumProcesses() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.procs.Len()
}

// setContextManager makes obj, whose reference is consumed, the object
// reachable through handle 0.
func (d *Driver) setContextManager(obj *binderObject) {
	d.mu.Lock()
	old := d.contextManager
	d.contextManager = obj
	d.mu.Unlock()
	if old != nil {
		old.DecRef()
	}
}

// Release drops the driver's reference on the context manager object. The
// driver must not be used afterwards.
func (d *Driver) Release() {
	d.setContextManager(nil)
}

// getContextManager returns a reference on the context manager object and
// its owner.
func (d *Driver) getContextManager() (*binderObject, *Process, error) {
	d.mu.Lock()
	obj := d.contextManager
	if obj != nil {
		obj.IncRef()
	}
	d.mu.Unlock()
	if obj == nil {
		return nil, nil, linuxerr.ENOENT
	}
	owner := obj.liveOwner()
	if owner == nil {
		obj.DecRef()
		return nil, nil, linuxerr.ENOENT
	}
	return obj, owner, nil
}

// sendDeadBinder queues a BR_DEAD_BINDER notification for cookie to proc,
// which holds no reference, on a thread other than exclude.
func (d *Driver) sendDeadBinder(proc *Process, cookie uint64, exclude *Thread) {
	if !proc.TryIncRef() {
		return
	}
	defer proc.DecRef()
	proc.enqueueToAvailableThread(&command{kind: cmdDeadBinder, cookie: cookie}, exclude)
	d.metrics.deathNotifications.Inc()
}
