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

// Package bindertest drives the binder device through emulated tasks, the
// way a userspace binder library would: it opens and maps /dev/binder,
// stages transaction payloads in task memory, and encodes and decodes the
// BINDER_WRITE_READ command streams.
package bindertest

import (
	"fmt"

	"github.com/sentrybinder/sentrybinder/pkg/abi/linux"
	"github.com/sentrybinder/sentrybinder/pkg/hostarch"
	"github.com/sentrybinder/sentrybinder/pkg/log"
	"github.com/sentrybinder/sentrybinder/pkg/marshal"
	"github.com/sentrybinder/sentrybinder/pkg/marshal/primitive"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/devices/binder"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/devices/memdev"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/kernel"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/kernel/auth"
	"github.com/sentrybinder/sentrybinder/pkg/waiter"
)

const (
	// DefaultMmapSize is the size of the shared memory mapping made by
	// NewProcess when none is given.
	DefaultMmapSize = 128 << 10

	// DefaultReadSize is the read buffer size used by Thread.Read.
	DefaultReadSize = 256

	// arenaSize is the size of each thread's staging area for ioctl
	// arguments and transaction payloads.
	arenaSize = 64 << 10
)

// Env is an emulated kernel with the binder device registered at
// /dev/binder and the null device at /dev/null.
type Env struct {
	Kernel *kernel.Kernel
	Driver *binder.Driver
}

// NewEnv returns a new Env whose driver is configured by opts. If logger is
// nil, the global logger is used.
func NewEnv(opts binder.Options, logger log.Logger) (*Env, error) {
	k := &kernel.Kernel{}
	if err := k.Init(kernel.InitKernelArgs{Logger: logger}); err != nil {
		return nil, err
	}
	d := binder.NewDriver(opts)
	if err := binder.Register(k.VFS(), d); err != nil {
		return nil, fmt.Errorf("registering binder: %w", err)
	}
	if err := memdev.Register(k.VFS()); err != nil {
		return nil, fmt.Errorf("registering memory devices: %w", err)
	}
	return &Env{Kernel: k, Driver: d}, nil
}

// Release drops the references e's driver holds on its own. It should be
// called once every process has exited, after which no binder objects or
// processes remain.
func (e *Env) Release() {
	e.Driver.Release()
}

// Process is a thread group with the binder device open and mapped.
type Process struct {
	env *Env

	// Main is the thread group leader.
	Main *Thread

	// FD is the binder file descriptor.
	FD int32

	// Mapping is the address of the shared memory mapping.
	Mapping hostarch.Addr

	threads []*Thread
}

// NewProcess creates a process, opens /dev/binder and maps mmapSize bytes
// of it. If creds is nil, the process runs as root.
func (e *Env) NewProcess(name string, creds *auth.Credentials, mmapSize uint64) (*Process, error) {
	if mmapSize == 0 {
		mmapSize = DefaultMmapSize
	}
	task, err := e.Kernel.CreateProcess(kernel.CreateProcessArgs{Name: name, Credentials: creds})
	if err != nil {
		return nil, err
	}
	p := &Process{env: e}
	p.Main = p.newThread(task)
	fd, err := task.Open("/dev/binder", linux.O_RDWR|linux.O_CLOEXEC)
	if err != nil {
		task.Exit()
		return nil, fmt.Errorf("open /dev/binder: %w", err)
	}
	p.FD = fd
	addr, err := task.MMap(0, mmapSize, linux.PROT_READ, linux.MAP_SHARED, fd, 0)
	if err != nil {
		task.Exit()
		return nil, fmt.Errorf("mmap /dev/binder: %w", err)
	}
	p.Mapping = addr
	return p, nil
}

func (p *Process) newThread(task *kernel.Task) *Thread {
	t := &Thread{proc: p, Task: task}
	p.threads = append(p.threads, t)
	return t
}

// PID returns the process's thread group ID.
func (p *Process) PID() int32 {
	return int32(p.Main.Task.ThreadGroup().ID())
}

// NewThread creates another thread in p.
func (p *Process) NewThread() (*Thread, error) {
	task, err := p.Main.Task.NewThread()
	if err != nil {
		return nil, err
	}
	return p.newThread(task), nil
}

// Exit exits every thread of p, which closes the binder device.
func (p *Process) Exit() {
	for _, t := range p.threads {
		t.Task.Exit()
	}
}

// Readiness polls the binder file descriptor.
func (p *Process) Readiness(mask waiter.EventMask) (waiter.EventMask, error) {
	return p.Main.Task.Readiness(p.FD, mask)
}

// Thread is a task of a Process. A Thread's methods must be called from one
// goroutine at a time, which plays the role of the task goroutine.
type Thread struct {
	proc *Process

	// Task is the emulated task.
	Task *kernel.Task

	arena     hostarch.Addr
	arenaUsed uint64
}

// Process returns the process containing t.
func (t *Thread) Process() *Process {
	return t.proc
}

// TID returns t's thread ID.
func (t *Thread) TID() int32 {
	return int32(t.Task.ThreadID())
}

// Stage copies b into t's memory and returns its address. Staged memory is
// reused once the arena is exhausted, so it must be consumed by the next
// ioctl.
func (t *Thread) Stage(b []byte) (hostarch.Addr, error) {
	if t.arena == 0 {
		addr, err := t.Task.MMap(0, arenaSize, linux.PROT_READ|linux.PROT_WRITE, linux.MAP_PRIVATE|linux.MAP_ANONYMOUS, -1, 0)
		if err != nil {
			return 0, err
		}
		t.arena = addr
	}
	n := (uint64(len(b)) + 7) &^ 7
	if n == 0 {
		n = 8
	}
	if n > arenaSize {
		return 0, fmt.Errorf("%d bytes exceed the staging area", len(b))
	}
	if t.arenaUsed+n > arenaSize {
		t.arenaUsed = 0
	}
	addr := t.arena + hostarch.Addr(t.arenaUsed)
	t.arenaUsed += n
	if _, err := t.Task.CopyOutBytes(addr, b); err != nil {
		return 0, err
	}
	return addr, nil
}

// Ioctl issues an ioctl on the binder file descriptor.
func (t *Thread) Ioctl(cmd uint32, arg hostarch.Addr) error {
	_, err := t.Task.Ioctl(t.proc.FD, cmd, arg)
	return err
}

// Version returns the protocol version reported by BINDER_VERSION.
func (t *Thread) Version() (int32, error) {
	arg, err := t.Stage(make([]byte, 4))
	if err != nil {
		return 0, err
	}
	if err := t.Ioctl(linux.BINDER_VERSION, arg); err != nil {
		return 0, err
	}
	v, err := primitive.CopyUint32In(t.Task, arg)
	return int32(v), err
}

// SetContextManager makes t's process the context manager.
func (t *Thread) SetContextManager() error {
	arg, err := t.Stage(make([]byte, 4))
	if err != nil {
		return err
	}
	return t.Ioctl(linux.BINDER_SET_CONTEXT_MGR, arg)
}

// ThreadExit issues BINDER_THREAD_EXIT.
func (t *Thread) ThreadExit() error {
	return t.Ioctl(linux.BINDER_THREAD_EXIT, 0)
}

// WriteRead issues BINDER_WRITE_READ with the commands in w and a read
// buffer of readSize bytes. It returns the updated binder_write_read and the
// decoded commands that were read.
func (t *Thread) WriteRead(w *Writer, readSize uint64) (linux.BinderWriteRead, []Return, error) {
	var bwr linux.BinderWriteRead
	if w != nil && len(w.buf) > 0 {
		addr, err := t.Stage(w.buf)
		if err != nil {
			return bwr, nil, err
		}
		bwr.WriteBuffer = uint64(addr)
		bwr.WriteSize = uint64(len(w.buf))
	}
	if readSize > 0 {
		addr, err := t.Stage(make([]byte, readSize))
		if err != nil {
			return bwr, nil, err
		}
		bwr.ReadBuffer = uint64(addr)
		bwr.ReadSize = readSize
	}
	arg, err := t.Stage(marshal.Marshal(&bwr))
	if err != nil {
		return bwr, nil, err
	}
	ioctlErr := t.Ioctl(linux.BINDER_WRITE_READ, arg)
	if _, err := marshal.CopyIn(t.Task, arg, &bwr); err != nil {
		return bwr, nil, err
	}
	var rets []Return
	if bwr.ReadConsumed > 0 {
		b := make([]byte, bwr.ReadConsumed)
		if _, err := t.Task.CopyInBytes(hostarch.Addr(bwr.ReadBuffer), b); err != nil {
			return bwr, nil, err
		}
		if rets, err = ParseReturns(b); err != nil {
			return bwr, nil, err
		}
	}
	return bwr, rets, ioctlErr
}

// Write executes the commands in w.
func (t *Thread) Write(w *Writer) error {
	_, _, err := t.WriteRead(w, 0)
	return err
}

// Read blocks until a command is available for t and returns it.
func (t *Thread) Read() (Return, error) {
	_, rets, err := t.WriteRead(nil, DefaultReadSize)
	if err != nil {
		return Return{}, err
	}
	if len(rets) != 1 {
		return Return{}, fmt.Errorf("read %d commands, want 1", len(rets))
	}
	return rets[0], nil
}

// Expect reads the next command and returns an error unless it is code.
func (t *Thread) Expect(code uint32) (Return, error) {
	r, err := t.Read()
	if err != nil {
		return r, err
	}
	if r.Code != code {
		return r, fmt.Errorf("read %v, want %s", r, ReturnName(code))
	}
	return r, nil
}

// Transaction stages data and offsets in t's memory and returns a
// binder_transaction_data referring to them.
func (t *Thread) Transaction(handle, code, flags uint32, data []byte, offsets ...uint64) (*linux.BinderTransactionData, error) {
	dataAddr, err := t.Stage(data)
	if err != nil {
		return nil, err
	}
	offsetsSize := uint64(8 * len(offsets))
	offsetsAddr, err := t.Stage(make([]byte, offsetsSize))
	if err != nil {
		return nil, err
	}
	for i, o := range offsets {
		if _, err := primitive.CopyUint64Out(t.Task, offsetsAddr+hostarch.Addr(8*i), o); err != nil {
			return nil, err
		}
	}
	return &linux.BinderTransactionData{
		Target:      uint64(handle),
		Code:        code,
		Flags:       flags,
		DataSize:    uint64(len(data)),
		OffsetsSize: offsetsSize,
		Buffer:      uint64(dataAddr),
		Offsets:     uint64(offsetsAddr),
	}, nil
}

// Payload returns the data of a received transaction or reply, read through
// t's mapping of the shared memory.
func (t *Thread) Payload(td linux.BinderTransactionData) ([]byte, error) {
	b := make([]byte, td.DataSize)
	if _, err := t.Task.CopyInBytes(hostarch.Addr(td.Buffer), b); err != nil {
		return nil, err
	}
	return b, nil
}

// Objects decodes the flat_binder_objects of a received transaction.
func (t *Thread) Objects(td linux.BinderTransactionData) ([]linux.FlatBinderObject, error) {
	data, err := t.Payload(td)
	if err != nil {
		return nil, err
	}
	var objs []linux.FlatBinderObject
	for i := uint64(0); i+8 <= td.OffsetsSize; i += 8 {
		off, err := primitive.CopyUint64In(t.Task, hostarch.Addr(td.Offsets+i))
		if err != nil {
			return nil, err
		}
		if off+uint64(linux.SizeOfFlatBinderObject) > uint64(len(data)) {
			return nil, fmt.Errorf("object at offset %d overruns %d bytes of data", off, len(data))
		}
		var fbo linux.FlatBinderObject
		fbo.UnmarshalBytes(data[off:])
		objs = append(objs, fbo)
	}
	return objs, nil
}
