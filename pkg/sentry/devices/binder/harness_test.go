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
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sentrybinder/sentrybinder/pkg/abi/linux"
	"github.com/sentrybinder/sentrybinder/pkg/errors/linuxerr"
	"github.com/sentrybinder/sentrybinder/pkg/hostarch"
	"github.com/sentrybinder/sentrybinder/pkg/marshal"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/context"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/context/contexttest"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/memmap"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/vfs"
	"github.com/sentrybinder/sentrybinder/pkg/sync"
	"github.com/sentrybinder/sentrybinder/pkg/usermem"
)

const (
	testMemoryBase = hostarch.Addr(0x100000)
	testMemorySize = 1 << 20
	testMmapSize   = 1 << 16
	testReadSize   = 256
)

// testMemory is a flat user address space implementing usermem.IO.
type testMemory struct {
	mu   sync.Mutex
	data []byte
	next uint64
}

func newTestMemory() *testMemory {
	return &testMemory{data: make([]byte, testMemorySize)}
}

func (m *testMemory) sliceLocked(addr hostarch.Addr, n int) ([]byte, error) {
	if addr < testMemoryBase {
		return nil, linuxerr.EFAULT
	}
	off := uint64(addr - testMemoryBase)
	if off+uint64(n) > uint64(len(m.data)) {
		return nil, linuxerr.EFAULT
	}
	return m.data[off : off+uint64(n)], nil
}

// CopyOut implements usermem.IO.CopyOut.
func (m *testMemory) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte, opts usermem.IOOpts) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.sliceLocked(addr, len(src))
	if err != nil {
		return 0, err
	}
	return copy(b, src), nil
}

// CopyIn implements usermem.IO.CopyIn.
func (m *testMemory) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte, opts usermem.IOOpts) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.sliceLocked(addr, len(dst))
	if err != nil {
		return 0, err
	}
	return copy(dst, b), nil
}

// ZeroOut implements usermem.IO.ZeroOut.
func (m *testMemory) ZeroOut(ctx context.Context, addr hostarch.Addr, toZero int64, opts usermem.IOOpts) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.sliceLocked(addr, int(toZero))
	if err != nil {
		return 0, err
	}
	clear(b)
	return toZero, nil
}

// alloc copies b to a fresh pointer-aligned address and returns it.
func (m *testMemory) alloc(b []byte) hostarch.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := testMemoryBase + hostarch.Addr(m.next)
	n, _ := roundUp(uint64(len(b)), pointerSize)
	if n == 0 {
		n = pointerSize
	}
	copy(m.data[m.next:], b)
	m.next += n
	return addr
}

// bytes returns a copy of n bytes at addr.
func (m *testMemory) bytes(addr hostarch.Addr, n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.sliceLocked(addr, n)
	if err != nil {
		panic(err)
	}
	return append([]byte(nil), b...)
}

func newTestDriver(t *testing.T) (*Driver, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewDriver(Options{Registerer: reg}), reg
}

// testProc is a process with the binder device open and its shared memory
// mapped at a fixed address.
type testProc struct {
	t       *testing.T
	ctx     context.Context
	fd      *vfs.FileDescription
	p       *Process
	mem     *testMemory
	shmAddr hostarch.Addr
	closed  bool

	// unmap removes the user mapping of shared memory.
	unmap func()
}

func newTestProc(t *testing.T, d *Driver, pid int32) *testProc {
	t.Helper()
	ctx := contexttest.WithThreadGroupID(contexttest.Context(t), pid)
	fd, err := d.Open(ctx, vfs.OpenOptions{Flags: linux.O_RDWR})
	if err != nil {
		t.Fatalf("Open(pid %d): %v", pid, err)
	}
	tp := &testProc{
		t:       t,
		ctx:     ctx,
		fd:      fd,
		p:       fd.Impl().(*FD).Process(),
		mem:     newTestMemory(),
		shmAddr: hostarch.Addr(0x40000000) + hostarch.Addr(pid)<<24,
	}
	opts := memmap.MMapOpts{
		Length:   testMmapSize,
		Perms:    hostarch.Read,
		MaxPerms: hostarch.AnyAccess,
	}
	if err := fd.ConfigureMMap(ctx, &opts); err != nil {
		t.Fatalf("ConfigureMMap: %v", err)
	}
	ar := hostarch.AddrRange{Start: tp.shmAddr, End: tp.shmAddr + hostarch.Addr(opts.Length)}
	if err := opts.Mappable.AddMapping(ctx, nil, ar, 0, false); err != nil {
		t.Fatalf("AddMapping: %v", err)
	}
	tp.unmap = func() { opts.Mappable.RemoveMapping(ctx, nil, ar, 0, false) }
	t.Cleanup(tp.close)
	return tp
}

// close releases the process's file description.
func (tp *testProc) close() {
	if tp.closed {
		return
	}
	tp.closed = true
	tp.fd.DecRef(tp.ctx)
	tp.unmap()
}

// shm returns a copy of n bytes of shared memory at the user address addr.
func (tp *testProc) shm(addr uint64, n uint64) []byte {
	tp.t.Helper()
	off := addr - uint64(tp.shmAddr)
	r := tp.p.shm.region
	if off+n > uint64(len(r.data)) {
		tp.t.Fatalf("shared memory range [%#x, %#x) out of bounds", addr, addr+n)
	}
	return append([]byte(nil), r.data[off:off+n]...)
}

// queued returns the kinds of all commands queued for tp's threads and
// process, without blocking.
func (tp *testProc) queued() []commandKind {
	return queuedKinds(tp.p)
}

func queuedKinds(p *Process) []commandKind {
	var kinds []commandKind
	p.poolMu.Lock()
	p.queueMu.Lock()
	for _, t := range p.threads {
		t.mu.Lock()
		for _, c := range t.commands {
			kinds = append(kinds, c.kind)
		}
		t.mu.Unlock()
	}
	for _, c := range p.commands {
		kinds = append(kinds, c.kind)
	}
	p.queueMu.Unlock()
	p.poolMu.Unlock()
	return kinds
}

// testThread is one thread of a testProc.
type testThread struct {
	proc *testProc
	ctx  context.Context
	tid  int32
}

func (tp *testProc) thread(tid int32) *testThread {
	return &testThread{proc: tp, ctx: contexttest.WithThreadID(tp.ctx, tid), tid: tid}
}

// main returns the thread whose tid is the pid.
func (tp *testProc) main() *testThread {
	return tp.thread(tp.p.pid)
}

func (tt *testThread) ioctl(cmd uint32, arg hostarch.Addr) error {
	_, err := tt.proc.fd.Ioctl(tt.ctx, tt.proc.mem, cmd, arg)
	return err
}

// writeRead issues BINDER_WRITE_READ with the given write buffer and a read
// buffer of readSize bytes. It returns the updated binder_write_read and the
// bytes read.
func (tt *testThread) writeRead(w []byte, readSize uint64) (linux.BinderWriteRead, []byte, error) {
	mem := tt.proc.mem
	bwr := linux.BinderWriteRead{
		WriteSize: uint64(len(w)),
		ReadSize:  readSize,
	}
	if len(w) > 0 {
		bwr.WriteBuffer = uint64(mem.alloc(w))
	}
	if readSize > 0 {
		bwr.ReadBuffer = uint64(mem.alloc(make([]byte, readSize)))
	}
	arg := mem.alloc(marshal.Marshal(&bwr))
	err := tt.ioctl(linux.BINDER_WRITE_READ, arg)
	bwr.UnmarshalBytes(mem.bytes(arg, linux.SizeOfBinderWriteRead))
	var r []byte
	if bwr.ReadConsumed > 0 {
		r = mem.bytes(hostarch.Addr(bwr.ReadBuffer), int(bwr.ReadConsumed))
	}
	return bwr, r, err
}

// write executes the commands in w.
func (tt *testThread) write(w []byte) {
	tt.proc.t.Helper()
	if _, _, err := tt.writeRead(w, 0); err != nil {
		tt.proc.t.Fatalf("write: %v", err)
	}
}

// read blocks until a command is available and returns it.
func (tt *testThread) read() testReturn {
	tt.proc.t.Helper()
	_, r, err := tt.writeRead(nil, testReadSize)
	if err != nil {
		tt.proc.t.Fatalf("read: %v", err)
	}
	return decodeReturn(tt.proc.t, r)
}

// testReturn is a decoded BR_* command.
type testReturn struct {
	Code   uint32
	Ptr    linux.BinderPtrCookie
	Errno  int32
	Txn    linux.BinderTransactionData
	Cookie uint64
}

func decodeReturn(t *testing.T, b []byte) testReturn {
	t.Helper()
	if len(b) < 4 {
		t.Fatalf("short read: %d bytes", len(b))
	}
	r := testReturn{Code: hostarch.ByteOrder.Uint32(b)}
	payload := b[4:]
	switch r.Code {
	case linux.BR_ACQUIRE, linux.BR_RELEASE:
		r.Ptr.UnmarshalBytes(payload)
	case linux.BR_ERROR:
		r.Errno = int32(hostarch.ByteOrder.Uint32(payload))
	case linux.BR_TRANSACTION, linux.BR_REPLY:
		r.Txn.UnmarshalBytes(payload)
	case linux.BR_DEAD_BINDER:
		r.Cookie = hostarch.ByteOrder.Uint64(payload)
	}
	return r
}

// bc encodes a write command.
func bc(code uint32, payload ...marshal.Marshallable) []byte {
	b := make([]byte, 4)
	hostarch.ByteOrder.PutUint32(b, code)
	for _, m := range payload {
		b = append(b, marshal.Marshal(m)...)
	}
	return b
}

func bcUint32(code, v uint32) []byte {
	b := make([]byte, 8)
	hostarch.ByteOrder.PutUint32(b, code)
	hostarch.ByteOrder.PutUint32(b[4:], v)
	return b
}

func bcUint64(code uint32, v uint64) []byte {
	b := make([]byte, 12)
	hostarch.ByteOrder.PutUint32(b, code)
	hostarch.ByteOrder.PutUint64(b[4:], v)
	return b
}

// transaction builds a binder_transaction_data whose data and offsets live
// in tt's memory.
func (tt *testThread) transaction(handle, code, flags uint32, data []byte, offsets ...uint64) *linux.BinderTransactionData {
	mem := tt.proc.mem
	td := &linux.BinderTransactionData{
		Target:      uint64(handle),
		Code:        code,
		Flags:       flags,
		DataSize:    uint64(len(data)),
		OffsetsSize: uint64(len(offsets) * pointerSize),
		Buffer:      uint64(mem.alloc(data)),
	}
	ob := make([]byte, len(offsets)*pointerSize)
	for i, o := range offsets {
		hostarch.ByteOrder.PutUint64(ob[i*pointerSize:], o)
	}
	td.Offsets = uint64(mem.alloc(ob))
	return td
}

// becomeContextManager makes tp the context manager.
func (tp *testProc) becomeContextManager() {
	tp.t.Helper()
	arg := tp.mem.alloc(make([]byte, 4))
	if err := tp.main().ioctl(linux.BINDER_SET_CONTEXT_MGR, arg); err != nil {
		tp.t.Fatalf("BINDER_SET_CONTEXT_MGR: %v", err)
	}
}

// flatBinder returns a BINDER_TYPE_BINDER object for local.
func flatBinder(local LocalObject) *linux.FlatBinderObject {
	return &linux.FlatBinderObject{Type: linux.BINDER_TYPE_BINDER, Binder: local.WeakRef, Cookie: local.StrongRef}
}

// flatHandle returns a BINDER_TYPE_HANDLE object for h.
func flatHandle(h uint32) *linux.FlatBinderObject {
	fbo := &linux.FlatBinderObject{Type: linux.BINDER_TYPE_HANDLE}
	fbo.SetHandle(h)
	return fbo
}

// metricValue returns the value of the sample of metric name whose labels
// include the given name/value pairs. Histograms report their sample count.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels ...string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for i := 0; i+1 < len(labels); i += 2 {
				found := false
				for _, lp := range m.GetLabel() {
					if lp.GetName() == labels[i] && lp.GetValue() == labels[i+1] {
						found = true
					}
				}
				if !found {
					continue metrics
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

// expect reads the next command and fails the test unless it is code.
func (tt *testThread) expect(code uint32) testReturn {
	tt.proc.t.Helper()
	r := tt.read()
	if r.Code != code {
		tt.proc.t.Fatalf("thread %d:%d read %#x, want %#x", tt.proc.p.pid, tt.tid, r.Code, code)
	}
	return r
}

// freeBuffer frees a buffer delivered by a transaction or reply.
func (tt *testThread) freeBuffer(td linux.BinderTransactionData) {
	tt.proc.t.Helper()
	tt.write(bcUint64(linux.BC_FREE_BUFFER, td.Buffer))
}

// objects concatenates the wire representations of objs and returns them
// with their offsets.
func objects(objs ...marshal.Marshallable) ([]byte, []uint64) {
	var (
		data    []byte
		offsets []uint64
	)
	for _, o := range objs {
		offsets = append(offsets, uint64(len(data)))
		data = append(data, marshal.Marshal(o)...)
	}
	return data, offsets
}

// waitForWaiter blocks until thread tid of p is blocked reading commands.
func waitForWaiter(t *testing.T, p *Process, tid int32) {
	t.Helper()
	for i := 0; ; i++ {
		if th := p.lookupThread(tid); th != nil {
			th.mu.Lock()
			waiting := th.waiter != nil
			th.mu.Unlock()
			if waiting {
				return
			}
		}
		if i == 10000 {
			t.Fatalf("thread %d never blocked", tid)
		}
		time.Sleep(time.Millisecond)
	}
}
