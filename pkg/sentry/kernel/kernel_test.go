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


package kernel

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sentrybinder/sentrybinder/pkg/abi/linux"
	"github.com/sentrybinder/sentrybinder/pkg/errors/linuxerr"
	"github.com/sentrybinder/sentrybinder/pkg/hostarch"
	"github.com/sentrybinder/sentrybinder/pkg/log"
	"github.com/sentrybinder/sentrybinder/pkg/marshal/primitive"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/context"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/kernel/auth"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/vfs"
	"github.com/sentrybinder/sentrybinder/pkg/usermem"
)

const testMinor = 7

// testDevice opens testFiles and remembers them.
type testDevice struct {
	opened []*testFile
}

// Open implements vfs.Device.Open.
func (dev *testDevice) Open(ctx context.Context, opts vfs.OpenOptions) (*vfs.FileDescription, error) {
	f := &testIoctlFile{}
	if err := f.vfsfd.Init(f, opts.Flags, &vfs.FileDescriptionOptions{}); err != nil {
		return nil, err
	}
	dev.opened = append(dev.opened, &f.testFile)
	return &f.vfsfd, nil
}

// testIoctlFile echoes the ioctl argument back through user memory, or
// blocks until interrupted for cmd 1.
type testIoctlFile struct {
	testFile
}

// Ioctl implements vfs.FileDescriptionImpl.Ioctl.
func (f *testIoctlFile) Ioctl(ctx context.Context, uio usermem.IO, cmd uint32, arg hostarch.Addr) (uintptr, error) {
	if cmd == 1 {
		<-ctx.Done()
		return 0, linuxerr.ErrInterrupted
	}
	var b [4]byte
	if _, err := uio.CopyIn(ctx, arg, b[:], usermem.IOOpts{}); err != nil {
		return 0, err
	}
	b[0]++
	_, err := uio.CopyOut(ctx, arg, b[:], usermem.IOOpts{})
	return uintptr(cmd), err
}

func newTestKernel(t *testing.T) (*Kernel, *testDevice) {
	t.Helper()
	k := &Kernel{}
	if err := k.Init(InitKernelArgs{
		Logger: &log.BasicLogger{Level: log.Debug, Emitter: &log.TestEmitter{TestLogger: t}},
	}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	dev := &testDevice{}
	if err := k.VFS().RegisterDevice(vfs.CharDevice, linux.MISC_MAJOR, testMinor, dev, &vfs.RegisterDeviceOptions{Pathname: "test"}); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	return k, dev
}

func TestCreateProcess(t *testing.T) {
	k, _ := newTestKernel(t)
	creds := auth.NewUserCredentials(1000, 1000, nil)
	leader, err := k.CreateProcess(CreateProcessArgs{Name: "app", Credentials: creds})
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	thread, err := leader.NewThread()
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}

	tg := leader.ThreadGroup()
	if thread.ThreadGroup() != tg {
		t.Errorf("thread is in a different thread group")
	}
	if got, want := tg.ID(), leader.ThreadID(); got != want {
		t.Errorf("tg.ID(): got %d, want %d", got, want)
	}
	if thread.ThreadID() == leader.ThreadID() {
		t.Errorf("thread shares leader's TID %d", leader.ThreadID())
	}
	if got := auth.CredentialsFromContext(thread); got != creds {
		t.Errorf("CredentialsFromContext: got %v, want %v", got, creds)
	}
	if tgid, ok := context.ThreadGroupIDFromContext(thread); !ok || tgid != int32(tg.ID()) {
		t.Errorf("ThreadGroupIDFromContext: got (%d, %t), want (%d, true)", tgid, ok, tg.ID())
	}
	if got := TaskFromContext(thread); got != thread {
		t.Errorf("TaskFromContext: got %p, want %p", got, thread)
	}
	if got := KernelFromContext(leader); got != k {
		t.Errorf("KernelFromContext: got %p, want %p", got, k)
	}

	leader.Exit()
	if got := k.NumThreadGroups(); got != 1 {
		t.Errorf("NumThreadGroups after leader exit: got %d, want 1", got)
	}
	if tg.Leader() != nil {
		t.Errorf("tg.Leader() after leader exit: got non-nil")
	}
	thread.Exit()
	if got := k.NumThreadGroups(); got != 0 {
		t.Errorf("NumThreadGroups after last exit: got %d, want 0", got)
	}
}

func TestOpenIoctlClose(t *testing.T) {
	k, dev := newTestKernel(t)
	task, err := k.CreateProcess(CreateProcessArgs{Name: "app"})
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}

	if _, err := task.Open("/dev/missing", linux.O_RDWR); !errors.Is(err, linuxerr.ENOENT) {
		t.Errorf("Open(/dev/missing): got %v, want ENOENT", err)
	}
	fd, err := task.Open("/dev/test", linux.O_RDWR|linux.O_CLOEXEC)
	if err != nil {
		t.Fatalf("Open(/dev/test): %v", err)
	}
	file, flags := task.FDTable().Get(fd)
	file.DecRef(task)
	if !flags.CloseOnExec {
		t.Errorf("O_CLOEXEC not reflected in descriptor flags")
	}

	addr, err := task.MMap(0, hostarch.PageSize, linux.PROT_READ|linux.PROT_WRITE, linux.MAP_PRIVATE|linux.MAP_ANONYMOUS, -1, 0)
	if err != nil {
		t.Fatalf("MMap: %v", err)
	}
	if _, err := primitive.CopyInt32Out(task, addr, 41); err != nil {
		t.Fatalf("CopyInt32Out: %v", err)
	}
	if ret, err := task.Ioctl(fd, 5, addr); err != nil || ret != 5 {
		t.Fatalf("Ioctl: got (%d, %v), want (5, nil)", ret, err)
	}
	if got, err := primitive.CopyUint32In(task, addr); err != nil || got != 42 {
		t.Errorf("CopyUint32In after ioctl: got (%d, %v), want (42, nil)", got, err)
	}
	if _, err := task.Ioctl(fd+1, 5, addr); !errors.Is(err, linuxerr.EBADF) {
		t.Errorf("Ioctl on a closed fd: got %v, want EBADF", err)
	}

	dup, err := task.Dup(fd)
	if err != nil {
		t.Fatalf("Dup: %v", err)
	}
	if err := task.Close(fd); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if dev.opened[0].released {
		t.Errorf("file released while a dup is open")
	}
	task.Exit()
	if !dev.opened[0].released {
		t.Errorf("file %d not released on exit", dup)
	}
	if got, want := len(dev.opened), 1; got != want {
		t.Errorf("opened files: got %d, want %d", got, want)
	}
}

func TestInterrupt(t *testing.T) {
	k, _ := newTestKernel(t)
	task, err := k.CreateProcess(CreateProcessArgs{Name: "app"})
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	defer task.Exit()
	fd, err := task.Open("/dev/test", linux.O_RDWR)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	task.Interrupt()
	if err := task.Err(); err == nil {
		t.Errorf("Err() with a pending interrupt: got nil")
	}
	if _, err := task.Ioctl(fd, 1, 0); !errors.Is(err, linuxerr.EINTR) {
		t.Errorf("blocking Ioctl: got %v, want EINTR", err)
	}
	if task.Interrupted() {
		t.Errorf("interrupt still pending after EINTR was returned")
	}
	select {
	case <-task.Done():
		t.Errorf("Done() closed after the interrupt was consumed")
	default:
	}
}

func TestDeviceFiles(t *testing.T) {
	k, _ := newTestKernel(t)
	want := []vfs.RegisteredDevice{{Kind: vfs.CharDevice, Major: linux.MISC_MAJOR, Minor: testMinor, Pathname: "test"}}
	if diff := cmp.Diff(want, k.VFS().DeviceFiles()); diff != "" {
		t.Errorf("DeviceFiles() mismatch (-want +got):\n%s", diff)
	}
}

func TestCopyBytes(t *testing.T) {
	k, _ := newTestKernel(t)
	task, err := k.CreateProcess(CreateProcessArgs{Name: "app"})
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	defer task.Exit()

	addr, err := task.MMap(0, hostarch.PageSize, linux.PROT_READ|linux.PROT_WRITE, linux.MAP_PRIVATE|linux.MAP_ANONYMOUS, -1, 0)
	if err != nil {
		t.Fatalf("MMap: %v", err)
	}
	want := []byte("binder")
	if n, err := task.CopyOutBytes(addr+8, want); err != nil || n != len(want) {
		t.Fatalf("CopyOutBytes: got (%d, %v), want (%d, nil)", n, err, len(want))
	}
	got := make([]byte, len(want))
	if n, err := task.CopyInBytes(addr+8, got); err != nil || n != len(want) {
		t.Fatalf("CopyInBytes: got (%d, %v), want (%d, nil)", n, err, len(want))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("CopyInBytes mismatch (-want +got):\n%s", diff)
	}
	if _, err := task.CopyInBytes(addr+hostarch.PageSize, got); !errors.Is(err, linuxerr.EFAULT) {
		t.Errorf("CopyInBytes past the mapping: got %v, want EFAULT", err)
	}
}
