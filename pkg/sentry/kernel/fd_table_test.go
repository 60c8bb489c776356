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

package kernel

import (
	"runtime"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sentrybinder/sentrybinder/pkg/abi/linux"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/context"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/context/contexttest"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/vfs"
)

const (
	// maxFD is the maximum FD to try to create in the map.
	//
	// This number of open files has been seen in the wild.
	maxFD = 2 * 1024
)

// testFile is a FileDescriptionImpl that records whether it was released.
type testFile struct {
	vfsfd vfs.FileDescription
	vfs.FileDescriptionDefaultImpl

	released bool
}

// Release implements vfs.FileDescriptionImpl.Release.
func (f *testFile) Release(context.Context) {
	f.released = true
}

func newTestFile(t testing.TB) *testFile {
	t.Helper()
	f := &testFile{}
	if err := f.vfsfd.Init(f, linux.O_RDWR, &vfs.FileDescriptionOptions{}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return f
}

func runTest(t testing.TB, fn func(ctx context.Context, fdTable *FDTable, file *vfs.FileDescription)) {
	t.Helper() // Don't show in stacks.

	ctx := contexttest.Context(t)

	// Create a test file.
	tf := newTestFile(t)
	file := &tf.vfsfd

	// Create the table.
	fdTable := newFDTable(maxFD)

	// Run the test.
	fn(ctx, fdTable, file)

	fdTable.DecRef(ctx)
	if tf.released {
		t.Errorf("file released while the test still holds a reference")
	}
	file.DecRef(ctx)
	if !tf.released {
		t.Errorf("file not released after the last reference was dropped")
	}
}

// TestFDTableMany allocates maxFD FDs, i.e. maxes out the FDTable, until there
// is no room, then makes sure that NewFDAt works and also that if we remove
// one and add one that works too.
func TestFDTableMany(t *testing.T) {
	runTest(t, func(ctx context.Context, fdTable *FDTable, file *vfs.FileDescription) {
		for i := 0; i < maxFD; i++ {
			if _, err := fdTable.NewFDs(ctx, 0, []*vfs.FileDescription{file}, FDFlags{}); err != nil {
				t.Fatalf("Allocated %v FDs but wanted to allocate %v", i, maxFD)
			}
		}

		if _, err := fdTable.NewFDs(ctx, 0, []*vfs.FileDescription{file}, FDFlags{}); err == nil {
			t.Fatalf("fdTable.NewFDs(0, r) in full map: got nil, wanted error")
		}

		if err := fdTable.NewFDAt(ctx, 1, file, FDFlags{}); err != nil {
			t.Fatalf("fdTable.NewFDAt(1, r, FDFlags{}): got %v, wanted nil", err)
		}

		i := int32(2)
		fdTable.Remove(i).DecRef(ctx)
		if fds, err := fdTable.NewFDs(ctx, 0, []*vfs.FileDescription{file}, FDFlags{}); err != nil || fds[0] != i {
			t.Fatalf("Allocated %v FDs but wanted to allocate %v: %v", i, maxFD, err)
		}
		if got, want := file.ReadRefs(), int64(maxFD+1); got != want {
			t.Errorf("file.ReadRefs(): got %d, want %d", got, want)
		}
	})
}

func TestFDTableOverLimit(t *testing.T) {
	runTest(t, func(ctx context.Context, fdTable *FDTable, file *vfs.FileDescription) {
		if _, err := fdTable.NewFDs(ctx, maxFD, []*vfs.FileDescription{file}, FDFlags{}); err == nil {
			t.Fatalf("fdTable.NewFDs(maxFD, f): got nil, wanted error")
		}

		if _, err := fdTable.NewFDs(ctx, maxFD-2, []*vfs.FileDescription{file, file, file}, FDFlags{}); err == nil {
			t.Fatalf("fdTable.NewFDs(maxFD-2, {f,f,f}): got nil, wanted error")
		}
		if got := fdTable.Size(); got != 0 {
			t.Fatalf("fdTable.Size() after failed NewFDs: got %d, want 0", got)
		}

		if fds, err := fdTable.NewFDs(ctx, maxFD-3, []*vfs.FileDescription{file, file, file}, FDFlags{}); err != nil {
			t.Fatalf("fdTable.NewFDs(maxFD-3, {f,f,f}): got %v, wanted nil", err)
		} else {
			for _, fd := range fds {
				fdTable.Remove(fd).DecRef(ctx)
			}
		}

		if fds, err := fdTable.NewFDs(ctx, maxFD-1, []*vfs.FileDescription{file}, FDFlags{}); err != nil || fds[0] != maxFD-1 {
			t.Fatalf("fdTable.NewFDAt(1, r, FDFlags{}): got %v, wanted nil", err)
		}

		if fds, err := fdTable.NewFDs(ctx, 0, []*vfs.FileDescription{file}, FDFlags{}); err != nil {
			t.Fatalf("Adding an FD to a resized map: got %v, want nil", err)
		} else if len(fds) != 1 || fds[0] != 0 {
			t.Fatalf("Added an FD to a resized map: got %v, want {1}", fds)
		}
	})
}

// TestFDTable does a set of simple tests to make sure simple adds, removes,
// Gets, and DecRefs work. The ordering is just weird enough that a
// table-driven approach seemed clumsy.
func TestFDTable(t *testing.T) {
	runTest(t, func(ctx context.Context, fdTable *FDTable, file *vfs.FileDescription) {
		if fds, err := fdTable.NewFDs(ctx, 0, []*vfs.FileDescription{file, file}, FDFlags{}); err != nil {
			t.Fatalf("Adding FDs to an empty map: got %v, want nil", err)
		} else if !cmp.Equal(fds, []int32{0, 1}) {
			t.Fatalf("Added FDs to an empty map: got %v, want {0, 1}", fds)
		}

		if err := fdTable.NewFDAt(ctx, 1, file, FDFlags{}); err != nil {
			t.Fatalf("Replacing FD 1 via fdTable.NewFDAt(1, r, FDFlags{}): got %v, wanted nil", err)
		}

		if err := fdTable.NewFDAt(ctx, maxFD+1, file, FDFlags{}); err == nil {
			t.Fatalf("Using an FD that was too large via fdTable.NewFDAt(%v, r, FDFlags{}): got nil, wanted an error", maxFD+1)
		}

		if ref, _ := fdTable.Get(1); ref == nil {
			t.Fatalf("fdTable.Get(1): got nil, wanted %v", file)
		} else {
			ref.DecRef(ctx)
		}

		if ref, _ := fdTable.Get(2); ref != nil {
			t.Fatalf("fdTable.Get(2): got a %v, wanted nil", ref)
		}

		ref := fdTable.Remove(1)
		if ref == nil {
			t.Fatalf("fdTable.Remove(1) for an existing FD: failed, want success")
		}
		ref.DecRef(ctx)

		if ref := fdTable.Remove(1); ref != nil {
			t.Fatalf("r.Remove(1) for a removed FD: got success, want failure")
		}

		if got, want := fdTable.GetFDs(), []int32{0}; !cmp.Equal(got, want) {
			t.Errorf("fdTable.GetFDs(): got %v, want %v", got, want)
		}
	})
}

func TestDescriptorFlags(t *testing.T) {
	runTest(t, func(ctx context.Context, fdTable *FDTable, file *vfs.FileDescription) {
		if err := fdTable.NewFDAt(ctx, 2, file, FDFlags{CloseOnExec: true}); err != nil {
			t.Fatalf("fdTable.NewFDAt(2, r, FDFlags{}): got %v, wanted nil", err)
		}

		newFile, flags := fdTable.Get(2)
		if newFile == nil {
			t.Fatalf("fdTable.Get(2): got a %v, wanted nil", newFile)
		}
		defer newFile.DecRef(ctx)

		if !flags.CloseOnExec {
			t.Fatalf("new File flags %v don't match original %d\n", flags, 0)
		}
		if got, want := flags.ToLinuxFDFlags(), uint(linux.FD_CLOEXEC); got != want {
			t.Errorf("ToLinuxFDFlags(): got %#x, want %#x", got, want)
		}

		if err := fdTable.SetFlags(2, FDFlags{}); err != nil {
			t.Fatalf("fdTable.SetFlags(2): %v", err)
		}
		f2, flags := fdTable.Get(2)
		f2.DecRef(ctx)
		if flags.CloseOnExec {
			t.Errorf("CloseOnExec still set after SetFlags")
		}
		if err := fdTable.SetFlags(3, FDFlags{}); err == nil {
			t.Errorf("fdTable.SetFlags(3) on an empty slot: got nil, want error")
		}
	})
}

func TestFDTableFork(t *testing.T) {
	runTest(t, func(ctx context.Context, fdTable *FDTable, file *vfs.FileDescription) {
		if err := fdTable.NewFDAt(ctx, 5, file, FDFlags{CloseOnExec: true}); err != nil {
			t.Fatalf("fdTable.NewFDAt(5): %v", err)
		}
		clone := fdTable.Fork()
		if got, want := clone.GetFDs(), []int32{5}; !cmp.Equal(got, want) {
			t.Errorf("clone.GetFDs(): got %v, want %v", got, want)
		}
		clone.Remove(5).DecRef(ctx)
		if got := fdTable.Size(); got != 1 {
			t.Errorf("fdTable.Size() after removing from the clone: got %d, want 1", got)
		}
		clone.DecRef(ctx)
	})
}

func BenchmarkFDLookupAndDecRef(b *testing.B) {
	b.StopTimer() // Setup.

	runTest(b, func(ctx context.Context, fdTable *FDTable, file *vfs.FileDescription) {
		fds, err := fdTable.NewFDs(ctx, 0, []*vfs.FileDescription{file, file, file, file, file}, FDFlags{})
		if err != nil {
			b.Fatalf("fdTable.NewFDs: got %v, wanted nil", err)
		}

		b.StartTimer() // Benchmark.
		for i := 0; i < b.N; i++ {
			tf, _ := fdTable.Get(fds[i%len(fds)])
			tf.DecRef(ctx)
		}
	})
}

func BenchmarkFDLookupAndDecRefConcurrent(b *testing.B) {
	b.StopTimer() // Setup.

	runTest(b, func(ctx context.Context, fdTable *FDTable, file *vfs.FileDescription) {
		fds, err := fdTable.NewFDs(ctx, 0, []*vfs.FileDescription{file, file, file, file, file}, FDFlags{})
		if err != nil {
			b.Fatalf("fdTable.NewFDs: got %v, wanted nil", err)
		}

		concurrency := runtime.GOMAXPROCS(0)
		if concurrency < 4 {
			concurrency = 4
		}
		each := b.N / concurrency

		b.StartTimer() // Benchmark.
		var wg sync.WaitGroup
		for i := 0; i < concurrency; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < each; i++ {
					tf, _ := fdTable.Get(fds[i%len(fds)])
					tf.DecRef(ctx)
				}
			}()
		}
		wg.Wait()
	})
}
