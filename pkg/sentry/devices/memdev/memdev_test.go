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


package memdev

import (
	"errors"
	"testing"

	"github.com/sentrybinder/sentrybinder/pkg/abi/linux"
	"github.com/sentrybinder/sentrybinder/pkg/errors/linuxerr"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/context/contexttest"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/memmap"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/vfs"
)

func TestNull(t *testing.T) {
	ctx := contexttest.Context(t)
	var vfsObj vfs.VirtualFilesystem
	if err := vfsObj.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := Register(&vfsObj); err != nil {
		t.Fatalf("Register: %v", err)
	}
	dev, ok := vfsObj.LookupDeviceFile("null")
	if !ok {
		t.Fatalf("null not registered")
	}
	if dev.Major != linux.MEM_MAJOR || dev.Minor != nullDevMinor {
		t.Errorf("null registered as %d:%d, want %d:%d", dev.Major, dev.Minor, linux.MEM_MAJOR, nullDevMinor)
	}
	fd, err := vfsObj.OpenDeviceSpecialFile(ctx, dev.Kind, dev.Major, dev.Minor, vfs.OpenOptions{Flags: linux.O_RDWR})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer fd.DecRef(ctx)
	if err := fd.ConfigureMMap(ctx, &memmap.MMapOpts{Length: 4096}); !errors.Is(err, linuxerr.ENODEV) {
		t.Errorf("ConfigureMMap: got %v, want ENODEV", err)
	}
	if _, err := fd.Ioctl(ctx, nil, 0, 0); !errors.Is(err, linuxerr.ENOTTY) {
		t.Errorf("Ioctl: got %v, want ENOTTY", err)
	}
}
