// Copyright 2020 The gVisor Authors.
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

// Package memdev implements "mem" character devices, as implemented in Linux
// by drivers/char/mem.c.
package memdev

import (
	"github.com/sentrybinder/sentrybinder/pkg/abi/linux"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/context"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/vfs"
)

const nullDevMinor = 3

// nullDevice implements vfs.Device for /dev/null.
type nullDevice struct{}

// Open implements vfs.Device.Open.
func (nullDevice) Open(ctx context.Context, opts vfs.OpenOptions) (*vfs.FileDescription, error) {
	fd := &nullFD{}
	if err := fd.vfsfd.Init(fd, opts.Flags, &vfs.FileDescriptionOptions{
		DenyMMap: true,
	}); err != nil {
		return nil, err
	}
	return &fd.vfsfd, nil
}

// nullFD implements vfs.FileDescriptionImpl for /dev/null.
type nullFD struct {
	vfsfd vfs.FileDescription
	vfs.FileDescriptionDefaultImpl
	vfs.NoopRelease
}

// Register registers all devices implemented by this package in vfsObj.
func Register(vfsObj *vfs.VirtualFilesystem) error {
	return vfsObj.RegisterDevice(vfs.CharDevice, linux.MEM_MAJOR, nullDevMinor, nullDevice{}, &vfs.RegisterDeviceOptions{
		GroupName: "mem",
		Pathname:  "null",
	})
}
