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


package vfs

import (
	"fmt"
	"sort"

	"github.com/sentrybinder/sentrybinder/pkg/errors/linuxerr"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/context"
)

// DeviceKind indicates whether a device is a block or character device.
type DeviceKind uint32

const (
	// BlockDevice indicates a block device.
	BlockDevice DeviceKind = iota

	// CharDevice indicates a character device.
	CharDevice
)

// String implements fmt.Stringer.String.
func (kind DeviceKind) String() string {
	switch kind {
	case BlockDevice:
		return "block"
	case CharDevice:
		return "character"
	default:
		return fmt.Sprintf("invalid device kind %d", kind)
	}
}

type devTuple struct {
	kind  DeviceKind
	major uint32
	minor uint32
}

// A Device backs device special files.
type Device interface {
	// Open returns a FileDescription representing this device.
	Open(ctx context.Context, opts OpenOptions) (*FileDescription, error)
}

type registeredDevice struct {
	dev  Device
	opts RegisterDeviceOptions
}

// RegisteredDevice describes one device registration, as returned by
// VirtualFilesystem.DeviceFiles.
type RegisteredDevice struct {
	Kind     DeviceKind
	Major    uint32
	Minor    uint32
	Pathname string
}

// RegisterDevice registers the given Device in vfs with the given major and
// minor device numbers.
func (vfs *VirtualFilesystem) RegisterDevice(kind DeviceKind, major, minor uint32, dev Device, opts *RegisterDeviceOptions) error {
	tup := devTuple{kind, major, minor}
	vfs.devicesMu.Lock()
	defer vfs.devicesMu.Unlock()
	if existing, ok := vfs.devices[tup]; ok {
		return fmt.Errorf("%s device number (%d, %d) is already registered to device type %T: %w", kind, major, minor, existing.dev, linuxerr.EEXIST)
	}
	vfs.devices[tup] = &registeredDevice{
		dev:  dev,
		opts: *opts,
	}
	return nil
}

// RegisterMiscDevice registers dev as a misc character device with a
// dynamically allocated minor number, analogous to Linux's misc_register()
// with MISC_DYNAMIC_MINOR. It returns the allocated minor number.
func (vfs *VirtualFilesystem) RegisterMiscDevice(major uint32, dev Device, opts *RegisterDeviceOptions) (uint32, error) {
	vfs.devicesMu.Lock()
	defer vfs.devicesMu.Unlock()
	// Dynamic misc minors are allocated downward from 255, as in
	// drivers/char/misc.c.
	for minor := uint32(255); minor > 0; minor-- {
		tup := devTuple{CharDevice, major, minor}
		if _, ok := vfs.devices[tup]; ok {
			continue
		}
		vfs.devices[tup] = &registeredDevice{
			dev:  dev,
			opts: *opts,
		}
		return minor, nil
	}
	return 0, linuxerr.EBUSY
}

// OpenDeviceSpecialFile returns a FileDescription representing the given
// device.
func (vfs *VirtualFilesystem) OpenDeviceSpecialFile(ctx context.Context, kind DeviceKind, major, minor uint32, opts OpenOptions) (*FileDescription, error) {
	tup := devTuple{kind, major, minor}
	vfs.devicesMu.RLock()
	defer vfs.devicesMu.RUnlock()
	if rd, ok := vfs.devices[tup]; ok {
		return rd.dev.Open(ctx, opts)
	}
	return nil, linuxerr.ENXIO
}

// DeviceFiles returns the registered devices that have a pathname, sorted
// by pathname.
func (vfs *VirtualFilesystem) DeviceFiles() []RegisteredDevice {
	vfs.devicesMu.RLock()
	defer vfs.devicesMu.RUnlock()
	var devs []RegisteredDevice
	for tup, rd := range vfs.devices {
		if rd.opts.Pathname == "" {
			continue
		}
		devs = append(devs, RegisteredDevice{
			Kind:     tup.kind,
			Major:    tup.major,
			Minor:    tup.minor,
			Pathname: rd.opts.Pathname,
		})
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i].Pathname < devs[j].Pathname })
	return devs
}

// LookupDeviceFile returns the device registered under pathname.
func (vfs *VirtualFilesystem) LookupDeviceFile(pathname string) (RegisteredDevice, bool) {
	for _, d := range vfs.DeviceFiles() {
		if d.Pathname == pathname {
			return d, true
		}
	}
	return RegisteredDevice{}, false
}
