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


// Package vfs implements the subset of a virtual filesystem needed to expose
// device special files: a registry of devices keyed by (kind, major, minor)
// and reference-counted open file descriptions with pluggable
// implementations.
//
// Lock order:
//
//	VirtualFilesystem.devicesMu
//	  Device.Open implementations
package vfs

import (
	"github.com/sentrybinder/sentrybinder/pkg/sync"
)

// A VirtualFilesystem (VFS for short) combines Filesystems in trees of Mounts.
// In this package it only tracks registered devices.
//
// There is no analogue to the VirtualFilesystem type in Linux, as the
// equivalent state in Linux is global.
type VirtualFilesystem struct {
	// devices contains all registered Devices. devices is protected by
	// devicesMu.
	devicesMu sync.RWMutex
	devices   map[devTuple]*registeredDevice
}

// Init initializes a new VirtualFilesystem with no registered devices.
func (vfs *VirtualFilesystem) Init() error {
	if vfs.devices != nil {
		panic("VFS already initialized")
	}
	vfs.devices = make(map[devTuple]*registeredDevice)
	return nil
}
