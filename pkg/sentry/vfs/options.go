// Copyright 2019 The gVisor Authors.
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

// OpenOptions contains options to VirtualFilesystem.OpenDeviceSpecialFile()
// and Device.Open().
type OpenOptions struct {
	// Flags contains access mode and flags as specified for open(2).
	//
	// Device implementations are responsible for implementing the following
	// flags: O_RDONLY, O_WRONLY, O_RDWR, O_APPEND and O_NONBLOCK. O_CLOEXEC
	// is a file descriptor flag and is handled by the caller.
	Flags uint32

	// Mode is the mode bits the caller expects the device file to carry.
	// It is informational only.
	Mode uint16
}

// RegisterDeviceOptions contains options to
// VirtualFilesystem.RegisterDevice().
type RegisterDeviceOptions struct {
	// GroupName is the name shown for this device registration in
	// /proc/devices. If GroupName is empty, this registration will not be
	// shown in /proc/devices.
	GroupName string

	// Pathname is the name of the device file in devtmpfs, relative to
	// /dev. If Pathname is empty, the device is not listed by
	// VirtualFilesystem.DeviceFiles().
	Pathname string
}
