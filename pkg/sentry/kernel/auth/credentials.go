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


package auth

import (
	"fmt"
)

// KUID is a user ID in the root user namespace.
type KUID uint32

// KGID is a group ID in the root user namespace.
type KGID uint32

// RootKUID is the KUID of the superuser.
const RootKUID KUID = 0

// RootKGID is the KGID of the superuser.
const RootKGID KGID = 0

// Credentials contains information required to authorize privileged
// operations in a user namespace.
//
// Credentials are immutable once shared; use Fork to obtain a copy that may
// be modified.
type Credentials struct {
	RealKUID      KUID
	EffectiveKUID KUID
	SavedKUID     KUID
	RealKGID      KGID
	EffectiveKGID KGID
	SavedKGID     KGID

	// ExtraKGIDs are the supplementary group IDs.
	ExtraKGIDs []KGID
}

// NewRootCredentials returns Credentials for the superuser.
func NewRootCredentials() *Credentials {
	return NewUserCredentials(RootKUID, RootKGID, nil)
}

// NewUserCredentials returns Credentials for the given user and group, with
// real, effective and saved IDs all equal.
func NewUserCredentials(kuid KUID, kgid KGID, extraKGIDs []KGID) *Credentials {
	return &Credentials{
		RealKUID:      kuid,
		EffectiveKUID: kuid,
		SavedKUID:     kuid,
		RealKGID:      kgid,
		EffectiveKGID: kgid,
		SavedKGID:     kgid,
		ExtraKGIDs:    append([]KGID(nil), extraKGIDs...),
	}
}

// Fork generates an identical copy of a set of credentials.
func (c *Credentials) Fork() *Credentials {
	nc := *c
	nc.ExtraKGIDs = append([]KGID(nil), c.ExtraKGIDs...)
	return &nc
}

// InGroup returns true if c is in group kgid.
func (c *Credentials) InGroup(kgid KGID) bool {
	if c.EffectiveKGID == kgid {
		return true
	}
	for _, extraKGID := range c.ExtraKGIDs {
		if extraKGID == kgid {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.String.
func (c *Credentials) String() string {
	return fmt.Sprintf("uid=%d euid=%d gid=%d egid=%d", c.RealKUID, c.EffectiveKUID, c.RealKGID, c.EffectiveKGID)
}
