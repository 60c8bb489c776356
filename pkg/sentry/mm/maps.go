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

package mm

import (
	"bytes"
	"fmt"
	"strings"
)

// String returns the mappings of mm in the format of /proc/[pid]/maps.
func (mm *MemoryManager) String() string {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	var b bytes.Buffer
	mm.vmas.Ascend(func(v *vma) bool {
		b.Write(v.mapsEntry())
		return true
	})
	return b.String()
}

// mapsEntry returns a /proc/[pid]/maps entry for v, including the trailing
// newline.
func (v *vma) mapsEntry() []byte {
	private := "p"
	if !v.private {
		private = "s"
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "%08x-%08x %s%s %08x 00:00 0 ", v.ar.Start, v.ar.End, v.realPerms, private, v.off)
	if v.hint != "" {
		// Per linux, we pad until the 74th character.
		if pad := 73 - b.Len(); pad > 0 {
			b.WriteString(strings.Repeat(" ", pad))
		}
		b.WriteString(v.hint)
	}
	b.WriteString("\n")
	return b.Bytes()
}
