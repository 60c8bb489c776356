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

package memmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sentrybinder/sentrybinder/pkg/hostarch"
)

type testMappingSpace struct {
	inv []hostarch.AddrRange
}

func (n *testMappingSpace) Invalidate(ar hostarch.AddrRange, opts InvalidateOpts) {
	n.inv = append(n.inv, ar)
}

func TestAddRemoveMapping(t *testing.T) {
	set := MappingSet{}
	ms := &testMappingSpace{}

	if first := set.AddMapping(ms, hostarch.AddrRange{Start: 0x10000, End: 0x12000}, 0x1000, true); !first {
		t.Errorf("AddMapping on an empty set: got first=false")
	}
	if first := set.AddMapping(ms, hostarch.AddrRange{Start: 0x20000, End: 0x21000}, 0x2000, false); first {
		t.Errorf("second AddMapping: got first=true")
	}
	t.Log(&set)
	if got := set.Len(); got != 2 {
		t.Errorf("Len: got %d, want 2", got)
	}

	if empty := set.RemoveMapping(ms, hostarch.AddrRange{Start: 0x10000, End: 0x12000}, 0x1000, true); empty {
		t.Errorf("RemoveMapping: got empty=true with one mapping left")
	}
	if empty := set.RemoveMapping(ms, hostarch.AddrRange{Start: 0x20000, End: 0x21000}, 0x2000, false); !empty {
		t.Errorf("RemoveMapping: got empty=false after removing the last mapping")
	}
	if !set.IsEmpty() {
		t.Errorf("IsEmpty: got false, want true")
	}
}

func TestInvalidate(t *testing.T) {
	set := MappingSet{}
	ms := &testMappingSpace{}
	set.AddMapping(ms, hostarch.AddrRange{Start: 0x10000, End: 0x14000}, 0x1000, true)
	set.AddMapping(ms, hostarch.AddrRange{Start: 0x20000, End: 0x21000}, 0x8000, true)

	set.Invalidate(MappableRange{0x2000, 0x3000}, InvalidateOpts{})
	want := []hostarch.AddrRange{{Start: 0x11000, End: 0x12000}}
	if diff := cmp.Diff(want, ms.inv); diff != "" {
		t.Errorf("invalidated ranges mismatch (-want +got):\n%s", diff)
	}
}
