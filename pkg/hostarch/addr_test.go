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

package hostarch

import (
	"testing"
)

func TestRoundUp(t *testing.T) {
	for _, tc := range []struct {
		addr Addr
		want Addr
		ok   bool
	}{
		{0, 0, true},
		{1, PageSize, true},
		{PageSize, PageSize, true},
		{PageSize + 1, 2 * PageSize, true},
		{^Addr(0), 0, false},
	} {
		got, ok := tc.addr.RoundUp()
		if ok != tc.ok || (ok && got != tc.want) {
			t.Errorf("%v.RoundUp(): got (%v, %t), wanted (%v, %t)", tc.addr, got, ok, tc.want, tc.ok)
		}
	}
}

func TestAddLengthOverflow(t *testing.T) {
	if _, ok := Addr(^uintptr(0) - 1).AddLength(2); ok {
		t.Errorf("AddLength wrapped around without reporting it")
	}
	end, ok := Addr(0x1000).AddLength(0x10)
	if !ok || end != 0x1010 {
		t.Errorf("AddLength: got (%v, %t), wanted (0x1010, true)", end, ok)
	}
}

func TestIsAligned(t *testing.T) {
	for _, tc := range []struct {
		addr  Addr
		align uint64
		want  bool
	}{
		{0, 8, true},
		{8, 8, true},
		{12, 8, false},
		{12, 4, true},
		{0x1000, PageSize, true},
	} {
		if got := tc.addr.IsAligned(tc.align); got != tc.want {
			t.Errorf("%v.IsAligned(%d): got %t, wanted %t", tc.addr, tc.align, got, tc.want)
		}
	}
}

func TestAddrRange(t *testing.T) {
	r := AddrRange{Start: 0x1000, End: 0x3000}
	if !r.Contains(0x1000) || r.Contains(0x3000) {
		t.Errorf("%v: Contains is not half-open", r)
	}
	if got := r.Intersect(AddrRange{0x2000, 0x5000}); got != (AddrRange{0x2000, 0x3000}) {
		t.Errorf("Intersect: got %v, wanted [0x2000, 0x3000)", got)
	}
	if got := r.Intersect(AddrRange{0x4000, 0x5000}).Length(); got != 0 {
		t.Errorf("Intersect of disjoint ranges: got length %d, wanted 0", got)
	}
	if !r.IsSupersetOf(AddrRange{0x1000, 0x2000}) || r.IsSupersetOf(AddrRange{0, 0x2000}) {
		t.Errorf("%v: IsSupersetOf mismatch", r)
	}
}
