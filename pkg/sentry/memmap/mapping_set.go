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
	"fmt"
	"strings"

	"github.com/sentrybinder/sentrybinder/pkg/hostarch"
)

// MappingOfRange represents a mapping of a MappableRange.
type MappingOfRange struct {
	MappingSpace MappingSpace
	AddrRange    hostarch.AddrRange
	Writable     bool
}

// MappingSet tracks the mappings of a Mappable, so that implementations
// can tell when the first mapping is established and the last one removed.
//
// The zero value of MappingSet is an empty set. MappingSet is not
// synchronized; the owning Mappable must serialize calls.
type MappingSet struct {
	m map[MappingOfRange]MappableRange
}

// AddMapping records a mapping of [offset, offset+ar.Length()) by ar in ms.
// It returns true if the set was empty before the call.
func (s *MappingSet) AddMapping(ms MappingSpace, ar hostarch.AddrRange, offset uint64, writable bool) bool {
	if s.m == nil {
		s.m = make(map[MappingOfRange]MappableRange)
	}
	first := len(s.m) == 0
	s.m[MappingOfRange{ms, ar, writable}] = MappableRange{offset, offset + ar.Length()}
	return first
}

// RemoveMapping removes a mapping previously recorded by AddMapping. It
// returns true if the set is empty after the call.
func (s *MappingSet) RemoveMapping(ms MappingSpace, ar hostarch.AddrRange, offset uint64, writable bool) bool {
	delete(s.m, MappingOfRange{ms, ar, writable})
	return len(s.m) == 0
}

// IsEmpty returns true if there are no mappings in the set.
func (s *MappingSet) IsEmpty() bool {
	return len(s.m) == 0
}

// Len returns the number of mappings in the set.
func (s *MappingSet) Len() int {
	return len(s.m)
}

// Invalidate calls MappingSpace.Invalidate for every mapping that overlaps
// mr.
func (s *MappingSet) Invalidate(mr MappableRange, opts InvalidateOpts) {
	for k, v := range s.m {
		if v.Start >= mr.End || mr.Start >= v.End {
			continue
		}
		start := k.AddrRange.Start
		if mr.Start > v.Start {
			start += hostarch.Addr(mr.Start - v.Start)
		}
		end := k.AddrRange.End
		if mr.End < v.End {
			end -= hostarch.Addr(v.End - mr.End)
		}
		k.MappingSpace.Invalidate(hostarch.AddrRange{Start: start, End: end}, opts)
	}
}

// String implements fmt.Stringer.String.
func (s *MappingSet) String() string {
	var b strings.Builder
	for k, v := range s.m {
		fmt.Fprintf(&b, "%v => %v (writable=%t)\n", k.AddrRange, v, k.Writable)
	}
	return b.String()
}
