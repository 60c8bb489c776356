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

package marshal_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sentrybinder/sentrybinder/pkg/hostarch"
	"github.com/sentrybinder/sentrybinder/pkg/marshal"
	"github.com/sentrybinder/sentrybinder/pkg/marshal/primitive"
)

func TestMarshal(t *testing.T) {
	v := primitive.Uint64(0x0102030405060708)
	want := hostarch.ByteOrder.AppendUint64(nil, uint64(v))
	if diff := cmp.Diff(want, marshal.Marshal(&v)); diff != "" {
		t.Errorf("Marshal mismatch (-want +got):\n%s", diff)
	}
}

func TestTotalSize(t *testing.T) {
	var (
		i primitive.Int32
		u primitive.Uint32
		l primitive.Uint64
	)
	for _, tc := range []struct {
		name string
		ms   []marshal.Marshallable
		want int
	}{
		{name: "none", want: 0},
		{name: "one", ms: []marshal.Marshallable{&l}, want: 8},
		{name: "mixed", ms: []marshal.Marshallable{&i, &u, &l}, want: 16},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := marshal.TotalSize(tc.ms...); got != tc.want {
				t.Errorf("TotalSize = %d, want %d", got, tc.want)
			}
		})
	}
}
