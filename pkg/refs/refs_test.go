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

package refs

import (
	"testing"
)

type testObject struct {
	RefCount
	destroyed int
}

func (o *testObject) DecRef() {
	o.RefCount.DecRef(func() { o.destroyed++ })
}

func (*testObject) RefType() string     { return "testObject" }
func (*testObject) LeakMessage() string { return "leaked" }

func TestRefCountLifecycle(t *testing.T) {
	o := &testObject{}
	if got := o.ReadRefs(); got != 1 {
		t.Fatalf("ReadRefs: got %d, wanted 1", got)
	}
	o.IncRef()
	o.DecRef()
	if o.destroyed != 0 {
		t.Fatalf("destroyed with a reference outstanding")
	}
	o.DecRef()
	if o.destroyed != 1 {
		t.Fatalf("destroyed: got %d, wanted 1", o.destroyed)
	}
	if o.TryIncRef() {
		t.Errorf("TryIncRef succeeded on a destroyed object")
	}
}

func TestTryIncRef(t *testing.T) {
	o := &testObject{}
	if !o.TryIncRef() {
		t.Fatalf("TryIncRef failed on a live object")
	}
	if got := o.ReadRefs(); got != 2 {
		t.Errorf("ReadRefs: got %d, wanted 2", got)
	}
	o.DecRef()
	o.DecRef()
	if o.destroyed != 1 {
		t.Errorf("destroyed: got %d, wanted 1", o.destroyed)
	}
}

func TestDecRefPanicsOnNegative(t *testing.T) {
	o := &testObject{}
	o.DecRef()
	defer func() {
		if recover() == nil {
			t.Errorf("DecRef on a destroyed object did not panic")
		}
	}()
	o.DecRef()
}

func TestLeakCheck(t *testing.T) {
	SetLeakMode(LeaksLogWarning)
	defer SetLeakMode(NoLeakChecking)

	o := &testObject{}
	Register(o)
	if got := DoLeakCheck(); got != 1 {
		t.Errorf("DoLeakCheck: got %d leaks, wanted 1", got)
	}
	Unregister(o)
	if got := DoLeakCheck(); got != 0 {
		t.Errorf("DoLeakCheck after Unregister: got %d leaks, wanted 0", got)
	}
}

func TestLeakModeFlag(t *testing.T) {
	for _, tc := range []struct {
		name string
		want LeakMode
	}{
		{"disabled", NoLeakChecking},
		{"log-names", LeaksLogWarning},
		{"panic", LeaksPanic},
	} {
		var m LeakMode
		if err := m.Set(tc.name); err != nil {
			t.Errorf("Set(%q): %v", tc.name, err)
			continue
		}
		if m != tc.want {
			t.Errorf("Set(%q): got %v, wanted %v", tc.name, m, tc.want)
		}
		if got := m.String(); got != tc.name {
			t.Errorf("String(): got %q, wanted %q", got, tc.name)
		}
	}
	var m LeakMode
	if err := m.UnmarshalText([]byte("log-traces")); err == nil {
		t.Errorf("UnmarshalText(log-traces): got nil error, wanted an error")
	}
}
