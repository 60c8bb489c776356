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

package log

import (
	"fmt"
	stdlog "log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/time/rate"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if len(tw.lines) != len(expected) {
		t.Fatalf("Writer should have logged %d lines, got: %v, expected: %v", len(expected), tw.lines, expected)
	}
	for i, l := range tw.lines {
		if l != expected[i] {
			t.Fatalf("line %d doesn't match, got: %v, expected: %v", i, l, expected[i])
		}
	}
}

func TestCaller(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{
		Writer: &Writer{
			Next: tw,
		},
	}
	bl := &BasicLogger{
		Emitter: e,
		Level:   Debug,
	}
	bl.Debugf("testing...\n") // Just for file/line.
	if len(tw.lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(tw.lines))
	}
	if !strings.Contains(tw.lines[0], "log_test.go") {
		t.Errorf("expected log_test.go, got %q", tw.lines[0])
	}
	if tw.lines[0][0] != 'D' {
		t.Errorf("expected debug prefix, got %q", tw.lines[0])
	}
}

func TestLevels(t *testing.T) {
	tw := &testWriter{}
	bl := &BasicLogger{
		Emitter: &Writer{Next: tw},
		Level:   Info,
	}
	bl.Debugf("hidden\n")
	bl.Infof("shown\n")
	bl.Warningf("shown\n")
	if got, want := len(tw.lines), 2; got != want {
		t.Fatalf("got %d lines, want %d: %v", got, want, tw.lines)
	}
	bl.SetLevel(Warning)
	if bl.IsLogging(Info) {
		t.Errorf("IsLogging(Info) = true at level Warning")
	}
}

func TestRateLimited(t *testing.T) {
	tw := &testWriter{}
	bl := &BasicLogger{
		Emitter: &Writer{Next: tw},
		Level:   Debug,
	}
	rl := RateLimitedLogger(bl, time.Hour).(*rateLimitedLogger)
	for i := 0; i < 10; i++ {
		rl.Warningf("message %d\n", i)
	}
	// Distinct formats are limited separately.
	rl.Infof("other %d\n", 0)
	want := []string{"message 0\n", "other 0\n"}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Fatalf("lines mismatch (-want +got):\n%s", diff)
	}

	// The next message through reports how many were dropped.
	rl.limits["message %d\n"].limit = rate.NewLimiter(rate.Inf, 1)
	rl.Warningf("message %d\n", 10)
	if got, want := tw.lines[len(tw.lines)-1], "message 10 (9 similar messages suppressed)\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	// Levels that are not logged don't consume the limit.
	bl.SetLevel(Info)
	rl.Debugf("debug %d\n", 0)
	bl.SetLevel(Debug)
	rl.Debugf("debug %d\n", 1)
	if got, want := tw.lines[len(tw.lines)-1], "debug 1\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestOpenFile(t *testing.T) {
	dir := t.TempDir()
	opts := PatternOpts{Command: "binderctl", Timestamp: time.Unix(0, 0)}
	f, err := OpenFile(filepath.Join(dir, "sub", "%COMMAND%.log"), os.O_CREATE|os.O_WRONLY, opts)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer f.Close()
	if got, want := filepath.Base(f.Name()), "binderctl.log"; got != want {
		t.Errorf("log file name: got %q, want %q", got, want)
	}

	f, err = OpenFile("", 0, opts)
	if err != nil || f != nil {
		t.Errorf("OpenFile(\"\") = %v, %v; want nil, nil", f, err)
	}
}

func TestNewEmitter(t *testing.T) {
	for _, format := range []string{"text", "json", "json-k8s"} {
		if _, err := NewEmitter(format, &Writer{Next: &testWriter{}}); err != nil {
			t.Errorf("NewEmitter(%q) failed: %v", format, err)
		}
	}
	if _, err := NewEmitter("xml", &Writer{Next: &testWriter{}}); err == nil {
		t.Errorf("NewEmitter(\"xml\") succeeded")
	}
}

func TestCopyStandardLogTo(t *testing.T) {
	old := Log()
	t.Cleanup(func() {
		log.Store(old)
		stdlog.SetOutput(os.Stderr)
	})
	tw := &testWriter{}
	SetTarget(&Writer{Next: tw})
	SetLevel(Info)

	if err := CopyStandardLogTo(Info); err != nil {
		t.Fatalf("CopyStandardLogTo(Info): %v", err)
	}
	stdlog.Print("from the standard logger")
	if len(tw.lines) != 1 || !strings.Contains(tw.lines[0], "from the standard logger") {
		t.Errorf("got lines %q, want one line carrying the standard log message", tw.lines)
	}
	if err := CopyStandardLogTo(Level(99)); err == nil {
		t.Errorf("CopyStandardLogTo(99) succeeded, want error")
	}
}
