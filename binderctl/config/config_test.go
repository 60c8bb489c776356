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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sentrybinder/sentrybinder/pkg/log"
	"github.com/sentrybinder/sentrybinder/pkg/refs"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	return fs
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "binderctl.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlagSet())
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		LogLevel:    "info",
		LogFormat:   "text",
		MmapSize:    4 << 20,
		Iterations:  100,
		PayloadSize: 64,
		Senders:     4,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("default config mismatch (-want +got):\n%s", diff)
	}
}

func TestFromFlags(t *testing.T) {
	fs := newFlagSet()
	if err := fs.Parse([]string{"-log-level=debug", "-iterations=7", "-metrics", "-mmap-size=65536"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	c, err := NewFromFlags(fs)
	if err != nil {
		t.Fatal(err)
	}
	if want := "debug"; c.LogLevel != want {
		t.Errorf("LogLevel=%v, want: %v", c.LogLevel, want)
	}
	if want := 7; c.Iterations != want {
		t.Errorf("Iterations=%v, want: %v", c.Iterations, want)
	}
	if !c.Metrics {
		t.Errorf("Metrics=false, want: true")
	}
	if want := uint64(65536); c.MmapSize != want {
		t.Errorf("MmapSize=%v, want: %v", c.MmapSize, want)
	}
	if lvl, err := c.Level(); err != nil || lvl != log.Debug {
		t.Errorf("Level() = %v, %v, want: %v, nil", lvl, err, log.Debug)
	}
}

func TestFileThenFlags(t *testing.T) {
	path := writeConfig(t, `
log_format = "json"
iterations = 10
senders = 2
payload_size = 16
`)
	fs := newFlagSet()
	if err := fs.Parse([]string{"-config=" + path, "-senders=8"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	c, err := NewFromFlags(fs)
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		LogLevel:    "info",
		LogFormat:   "json",
		MmapSize:    4 << 20,
		Iterations:  10,
		PayloadSize: 16,
		// The command line wins over the file.
		Senders: 8,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestInvalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
		file string
	}{
		{name: "log level", args: []string{"-log-level=verbose"}},
		{name: "log format", args: []string{"-log-format=xml"}},
		{name: "mmap size too large", args: []string{"-mmap-size=8388608"}},
		{name: "zero mmap size", args: []string{"-mmap-size=0"}},
		{name: "no iterations", args: []string{"-iterations=0"}},
		{name: "payload too large", args: []string{"-payload-size=65536"}},
		{name: "mapping too small", args: []string{"-mmap-size=4096", "-iterations=100"}},
		{name: "no senders", args: []string{"-senders=-1"}},
		{name: "unknown key", file: "itertions = 3\n"},
		{name: "bad type", file: "iterations = \"many\"\n"},
		{name: "missing file", args: []string{"-config=/nonexistent/binderctl.toml"}},
		{name: "bad leak mode", file: "ref_leak_mode = \"log-traces\"\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			args := tc.args
			if tc.file != "" {
				args = append(args, "-config="+writeConfig(t, tc.file))
			}
			fs := newFlagSet()
			if err := fs.Parse(args); err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if c, err := NewFromFlags(fs); err == nil {
				t.Errorf("NewFromFlags(%v) = %+v, want error", args, c)
			}
		})
	}
}

func TestRefLeakMode(t *testing.T) {
	path := writeConfig(t, "ref_leak_mode = \"panic\"\n")
	fs := newFlagSet()
	if err := fs.Parse([]string{"-config=" + path}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	c, err := NewFromFlags(fs)
	if err != nil {
		t.Fatal(err)
	}
	if want := refs.LeaksPanic; c.RefLeakMode != want {
		t.Errorf("RefLeakMode=%v, want: %v", c.RefLeakMode, want)
	}

	fs = newFlagSet()
	if err := fs.Parse([]string{"-config=" + path, "-ref-leak-mode=log-names"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if c, err = NewFromFlags(fs); err != nil {
		t.Fatal(err)
	}
	if want := refs.LeaksLogWarning; c.RefLeakMode != want {
		t.Errorf("RefLeakMode=%v, want: %v", c.RefLeakMode, want)
	}

	fs = newFlagSet()
	if err := fs.Parse([]string{"-ref-leak-mode=log-traces"}); err == nil {
		t.Errorf("Parse(-ref-leak-mode=log-traces) succeeded, want error")
	}
}
