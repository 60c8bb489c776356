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

// Package cmd holds implementations of the binderctl commands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/sentrybinder/sentrybinder/binderctl/config"
	"github.com/sentrybinder/sentrybinder/pkg/log"
	"github.com/sentrybinder/sentrybinder/pkg/refs"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/devices/binder"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/devices/binder/bindertest"
)

// Fatalf logs the same message as Warningf, writes it to stderr and exits.
func Fatalf(format string, args ...any) {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(128)
}

// scenario is a fresh kernel and binder driver for a single command.
type scenario struct {
	conf *config.Config
	out  io.Writer
	reg  *prometheus.Registry
	env  *bindertest.Env
}

func newScenario(conf *config.Config, out io.Writer) (*scenario, error) {
	reg := prometheus.NewRegistry()
	env, err := bindertest.NewEnv(binder.Options{
		MmapSizeLimit: conf.MmapSize,
		Registerer:    reg,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("creating binder environment: %w", err)
	}
	return &scenario{conf: conf, out: out, reg: reg, env: env}, nil
}

func (s *scenario) newProcess(name string) (*bindertest.Process, error) {
	p, err := s.env.NewProcess(name, nil, s.conf.MmapSize)
	if err != nil {
		return nil, err
	}
	log.Debugf("Started %q as pid %d", name, p.PID())
	return p, nil
}

// newServiceManager starts a process and makes it the context manager.
func (s *scenario) newServiceManager() (*bindertest.Process, error) {
	sm, err := s.newProcess("servicemanager")
	if err != nil {
		return nil, err
	}
	if err := sm.Main.SetContextManager(); err != nil {
		sm.Exit()
		return nil, fmt.Errorf("BINDER_SET_CONTEXT_MGR: %w", err)
	}
	return sm, nil
}

// finish writes the driver's metrics if requested.
func (s *scenario) finish() error {
	if !s.conf.Metrics {
		return nil
	}
	return writeMetrics(s.out, s.reg)
}

// close releases the driver and, if leak checking is enabled, fails the
// command with *err when binder processes, objects or files were leaked. It
// must run after every process of the scenario has exited.
func (s *scenario) close(err *error) {
	s.env.Release()
	if refs.GetLeakMode() == refs.NoLeakChecking {
		return
	}
	if n := refs.DoLeakCheck(); n > 0 && *err == nil {
		*err = fmt.Errorf("%d reference-counted objects leaked", n)
	}
}

// writeMetrics writes everything gathered by g in Prometheus text format.
func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metric %q: %w", mf.GetName(), err)
		}
	}
	return nil
}

// payload returns n bytes of recognizable data.
func payload(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

// abortOnError interrupts peers if err is non-nil, so that a failed side of
// a scenario does not leave the other blocked in a read.
func abortOnError(err error, peers ...*bindertest.Thread) error {
	if err != nil {
		for _, t := range peers {
			t.Task.Interrupt()
		}
	}
	return err
}
