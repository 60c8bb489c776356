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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"github.com/sentrybinder/sentrybinder/binderctl/config"
	"github.com/sentrybinder/sentrybinder/pkg/abi/linux"
	"github.com/sentrybinder/sentrybinder/pkg/marshal"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/devices/binder/bindertest"
)

// Death implements subcommands.Command for the "death" command.
type Death struct{}

// Name implements subcommands.Command.Name.
func (*Death) Name() string {
	return "death"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Death) Synopsis() string {
	return "check death notifications when a service process exits"
}

// Usage implements subcommands.Command.Usage.
func (*Death) Usage() string {
	return `death - check death notifications when a service process exits.

A service process registers an object with the context manager, which holds
a handle to it and asks to be notified of its death. The service then exits.
The context manager must receive BR_DEAD_BINDER, and transactions to the
handle must fail with BR_DEAD_REPLY.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Death) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Death) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if err := runDeath(conf, os.Stdout); err != nil {
		Fatalf("death: %v", err)
	}
	return subcommands.ExitSuccess
}

const (
	serviceObject = 0x5000
	serviceCookie = 0x5001
	deathCookie   = 0xdead
)

func runDeath(conf *config.Config, out io.Writer) (err error) {
	s, err := newScenario(conf, out)
	if err != nil {
		return err
	}
	defer s.close(&err)
	sm, err := s.newServiceManager()
	if err != nil {
		return err
	}
	defer sm.Exit()
	service, err := s.newProcess("service")
	if err != nil {
		return err
	}
	defer service.Exit()

	handle, err := registerService(service.Main, sm.Main)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "service pid %d registered as handle %d\n", service.PID(), handle)

	t := sm.Main
	if err := t.Write(new(bindertest.Writer).RequestDeathNotification(handle, deathCookie)); err != nil {
		return fmt.Errorf("BC_REQUEST_DEATH_NOTIFICATION: %w", err)
	}
	service.Exit()

	r, err := t.Expect(linux.BR_DEAD_BINDER)
	if err != nil {
		return err
	}
	if r.Cookie != deathCookie {
		return fmt.Errorf("death notification cookie %#x, want %#x", r.Cookie, deathCookie)
	}
	fmt.Fprintf(out, "received %v\n", r)
	if err := t.Write(new(bindertest.Writer).DeadBinderDone(r.Cookie)); err != nil {
		return err
	}

	td, err := t.Transaction(handle, 1, 0, nil)
	if err != nil {
		return err
	}
	if err := t.Write(new(bindertest.Writer).Transaction(td)); err != nil {
		return err
	}
	r, err = t.Expect(linux.BR_DEAD_REPLY)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "transaction to dead handle %d: %v\n", handle, r)

	if err := t.Write(new(bindertest.Writer).Release(handle)); err != nil {
		return err
	}
	return s.finish()
}

// registerService sends an object hosted by service to the context manager,
// which takes a strong reference on the resulting handle.
func registerService(service, sm *bindertest.Thread) (uint32, error) {
	obj := linux.FlatBinderObject{
		Type:   linux.BINDER_TYPE_BINDER,
		Binder: serviceObject,
		Cookie: serviceCookie,
	}
	td, err := service.Transaction(0, 1, linux.TF_ONE_WAY, marshal.Marshal(&obj), 0)
	if err != nil {
		return 0, err
	}
	if err := service.Write(new(bindertest.Writer).Transaction(td)); err != nil {
		return 0, err
	}

	in, err := sm.Expect(linux.BR_TRANSACTION)
	if err != nil {
		return 0, err
	}
	objs, err := sm.Objects(in.Txn)
	if err != nil {
		return 0, err
	}
	if len(objs) != 1 || objs[0].Type != linux.BINDER_TYPE_HANDLE {
		return 0, fmt.Errorf("received objects %+v, want a single handle", objs)
	}
	handle := objs[0].Handle()
	if err := sm.Write(new(bindertest.Writer).Acquire(handle).FreeBuffer(in.Txn.Buffer)); err != nil {
		return 0, err
	}
	return handle, nil
}
