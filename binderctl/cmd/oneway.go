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
	"golang.org/x/sync/errgroup"

	"github.com/sentrybinder/sentrybinder/binderctl/config"
	"github.com/sentrybinder/sentrybinder/pkg/abi/linux"
	"github.com/sentrybinder/sentrybinder/pkg/hostarch"
	"github.com/sentrybinder/sentrybinder/pkg/log"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/devices/binder/bindertest"
	"github.com/sentrybinder/sentrybinder/pkg/waiter"
)

// Oneway implements subcommands.Command for the "oneway" command.
type Oneway struct{}

// Name implements subcommands.Command.Name.
func (*Oneway) Name() string {
	return "oneway"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Oneway) Synopsis() string {
	return "send concurrent oneway transactions and check their delivery order"
}

// Usage implements subcommands.Command.Usage.
func (*Oneway) Usage() string {
	return `oneway [options] - send concurrent oneway transactions to the context manager.

Each of --senders client processes sends --iterations oneway transactions. The
context manager checks that it never has more than one oneway transaction in
flight and that each sender's transactions arrive in the order they were sent.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Oneway) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Oneway) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if err := runOneway(ctx, conf, os.Stdout); err != nil {
		Fatalf("oneway: %v", err)
	}
	return subcommands.ExitSuccess
}

// onewayHeaderSize is the size of the sender index at the start of each
// oneway payload.
const onewayHeaderSize = 4

func runOneway(ctx context.Context, conf *config.Config, out io.Writer) (err error) {
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

	senders := make([]*bindertest.Process, conf.Senders)
	for i := range senders {
		p, err := s.newProcess(fmt.Sprintf("sender-%d", i))
		if err != nil {
			return err
		}
		defer p.Exit()
		senders[i] = p
	}
	size := conf.PayloadSize
	if size < onewayHeaderSize {
		size = onewayHeaderSize
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, p := range senders {
		i, p := i, p
		g.Go(func() error {
			return abortOnError(sendOneway(ctx, p.Main, uint32(i), conf.Iterations, size), sm.Main)
		})
	}
	g.Go(func() error {
		return abortOnError(receiveOneway(sm, conf.Senders, conf.Iterations))
	})
	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Fprintf(out, "%d senders delivered %d oneway transactions in order\n", conf.Senders, conf.Senders*conf.Iterations)
	return s.finish()
}

// sendOneway sends n oneway transactions with codes 0 to n-1 from t. Each
// payload starts with the sender's index.
func sendOneway(ctx context.Context, t *bindertest.Thread, sender uint32, n, size int) error {
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		data := payload(size, byte(i))
		hostarch.ByteOrder.PutUint32(data, sender)
		td, err := t.Transaction(0, uint32(i), linux.TF_ONE_WAY, data)
		if err != nil {
			return err
		}
		if err := t.Write(new(bindertest.Writer).Transaction(td)); err != nil {
			return fmt.Errorf("sender %d: transaction %d: %w", sender, i, err)
		}
		if _, err := t.Expect(linux.BR_TRANSACTION_COMPLETE); err != nil {
			return fmt.Errorf("sender %d: transaction %d: %w", sender, i, err)
		}
	}
	return nil
}

// receiveOneway receives n transactions from each of senders on sm and
// checks their order.
func receiveOneway(sm *bindertest.Process, senders, n int) error {
	t := sm.Main
	next := make([]uint32, senders)
	for received := 0; received < senders*n; received++ {
		in, err := t.Expect(linux.BR_TRANSACTION)
		if err != nil {
			return err
		}
		if in.Txn.Flags&linux.TF_ONE_WAY == 0 {
			return fmt.Errorf("received synchronous transaction %v", in)
		}
		data, err := t.Payload(in.Txn)
		if err != nil {
			return err
		}
		if len(data) < onewayHeaderSize {
			return fmt.Errorf("received %d byte payload, want at least %d", len(data), onewayHeaderSize)
		}
		sender := hostarch.ByteOrder.Uint32(data)
		if sender >= uint32(senders) {
			return fmt.Errorf("received transaction from unknown sender %d", sender)
		}
		if in.Txn.Code != next[sender] {
			return fmt.Errorf("sender %d: received transaction %d, want %d", sender, in.Txn.Code, next[sender])
		}
		next[sender]++

		// Until the buffer is freed, the next oneway transaction for the
		// same object is held back.
		ready, err := sm.Readiness(waiter.ReadableEvents)
		if err != nil {
			return err
		}
		if ready != 0 {
			return fmt.Errorf("another transaction is pending while oneway transaction %v is in flight", in)
		}
		if err := t.Write(new(bindertest.Writer).FreeBuffer(in.Txn.Buffer)); err != nil {
			return err
		}
		if log.IsLogging(log.Debug) {
			log.Debugf("oneway: sender %d transaction %d", sender, in.Txn.Code)
		}
	}
	return nil
}
