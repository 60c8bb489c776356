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
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/sentrybinder/sentrybinder/binderctl/config"
	"github.com/sentrybinder/sentrybinder/pkg/abi/linux"
	"github.com/sentrybinder/sentrybinder/pkg/log"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/devices/binder/bindertest"
)

// PingPong implements subcommands.Command for the "pingpong" command.
type PingPong struct{}

// Name implements subcommands.Command.Name.
func (*PingPong) Name() string {
	return "pingpong"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*PingPong) Synopsis() string {
	return "measure synchronous transaction round trips to the context manager"
}

// Usage implements subcommands.Command.Usage.
func (*PingPong) Usage() string {
	return `pingpong [options] - measure synchronous transaction round trips.

A client process sends --iterations synchronous transactions of --payload-size
bytes to the context manager, which echoes each payload back in its reply.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*PingPong) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*PingPong) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if err := runPingPong(ctx, conf, os.Stdout); err != nil {
		Fatalf("pingpong: %v", err)
	}
	return subcommands.ExitSuccess
}

// echoCode is the transaction code handled by the echo server.
const echoCode = 1

func runPingPong(ctx context.Context, conf *config.Config, out io.Writer) (err error) {
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
	client, err := s.newProcess("client")
	if err != nil {
		return err
	}
	defer client.Exit()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return abortOnError(serveEcho(sm.Main, conf.Iterations), client.Main)
	})

	latencies := make([]time.Duration, 0, conf.Iterations)
	g.Go(func() error {
		return abortOnError(func() error {
			for i := 0; i < conf.Iterations; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				data := payload(conf.PayloadSize, byte(i))
				td, err := client.Main.Transaction(0, echoCode, 0, data)
				if err != nil {
					return err
				}
				start := time.Now()
				_, rets, err := client.Main.WriteRead(new(bindertest.Writer).Transaction(td), bindertest.DefaultReadSize)
				if err != nil {
					return fmt.Errorf("transaction %d: %w", i, err)
				}
				latencies = append(latencies, time.Since(start))
				if len(rets) != 1 || rets[0].Code != linux.BR_REPLY {
					return fmt.Errorf("transaction %d: read %v, want BR_REPLY", i, rets)
				}
				reply, err := client.Main.Payload(rets[0].Txn)
				if err != nil {
					return err
				}
				if !bytes.Equal(reply, data) {
					return fmt.Errorf("transaction %d: reply payload does not match request", i)
				}
				if err := client.Main.Write(new(bindertest.Writer).FreeBuffer(rets[0].Txn.Buffer)); err != nil {
					return err
				}
			}
			return nil
		}(), sm.Main)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Fprintf(out, "%d round trips of %d bytes\n", len(latencies), conf.PayloadSize)
	writeLatencySummary(out, latencies)
	return s.finish()
}

// serveEcho answers n transactions on t with a copy of their payload.
func serveEcho(t *bindertest.Thread, n int) error {
	for i := 0; i < n; i++ {
		in, err := t.Expect(linux.BR_TRANSACTION)
		if err != nil {
			return err
		}
		if log.IsLogging(log.Debug) {
			log.Debugf("echo: %v", in)
		}
		data, err := t.Payload(in.Txn)
		if err != nil {
			return err
		}
		td, err := t.Transaction(0, in.Txn.Code, 0, data)
		if err != nil {
			return err
		}
		if err := t.Write(new(bindertest.Writer).Reply(td).FreeBuffer(in.Txn.Buffer)); err != nil {
			return err
		}
		if _, err := t.Expect(linux.BR_TRANSACTION_COMPLETE); err != nil {
			return err
		}
	}
	return nil
}

func writeLatencySummary(out io.Writer, latencies []time.Duration) {
	if len(latencies) == 0 {
		return
	}
	sorted := slices.Clone(latencies)
	slices.Sort(sorted)
	var total time.Duration
	for _, l := range sorted {
		total += l
	}
	pct := func(p int) time.Duration {
		return sorted[(len(sorted)-1)*p/100]
	}
	fmt.Fprintf(out, "latency min=%v avg=%v p50=%v p99=%v max=%v\n",
		sorted[0], total/time.Duration(len(sorted)), pct(50), pct(99), sorted[len(sorted)-1])
}
