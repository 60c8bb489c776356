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
)

// Version is the binderctl version. It is set at link time with
// -ldflags "-X github.com/sentrybinder/sentrybinder/binderctl/cmd.Version=...".
var Version = "unknown"

// VersionCmd implements subcommands.Command for the "version" command.
type VersionCmd struct{}

// Name implements subcommands.Command.Name.
func (*VersionCmd) Name() string {
	return "version"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*VersionCmd) Synopsis() string {
	return "print the binderctl version and the binder protocol version"
}

// Usage implements subcommands.Command.Usage.
func (*VersionCmd) Usage() string {
	return `version - print the binderctl version and the protocol version reported by BINDER_VERSION.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*VersionCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*VersionCmd) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if err := runVersion(conf, os.Stdout); err != nil {
		Fatalf("version: %v", err)
	}
	return subcommands.ExitSuccess
}

func runVersion(conf *config.Config, out io.Writer) (err error) {
	s, err := newScenario(conf, out)
	if err != nil {
		return err
	}
	defer s.close(&err)
	p, err := s.newProcess("version")
	if err != nil {
		return err
	}
	defer p.Exit()
	v, err := p.Main.Version()
	if err != nil {
		return fmt.Errorf("BINDER_VERSION: %w", err)
	}
	fmt.Fprintf(out, "binderctl version %s\n", Version)
	fmt.Fprintf(out, "binder protocol version %d\n", v)
	return s.finish()
}
