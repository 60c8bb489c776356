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

// Package cli is the main entrypoint for binderctl.
package cli

import (
	"context"
	"flag"
	"os"
	"runtime"
	"time"

	"github.com/google/subcommands"

	"github.com/sentrybinder/sentrybinder/binderctl/cmd"
	"github.com/sentrybinder/sentrybinder/binderctl/config"
	"github.com/sentrybinder/sentrybinder/pkg/log"
	"github.com/sentrybinder/sentrybinder/pkg/refs"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags and the configuration file.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf("%v", err)
	}

	subcommand := flag.CommandLine.Arg(0)
	setupLogging(conf, subcommand)
	refs.SetLeakMode(conf.RefLeakMode)

	const delimString = `**************** binderctl ****************`
	log.Infof(delimString)
	log.Infof("Version %s, %s, %s, %d CPUs, PID %d", cmd.Version, runtime.Version(), runtime.GOARCH, runtime.NumCPU(), os.Getpid())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	if subcmdCode != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, err: %v", subcmdCode)
	}
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by
// binderctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(new(cmd.VersionCmd), "")

	const scenarioGroup = "scenarios"
	cb(new(cmd.PingPong), scenarioGroup)
	cb(new(cmd.Oneway), scenarioGroup)
	cb(new(cmd.Death), scenarioGroup)
}

// setupLogging directs logs to stderr and, if configured, to the debug log
// file.
func setupLogging(conf *config.Config, subcommand string) {
	level, err := conf.Level()
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	log.SetLevel(level)

	emitters := log.MultiEmitter{newEmitter(conf.LogFormat, os.Stderr)}
	f, err := log.OpenFile(conf.DebugLog, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, log.PatternOpts{
		Command:   subcommand,
		Timestamp: time.Now(),
	})
	if err != nil {
		cmd.Fatalf("error opening debug log file %q: %v", conf.DebugLog, err)
	}
	if f != nil {
		emitters = append(emitters, newEmitter(conf.LogFormat, f))
	}

	switch len(emitters) {
	case 1:
		// Use the singular emitter to avoid needless
		// `for` loop overhead when logging to a single place.
		log.SetTarget(emitters[0])
	default:
		log.SetTarget(&emitters)
	}

	if err := log.CopyStandardLogTo(log.Info); err != nil {
		cmd.Fatalf("error redirecting standard log: %v", err)
	}
}

func newEmitter(format string, w *os.File) log.Emitter {
	e, err := log.NewEmitter(format, &log.Writer{Next: w})
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	return e
}
