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

// Package config provides basic infrastructure to set configuration settings
// for binderctl. Settings are read from an optional TOML file and then
// overridden by command line flags.
package config

import (
	"flag"
	"fmt"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/sentrybinder/sentrybinder/pkg/log"
	"github.com/sentrybinder/sentrybinder/pkg/refs"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/devices/binder"
)

const (
	// configFlagName is the flag naming the TOML configuration file.
	configFlagName = "config"

	// maxPayloadSize bounds payload_size to what fits in a thread's staging
	// area.
	maxPayloadSize = 32 << 10
)

// Config holds configuration that applies to every binderctl command.
//
// Fields with a `flag` tag are populated from the command line flag of that
// name. Fields with a `toml` tag may also be set in the configuration file.
type Config struct {
	// LogLevel is the lowest level emitted: warning, info or debug.
	LogLevel string `toml:"log_level" flag:"log-level"`

	// LogFormat is the format of log lines: text, json or json-k8s.
	LogFormat string `toml:"log_format" flag:"log-format"`

	// DebugLog is the path of an additional log file. %COMMAND%, %PID% and
	// %TIMESTAMP% are substituted.
	DebugLog string `toml:"debug_log" flag:"debug-log"`

	// MmapSize is the size of each process's binder mapping.
	MmapSize uint64 `toml:"mmap_size" flag:"mmap-size"`

	// Iterations is the number of transactions each sender issues.
	Iterations int `toml:"iterations" flag:"iterations"`

	// PayloadSize is the size in bytes of each transaction's data.
	PayloadSize int `toml:"payload_size" flag:"payload-size"`

	// Senders is the number of concurrent client processes used by the
	// oneway command.
	Senders int `toml:"senders" flag:"senders"`

	// Metrics dumps the driver's metrics in Prometheus text format after
	// each command.
	Metrics bool `toml:"metrics" flag:"metrics"`

	// RefLeakMode sets the reference leak check mode. When enabled, a
	// command fails if binder processes, objects or files outlive it.
	RefLeakMode refs.LeakMode `toml:"ref_leak_mode" flag:"ref-leak-mode"`
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String(configFlagName, "", "path to a TOML configuration file. Flags given on the command line take precedence.")

	// Logging flags.
	flagSet.String("log-level", "info", "log level: warning, info (default), or debug.")
	flagSet.String("log-format", "text", "log format: text (default), json, or json-k8s.")
	flagSet.String("debug-log", "", "additional location for logs. The following variables are available: %TIMESTAMP%, %COMMAND%, %PID%.")

	// Scenario flags.
	flagSet.Uint64("mmap-size", binder.DefaultMmapSizeLimit, "size of each process's binder mapping, at most 4MiB.")
	flagSet.Int("iterations", 100, "number of transactions issued by each sender.")
	flagSet.Int("payload-size", 64, "size of each transaction's payload in bytes.")
	flagSet.Int("senders", 4, "number of concurrent senders for the oneway command.")
	flagSet.Bool("metrics", false, "print driver metrics in Prometheus text format after the command completes.")

	// Debugging flags.
	flagSet.Var(leakModePtr(refs.NoLeakChecking), "ref-leak-mode", "sets reference leak check mode: disabled (default), log-names, panic.")
}

func leakModePtr(v refs.LeakMode) *refs.LeakMode {
	return &v
}

// NewFromFlags creates a new Config. Defaults come from the flag
// definitions, the file named by --config overrides them, and flags set on
// the command line override both.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	flagSet.VisitAll(func(fl *flag.Flag) {
		conf.setFromFlag(fl)
	})

	if fl := flagSet.Lookup(configFlagName); fl != nil && fl.Value.String() != "" {
		if err := conf.load(fl.Value.String()); err != nil {
			return nil, err
		}
	}

	flagSet.Visit(func(fl *flag.Flag) {
		conf.setFromFlag(fl)
	})

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// load overrides c with the settings in the TOML file at path.
func (c *Config) load(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("config file %q: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// setFromFlag sets the field of c tagged with fl's name, if any.
func (c *Config) setFromFlag(fl *flag.Flag) {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); ok && name == fl.Name {
			getter, ok := fl.Value.(flag.Getter)
			if !ok {
				panic(fmt.Sprintf("flag %q does not implement flag.Getter", fl.Name))
			}
			obj.Field(i).Set(reflect.ValueOf(getter.Get()))
			return
		}
	}
}

func (c *Config) validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json", "json-k8s":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'json-k8s'", c.LogFormat)
	}
	if c.MmapSize == 0 || c.MmapSize > binder.DefaultMmapSizeLimit {
		return fmt.Errorf("mmap_size must be in (0, %d], got %d", binder.DefaultMmapSizeLimit, c.MmapSize)
	}
	if c.Iterations <= 0 {
		return fmt.Errorf("iterations must be positive, got %d", c.Iterations)
	}
	if c.PayloadSize < 0 || c.PayloadSize > maxPayloadSize {
		return fmt.Errorf("payload_size must be in [0, %d], got %d", maxPayloadSize, c.PayloadSize)
	}
	if c.Senders <= 0 {
		return fmt.Errorf("senders must be positive, got %d", c.Senders)
	}
	// Buffers are never reclaimed, so every transaction a process receives
	// must fit in its mapping at once.
	per := (uint64(c.PayloadSize) + 7) &^ 7
	if per == 0 {
		per = 8
	}
	if need := uint64(c.Iterations) * uint64(c.Senders) * per; need > c.MmapSize {
		return fmt.Errorf("%d senders with %d iterations of %d bytes need %d bytes of mapping, have %d", c.Senders, c.Iterations, c.PayloadSize, need, c.MmapSize)
	}
	return nil
}

// Level returns the log level named by LogLevel.
func (c *Config) Level() (log.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "warning":
		return log.Warning, nil
	case "info":
		return log.Info, nil
	case "debug":
		return log.Debug, nil
	}
	return 0, fmt.Errorf("invalid log level %q, must be 'warning', 'info', or 'debug'", c.LogLevel)
}

// Log logs the configuration.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		log.Infof("\t%s: %v", st.Field(i).Name, obj.Field(i).Interface())
	}
}
