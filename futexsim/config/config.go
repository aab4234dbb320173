// Copyright 2018 The gVisor Authors.
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
// for futexsim. Each setting is a command-line flag and may also be given in
// a TOML or JSON-with-comments configuration file.
package config

import (
	"fmt"
	"time"

	"gvisor.dev/kfutex/pkg/log"
	"gvisor.dev/kfutex/pkg/refs"
	"gvisor.dev/kfutex/pkg/sentry/arch"
)

// Config holds configuration that is not part of the per-command flags. Each
// field carries the name of the flag that sets it.
type Config struct {
	// LogFilename is the pattern of the file used for logs. %COMMAND% and
	// %TIMESTAMP% are expanded. If empty, logs go to stderr.
	LogFilename string `flag:"log"`

	// LogFormat is the log format: text or json.
	LogFormat string `flag:"log-format"`

	// Debug enables debug logging.
	Debug bool `flag:"debug"`

	// AlsoLogToStderr also sends log messages to stderr when LogFilename is
	// set.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// ReferenceLeak sets the reference leak check mode.
	ReferenceLeak refs.LeakMode `flag:"ref-leak-mode"`

	// Arch is the syscall table simulated tasks use.
	Arch Arch `flag:"arch"`

	// Compat32 runs simulated tasks with the 32-bit compat ABI.
	Compat32 bool `flag:"compat32"`

	// Shared makes workloads use shared futexes so that processes with
	// separate address spaces can synchronize.
	Shared bool `flag:"shared"`

	// Tasks is the number of concurrent tasks a workload runs.
	Tasks int `flag:"tasks"`

	// Iterations is the number of operations each task performs.
	Iterations int `flag:"iterations"`

	// Trials is the number of wake-versus-timeout trials run by race.
	Trials int `flag:"trials"`

	// WaitTimeout is the relative timeout of each race trial's wait.
	WaitTimeout time.Duration `flag:"wait-timeout"`

	// ReportFile is the path a run report is written to. If empty, no
	// report is written.
	ReportFile string `flag:"report"`

	// ReportFormat is the report encoding: json or yaml.
	ReportFormat string `flag:"report-format"`

	// PrometheusFile is the path metrics are written to in the Prometheus
	// text format after a run. If empty, no metrics are written.
	PrometheusFile string `flag:"prometheus"`
}

// Width returns the ABI width of simulated tasks.
func (c *Config) Width() arch.Width {
	if c.Compat32 {
		return arch.Width32
	}
	return arch.Width64
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	switch c.ReportFormat {
	case "json", "yaml":
	default:
		return fmt.Errorf("invalid report format %q, must be 'json' or 'yaml'", c.ReportFormat)
	}
	if c.Tasks < 1 {
		return fmt.Errorf("tasks must be at least 1, got %d", c.Tasks)
	}
	if c.Iterations < 0 {
		return fmt.Errorf("iterations must not be negative, got %d", c.Iterations)
	}
	if c.Trials < 0 {
		return fmt.Errorf("trials must not be negative, got %d", c.Trials)
	}
	if c.WaitTimeout <= 0 {
		return fmt.Errorf("wait-timeout must be positive, got %v", c.WaitTimeout)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.LogFilename: %s", c.LogFilename)
	log.Infof("Config.Debug: %t", c.Debug)
	log.Infof("Config.ReferenceLeak: %v", c.ReferenceLeak)
	log.Infof("Config.Arch: %v, ABI: %v, Shared: %t", c.Arch, c.Width(), c.Shared)
	log.Infof("Config.Tasks: %d, Iterations: %d, Trials: %d", c.Tasks, c.Iterations, c.Trials)
	log.Infof("Config.WaitTimeout: %v", c.WaitTimeout)
	if c.ReportFile != "" {
		log.Infof("Config.ReportFile: %s (%s)", c.ReportFile, c.ReportFormat)
	}
	if c.PrometheusFile != "" {
		log.Infof("Config.PrometheusFile: %s", c.PrometheusFile)
	}
}

// Arch wraps arch.Arch so it can be set from a flag.
type Arch arch.Arch

func archPtr(a arch.Arch) *Arch {
	v := Arch(a)
	return &v
}

// Set implements flag.Value.
func (a *Arch) Set(v string) error {
	switch v {
	case "amd64":
		*a = Arch(arch.AMD64)
	case "arm64":
		*a = Arch(arch.ARM64)
	default:
		return fmt.Errorf("invalid arch %q, must be 'amd64' or 'arm64'", v)
	}
	return nil
}

// Get implements flag.Getter.
func (a *Arch) Get() any {
	return *a
}

// String implements flag.Value.
func (a Arch) String() string {
	return arch.Arch(a).String()
}
