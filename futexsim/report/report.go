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

// Package report records the outcome of a futexsim run.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"

	"gvisor.dev/kfutex/futexsim/config"
	"gvisor.dev/kfutex/pkg/metric"
	"gvisor.dev/kfutex/pkg/sentry/kernel/futex"
)

// Report is the record of one command run.
type Report struct {
	Command  string        `json:"command" yaml:"command"`
	Flags    []string      `json:"flags,omitempty" yaml:"flags,omitempty"`
	Arch     string        `json:"arch" yaml:"arch"`
	ABI      string        `json:"abi" yaml:"abi"`
	Shared   bool          `json:"shared" yaml:"shared"`
	Start    time.Time     `json:"start" yaml:"start"`
	Duration time.Duration `json:"duration_ns" yaml:"duration_ns"`

	// Result is the command's result, if it produced one.
	Result any    `json:"result,omitempty" yaml:"result,omitempty"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`

	// Futexes is the state of the futex manager when the run finished.
	Futexes futex.Stats `json:"futexes" yaml:"futexes"`

	Metrics []metric.Snapshot `json:"metrics" yaml:"metrics"`
}

// New starts a report for command run with conf.
func New(command string, conf *config.Config) *Report {
	return &Report{
		Command: command,
		Flags:   conf.ToFlags(),
		Arch:    conf.Arch.String(),
		ABI:     conf.Width().String(),
		Shared:  conf.Shared,
		Start:   time.Now(),
	}
}

// Finish records the result of the run and snapshots all metrics.
func (r *Report) Finish(stats futex.Stats, result any, err error) {
	r.Duration = time.Since(r.Start)
	r.Futexes = stats
	r.Result = result
	if err != nil {
		r.Error = err.Error()
	}
	r.Metrics = metric.Snapshots()
}

// Encode writes r to w in the given format, json or yaml.
func (r *Report) Encode(w io.Writer, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

// WriteFile atomically replaces the file at path with r in the given format.
// Readers never observe a partial report.
func (r *Report) WriteFile(path, format string) error {
	var buf bytes.Buffer
	if err := r.Encode(&buf, format); err != nil {
		return err
	}
	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("writing report %q: %w", path, err)
	}
	return nil
}

// WritePrometheus atomically replaces the file at path with all metrics in
// the Prometheus text format.
func WritePrometheus(path string) error {
	var buf bytes.Buffer
	if err := metric.WritePrometheus(&buf); err != nil {
		return err
	}
	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("writing metrics %q: %w", path, err)
	}
	return nil
}
