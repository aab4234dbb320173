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

// Package cmd holds implementations of the futexsim commands.
package cmd

import (
	"context"
	"os"
	"os/signal"

	"github.com/google/subcommands"
	"gvisor.dev/kfutex/futexsim/cmd/util"
	"gvisor.dev/kfutex/futexsim/config"
	"gvisor.dev/kfutex/futexsim/report"
	"gvisor.dev/kfutex/futexsim/workload"
	"gvisor.dev/kfutex/pkg/sentry/arch"
)

// envOptions returns the workload environment described by conf.
func envOptions(conf *config.Config) workload.Options {
	return workload.Options{
		Arch:   arch.Arch(conf.Arch),
		Width:  conf.Width(),
		Shared: conf.Shared,
	}
}

// runWorkload runs body in a new environment, records the outcome as
// configured by conf and prints the result. SIGINT cancels body's context.
func runWorkload(ctx context.Context, name string, conf *config.Config, body func(ctx context.Context, e *workload.Env) (any, error)) subcommands.ExitStatus {
	e, err := workload.NewEnv(envOptions(conf))
	if err != nil {
		util.Fatalf("creating environment: %v", err)
	}
	rep := report.New(name, conf)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	result, err := body(ctx, e)
	stats := e.Kernel().Futexes().Stats()
	e.Destroy()
	rep.Finish(stats, result, err)

	status := subcommands.ExitSuccess
	if conf.ReportFile != "" {
		if werr := rep.WriteFile(conf.ReportFile, conf.ReportFormat); werr != nil {
			util.Errorf("%v", werr)
			status = subcommands.ExitFailure
		}
	}
	if conf.PrometheusFile != "" {
		if werr := report.WritePrometheus(conf.PrometheusFile); werr != nil {
			util.Errorf("%v", werr)
			status = subcommands.ExitFailure
		}
	}
	if err != nil {
		util.Errorf("%s failed: %v", name, err)
		return subcommands.ExitFailure
	}
	util.Infof("%s: %+v", name, result)
	util.Infof("futexes: %+v", stats)
	return status
}
