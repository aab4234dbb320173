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

// Package cli is the main entrypoint for futexsim.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/google/subcommands"

	"gvisor.dev/kfutex/futexsim/cmd"
	"gvisor.dev/kfutex/futexsim/cmd/util"
	"gvisor.dev/kfutex/futexsim/config"
	"gvisor.dev/kfutex/pkg/log"
	"gvisor.dev/kfutex/pkg/refs"
)

var (
	configFile  = flag.String("config", "", "file with default flag values, in TOML (.toml) or JSON with comments. Flags given on the command line take precedence.")
	showVersion = flag.Bool("version", false, "show version and exit.")
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if *showVersion {
		fmt.Fprintf(os.Stdout, "futexsim version %s, %s\n", version(), runtime.Version())
		os.Exit(0)
	}

	if *configFile != "" {
		if err := config.ApplyFile(flag.CommandLine, *configFile); err != nil {
			util.Fatalf("%v", err)
		}
	}

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf("%v", err)
	}

	subcommand := flag.CommandLine.Arg(0)
	startTime := time.Now()

	var logFile io.Writer
	if conf.LogFilename != "" {
		// O_APPEND so that consecutive runs sharing a pattern keep their
		// history.
		f, err := log.OpenFile(conf.LogFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, log.PatternOpts{Command: subcommand, Start: startTime})
		if err != nil {
			util.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
		logFile = f
	}
	util.ErrorLogger = logFile

	// Sets the reference leak check mode.
	refs.SetLeakMode(conf.ReferenceLeak)

	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	var emitters log.MultiEmitter
	if logFile != nil {
		emitters = append(emitters, newEmitter(conf.LogFormat, subcommand, logFile))
		if conf.AlsoLogToStderr {
			emitters = append(emitters, newEmitter(conf.LogFormat, subcommand, os.Stderr))
		}
	} else {
		emitters = append(emitters, newEmitter(conf.LogFormat, subcommand, os.Stderr))
	}

	switch len(emitters) {
	case 1:
		// Use the singular emitter to avoid needless
		// `for` loop overhead when logging to a single place.
		log.SetTarget(emitters[0])
	default:
		log.SetTarget(&emitters)
	}

	const delimString = `**************** futexsim ****************`
	log.Infof(delimString)
	log.Infof("Version %s, %s, %s, %d CPUs, %s, PID %d", version(), runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	// Check for leaks before os.Exit().
	refs.DoLeakCheck()
	if subcmdCode == subcommands.ExitSuccess {
		log.Infof("Exiting with status: %v", subcmdCode)
		os.Exit(0)
	}
	log.Warningf("Failure to execute command, err: %v", subcmdCode)
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by
// futexsim.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(new(cmd.Syscalls), "")
	cb(new(cmd.Shell), "")

	const workloadGroup = "workloads"
	cb(new(cmd.Stress), workloadGroup)
	cb(new(cmd.Barrier), workloadGroup)
	cb(new(cmd.Queue), workloadGroup)
	cb(new(cmd.Race), workloadGroup)
	cb(new(cmd.Robust), workloadGroup)
}

func newEmitter(format, subcommand string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{
			Writer: &log.Writer{Next: logFile},
			Fields: map[string]string{"command": subcommand},
		}
	}
	util.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}

// version returns the module version futexsim was built from.
func version() string {
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" {
		return bi.Main.Version
	}
	return "(devel)"
}
