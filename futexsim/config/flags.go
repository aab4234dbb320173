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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"gvisor.dev/kfutex/pkg/refs"
	"gvisor.dev/kfutex/pkg/sentry/arch"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	// Debugging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")
	flagSet.Var(leakModePtr(refs.NoLeakChecking), "ref-leak-mode", "sets reference leak check mode: disabled (default), warning, panic.")

	// Flags that control the simulated kernel.
	flagSet.Var(archPtr(arch.AMD64), "arch", "syscall table used by simulated tasks: amd64 (default), arm64.")
	flagSet.Bool("compat32", false, "run simulated tasks with the 32-bit compat ABI.")
	flagSet.Bool("shared", false, "use shared futexes, which work across address spaces.")

	// Flags that control workloads.
	flagSet.Int("tasks", 8, "number of concurrent simulated tasks.")
	flagSet.Int("iterations", 1000, "number of operations performed by each task.")
	flagSet.Int("trials", 1000, "number of wake-versus-timeout trials.")
	flagSet.Duration("wait-timeout", time.Millisecond, "relative timeout of each race trial's wait.")

	// Reporting flags.
	flagSet.String("report", "", "file path where a run report is atomically written.")
	flagSet.String("report-format", "json", "report format: json (default) or yaml.")
	flagSet.String("prometheus", "", "file path where metrics are atomically written in the Prometheus text format.")
}

func leakModePtr(v refs.LeakMode) *refs.LeakMode {
	return &v
}

// get returns the value held by a flag.
func get(v flag.Value) any {
	if getter, ok := v.(flag.Getter); ok {
		return getter.Get()
	}
	panic(fmt.Sprintf("flag value %T does not implement flag.Getter", v))
}

// NewFromFlags creates a new Config with values coming from command line flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(get(fl.Value))
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
