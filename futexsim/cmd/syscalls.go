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

package cmd

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gopkg.in/yaml.v3"

	"gvisor.dev/kfutex/futexsim/cmd/util"
	"gvisor.dev/kfutex/pkg/sentry/kernel"
)

// Syscalls implements subcommands.Command for the "syscalls" command.
type Syscalls struct {
	output string
	arch   string
}

// archAll is the arch name that selects every syscall table.
const archAll = "all"

// ArchInfo is compatibility doc for an architecture.
type ArchInfo struct {
	Arch     string       `json:"arch" yaml:"arch"`
	Syscalls []SyscallDoc `json:"syscalls" yaml:"syscalls"`
}

// SyscallDoc represents a single item of syscall documentation.
type SyscallDoc struct {
	Num     uintptr `json:"num" yaml:"num"`
	Name    string  `json:"name" yaml:"name"`
	Support string  `json:"support" yaml:"support"`
	Note    string  `json:"note,omitempty" yaml:"note,omitempty"`
}

type outputFunc func(io.Writer, []ArchInfo) error

// A map of output type names to output functions.
var outputMap = map[string]outputFunc{
	"table": outputTable,
	"json":  outputJSON,
	"yaml":  outputYAML,
	"csv":   outputCSV,
}

// Name implements subcommands.Command.Name.
func (*Syscalls) Name() string {
	return "syscalls"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Syscalls) Synopsis() string {
	return "Print compatibility information for syscalls."
}

// Usage implements subcommands.Command.Usage.
func (*Syscalls) Usage() string {
	return `syscalls [options] - Print compatibility information for syscalls.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Syscalls) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.output, "o", "table", "Output format (table, csv, json, yaml).")
	f.StringVar(&s.arch, "arch", archAll, "The CPU architecture (e.g. amd64).")
}

// Execute implements subcommands.Command.Execute.
func (s *Syscalls) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	out, ok := outputMap[s.output]
	if !ok {
		util.Fatalf("Unsupported output format %q", s.output)
	}
	info, err := compatibilityInfo(kernel.SyscallTables(), s.arch)
	if err != nil {
		util.Fatalf("%v", err)
	}
	if err := out(os.Stdout, info); err != nil {
		util.Fatalf("Error writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

// compatibilityInfo returns compatibility info for the tables matching
// archName, which may be archAll, sorted by architecture.
func compatibilityInfo(tables []*kernel.SyscallTable, archName string) ([]ArchInfo, error) {
	var info []ArchInfo
	for _, t := range tables {
		if archName != archAll && t.Arch.String() != archName {
			continue
		}
		ai := ArchInfo{Arch: t.Arch.String()}
		for num, sc := range t.Table {
			ai.Syscalls = append(ai.Syscalls, SyscallDoc{
				Num:     num,
				Name:    sc.Name,
				Support: sc.SupportLevel.String(),
				Note:    sc.Note,
			})
		}
		sort.Slice(ai.Syscalls, func(i, j int) bool {
			return ai.Syscalls[i].Num < ai.Syscalls[j].Num
		})
		info = append(info, ai)
	}
	if len(info) == 0 {
		return nil, fmt.Errorf("syscall table for %s not found", archName)
	}
	sort.Slice(info, func(i, j int) bool { return info[i].Arch < info[j].Arch })
	return info, nil
}

// outputTable outputs the syscall info in tabular format.
func outputTable(w io.Writer, info []ArchInfo) error {
	for _, ai := range info {
		if _, err := fmt.Fprintf(w, "linux/%s:\n\n", ai.Arch); err != nil {
			return err
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		if _, err := fmt.Fprintf(tw, "NUM\tNAME\tSUPPORT\tNOTE\n"); err != nil {
			return err
		}
		for _, sc := range ai.Syscalls {
			if _, err := fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", sc.Num, sc.Name, sc.Support, sc.Note); err != nil {
				return err
			}
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}

// outputJSON outputs the syscall info in JSON format.
func outputJSON(w io.Writer, info []ArchInfo) error {
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(info)
}

// outputYAML outputs the syscall info in YAML format.
func outputYAML(w io.Writer, info []ArchInfo) error {
	e := yaml.NewEncoder(w)
	if err := e.Encode(info); err != nil {
		return err
	}
	return e.Close()
}

// outputCSV outputs the syscall info in CSV format.
func outputCSV(w io.Writer, info []ArchInfo) error {
	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write([]string{"OS", "Arch", "Num", "Name", "Support", "Note"}); err != nil {
		return err
	}
	for _, ai := range info {
		for _, sc := range ai.Syscalls {
			err := csvWriter.Write([]string{
				"linux",
				ai.Arch,
				strconv.FormatUint(uint64(sc.Num), 10),
				sc.Name,
				sc.Support,
				sc.Note,
			})
			if err != nil {
				return err
			}
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}
