// Copyright 2026 The gVisor Authors.
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
	"os"

	"github.com/google/subcommands"
	"vproc.dev/vproc/runsc/cmd/util"
	"vproc.dev/vproc/runsc/config"
)

// Maps implements subcommands.Command for the "maps" command.
type Maps struct {
	logMappings bool
	usage       bool
}

// Name implements subcommands.Command.Name.
func (*Maps) Name() string {
	return "maps"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Maps) Synopsis() string {
	return "build an address space from a layout and print its mappings"
}

// Usage implements subcommands.Command.Usage.
func (*Maps) Usage() string {
	return `maps [flags] <layout> - replay the memory syscalls in <layout> and print
the resulting address space in /proc/[pid]/maps format.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Maps) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&m.logMappings, "log-mappings", false, "also write the mappings to the log.")
	f.BoolVar(&m.usage, "usage", false, "print heap and virtual memory usage after the mappings.")
}

// Execute implements subcommands.Command.Execute.
func (m *Maps) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	layout, err := config.LoadLayout(f.Arg(0))
	if err != nil {
		return util.Errorf("%v", err)
	}
	s := newSandbox(conf)
	mm, err := s.build(ctx, layout)
	if err != nil {
		return util.Errorf("building address space: %v", err)
	}
	defer mm.UnmapAll()

	if m.logMappings {
		mm.LogMappings()
	}
	if err := mm.WriteMaps(os.Stdout); err != nil {
		return util.Errorf("writing mappings: %v", err)
	}
	if m.usage {
		fmt.Fprintf(os.Stdout, "heap: %d bytes\nvirtual: %d bytes\n", mm.HeapUsage(), mm.VirtualUsage())
	}
	return subcommands.ExitSuccess
}
