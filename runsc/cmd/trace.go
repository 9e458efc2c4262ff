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
	"runtime"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"vproc.dev/vproc/pkg/atomicbitops"
	"vproc.dev/vproc/pkg/hostarch"
	"vproc.dev/vproc/pkg/log"
	"vproc.dev/vproc/pkg/sentry/mm"
	"vproc.dev/vproc/runsc/cmd/util"
	"vproc.dev/vproc/runsc/config"
)

// Trace implements subcommands.Command for the "trace" command.
type Trace struct {
	reportPath string
	format     string
	workers    int
}

// Name implements subcommands.Command.Name.
func (*Trace) Name() string {
	return "trace"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Trace) Synopsis() string {
	return "replay the page accesses of a layout and report the first access to each page"
}

// Usage implements subcommands.Command.Usage.
func (*Trace) Usage() string {
	return `trace [flags] <layout> - build the address space described by <layout>,
enable access tracing, fault in every page listed in its touch tables and
write the tracer report, as text lines or as a pprof profile.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *Trace) SetFlags(f *flag.FlagSet) {
	f.StringVar(&t.reportPath, "report", "", "file path to write the report to. Default is stdout.")
	f.StringVar(&t.format, "format", reportText, "report format: text (default) or pprof.")
	f.IntVar(&t.workers, "workers", runtime.NumCPU(), "number of concurrent faulting threads.")
}

// Execute implements subcommands.Command.Execute.
func (t *Trace) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	if t.workers <= 0 {
		return util.Errorf("workers must be positive, got %d", t.workers)
	}
	if t.format != reportText && t.format != reportPprof {
		return util.Errorf("invalid report format %q", t.format)
	}
	layout, err := config.LoadLayout(f.Arg(0))
	if err != nil {
		return util.Errorf("%v", err)
	}
	mm, err := newSandbox(conf).build(ctx, layout)
	if err != nil {
		return util.Errorf("building address space: %v", err)
	}
	defer mm.UnmapAll()

	if err := mm.EnableTracing(ctx); err != nil {
		return util.Errorf("enabling tracing: %v", err)
	}
	handled, err := replayTouches(ctx, mm, layout.Touches, t.workers)
	if err != nil {
		return util.Errorf("replaying accesses: %v", err)
	}
	log.Infof("Handled %d tracing faults", handled)

	if t.reportPath == "" {
		err = dumpReport(ctx, mm, os.Stdout, t.format)
	} else {
		err = writeReport(ctx, mm, t.reportPath, t.format, conf)
	}
	if err != nil {
		return util.Errorf("writing report: %v", err)
	}
	return subcommands.ExitSuccess
}

// replayTouches faults every page named by touches, on up to workers
// goroutines at once, and returns the number of faults handled by the
// tracer. Every touch is checked before any page is faulted.
func replayTouches(ctx context.Context, m *mm.MemoryMap, touches []config.Touch, workers int) (uint64, error) {
	type replay struct {
		ar     hostarch.AddrRange
		access hostarch.AccessType
	}
	replays := make([]replay, 0, len(touches))
	for i, touch := range touches {
		access, err := config.ParseAccess(touch.Access)
		if err != nil {
			return 0, fmt.Errorf("touch %d: %w", i, err)
		}
		start := m.Base() + hostarch.Addr(touch.At)
		ar, ok := start.ToRange(touch.Length)
		if !ok || !m.Range().IsSupersetOf(ar) {
			return 0, fmt.Errorf("touch %d: range %v is outside the address space", i, ar)
		}
		replays = append(replays, replay{ar: ar, access: access})
	}

	var (
		handled atomicbitops.Uint64
		g       errgroup.Group
	)
	g.SetLimit(workers)
	for _, r := range replays {
		for addr := r.ar.Start.RoundDown(); addr < r.ar.End; addr += hostarch.PageSize {
			if ctx.Err() != nil {
				break
			}
			r, addr := r, addr
			g.Go(func() error {
				if m.HandleFault(addr, r.access) {
					handled.Add(1)
				} else {
					log.Debugf("Access %s at %v was not a tracing fault", r.access, addr)
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return handled.Load(), nil
}

// writeReport writes the tracer report of m to path while holding an
// exclusive lock on it.
func writeReport(ctx context.Context, m *mm.MemoryMap, path, format string, conf *config.Config) error {
	unlock, err := lockFile(ctx, path, false /* shared */, conf.LockTimeout)
	if err != nil {
		return err
	}
	defer unlock()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := dumpReport(ctx, m, f, format); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
