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
	"flag"
	"os"

	"github.com/google/subcommands"
	"vproc.dev/vproc/pkg/sentry/ktime"
	"vproc.dev/vproc/pkg/sentry/memmap"
	"vproc.dev/vproc/pkg/sentry/mm"
	"vproc.dev/vproc/runsc/cmd/util"
	"vproc.dev/vproc/runsc/config"
)

// Restore implements subcommands.Command for the "restore" command.
type Restore struct {
	imagePath string
}

// Name implements subcommands.Command.Name.
func (*Restore) Name() string {
	return "restore"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Restore) Synopsis() string {
	return "restore an address space from an image and print its mappings"
}

// Usage implements subcommands.Command.Usage.
func (*Restore) Usage() string {
	return `restore [flags] - recreate the address space saved by checkpoint.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Restore) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.imagePath, "image-path", "", "file path of the image to restore")
}

// Execute implements subcommands.Command.Execute.
func (r *Restore) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	if r.imagePath == "" {
		return util.Errorf("image-path flag must be provided")
	}
	snap, err := loadImage(ctx, r.imagePath, conf.LockTimeout)
	if err != nil {
		return util.Errorf("%v", err)
	}
	mm, err := newSandbox(conf).restore(snap)
	if err != nil {
		return util.Errorf("restoring %q: %v", r.imagePath, err)
	}
	defer mm.UnmapAll()

	if err := mm.WriteMaps(os.Stdout); err != nil {
		return util.Errorf("writing mappings: %v", err)
	}
	return subcommands.ExitSuccess
}

// restore recreates the address space described by snap, mapping every
// region again and reopening the files behind File regions.
func (s *sandbox) restore(snap mm.Snapshot) (*mm.MemoryMap, error) {
	return mm.Restore(snap, mm.RestoreOpts{
		Allocator: s.alloc,
		Mapper:    s.mapper,
		Clock:     ktime.HostClock{},
		OpenFile: func(name string) (memmap.File, error) {
			f, err := memmap.OpenHostFile(name, false /* writable */)
			if err != nil {
				return nil, err
			}
			return f, nil
		},
		Remap: true,
	})
}
