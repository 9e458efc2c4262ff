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
	"debug/elf"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"
	"gopkg.in/yaml.v3"
	"vproc.dev/vproc/pkg/sentry/mm"
	"vproc.dev/vproc/runsc/cmd/util"
	"vproc.dev/vproc/runsc/config"
)

// imageVersion is the version of the image format written by checkpoint.
const imageVersion = 1

// image is the on-disk form of a checkpointed address space.
type image struct {
	Version   int         `yaml:"version"`
	MemoryMap mm.Snapshot `yaml:"memory_map"`
}

// Checkpoint implements subcommands.Command for the "checkpoint" command.
type Checkpoint struct {
	imagePath string
	headers   bool
}

// Name implements subcommands.Command.Name.
func (*Checkpoint) Name() string {
	return "checkpoint"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Checkpoint) Synopsis() string {
	return "save the address space built from a layout to an image"
}

// Usage implements subcommands.Command.Usage.
func (*Checkpoint) Usage() string {
	return `checkpoint [flags] <layout> - build the address space described by <layout>
and save it to the image given by --image-path.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Checkpoint) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.imagePath, "image-path", "", "file path to save the image to")
	f.BoolVar(&c.headers, "program-headers", false, "print the ELF program headers describing the saved regions")
}

// Execute implements subcommands.Command.Execute.
func (c *Checkpoint) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	if c.imagePath == "" {
		return util.Errorf("image-path flag must be provided")
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

	if err := saveImage(ctx, c.imagePath, mm.Save(), conf.LockTimeout); err != nil {
		return util.Errorf("checkpoint failed: %v", err)
	}
	if c.headers {
		writeProgramHeaders(os.Stdout, mm.ProgramHeaders(0))
	}
	return subcommands.ExitSuccess
}

// saveImage writes s to path while holding an exclusive lock on it.
func saveImage(ctx context.Context, path string, s mm.Snapshot, timeout time.Duration) error {
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(image{Version: imageVersion, MemoryMap: s})
	if err != nil {
		return fmt.Errorf("encoding image: %w", err)
	}
	unlock, err := lockFile(ctx, path, false /* shared */, timeout)
	if err != nil {
		return err
	}
	defer unlock()
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing image: %w", err)
	}
	return nil
}

// loadImage reads the image at path while holding a shared lock on it.
func loadImage(ctx context.Context, path string, timeout time.Duration) (mm.Snapshot, error) {
	unlock, err := lockFile(ctx, path, true /* shared */, timeout)
	if err != nil {
		return mm.Snapshot{}, err
	}
	defer unlock()
	data, err := os.ReadFile(path)
	if err != nil {
		return mm.Snapshot{}, fmt.Errorf("reading image: %w", err)
	}
	var img image
	if err := yaml.Unmarshal(data, &img); err != nil {
		return mm.Snapshot{}, fmt.Errorf("decoding image %q: %w", path, err)
	}
	if img.Version != imageVersion {
		return mm.Snapshot{}, fmt.Errorf("image %q has version %d, want %d", path, img.Version, imageVersion)
	}
	return img.MemoryMap, nil
}

func writeProgramHeaders(w io.Writer, phdrs []elf.Prog64) {
	fmt.Fprintf(w, "%-6s %-18s %-18s %-18s %-18s %s\n", "Type", "Offset", "VirtAddr", "FileSiz", "MemSiz", "Flags")
	for _, p := range phdrs {
		fmt.Fprintf(w, "%-6s %#-18x %#-18x %#-18x %#-18x %v\n", "LOAD", p.Off, p.Vaddr, p.Filesz, p.Memsz, elf.ProgFlag(p.Flags))
	}
}
