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

// Package cli is the main entrypoint for runsc.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/google/subcommands"
	"vproc.dev/vproc/pkg/log"
	"vproc.dev/vproc/runsc/cmd"
	"vproc.dev/vproc/runsc/cmd/util"
	"vproc.dev/vproc/runsc/config"
)

// Main is the main entrypoint.
func Main() {
	forEachCmd(subcommands.Register)
	config.RegisterFlags(flag.CommandLine)

	// Subcommands register their own flags, so parse only after all of
	// them are known.
	flag.Parse()

	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf("%v", err)
	}

	if conf.LogFilename != "" {
		// Append so that successive commands share one error log.
		f, err := os.OpenFile(conf.LogFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			util.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
		util.ErrorLogger = f
	}

	target, err := logTarget(conf, flag.CommandLine.Arg(0))
	if err != nil {
		util.Fatalf("%v", err)
	}
	log.SetTarget(target)
	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	const banner = `**************** vproc ****************`
	log.Infof(banner)
	log.Infof("%s/%s, %s, %d CPUs, PID %d, UID %d, GID %d", runtime.GOOS, runtime.GOARCH, runtime.Version(), runtime.NumCPU(), os.Getpid(), os.Getuid(), os.Getgid())
	log.Debugf("Host page size: %#x", os.Getpagesize())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(banner)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	status := subcommands.Execute(ctx, conf)
	stop()
	if status != subcommands.ExitSuccess {
		log.Warningf("Command failed with status %d", status)
		os.Exit(int(status))
	}
	log.Infof("Command succeeded")
}

// logTarget returns the emitter for debug logs. Stdout carries command
// output, so logs are discarded unless a destination is configured.
func logTarget(conf *config.Config, subcommand string) (log.Emitter, error) {
	var emitters log.MultiEmitter
	if conf.DebugLog != "" {
		f, err := log.OpenFile(conf.DebugLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, log.FileOpts{Command: subcommand})
		if err != nil {
			return nil, fmt.Errorf("error opening debug log %q: %w", conf.DebugLog, err)
		}
		e, err := newEmitter(conf.DebugLogFormat, f)
		if err != nil {
			return nil, err
		}
		emitters = append(emitters, e)
	}
	if conf.AlsoLogToStderr {
		e, err := newEmitter(conf.DebugLogFormat, os.Stderr)
		if err != nil {
			return nil, err
		}
		emitters = append(emitters, e)
	}
	switch len(emitters) {
	case 0:
		return log.GoogleEmitter{Emitter: &log.Writer{Next: io.Discard}}, nil
	case 1:
		return emitters[0], nil
	default:
		return &emitters, nil
	}
}

// forEachCmd invokes cb for each command, grouped as shown by help.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.Maps), "")
	cb(new(cmd.Checkpoint), "")
	cb(new(cmd.Restore), "")

	const debugGroup = "debug"
	cb(new(cmd.Trace), debugGroup)
}

func newEmitter(format string, w io.Writer) (log.Emitter, error) {
	switch format {
	case "text":
		return log.GoogleEmitter{Emitter: &log.Writer{Next: w}}, nil
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: w}}, nil
	}
	return nil, fmt.Errorf("invalid log format %q, must be 'text' or 'json'", format)
}
