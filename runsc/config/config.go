// Copyright 2020 The gVisor Authors.
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

// Package config provides basic infrastructure to set configuration settings
// for runsc. The configuration is set by flags to the command line, optionally
// seeded from a TOML file.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"vproc.dev/vproc/pkg/hostarch"
	"vproc.dev/vproc/pkg/log"
)

// Config holds configuration that is not part of a layout.
type Config struct {
	// ConfigFile is a TOML file whose values are used for every flag not set
	// on the command line.
	ConfigFile string `flag:"config" toml:"-"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// DebugLog is the path to log debug information to, if not empty.
	DebugLog string `flag:"debug-log" toml:"debug_log"`

	// DebugLogFormat is the log format for debug.
	DebugLogFormat string `flag:"debug-log-format" toml:"debug_log_format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr"`

	// Mapper selects the host mapping primitive.
	Mapper MapperType `flag:"mapper" toml:"mapper"`

	// MemoryMapSize is the size of each address space created.
	MemoryMapSize uint64 `flag:"mm-size" toml:"mm_size"`

	// AllocatorBase and AllocatorLimit bound the host addresses handed out
	// to address spaces.
	AllocatorBase  uint64 `flag:"allocator-base" toml:"allocator_base"`
	AllocatorLimit uint64 `flag:"allocator-limit" toml:"allocator_limit"`

	// RestartDelay is the pause before an interrupted memory syscall is
	// run again.
	RestartDelay time.Duration `flag:"restart-delay" toml:"restart_delay"`

	// LockTimeout bounds the wait for image and report file locks.
	LockTimeout time.Duration `flag:"lock-timeout" toml:"lock_timeout"`
}

func (c *Config) validate() error {
	for _, format := range []string{c.LogFormat, c.DebugLogFormat} {
		if format != "text" && format != "json" {
			return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", format)
		}
	}
	if c.MemoryMapSize == 0 || !hostarch.IsPageAligned(c.MemoryMapSize) {
		return fmt.Errorf("mm-size %#x must be a non-zero multiple of the page size", c.MemoryMapSize)
	}
	if c.AllocatorBase >= c.AllocatorLimit {
		return fmt.Errorf("allocator range [%#x, %#x) is empty", c.AllocatorBase, c.AllocatorLimit)
	}
	if c.AllocatorLimit-c.AllocatorBase < c.MemoryMapSize {
		return fmt.Errorf("allocator range [%#x, %#x) cannot hold an address space of %#x bytes", c.AllocatorBase, c.AllocatorLimit, c.MemoryMapSize)
	}
	if c.RestartDelay < 0 || c.LockTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		log.Infof("  %s: %v", st.Field(i).Name, obj.Field(i).Interface())
	}
}

// loadFile decodes the TOML file at path into c. Keys that do not name a
// setting are an error.
func (c *Config) loadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("config file %q: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// MapperType tells which host mapping primitive to use.
type MapperType int

const (
	// MapperHost maps memory into the runsc process itself.
	MapperHost MapperType = iota

	// MapperFake keeps host mappings in memory only. Nothing is mapped.
	MapperFake
)

func mapperTypePtr(v MapperType) *MapperType {
	return &v
}

// Set implements flag.Value.
func (m *MapperType) Set(v string) error {
	switch v {
	case "host":
		*m = MapperHost
	case "fake":
		*m = MapperFake
	default:
		return fmt.Errorf("invalid mapper type %q", v)
	}
	return nil
}

// Get implements flag.Getter.
func (m *MapperType) Get() any {
	return *m
}

// String implements flag.Value.
func (m MapperType) String() string {
	switch m {
	case MapperHost:
		return "host"
	case MapperFake:
		return "fake"
	}
	panic(fmt.Sprintf("Invalid mapper type %d", m))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *MapperType) UnmarshalText(b []byte) error {
	return m.Set(string(b))
}
