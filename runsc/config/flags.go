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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"vproc.dev/vproc/pkg/sentry/mm"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML file providing values for flags not set on the command line.")
	flagSet.String("log", "", "file path where internal debug information is written, default is stdout.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")

	// Debugging flags.
	flagSet.String("debug-log", "", "additional location for logs. If it ends with '/', log files are created inside the directory with default names. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.String("debug-log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")

	// Flags that control the address spaces built by commands.
	flagSet.Var(mapperTypePtr(MapperHost), "mapper", "host mapping primitive: host (default) or fake.")
	flagSet.Uint64("mm-size", mm.DefaultMemoryMapSize, "size in bytes of each address space.")
	flagSet.Uint64("allocator-base", uint64(mm.DefaultAllocatorBase), "lowest host address handed out to address spaces.")
	flagSet.Uint64("allocator-limit", uint64(mm.DefaultAllocatorLimit), "end of the host addresses handed out to address spaces.")
	flagSet.Duration("restart-delay", time.Millisecond, "pause before an interrupted memory syscall is restarted.")
	flagSet.Duration("lock-timeout", 10*time.Second, "how long to wait for a lock on image and report files.")
}

// flagFields calls fn for each Config field bound to a flag, in declaration
// order.
func (c *Config) flagFields(fn func(name string, field reflect.Value)) {
	obj := reflect.ValueOf(c).Elem()
	for _, f := range reflect.VisibleFields(obj.Type()) {
		if name, ok := f.Tag.Lookup("flag"); ok {
			fn(name, obj.FieldByIndex(f.Index))
		}
	}
}

// lookup returns the flag called name, which RegisterFlags must have
// registered.
func lookup(flagSet *flag.FlagSet, name string) *flag.Flag {
	fl := flagSet.Lookup(name)
	if fl == nil {
		panic(fmt.Sprintf("flag %q not registered", name))
	}
	return fl
}

// NewFromFlags returns the Config described by flagSet. If --config names a
// file, its values replace the defaults of every flag not set explicitly.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	conf.flagFields(func(name string, field reflect.Value) {
		field.Set(reflect.ValueOf(getFlag(lookup(flagSet, name))))
	})

	if conf.ConfigFile != "" {
		if err := conf.loadFile(conf.ConfigFile); err != nil {
			return nil, err
		}
		set := map[string]bool{}
		flagSet.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
		conf.flagFields(func(name string, field reflect.Value) {
			if set[name] {
				field.Set(reflect.ValueOf(getFlag(lookup(flagSet, name))))
			}
		})
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns the command line flags that reproduce c, omitting those
// left at their default.
func (c *Config) ToFlags() []string {
	defaults := flag.NewFlagSet("defaults", flag.ContinueOnError)
	RegisterFlags(defaults)

	var rv []string
	c.flagFields(func(name string, field reflect.Value) {
		if val := getVal(field); val != lookup(defaults, name).DefValue {
			rv = append(rv, fmt.Sprintf("--%s=%s", name, val))
		}
	})
	return rv
}

func getFlag(fl *flag.Flag) any {
	getter, ok := fl.Value.(flag.Getter)
	if !ok {
		panic(fmt.Sprintf("flag %q does not implement flag.Getter", fl.Name))
	}
	return getter.Get()
}

// getVal formats field the way its flag.Value would.
func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Uint64:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic(fmt.Sprintf("unsupported flag field kind %v", field.Kind()))
	}
}
