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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"vproc.dev/vproc/pkg/hostarch"
	"vproc.dev/vproc/pkg/sentry/mm"
)

func newTestFlags() *flag.FlagSet {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	return testFlags
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newTestFlags())
	if err != nil {
		t.Fatal(err)
	}
	if c.Mapper != MapperHost {
		t.Errorf("Mapper=%v, want: %v", c.Mapper, MapperHost)
	}
	if c.MemoryMapSize != mm.DefaultMemoryMapSize {
		t.Errorf("MemoryMapSize=%#x, want: %#x", c.MemoryMapSize, mm.DefaultMemoryMapSize)
	}

	// All defaults doesn't require setting flags.
	flags := c.ToFlags()
	if len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newTestFlags()
	for name, value := range map[string]string{
		"debug":         "true",
		"mapper":        "fake",
		"mm-size":       "0x100000",
		"restart-delay": "5ms",
	} {
		if err := testFlags.Lookup(name).Value.Set(value); err != nil {
			t.Errorf("Flag set: %v", err)
		}
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := MapperFake; c.Mapper != want {
		t.Errorf("Mapper=%v, want: %v", c.Mapper, want)
	}
	if want := uint64(0x100000); c.MemoryMapSize != want {
		t.Errorf("MemoryMapSize=%#x, want: %#x", c.MemoryMapSize, want)
	}
	if want := 5 * time.Millisecond; c.RestartDelay != want {
		t.Errorf("RestartDelay=%v, want: %v", c.RestartDelay, want)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	testFlags := newTestFlags()
	testFlags.Set("debug", "true")
	testFlags.Set("alsologtostderr", "false") // Matches default value.
	testFlags.Set("mapper", "fake")
	testFlags.Set("lock-timeout", "1s")
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}

	flags := c.ToFlags()
	if len(flags) != 3 {
		t.Errorf("wrong number of flags set, want: 3, got: %d: %s", len(flags), flags)
	}
	t.Logf("Flags: %s", flags)
	fm := map[string]string{}
	for _, f := range flags {
		kv := strings.Split(f, "=")
		fm[kv[0]] = kv[1]
	}
	for name, want := range map[string]string{
		"--debug":        "true",
		"--mapper":       "fake",
		"--lock-timeout": "1s",
	} {
		if got, ok := fm[name]; ok {
			if got != want {
				t.Errorf("flag %q, want: %q, got: %q", name, want, got)
			}
		} else {
			t.Errorf("flag %q not set", name)
		}
	}
}

// TestInvalidFlags checks that flags and flag combinations are validated.
func TestInvalidFlags(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flags map[string]string
		error string
	}{
		{
			name:  "log-format",
			flags: map[string]string{"log-format": "xml"},
			error: "invalid log format",
		},
		{
			name:  "unaligned size",
			flags: map[string]string{"mm-size": "4097"},
			error: "multiple of the page size",
		},
		{
			name:  "empty allocator",
			flags: map[string]string{"allocator-base": "0x2000", "allocator-limit": "0x1000"},
			error: "is empty",
		},
		{
			name:  "small allocator",
			flags: map[string]string{"allocator-base": "0x0", "allocator-limit": "0x1000", "mm-size": "0x2000"},
			error: "cannot hold",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newTestFlags()
			for name, value := range tc.flags {
				require.NoError(t, testFlags.Set(name, value))
			}
			_, err := NewFromFlags(testFlags)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.error)
		})
	}

	err := newTestFlags().Set("mapper", "kvm")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid mapper type")
}

func TestConfigFile(t *testing.T) {
	path := writeFile(t, "runsc.toml", `
debug = true
mapper = "fake"
mm_size = 0x200000
restart_delay = "2ms"
log_format = "json"
`)
	testFlags := newTestFlags()
	require.NoError(t, testFlags.Set("config", path))
	require.NoError(t, testFlags.Set("log-format", "text"))

	c, err := NewFromFlags(testFlags)
	require.NoError(t, err)
	assert.True(t, c.Debug)
	assert.Equal(t, MapperFake, c.Mapper)
	assert.Equal(t, uint64(0x200000), c.MemoryMapSize)
	assert.Equal(t, 2*time.Millisecond, c.RestartDelay)
	// The command line wins over the file.
	assert.Equal(t, "text", c.LogFormat)
	assert.Equal(t, path, c.ConfigFile)
}

func TestConfigFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
		error   string
	}{
		{name: "unknown key", content: "platform = \"kvm\"\n", error: "unknown keys: platform"},
		{name: "bad mapper", content: "mapper = \"kvm\"\n", error: "invalid mapper type"},
		{name: "syntax", content: "debug = \n", error: "reading config file"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newTestFlags()
			require.NoError(t, testFlags.Set("config", writeFile(t, "runsc.toml", tc.content)))
			_, err := NewFromFlags(testFlags)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.error)
		})
	}
}

func TestLoadLayout(t *testing.T) {
	path := writeFile(t, "layout.toml", `
bin_path = "/usr/bin/app"
args = ["app", "-v"]

[[op]]
call = "mmap"
at = 0x10000
length = 0x4000
prot = "rw-"
flags = ["private", "anonymous", "fixed"]

[[op]]
call = "brk"

[[op]]
call = "madvise"
at = 0x10000
length = 0x1000
advice = "dontneed"

[[touch]]
at = 0x10000
length = 0x2000
access = "rw"
`)
	l, err := LoadLayout(path)
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/app", l.BinPath)
	assert.Equal(t, []string{"app", "-v"}, l.Args)
	require.Len(t, l.Ops, 3)
	require.NotNil(t, l.Ops[0].At)
	assert.Equal(t, uint64(0x10000), *l.Ops[0].At)
	assert.Nil(t, l.Ops[1].At)
	assert.Equal(t, []Touch{{At: 0x10000, Length: 0x2000, Access: "rw"}}, l.Touches)
}

func TestLoadLayoutErrors(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
		error   string
	}{
		{name: "unknown call", content: "[[op]]\ncall = \"mremap\"\n", error: "op 0: unknown call"},
		{name: "bad prot", content: "[[op]]\ncall = \"mprotect\"\nprot = \"rwz\"\n", error: "invalid protection"},
		{name: "bad flag", content: "[[op]]\ncall = \"mmap\"\nprot = \"r--\"\nflags = [\"huge\"]\n", error: "unknown mmap flag"},
		{name: "bad advice", content: "[[op]]\ncall = \"madvise\"\nadvice = \"remove\"\n", error: "unknown advice"},
		{name: "bad access", content: "[[touch]]\naccess = \"\"\n", error: "touch 0: empty access"},
		{name: "unknown key", content: "[[op]]\ncall = \"brk\"\nsize = 1\n", error: "unknown key"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadLayout(writeFile(t, "layout.toml", tc.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.error)
		})
	}
}

func TestParse(t *testing.T) {
	prot, err := ParseProt("r-x")
	require.NoError(t, err)
	assert.Equal(t, unix.PROT_READ|unix.PROT_EXEC, prot)

	prot, err = ParseProt("---")
	require.NoError(t, err)
	assert.Equal(t, unix.PROT_NONE, prot)

	_, err = ParseProt("rw")
	assert.Error(t, err)

	flags, err := ParseMapFlags([]string{"private", "ANONYMOUS", "stack"})
	require.NoError(t, err)
	assert.Equal(t, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_STACK, flags)

	advice, err := ParseAdvice("willneed")
	require.NoError(t, err)
	assert.Equal(t, unix.MADV_WILLNEED, advice)

	at, err := ParseAccess("wr")
	require.NoError(t, err)
	assert.Equal(t, hostarch.ReadWrite, at)
}
