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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/rvboot/pkg/sentry/loader"
	"gvisor.dev/rvboot/pkg/sentry/pgalloc"
)

func newFlagSet(t *testing.T, args ...string) *flag.FlagSet {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Parse(args); err != nil {
		t.Fatalf("Parse(%v) failed: %v", args, err)
	}
	return testFlags
}

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rvboot.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlagSet(t))
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	if diff := cmp.Diff(loader.DefaultLayout(), c.Layout()); diff != "" {
		t.Errorf("Layout mismatch (-want +got):\n%s", diff)
	}
	want := pgalloc.MemoryFileOpts{Pages: 4096, Base: pgalloc.DefaultBase}
	if diff := cmp.Diff(want, c.MemoryFileOpts()); diff != "" {
		t.Errorf("MemoryFileOpts mismatch (-want +got):\n%s", diff)
	}
}

func TestFromFlags(t *testing.T) {
	c, err := NewFromFlags(newFlagSet(t,
		"--debug",
		"--memory-pages=64",
		"--rounding=exact",
		"--stack-pages=4",
		"--storage-dir=/tmp/images",
		"--block-on-contention",
	))
	if err != nil {
		t.Fatal(err)
	}
	if !c.Debug {
		t.Errorf("Debug=false, want true")
	}
	if c.MemoryPages != 64 {
		t.Errorf("MemoryPages=%d, want 64", c.MemoryPages)
	}
	if c.Rounding != loader.RoundExact {
		t.Errorf("Rounding=%v, want exact", c.Rounding)
	}
	if c.StorageDir != "/tmp/images" {
		t.Errorf("StorageDir=%q, want /tmp/images", c.StorageDir)
	}
	opts := c.LoaderOpts()
	if !opts.BlockOnContention || opts.Layout.StackPages != 4 {
		t.Errorf("LoaderOpts=%+v, want blocking with 4 stack pages", opts)
	}

	// ToFlags follows the order of the fields in Config.
	want := []string{
		"--debug=true",
		"--memory-pages=64",
		"--storage-dir=/tmp/images",
		"--stack-pages=4",
		"--rounding=exact",
		"--block-on-contention=true",
	}
	got := c.ToFlags()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}

	// ToFlags output parses back to the same configuration.
	c2, err := NewFromFlags(newFlagSet(t, got...))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(c, c2); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigFile(t *testing.T) {
	path := writeFile(t, `
memory_pages = 128
memory_base = 0x9000_0000
rounding = "exact"
stack_pages = 3
debug = true
`)
	c, err := NewFromFlags(newFlagSet(t, "--config="+path, "--stack-pages=5"))
	if err != nil {
		t.Fatal(err)
	}
	if c.MemoryPages != 128 || c.MemoryBase != 0x9000_0000 || !c.Debug {
		t.Errorf("file settings not applied: %+v", c)
	}
	if c.Rounding != loader.RoundExact {
		t.Errorf("Rounding=%v, want exact", c.Rounding)
	}
	// The command line wins over the file.
	if c.StackPages != 5 {
		t.Errorf("StackPages=%d, want 5", c.StackPages)
	}
	// Settings absent from the file keep their defaults.
	if c.ExpectedSize != loader.DefaultLayout().ExpectedSize {
		t.Errorf("ExpectedSize=%d, want default", c.ExpectedSize)
	}
}

func TestConfigFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
		want     string
	}{
		{name: "unknown key", contents: "memory_frames = 1\n", want: "unknown keys"},
		{name: "syntax", contents: "memory_pages = \n", want: "reading config file"},
		{name: "bad rounding", contents: `rounding = "ceil"` + "\n", want: "rounding"},
		{name: "invalid layout", contents: "stack_pages = 0\n", want: "empty stack"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, tc.contents)
			_, err := NewFromFlags(newFlagSet(t, "--config="+path))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("NewFromFlags got %v, want error containing %q", err, tc.want)
			}
		})
	}
	if _, err := NewFromFlags(newFlagSet(t, "--config=/nonexistent/rvboot.toml")); err == nil {
		t.Errorf("NewFromFlags with a missing file succeeded")
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
	}{
		{name: "log format", args: []string{"--log-format=xml"}},
		{name: "debug log format", args: []string{"--debug-log-format=xml"}},
		{name: "no memory", args: []string{"--memory-pages=0"}},
		{name: "device", args: []string{"--device=4294967296"}},
		{name: "unaligned entry", args: []string{"--entry-base=4097"}},
		{name: "overlap", args: []string{"--stack-base=536870912"}},
		{name: "buffer", args: []string{"--read-buffer-size=4096"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewFromFlags(newFlagSet(t, tc.args...)); err == nil {
				t.Errorf("NewFromFlags(%v) succeeded", tc.args)
			}
		})
	}
}

func TestRoundingFlag(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	testFlags.SetOutput(&strings.Builder{})
	RegisterFlags(testFlags)
	if err := testFlags.Parse([]string{"--rounding=ceil"}); err == nil {
		t.Errorf("Parse(--rounding=ceil) succeeded")
	}
}
