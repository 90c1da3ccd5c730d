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
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/subcommands"
	"gopkg.in/yaml.v3"
	"gvisor.dev/rvboot/rvboot/config"
)

func newConfig(t *testing.T, args ...string) *config.Config {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(testFlags)
	if err := testFlags.Parse(append([]string{"--memory-pages=512"}, args...)); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	conf, err := config.NewFromFlags(testFlags)
	if err != nil {
		t.Fatalf("NewFromFlags failed: %v", err)
	}
	return conf
}

func execute(t *testing.T, c subcommands.Command, conf *config.Config, args ...string) subcommands.ExitStatus {
	t.Helper()
	f := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	f.SetOutput(io.Discard)
	c.SetFlags(f)
	if err := f.Parse(args); err != nil {
		t.Fatalf("Parse(%v) failed: %v", args, err)
	}
	return c.Execute(context.Background(), f, conf)
}

func TestDemoImage(t *testing.T) {
	img := DemoImage(12288)
	if len(img) != 12288 {
		t.Fatalf("len = %d, want 12288", len(img))
	}
	for _, off := range []int{0, 4, 12284} {
		if got := binary.LittleEndian.Uint32(img[off:]); got != jumpSelf {
			t.Errorf("instruction at %d = %#x, want %#x", off, got, jumpSelf)
		}
	}
}

func TestLayout(t *testing.T) {
	var out bytes.Buffer
	l := &Layout{stdout: &out}
	if status := execute(t, l, newConfig(t), "-format=json"); status != subcommands.ExitSuccess {
		t.Fatalf("Execute = %v", status)
	}
	var got layoutReport
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("Unmarshal failed: %v\n%s", err, out.String())
	}
	want := layoutReport{
		PageSize:       4096,
		EntryBase:      "0x20000000",
		ProgramEnd:     "0x20004000",
		ProgramPages:   4,
		StackBase:      "0x100000000",
		StackTop:       "0x100002000",
		StackPages:     2,
		ExpectedSize:   12288,
		ReadBufferSize: 51200,
		Device:         8,
		Inode:          8,
		Rounding:       "legacy",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("layout mismatch (-want +got):\n%s", diff)
	}
}

func TestInspect(t *testing.T) {
	var out bytes.Buffer
	i := &Inspect{stdout: &out}
	if status := execute(t, i, newConfig(t)); status != subcommands.ExitSuccess {
		t.Fatalf("Execute = %v", status)
	}
	var got processReport
	if err := yaml.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("Unmarshal failed: %v\n%s", err, out.String())
	}
	if got.PID != 1 || got.State != "running" {
		t.Errorf("process = PID %d %s, want PID 1 running", got.PID, got.State)
	}
	tf := got.TrapFrame
	if tf.PC != "0x20000000" || tf.SP != "0x100002000" || tf.Mode != "user" || tf.Paging != "sv39" || tf.ASID != 1 {
		t.Errorf("trap frame = %+v", tf)
	}
	perms := make(map[string]string)
	for _, m := range got.Mappings {
		perms[m.Virtual] = m.Perms
	}
	want := map[string]string{
		"0x20000000":  "rwxu-",
		"0x20001000":  "rwxu-",
		"0x20002000":  "rwxu-",
		"0x20003000":  "rwxu-",
		"0x100000000": "rw-u-",
		"0x100001000": "rw-u-",
	}
	if diff := cmp.Diff(want, perms); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
	wantMemory := map[string]uint64{
		"page_tables": 5,
		"trap_frame":  1,
		"program":     4,
		"stack":       2,
		"buffer":      0,
	}
	if diff := cmp.Diff(wantMemory, got.Memory); diff != "" {
		t.Errorf("memory mismatch (-want +got):\n%s", diff)
	}
}

func TestInspectErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
		want subcommands.ExitStatus
	}{
		{name: "missing inode", args: []string{"8", "9"}, want: subcommands.ExitFailure},
		{name: "bad inode", args: []string{"8", "x"}, want: subcommands.ExitFailure},
		{name: "one argument", args: []string{"8"}, want: subcommands.ExitUsageError},
		{name: "bad format", args: []string{"-format=xml"}, want: subcommands.ExitFailure},
	} {
		t.Run(tc.name, func(t *testing.T) {
			i := &Inspect{stdout: io.Discard}
			if got := execute(t, i, newConfig(t), tc.args...); got != tc.want {
				t.Errorf("Execute = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBoot(t *testing.T) {
	var out bytes.Buffer
	b := &Boot{stdout: &out}
	conf := newConfig(t, "--block-on-contention")
	if status := execute(t, b, conf, "-count=4", "-parallel=2", "-retire", "-metrics"); status != subcommands.ExitSuccess {
		t.Fatalf("Execute = %v\n%s", status, out.String())
	}
	for _, want := range []string{
		"PID  STATE",
		"4 of 4 processes registered, 48/512 frames in use",
		"retired all processes, 0 frames in use",
		`rvboot_loader_bootstraps{outcome="registered"}`,
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output does not contain %q:\n%s", want, out.String())
		}
	}
}

func TestBootExhaustion(t *testing.T) {
	var out bytes.Buffer
	b := &Boot{stdout: &out}
	// Each process holds 12 frames and a bootstrap needs 13 more for the
	// read buffer, so 64 frames fit four processes.
	conf := newConfig(t, "--memory-pages=64")
	if status := execute(t, b, conf, "-count=5"); status != subcommands.ExitFailure {
		t.Fatalf("Execute = %v, want failure\n%s", status, out.String())
	}
	for _, want := range []string{
		"bootstrap failed (resource exhaustion)",
		"4 of 5 processes registered",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output does not contain %q:\n%s", want, out.String())
		}
	}
}

func TestImageThenBoot(t *testing.T) {
	dir := t.TempDir()
	conf := newConfig(t, "--storage-dir="+dir)

	var out bytes.Buffer
	if status := execute(t, &Image{stdout: &out}, conf); status != subcommands.ExitSuccess {
		t.Fatalf("image Execute = %v", status)
	}
	if !strings.Contains(out.String(), "installed 12288 bytes as 8:8") {
		t.Errorf("unexpected image output:\n%s", out.String())
	}
	out.Reset()
	if status := execute(t, &Boot{stdout: &out}, conf); status != subcommands.ExitSuccess {
		t.Fatalf("boot Execute = %v\n%s", status, out.String())
	}

	// A short image installs with a warning and then fails to load.
	out.Reset()
	if status := execute(t, &Image{stdout: &out}, conf, "-size=12000", "8", "9"); status != subcommands.ExitSuccess {
		t.Fatalf("image Execute = %v", status)
	}
	if !strings.Contains(out.String(), "warning: image is 12000 bytes") {
		t.Errorf("missing size warning:\n%s", out.String())
	}
	out.Reset()
	if status := execute(t, &Inspect{stdout: &out}, conf, "8", "9"); status != subcommands.ExitFailure {
		t.Errorf("inspect of a short image = %v, want failure", status)
	}
}

func TestImageRequiresStorage(t *testing.T) {
	if status := execute(t, &Image{stdout: io.Discard}, newConfig(t)); status != subcommands.ExitFailure {
		t.Errorf("Execute = %v, want failure", status)
	}
}
