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
	"io"

	"github.com/google/subcommands"
	"gvisor.dev/rvboot/rvboot/cmd/util"
	"gvisor.dev/rvboot/rvboot/config"
)

// layoutReport describes the memory layout programs are linked against.
type layoutReport struct {
	PageSize       uint64 `json:"page_size" yaml:"page_size"`
	EntryBase      string `json:"entry_base" yaml:"entry_base"`
	ProgramEnd     string `json:"program_end" yaml:"program_end"`
	ProgramPages   uint64 `json:"program_pages" yaml:"program_pages"`
	StackBase      string `json:"stack_base" yaml:"stack_base"`
	StackTop       string `json:"stack_top" yaml:"stack_top"`
	StackPages     uint64 `json:"stack_pages" yaml:"stack_pages"`
	ExpectedSize   uint64 `json:"expected_size" yaml:"expected_size"`
	ReadBufferSize uint64 `json:"read_buffer_size" yaml:"read_buffer_size"`
	Device         uint32 `json:"device" yaml:"device"`
	Inode          uint32 `json:"inode" yaml:"inode"`
	Rounding       string `json:"rounding" yaml:"rounding"`
}

// Layout implements subcommands.Command for the "layout" command.
type Layout struct {
	format string
	stdout io.Writer
}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "print the memory layout programs are linked against"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout [-format=yaml|json] - print the memory layout.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Layout) SetFlags(f *flag.FlagSet) {
	f.StringVar(&l.format, "format", "yaml", "output format: yaml (default) or json.")
}

// Execute implements subcommands.Command.Execute.
func (l *Layout) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	layout := conf.Layout()
	r := layoutReport{
		PageSize:       layout.PageSize,
		EntryBase:      hex(uint64(layout.EntryBase)),
		ProgramEnd:     hex(uint64(layout.ProgramRange().End)),
		ProgramPages:   layout.ProgramPages(),
		StackBase:      hex(uint64(layout.StackBase)),
		StackTop:       hex(uint64(layout.StackTop())),
		StackPages:     layout.StackPages,
		ExpectedSize:   layout.ExpectedSize,
		ReadBufferSize: layout.ReadBufferSize,
		Device:         layout.Device,
		Inode:          layout.Inode,
		Rounding:       layout.Rounding.String(),
	}
	if err := encode(output(l.stdout), l.format, r); err != nil {
		return util.Errorf("writing layout: %v", err)
	}
	return subcommands.ExitSuccess
}
