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
	"gvisor.dev/rvboot/pkg/sentry/loader"
	"gvisor.dev/rvboot/rvboot/cmd/util"
	"gvisor.dev/rvboot/rvboot/config"
)

// Inspect implements subcommands.Command for the "inspect" command.
type Inspect struct {
	format string
	stdout io.Writer
}

// Name implements subcommands.Command.Name.
func (*Inspect) Name() string {
	return "inspect"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Inspect) Synopsis() string {
	return "bootstrap one process and dump its trap frame and address space"
}

// Usage implements subcommands.Command.Usage.
func (*Inspect) Usage() string {
	return `inspect [-format=yaml|json] [<device> <inode>] - bootstrap a process and describe it.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Inspect) SetFlags(f *flag.FlagSet) {
	f.StringVar(&i.format, "format", "yaml", "output format: yaml (default) or json.")
}

// Execute implements subcommands.Command.Execute.
func (i *Inspect) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	env, err := newEnvironment(conf)
	if err != nil {
		return util.Errorf("creating kernel: %v", err)
	}
	defer env.destroy()

	req := env.loader.DefaultRequest()
	switch f.NArg() {
	case 0:
	case 2:
		dev, ino, err := parseInode(f.Arg(0), f.Arg(1))
		if err != nil {
			return util.Errorf("%v", err)
		}
		req = loader.Request{Device: dev, Inode: ino}
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}

	p, err := env.loader.Bootstrap(ctx, req)
	if err != nil {
		return util.Errorf("%v", err)
	}
	if err := encode(output(i.stdout), i.format, newProcessReport(env.k, p)); err != nil {
		return util.Errorf("writing report: %v", err)
	}
	return subcommands.ExitSuccess
}
