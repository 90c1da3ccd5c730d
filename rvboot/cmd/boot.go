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
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/rvboot/pkg/log"
	"gvisor.dev/rvboot/pkg/metric"
	"gvisor.dev/rvboot/pkg/sentry/kernel"
	"gvisor.dev/rvboot/pkg/sentry/loader"
	"gvisor.dev/rvboot/rvboot/cmd/util"
	"gvisor.dev/rvboot/rvboot/config"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	// count is the number of processes to create.
	count int

	// parallel is the number of bootstraps run at once.
	parallel int

	// metrics prints metrics in Prometheus format after booting.
	metrics bool

	// retire retires every process after printing the process list.
	retire bool

	// stdout is where output is written. Nil means os.Stdout.
	stdout io.Writer
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "create user processes and print the process list"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - bootstrap processes from the configured program.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.IntVar(&b.count, "count", 1, "number of processes to create.")
	f.IntVar(&b.parallel, "parallel", 1, "number of bootstraps to run concurrently.")
	f.BoolVar(&b.metrics, "metrics", false, "print metrics in Prometheus text format after booting.")
	f.BoolVar(&b.retire, "retire", false, "retire every process before exiting and report leaked frames.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if b.count < 1 || b.parallel < 1 {
		return util.Errorf("count and parallel must be positive")
	}
	conf := args[0].(*config.Config)
	w := output(b.stdout)

	env, err := newEnvironment(conf)
	if err != nil {
		return util.Errorf("creating kernel: %v", err)
	}
	defer env.destroy()

	errs := make([]error, b.count)
	var g errgroup.Group
	g.SetLimit(b.parallel)
	for i := 0; i < b.count; i++ {
		i := i
		g.Go(func() error {
			_, errs[i] = env.bootstrap(ctx)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, err := range errs {
		if err == nil {
			continue
		}
		failed++
		var berr *loader.BootstrapError
		if errors.As(err, &berr) {
			fmt.Fprintf(w, "bootstrap failed (%v): %v\n", berr.Category, berr.Err)
		} else {
			fmt.Fprintf(w, "bootstrap failed: %v\n", err)
		}
	}

	if err := printProcesses(w, env.k.Processes().Snapshot()); err != nil {
		return util.Errorf("writing process list: %v", err)
	}
	mf := env.k.MemoryFile()
	fmt.Fprintf(w, "\n%d of %d processes registered, %d/%d frames in use\n", b.count-failed, b.count, mf.UsedPages(), mf.TotalPages())

	if b.retire {
		for _, p := range env.k.Processes().Processes() {
			if err := env.k.Retire(p); err != nil {
				return util.Errorf("retiring %v: %v", p, err)
			}
		}
		fmt.Fprintf(w, "retired all processes, %d frames in use\n", mf.UsedPages())
	}

	if b.metrics {
		fmt.Fprintln(w)
		if err := metric.WritePrometheus(w); err != nil {
			return util.Errorf("writing metrics: %v", err)
		}
	}

	if failed > 0 {
		log.Warningf("%d of %d bootstraps failed", failed, b.count)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// printProcesses writes the process list as a table.
func printProcesses(w io.Writer, ps []kernel.ProcessSnapshot) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprint(tw, "PID\tSTATE\tPC\tSP\tSATP\tFRAME\n")
	for _, p := range ps {
		fmt.Fprintf(tw, "%d\t%v\t%#x\t%#x\t%v\t%#x\n",
			p.PID,
			p.State,
			p.TrapFrame.PC,
			p.TrapFrame.StackPointer(),
			p.TrapFrame.SATP,
			p.FrameAddr)
	}
	return tw.Flush()
}
