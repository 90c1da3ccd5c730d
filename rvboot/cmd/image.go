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
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/google/subcommands"
	"gvisor.dev/rvboot/pkg/sentry/devices/blockdev"
	"gvisor.dev/rvboot/rvboot/cmd/util"
	"gvisor.dev/rvboot/rvboot/config"
)

// Image implements subcommands.Command for the "image" command.
type Image struct {
	file   string
	size   uint64
	stdout io.Writer
}

// Name implements subcommands.Command.Name.
func (*Image) Name() string {
	return "image"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Image) Synopsis() string {
	return "install a program image into the storage directory"
}

// Usage implements subcommands.Command.Usage.
func (*Image) Usage() string {
	return `image [-file=<path>] [-size=<bytes>] [<device> <inode>] - install a program image.

Without -file, a generated image that spins at its entry point is installed.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Image) SetFlags(f *flag.FlagSet) {
	f.StringVar(&i.file, "file", "", "flat binary to install. If empty, a generated image is installed.")
	f.Uint64Var(&i.size, "size", 0, "size of the generated image in bytes. Zero selects the expected program size.")
}

// Execute implements subcommands.Command.Execute.
func (i *Image) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if conf.StorageDir == "" {
		return util.Errorf("--storage-dir must be set")
	}
	layout := conf.Layout()
	dev, ino := layout.Device, layout.Inode
	switch f.NArg() {
	case 0:
	case 2:
		var err error
		if dev, ino, err = parseInode(f.Arg(0), f.Arg(1)); err != nil {
			return util.Errorf("%v", err)
		}
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}

	var data []byte
	if i.file != "" {
		var err error
		if data, err = os.ReadFile(i.file); err != nil {
			return util.Errorf("reading image: %v", err)
		}
	} else {
		size := i.size
		if size == 0 {
			size = layout.ExpectedSize
		}
		data = DemoImage(size)
	}
	if uint64(len(data)) != layout.ExpectedSize {
		fmt.Fprintf(output(i.stdout), "warning: image is %d bytes, programs must be %d bytes to load\n", len(data), layout.ExpectedSize)
	}

	if err := os.MkdirAll(conf.StorageDir, 0755); err != nil {
		return util.Errorf("creating storage directory: %v", err)
	}
	d, err := blockdev.NewHostDevice(conf.StorageDir)
	if err != nil {
		return util.Errorf("%v", err)
	}
	if err := d.Write(ctx, dev, ino, data); err != nil {
		return util.Errorf("installing image: %v", err)
	}
	fmt.Fprintf(output(i.stdout), "installed %d bytes as %d:%d in %s\n", len(data), dev, ino, d.Dir())
	return subcommands.ExitSuccess
}

// parseInode parses a device and inode pair.
func parseInode(devArg, inoArg string) (uint32, uint32, error) {
	dev, err := strconv.ParseUint(devArg, 0, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid device %q: %w", devArg, err)
	}
	ino, err := strconv.ParseUint(inoArg, 0, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid inode %q: %w", inoArg, err)
	}
	return uint32(dev), uint32(ino), nil
}
