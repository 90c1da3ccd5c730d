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

// Package config provides basic infrastructure to set configuration settings
// for rvboot. Each setting is a field of Config, registered as a command line
// flag and optionally overridden by a TOML configuration file.
package config

import (
	"fmt"
	"math"

	"github.com/BurntSushi/toml"
	"gvisor.dev/rvboot/pkg/hostarch"
	"gvisor.dev/rvboot/pkg/log"
	"gvisor.dev/rvboot/pkg/sentry/loader"
	"gvisor.dev/rvboot/pkg/sentry/pgalloc"
)

// Config holds configuration that is not part of the process request.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name and the TOML key.
//  3. Register a new flag in flags.go, with same name and add a description.
//  4. Add any necessary validation into Validate().
type Config struct {
	// ConfigFile is the path of a TOML file overriding flag defaults.
	ConfigFile string `flag:"config" toml:"-"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// DebugLog is the path to log debug information to, if not empty. It
	// may contain %COMMAND% and %TIMESTAMP%.
	DebugLog string `flag:"debug-log" toml:"debug_log"`

	// DebugLogFormat is the log format for debug.
	DebugLogFormat string `flag:"debug-log-format" toml:"debug_log_format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr"`

	// MemoryPages is the number of physical frames.
	MemoryPages uint64 `flag:"memory-pages" toml:"memory_pages"`

	// MemoryBase is the physical address of the first frame.
	MemoryBase uint64 `flag:"memory-base" toml:"memory_base"`

	// DebugFree makes freeing an address that is not held fatal.
	DebugFree bool `flag:"debug-free" toml:"debug_free"`

	// StorageDir is a host directory holding program images as
	// <device>/<inode>. If empty, an in-memory device holding a generated
	// image is used.
	StorageDir string `flag:"storage-dir" toml:"storage_dir"`

	// EntryBase is the program's virtual base address and entry point.
	EntryBase uint64 `flag:"entry-base" toml:"entry_base"`

	// StackBase is the lowest virtual address of the stack.
	StackBase uint64 `flag:"stack-base" toml:"stack_base"`

	// StackPages is the stack size in pages.
	StackPages uint64 `flag:"stack-pages" toml:"stack_pages"`

	// ExpectedSize is the exact program size in bytes.
	ExpectedSize uint64 `flag:"expected-size" toml:"expected_size"`

	// ReadBufferSize is the size of the kernel read buffer.
	ReadBufferSize uint64 `flag:"read-buffer-size" toml:"read_buffer_size"`

	// Device is the device holding the default program.
	Device uint64 `flag:"device" toml:"device"`

	// Inode is the inode of the default program.
	Inode uint64 `flag:"inode" toml:"inode"`

	// Rounding is the program page rounding policy.
	Rounding loader.RoundingPolicy `flag:"rounding" toml:"rounding"`

	// BlockOnContention makes registration wait for the process list
	// instead of aborting.
	BlockOnContention bool `flag:"block-on-contention" toml:"block_on_contention"`
}

// LoadFile overlays the TOML file at path onto c. Keys absent from the file
// leave the corresponding settings unchanged.
func (c *Config) LoadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown keys in config file %q: %v", path, undecoded)
	}
	return nil
}

// Validate checks that the configuration is consistent.
func (c *Config) Validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	switch c.DebugLogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid debug log format %q, must be 'text' or 'json'", c.DebugLogFormat)
	}
	if c.MemoryPages == 0 {
		return fmt.Errorf("memory-pages must be positive")
	}
	if c.Device > math.MaxUint32 || c.Inode > math.MaxUint32 {
		return fmt.Errorf("device %d and inode %d must fit in 32 bits", c.Device, c.Inode)
	}
	layout := c.Layout()
	return layout.Validate()
}

// Layout returns the memory layout described by c.
func (c *Config) Layout() loader.Layout {
	return loader.Layout{
		PageSize:       hostarch.PageSize,
		EntryBase:      hostarch.Addr(c.EntryBase),
		StackBase:      hostarch.Addr(c.StackBase),
		StackPages:     c.StackPages,
		ExpectedSize:   c.ExpectedSize,
		ReadBufferSize: c.ReadBufferSize,
		Device:         uint32(c.Device),
		Inode:          uint32(c.Inode),
		Rounding:       c.Rounding,
	}
}

// MemoryFileOpts returns the options of the physical memory file.
func (c *Config) MemoryFileOpts() pgalloc.MemoryFileOpts {
	return pgalloc.MemoryFileOpts{
		Pages:     c.MemoryPages,
		Base:      uintptr(c.MemoryBase),
		DebugFree: c.DebugFree,
	}
}

// LoaderOpts returns the options of the process loader.
func (c *Config) LoaderOpts() loader.LoaderOpts {
	return loader.LoaderOpts{
		Layout:            c.Layout(),
		BlockOnContention: c.BlockOnContention,
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	for _, f := range c.ToFlags() {
		log.Infof("\t%s", f)
	}
}
