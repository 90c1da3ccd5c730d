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

// Package cmd holds implementations of the rvboot commands.
package cmd

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
	"gvisor.dev/rvboot/pkg/cleanup"
	"gvisor.dev/rvboot/pkg/ring0/pagetables"
	"gvisor.dev/rvboot/pkg/sentry/devices/blockdev"
	"gvisor.dev/rvboot/pkg/sentry/kernel"
	"gvisor.dev/rvboot/pkg/sentry/loader"
	"gvisor.dev/rvboot/pkg/sentry/pgalloc"
	"gvisor.dev/rvboot/pkg/sentry/usage"
	"gvisor.dev/rvboot/rvboot/config"
)

// jumpSelf is the RISC-V instruction "j ." (jal zero, 0).
const jumpSelf = 0x0000006f

// DemoImage returns a flat image of size bytes that spins at its entry point.
func DemoImage(size uint64) []byte {
	b := make([]byte, size)
	for off := 0; off+4 <= len(b); off += 4 {
		binary.LittleEndian.PutUint32(b[off:], jumpSelf)
	}
	return b
}

// environment is a kernel with a loader attached.
type environment struct {
	k      *kernel.Kernel
	loader *loader.Loader
}

// newEnvironment builds a kernel and loader from conf. Programs come from
// conf.StorageDir, or from an in-memory device holding DemoImage.
func newEnvironment(conf *config.Config) (*environment, error) {
	mf, err := pgalloc.NewMemoryFile(conf.MemoryFileOpts())
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(mf.Destroy)
	defer cu.Clean()

	k := &kernel.Kernel{}
	if err := k.Init(kernel.InitKernelArgs{MemoryFile: mf}); err != nil {
		return nil, err
	}

	var storage blockdev.Reader
	if conf.StorageDir != "" {
		storage, err = blockdev.NewHostDevice(conf.StorageDir)
		if err != nil {
			return nil, err
		}
	} else {
		layout := conf.Layout()
		mem := blockdev.NewMemoryDevice()
		mem.Put(layout.Device, layout.Inode, DemoImage(layout.ExpectedSize))
		storage = mem
	}

	l, err := loader.NewLoader(k, storage, conf.LoaderOpts())
	if err != nil {
		return nil, err
	}
	cu.Release()
	return &environment{k: k, loader: l}, nil
}

// bootstrap creates a process running the default program.
func (e *environment) bootstrap(ctx context.Context) (*kernel.Process, error) {
	return e.loader.Bootstrap(ctx, e.loader.DefaultRequest())
}

// destroy retires every process and releases physical memory.
func (e *environment) destroy() {
	e.k.Destroy()
	e.k.MemoryFile().Destroy()
}

// trapFrameReport describes a trap frame.
type trapFrameReport struct {
	Address string `json:"address" yaml:"address"`
	PC      string `json:"pc" yaml:"pc"`
	SP      string `json:"sp" yaml:"sp"`
	Mode    string `json:"mode" yaml:"mode"`
	PID     uint64 `json:"pid" yaml:"pid"`
	SATP    string `json:"satp" yaml:"satp"`
	Paging  string `json:"paging" yaml:"paging"`
	ASID    uint16 `json:"asid" yaml:"asid"`
	Root    string `json:"root" yaml:"root"`
}

// mappingReport describes a leaf mapping.
type mappingReport struct {
	Virtual  string `json:"virtual" yaml:"virtual"`
	Physical string `json:"physical" yaml:"physical"`
	Size     uint64 `json:"size" yaml:"size"`
	Perms    string `json:"perms" yaml:"perms"`
}

// processReport describes a process.
type processReport struct {
	PID       uint16            `json:"pid" yaml:"pid"`
	State     string            `json:"state" yaml:"state"`
	TrapFrame trapFrameReport   `json:"trap_frame" yaml:"trap_frame"`
	Mappings  []mappingReport   `json:"mappings" yaml:"mappings"`
	Memory    map[string]uint64 `json:"memory_pages" yaml:"memory_pages"`
}

func hex(v uint64) string {
	return fmt.Sprintf("%#x", v)
}

// perms formats opts like the permission columns of /proc/self/maps.
func perms(opts pagetables.MapOpts) string {
	var b strings.Builder
	for _, f := range []struct {
		set bool
		c   byte
	}{
		{opts.AccessType.Read, 'r'},
		{opts.AccessType.Write, 'w'},
		{opts.AccessType.Execute, 'x'},
		{opts.User, 'u'},
		{opts.Global, 'g'},
	} {
		if f.set {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

func newProcessReport(k *kernel.Kernel, p *kernel.Process) processReport {
	tf := p.TrapFrame()
	r := processReport{
		PID:   uint16(p.PID()),
		State: p.State().String(),
		TrapFrame: trapFrameReport{
			Address: hex(uint64(p.FrameAddress())),
			PC:      hex(tf.PC),
			SP:      hex(tf.StackPointer()),
			Mode:    tf.Mode.String(),
			PID:     tf.PID,
			SATP:    hex(uint64(tf.SATP)),
			Paging:  tf.SATP.Mode().String(),
			ASID:    tf.SATP.ASID(),
			Root:    hex(uint64(tf.SATP.RootPhysical())),
		},
		Memory: make(map[string]uint64),
	}
	for _, m := range p.PageTables().Mappings() {
		r.Mappings = append(r.Mappings, mappingReport{
			Virtual:  hex(uint64(m.Virtual)),
			Physical: hex(uint64(m.Physical)),
			Size:     uint64(m.Size),
			Perms:    perms(m.Opts),
		})
	}
	u := k.MemoryFile().Usage()
	for kind := usage.MemoryKind(0); kind < usage.NumMemoryKinds; kind++ {
		r.Memory[kind.String()] = u[kind]
	}
	return r
}

// encode writes v to w as YAML or JSON.
func encode(w io.Writer, format string, v any) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("invalid format %q, must be 'yaml' or 'json'", format)
	}
}

// output returns w, or stdout if w is nil.
func output(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}
