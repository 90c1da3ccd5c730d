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

// Package loader bootstraps user processes from flat program images.
//
// A bootstrap moves through Loading, Mapping, FrameReady and Registered.
// Failure in any state moves it to Aborted, which releases everything the
// bootstrap allocated. A process is only added to the process list once its
// trap frame, page tables and memory images are complete.
package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gvisor.dev/rvboot/pkg/cleanup"
	"gvisor.dev/rvboot/pkg/hostarch"
	"gvisor.dev/rvboot/pkg/log"
	"gvisor.dev/rvboot/pkg/metric"
	"gvisor.dev/rvboot/pkg/ring0"
	"gvisor.dev/rvboot/pkg/ring0/pagetables"
	"gvisor.dev/rvboot/pkg/safecopy"
	"gvisor.dev/rvboot/pkg/sentry/devices/blockdev"
	"gvisor.dev/rvboot/pkg/sentry/kernel"
	"gvisor.dev/rvboot/pkg/sentry/pgalloc"
	"gvisor.dev/rvboot/pkg/sentry/usage"
)

var (
	bootstrapsMetric = metric.MustCreateNewUint64Metric("/loader/bootstraps", "Process bootstraps by outcome.",
		metric.NewField("outcome", "registered", "aborted"))
	abortsMetric = metric.MustCreateNewUint64Metric("/loader/aborts", "Aborted bootstraps by failure category.",
		metric.NewField("category", "resource_exhaustion", "short_read", "list_contention", "internal"))
	programPagesMetric = metric.MustCreateNewUint64Metric("/loader/program_pages", "Program pages mapped by successful bootstraps.")
)

// Request names the program to bootstrap.
type Request struct {
	Device uint32
	Inode  uint32
}

// LoaderOpts configures a Loader.
type LoaderOpts struct {
	// Layout is the memory layout. The zero value selects DefaultLayout.
	Layout Layout

	// BlockOnContention makes registration wait for the process list
	// instead of aborting when it is held elsewhere.
	BlockOnContention bool

	// OnTransition, if set, is called after every state transition. It is
	// called without any locks held.
	OnTransition func(from, to State)
}

// Loader bootstraps processes into a kernel.
type Loader struct {
	k       *kernel.Kernel
	storage blockdev.Reader
	opts    LoaderOpts

	// cleanupLog reports failures to release frames while unwinding. One
	// broken allocator fails every cleanup, so it is rate limited.
	cleanupLog log.Logger
}

// NewLoader returns a Loader that reads programs from storage.
func NewLoader(k *kernel.Kernel, storage blockdev.Reader, opts LoaderOpts) (*Loader, error) {
	if opts.Layout == (Layout{}) {
		opts.Layout = DefaultLayout()
	}
	if err := opts.Layout.Validate(); err != nil {
		return nil, err
	}
	return &Loader{
		k:          k,
		storage:    storage,
		opts:       opts,
		cleanupLog: log.BasicRateLimitedLogger(10 * time.Second),
	}, nil
}

// Layout returns the loader's memory layout.
func (l *Loader) Layout() Layout {
	return l.opts.Layout
}

// DefaultRequest returns a request for the layout's default program.
func (l *Loader) DefaultRequest() Request {
	return Request{Device: l.opts.Layout.Device, Inode: l.opts.Layout.Inode}
}

// Bootstrap loads the program named by req and registers a new process
// running it. On failure it returns a *BootstrapError and nothing allocated
// by the attempt remains held, apart from the consumed PID.
func (l *Loader) Bootstrap(ctx context.Context, req Request) (*kernel.Process, error) {
	b := &bootstrap{Loader: l, req: req, state: Loading}
	p, err := b.run(ctx)
	if err != nil {
		var berr *BootstrapError
		if !errors.As(err, &berr) {
			berr = &BootstrapError{State: b.state, Category: Internal, Err: err}
		}
		bootstrapsMetric.Increment("aborted")
		abortsMetric.Increment(berr.Category.metricValue())
		log.Warningf("Process creation for %d:%d failed: %v", req.Device, req.Inode, berr)
		return nil, berr
	}
	bootstrapsMetric.Increment("registered")
	programPagesMetric.IncrementBy(p.Program().Pages)
	log.Infof("Added user process to the scheduler...get ready for take-off!")
	log.Debugf("Registered %v: program %v, stack %v, satp %v", p, p.Program().Range(), p.Stack().Range(), p.TrapFrame().SATP)
	return p, nil
}

// bootstrap is a single run of Loader.Bootstrap.
type bootstrap struct {
	*Loader
	req   Request
	state State
}

func (b *bootstrap) transition(to State) {
	from := b.state
	b.state = to
	log.Debugf("Bootstrap of %d:%d: %v -> %v", b.req.Device, b.req.Inode, from, to)
	if b.opts.OnTransition != nil {
		b.opts.OnTransition(from, to)
	}
}

// abort moves the bootstrap to Aborted and returns the error describing the
// failure. It must be called before the deferred cleanups run, so that the
// error records the state the failure occurred in.
func (b *bootstrap) abort(c Category, err error) error {
	berr := &BootstrapError{State: b.state, Category: c, Err: err}
	b.transition(Aborted)
	return berr
}

// free returns frames allocated by the bootstrap.
func (b *bootstrap) free(addr uintptr) {
	if err := b.k.MemoryFile().Free(addr); err != nil {
		b.cleanupLog.Warningf("Freeing %#x: %v", addr, err)
	}
}

func (b *bootstrap) allocate(pages uint64, kind usage.MemoryKind, cu *cleanup.Cleanup) (uintptr, error) {
	addr, err := b.k.MemoryFile().Allocate(pages, pgalloc.AllocOpts{Kind: kind})
	if err != nil {
		return 0, b.abort(ResourceExhaustion, fmt.Errorf("allocating %d %v pages: %w", pages, kind, err))
	}
	cu.Add(func() { b.free(addr) })
	return addr, nil
}

func (b *bootstrap) run(ctx context.Context) (*kernel.Process, error) {
	layout := &b.opts.Layout
	mf := b.k.MemoryFile()

	// The read buffer is released whatever the outcome.
	buf, err := mf.AllocateBytes(layout.ReadBufferSize, pgalloc.AllocOpts{Kind: usage.Buffer})
	if err != nil {
		return nil, b.abort(ResourceExhaustion, fmt.Errorf("allocating read buffer: %w", err))
	}
	defer b.free(buf)
	bufBytes, err := mf.Slice(buf, layout.ReadBufferSize)
	if err != nil {
		return nil, b.abort(Internal, err)
	}
	// Reading the whole buffer lets an oversized image show up as a size
	// mismatch instead of being truncated.
	n, err := b.storage.Read(ctx, b.req.Device, b.req.Inode, bufBytes, 0)
	if err != nil {
		return nil, b.abort(ShortRead, fmt.Errorf("reading %d:%d: %w", b.req.Device, b.req.Inode, err))
	}
	if uint64(n) != layout.ExpectedSize {
		return nil, b.abort(ShortRead, fmt.Errorf("read %d bytes from %d:%d, want %d: %w", n, b.req.Device, b.req.Inode, layout.ExpectedSize, ErrShortRead))
	}
	image := bufBytes[:n]

	b.transition(Mapping)
	var cu cleanup.Cleanup
	defer cu.Clean()

	pid, err := b.k.PIDs().Allocate()
	if err != nil {
		return nil, b.abort(ResourceExhaustion, err)
	}
	frame, err := b.allocate(1, usage.TrapFrame, &cu)
	if err != nil {
		return nil, err
	}
	pt, err := pagetables.New(b.k.PageTableAllocator())
	if err != nil {
		return nil, b.abort(ResourceExhaustion, fmt.Errorf("allocating root table: %w", err))
	}
	cu.Add(pt.Release)
	stack, err := b.allocate(layout.StackPages, usage.Stack, &cu)
	if err != nil {
		return nil, err
	}
	programPages := ProgramPages(uint64(n), layout.PageSize, layout.Rounding)
	program, err := b.allocate(programPages, usage.Program, &cu)
	if err != nil {
		return nil, err
	}
	dst, err := mf.Slice(program, programPages*layout.PageSize)
	if err != nil {
		return nil, b.abort(Internal, err)
	}
	if _, err := safecopy.CopyToAligned(dst, program, image, uintptr(layout.PageSize)); err != nil {
		return nil, b.abort(Internal, fmt.Errorf("copying program image: %w", err))
	}

	// Flat images carry no section information, so the whole program is
	// writable and executable.
	progOpts := pagetables.MapOpts{AccessType: hostarch.ReadWriteExecute, User: true}
	if err := b.mapPages(pt, layout.EntryBase, program, programPages, progOpts); err != nil {
		return nil, err
	}
	stackOpts := pagetables.MapOpts{AccessType: hostarch.ReadWrite, User: true}
	if err := b.mapPages(pt, layout.StackBase, stack, layout.StackPages, stackOpts); err != nil {
		return nil, err
	}

	tf := ring0.TrapFrame{
		PC:   uint64(layout.EntryBase),
		PID:  uint64(pid),
		Mode: ring0.User,
		SATP: ring0.MakeSATP(ring0.SATPSv39, uint16(pid), pt.RootPhysical()),
	}
	tf.SetStackPointer(uint64(layout.StackTop()))
	if err := b.k.WriteTrapFrame(frame, &tf); err != nil {
		return nil, b.abort(Internal, fmt.Errorf("writing trap frame: %w", err))
	}
	// PIDs double as ASIDs. The hart may still cache translations for an
	// earlier address space with the same ASID.
	b.k.TLB().FenceASID(uint16(pid))
	b.transition(FrameReady)

	p, err := b.k.NewProcess(kernel.ProcessConfig{
		PID:        pid,
		TrapFrame:  tf,
		FrameAddr:  frame,
		PageTables: pt,
		Program:    kernel.Region{Virtual: layout.EntryBase, Physical: program, Pages: programPages},
		Stack:      kernel.Region{Virtual: layout.StackBase, Physical: stack, Pages: layout.StackPages},
	})
	if err != nil {
		return nil, b.abort(Internal, err)
	}

	register := func(q *kernel.ProcessQueue) {
		q.PushBack(p)
	}
	if b.opts.BlockOnContention {
		b.k.Processes().With(register)
	} else if !b.k.Processes().TryWith(register) {
		return nil, b.abort(ListContention, ErrListContended)
	}
	cu.Release()
	b.transition(Registered)
	return p, nil
}

// mapPages maps pages frames starting at physical to consecutive pages
// starting at virtual.
func (b *bootstrap) mapPages(pt *pagetables.PageTables, virtual hostarch.Addr, physical uintptr, pages uint64, opts pagetables.MapOpts) error {
	ps := b.opts.Layout.PageSize
	for i := uint64(0); i < pages; i++ {
		va := virtual + hostarch.Addr(i*ps)
		if _, err := pt.MapPage(va, physical+uintptr(i*ps), opts); err != nil {
			return b.abort(ResourceExhaustion, fmt.Errorf("mapping %v: %w", va, err))
		}
	}
	return nil
}
