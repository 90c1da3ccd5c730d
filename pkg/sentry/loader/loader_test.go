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

package loader

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/rvboot/pkg/hostarch"
	"gvisor.dev/rvboot/pkg/log"
	"gvisor.dev/rvboot/pkg/ring0"
	"gvisor.dev/rvboot/pkg/ring0/pagetables"
	"gvisor.dev/rvboot/pkg/sentry/devices/blockdev"
	"gvisor.dev/rvboot/pkg/sentry/kernel"
	"gvisor.dev/rvboot/pkg/sentry/pgalloc"
	"gvisor.dev/rvboot/pkg/sentry/usage"
)

// peakPages is the number of frames a default bootstrap holds at once: the
// read buffer, the trap frame, five page tables, two stack pages and four
// program pages.
const peakPages = 13 + 1 + 5 + 2 + 4

func program(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i*7 + 1)
	}
	return b
}

type testEnv struct {
	k       *kernel.Kernel
	storage *blockdev.MemoryDevice
}

func newTestEnv(t *testing.T, pages uint64) *testEnv {
	t.Helper()
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Pages: pages, DebugFree: true})
	if err != nil {
		t.Fatalf("NewMemoryFile failed: %v", err)
	}
	t.Cleanup(mf.Destroy)
	k := &kernel.Kernel{}
	if err := k.Init(kernel.InitKernelArgs{MemoryFile: mf}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	storage := blockdev.NewMemoryDevice()
	storage.Put(8, 8, program(12288))
	return &testEnv{k: k, storage: storage}
}

func (e *testEnv) loader(t *testing.T, opts LoaderOpts) *Loader {
	t.Helper()
	l, err := NewLoader(e.k, e.storage, opts)
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	return l
}

// checkReleased verifies that nothing but registered processes hold memory.
func (e *testEnv) checkReleased(t *testing.T, wantPages uint64) {
	t.Helper()
	mf := e.k.MemoryFile()
	if got := mf.UsedPages(); got != wantPages {
		t.Errorf("UsedPages() = %d, want %d (usage %v)", got, wantPages, mf.Usage())
	}
	if got := mf.Usage()[usage.Buffer]; got != 0 {
		t.Errorf("read buffer pages still held: %d", got)
	}
}

func bootstrapError(t *testing.T, err error) *BootstrapError {
	t.Helper()
	var berr *BootstrapError
	if !errors.As(err, &berr) {
		t.Fatalf("Bootstrap got %v, want a *BootstrapError", err)
	}
	return berr
}

func TestBootstrap(t *testing.T) {
	e := newTestEnv(t, 256)
	var transitions []State
	l := e.loader(t, LoaderOpts{
		OnTransition: func(_, to State) { transitions = append(transitions, to) },
	})
	before := bootstrapsMetric.Value("registered")

	p, err := l.Bootstrap(context.Background(), l.DefaultRequest())
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if diff := cmp.Diff([]State{Mapping, FrameReady, Registered}, transitions); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}
	if got := bootstrapsMetric.Value("registered") - before; got != 1 {
		t.Errorf("registered bootstraps increased by %d, want 1", got)
	}
	if diff := cmp.Diff([]kernel.PID{p.PID()}, e.k.Processes().PIDs()); diff != "" {
		t.Errorf("process list mismatch (-want +got):\n%s", diff)
	}

	// Four program pages for 12288 bytes, one more than the image needs.
	if got := p.Program().Pages; got != 4 {
		t.Errorf("program pages = %d, want 4", got)
	}
	var got []pagetables.Mapping
	for _, m := range p.PageTables().Mappings() {
		if p.Program().Range().Contains(m.Virtual) {
			got = append(got, m)
		}
	}
	var want []pagetables.Mapping
	for i := uintptr(0); i < 4; i++ {
		want = append(want, pagetables.Mapping{
			Virtual:  0x2000_0000 + hostarch.Addr(i*hostarch.PageSize),
			Physical: p.Program().Physical + i*hostarch.PageSize,
			Size:     hostarch.PageSize,
			Opts:     pagetables.MapOpts{AccessType: hostarch.ReadWriteExecute, User: true},
		})
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("program mappings mismatch (-want +got):\n%s", diff)
	}

	image, err := e.k.MemoryFile().Slice(p.Program().Physical, 4*hostarch.PageSize)
	if err != nil {
		t.Fatalf("Slice failed: %v", err)
	}
	if !bytes.Equal(image[:12288], program(12288)) {
		t.Errorf("program image does not match storage contents")
	}
	if !bytes.Equal(image[12288:], make([]byte, hostarch.PageSize)) {
		t.Errorf("program tail is not zeroed")
	}

	tf := p.TrapFrame()
	if tf.PC != 0x2000_0000 || tf.StackPointer() != 0x1_0000_2000 || tf.Mode != ring0.User || tf.PID != uint64(p.PID()) {
		t.Errorf("trap frame = pc %#x sp %#x mode %v pid %d", tf.PC, tf.StackPointer(), tf.Mode, tf.PID)
	}
	if tf.SATP.Mode() != ring0.SATPSv39 || tf.SATP.ASID() != uint16(p.PID()) || tf.SATP.RootPhysical() != p.PageTables().RootPhysical() {
		t.Errorf("satp = %v, want sv39 asid=%d root=%#x", tf.SATP, p.PID(), p.PageTables().RootPhysical())
	}
	stored, err := e.k.ReadTrapFrame(p.FrameAddress())
	if err != nil {
		t.Fatalf("ReadTrapFrame failed: %v", err)
	}
	if diff := cmp.Diff(tf, stored); diff != "" {
		t.Errorf("stored trap frame mismatch (-want +got):\n%s", diff)
	}
	if pa, _, ok := e.k.TLB().Translate(tf.SATP, 0x2000_1004); !ok || pa != p.Program().Physical+hostarch.PageSize+4 {
		t.Errorf("Translate(0x2000_1004) = (%#x, %t)", pa, ok)
	}
	e.checkReleased(t, peakPages-13)
}

func TestShortRead(t *testing.T) {
	for _, tc := range []struct {
		name string
		size int
	}{
		{name: "short", size: 12000},
		{name: "empty", size: 0},
		{name: "oversized", size: 13000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEnv(t, 256)
			e.storage.Put(8, 8, program(tc.size))
			var transitions []State
			l := e.loader(t, LoaderOpts{
				OnTransition: func(_, to State) { transitions = append(transitions, to) },
			})
			before := abortsMetric.Value("short_read")

			p, err := l.Bootstrap(context.Background(), l.DefaultRequest())
			if p != nil {
				t.Errorf("Bootstrap returned process %v", p)
			}
			if !errors.Is(err, ErrShortRead) {
				t.Fatalf("Bootstrap got %v, want %v", err, ErrShortRead)
			}
			berr := bootstrapError(t, err)
			if berr.State != Loading || berr.Category != ShortRead {
				t.Errorf("Bootstrap failed in %v (%v), want loading (short read)", berr.State, berr.Category)
			}
			if diff := cmp.Diff([]State{Aborted}, transitions); diff != "" {
				t.Errorf("transitions mismatch (-want +got):\n%s", diff)
			}
			if got := abortsMetric.Value("short_read") - before; got != 1 {
				t.Errorf("short read aborts increased by %d, want 1", got)
			}
			if got := e.k.Processes().Len(); got != 0 {
				t.Errorf("process list has %d entries", got)
			}
			e.checkReleased(t, 0)
		})
	}
}

func TestAbortIsLogged(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Log().Emitter
	log.SetTarget(log.GoogleEmitter{Writer: &log.Writer{Next: &buf}})
	t.Cleanup(func() { log.SetTarget(prev) })

	e := newTestEnv(t, 256)
	e.storage.Put(8, 8, program(12000))
	l := e.loader(t, LoaderOpts{})
	const attempts = 3
	for i := 0; i < attempts; i++ {
		if _, err := l.Bootstrap(context.Background(), l.DefaultRequest()); !errors.Is(err, ErrShortRead) {
			t.Fatalf("Bootstrap got %v, want %v", err, ErrShortRead)
		}
	}
	if got := strings.Count(buf.String(), "Process creation for 8:8 failed"); got != attempts {
		t.Errorf("logged %d abort warnings, want %d:\n%s", got, attempts, buf.String())
	}
}

func TestStorageError(t *testing.T) {
	e := newTestEnv(t, 256)
	l := e.loader(t, LoaderOpts{})
	_, err := l.Bootstrap(context.Background(), Request{Device: 8, Inode: 9})
	if !errors.Is(err, blockdev.ErrNotFound) {
		t.Fatalf("Bootstrap got %v, want %v", err, blockdev.ErrNotFound)
	}
	if berr := bootstrapError(t, err); berr.Category != ShortRead {
		t.Errorf("category = %v, want short read", berr.Category)
	}
	e.checkReleased(t, 0)
}

func TestListContention(t *testing.T) {
	e := newTestEnv(t, 256)
	l := e.loader(t, LoaderOpts{})
	ctx := context.Background()
	first, err := l.Bootstrap(ctx, l.DefaultRequest())
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	held := e.k.MemoryFile().UsedPages()
	tables := e.k.PageTableAllocator().Tables()
	before := abortsMetric.Value("list_contention")

	e.k.Processes().With(func(*kernel.ProcessQueue) {
		_, err = l.Bootstrap(ctx, l.DefaultRequest())
	})
	if !errors.Is(err, ErrListContended) {
		t.Fatalf("Bootstrap got %v, want %v", err, ErrListContended)
	}
	berr := bootstrapError(t, err)
	if berr.State != FrameReady || berr.Category != ListContention {
		t.Errorf("Bootstrap failed in %v (%v), want frame-ready (list contention)", berr.State, berr.Category)
	}
	if got := abortsMetric.Value("list_contention") - before; got != 1 {
		t.Errorf("list contention aborts increased by %d, want 1", got)
	}
	if diff := cmp.Diff([]kernel.PID{first.PID()}, e.k.Processes().PIDs()); diff != "" {
		t.Errorf("process list changed (-want +got):\n%s", diff)
	}
	if got := e.k.PageTableAllocator().Tables(); got != tables {
		t.Errorf("page tables held = %d, want %d", got, tables)
	}
	e.checkReleased(t, held)

	// The aborted PID is not reused.
	p, err := l.Bootstrap(ctx, l.DefaultRequest())
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if p.PID() != first.PID()+2 {
		t.Errorf("PID = %d, want %d", p.PID(), first.PID()+2)
	}
}

func TestBlockOnContention(t *testing.T) {
	e := newTestEnv(t, 256)
	frameReady := make(chan struct{})
	l := e.loader(t, LoaderOpts{
		BlockOnContention: true,
		OnTransition: func(_, to State) {
			if to == FrameReady {
				close(frameReady)
			}
		},
	})
	var g errgroup.Group
	e.k.Processes().With(func(*kernel.ProcessQueue) {
		g.Go(func() error {
			_, err := l.Bootstrap(context.Background(), l.DefaultRequest())
			return err
		})
		<-frameReady
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if got := e.k.Processes().Len(); got != 1 {
		t.Errorf("process list has %d entries, want 1", got)
	}
}

func TestAbortReleasesEverything(t *testing.T) {
	for pages := uint64(1); pages <= peakPages+1; pages++ {
		e := newTestEnv(t, pages)
		l := e.loader(t, LoaderOpts{})
		_, err := l.Bootstrap(context.Background(), l.DefaultRequest())
		if pages >= peakPages {
			if err != nil {
				t.Errorf("%d pages: Bootstrap failed: %v", pages, err)
			} else if got := e.k.MemoryFile().UsedPages(); got != peakPages-13 {
				t.Errorf("%d pages: process holds %d pages, want %d", pages, got, peakPages-13)
			}
			continue
		}
		if !errors.Is(err, pgalloc.ErrOutOfMemory) {
			t.Fatalf("%d pages: Bootstrap got %v, want %v", pages, err, pgalloc.ErrOutOfMemory)
		}
		berr := bootstrapError(t, err)
		wantState := Mapping
		if pages < 13 {
			wantState = Loading
		}
		if berr.State != wantState || berr.Category != ResourceExhaustion {
			t.Errorf("%d pages: Bootstrap failed in %v (%v), want %v (resource exhaustion)", pages, berr.State, berr.Category, wantState)
		}
		if got := e.k.MemoryFile().UsedPages(); got != 0 {
			t.Errorf("%d pages: UsedPages() = %d after abort, want 0", pages, got)
		}
		if got := e.k.PageTableAllocator().Tables(); got != 0 {
			t.Errorf("%d pages: %d page tables held after abort", pages, got)
		}
		if got := e.k.Processes().Len(); got != 0 {
			t.Errorf("%d pages: process list has %d entries", pages, got)
		}
	}
}

func TestIsolation(t *testing.T) {
	e := newTestEnv(t, 1024)
	l := e.loader(t, LoaderOpts{})
	var ps []*kernel.Process
	for i := 0; i < 4; i++ {
		p, err := l.Bootstrap(context.Background(), l.DefaultRequest())
		if err != nil {
			t.Fatalf("Bootstrap failed: %v", err)
		}
		ps = append(ps, p)
	}
	owner := make(map[uintptr]kernel.PID)
	for _, p := range ps {
		for _, m := range p.PageTables().Mappings() {
			for off := uintptr(0); off < m.Size; off += hostarch.PageSize {
				frame := m.Physical + off
				if other, ok := owner[frame]; ok && other != p.PID() {
					t.Errorf("frame %#x mapped by PIDs %d and %d", frame, other, p.PID())
				}
				owner[frame] = p.PID()
			}
		}
	}
	if want := 4 * (4 + 2); len(owner) != want {
		t.Errorf("%d frames mapped, want %d", len(owner), want)
	}
}

func TestPermissions(t *testing.T) {
	e := newTestEnv(t, 256)
	l := e.loader(t, LoaderOpts{})
	p, err := l.Bootstrap(context.Background(), l.DefaultRequest())
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	layout := l.Layout()
	for _, m := range p.PageTables().Mappings() {
		switch {
		case layout.StackRange().Contains(m.Virtual):
			if m.Opts.AccessType.Execute || !m.Opts.User || m.Opts.AccessType != hostarch.ReadWrite {
				t.Errorf("stack mapping %v has %+v", m.Virtual, m.Opts)
			}
		case layout.ProgramRange().Contains(m.Virtual):
			if !m.Opts.User || m.Opts.AccessType != hostarch.ReadWriteExecute {
				t.Errorf("program mapping %v has %+v", m.Virtual, m.Opts)
			}
		default:
			t.Errorf("unexpected mapping %v", m.Virtual)
		}
	}
}

func TestProgramPages(t *testing.T) {
	for _, tc := range []struct {
		n      uint64
		legacy uint64
		exact  uint64
	}{
		{n: 1, legacy: 1, exact: 1},
		{n: 4095, legacy: 1, exact: 1},
		{n: 4096, legacy: 2, exact: 1},
		{n: 4097, legacy: 2, exact: 2},
		{n: 12287, legacy: 3, exact: 3},
		{n: 12288, legacy: 4, exact: 3},
		{n: 12289, legacy: 4, exact: 4},
	} {
		if got := ProgramPages(tc.n, hostarch.PageSize, RoundLegacy); got != tc.legacy {
			t.Errorf("ProgramPages(%d, legacy) = %d, want %d", tc.n, got, tc.legacy)
		}
		if got := ProgramPages(tc.n, hostarch.PageSize, RoundExact); got != tc.exact {
			t.Errorf("ProgramPages(%d, exact) = %d, want %d", tc.n, got, tc.exact)
		}
	}
}

func TestExactRounding(t *testing.T) {
	e := newTestEnv(t, 256)
	layout := DefaultLayout()
	layout.Rounding = RoundExact
	l := e.loader(t, LoaderOpts{Layout: layout})
	p, err := l.Bootstrap(context.Background(), l.DefaultRequest())
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if got := p.Program().Pages; got != 3 {
		t.Errorf("program pages = %d, want 3", got)
	}
	if _, _, _, ok := p.PageTables().Lookup(0x2000_3000); ok {
		t.Errorf("page past the image is mapped")
	}
}

func TestConcurrentBootstrap(t *testing.T) {
	const n = 16
	e := newTestEnv(t, 1024)
	var unready atomic.Int32
	l := e.loader(t, LoaderOpts{
		BlockOnContention: true,
		OnTransition: func(_, _ State) {
			for _, s := range e.k.Processes().Snapshot() {
				if !s.TrapFrame.Ready() {
					unready.Add(1)
				}
			}
		},
	})
	pids := make([]kernel.PID, n)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			p, err := l.Bootstrap(ctx, l.DefaultRequest())
			if err != nil {
				return err
			}
			pids[i] = p.PID()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if got := unready.Load(); got != 0 {
		t.Errorf("%d unready processes observed on the process list", got)
	}
	seen := make(map[kernel.PID]bool)
	for _, pid := range pids {
		if seen[pid] {
			t.Errorf("PID %d assigned twice", pid)
		}
		seen[pid] = true
	}
	listed := e.k.Processes().PIDs()
	if len(listed) != n {
		t.Fatalf("process list has %d entries, want %d", len(listed), n)
	}
	for _, pid := range listed {
		if !seen[pid] {
			t.Errorf("listed PID %d was not returned by Bootstrap", pid)
		}
	}
}

func TestConcurrentBootstrapContended(t *testing.T) {
	const n = 16
	e := newTestEnv(t, 1024)
	l := e.loader(t, LoaderOpts{})
	var g errgroup.Group
	var registered atomic.Int32
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := l.Bootstrap(context.Background(), l.DefaultRequest())
			if err == nil {
				registered.Add(1)
				return nil
			}
			if errors.Is(err, ErrListContended) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if got, want := e.k.Processes().Len(), int(registered.Load()); got != want {
		t.Errorf("process list has %d entries, want %d", got, want)
	}
	e.checkReleased(t, uint64(registered.Load())*(peakPages-13))
}

func TestFenceDropsStaleTranslations(t *testing.T) {
	e := newTestEnv(t, 256)
	k := e.k

	// Leave a translation tagged with ASID 1 behind from an address space
	// that no longer exists.
	old, err := pagetables.New(k.PageTableAllocator())
	if err != nil {
		t.Fatalf("pagetables.New failed: %v", err)
	}
	frame, err := k.MemoryFile().Allocate(1, pgalloc.AllocOpts{Kind: usage.Program})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if _, err := old.MapPage(0x2000_0000, frame, pagetables.MapOpts{AccessType: hostarch.ReadWriteExecute, User: true}); err != nil {
		t.Fatalf("MapPage failed: %v", err)
	}
	oldSATP := ring0.MakeSATP(ring0.SATPSv39, 1, old.RootPhysical())
	if pa, _, ok := k.TLB().Translate(oldSATP, 0x2000_0000); !ok || pa != frame {
		t.Fatalf("Translate = (%#x, %t), want (%#x, true)", pa, ok, frame)
	}
	old.Release()

	l := e.loader(t, LoaderOpts{})
	p, err := l.Bootstrap(context.Background(), l.DefaultRequest())
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if p.PID() != 1 {
		t.Fatalf("PID = %d, want 1", p.PID())
	}
	if pa, _, ok := k.TLB().Translate(p.TrapFrame().SATP, 0x2000_0000); !ok || pa != p.Program().Physical {
		t.Errorf("Translate = (%#x, %t), want (%#x, true)", pa, ok, p.Program().Physical)
	}
}

func TestNewLoaderValidatesLayout(t *testing.T) {
	e := newTestEnv(t, 16)
	for _, tc := range []struct {
		name   string
		mutate func(*Layout)
	}{
		{name: "page size", mutate: func(l *Layout) { l.PageSize = 8192 }},
		{name: "unaligned entry", mutate: func(l *Layout) { l.EntryBase += 4 }},
		{name: "unaligned stack", mutate: func(l *Layout) { l.StackBase += 4 }},
		{name: "no stack", mutate: func(l *Layout) { l.StackPages = 0 }},
		{name: "no program", mutate: func(l *Layout) { l.ExpectedSize = 0 }},
		{name: "small buffer", mutate: func(l *Layout) { l.ReadBufferSize = 4096 }},
		{name: "overlap", mutate: func(l *Layout) { l.StackBase = l.EntryBase + hostarch.PageSize }},
		{name: "kernel half", mutate: func(l *Layout) { l.StackBase = hostarch.Addr(ring0.KernelStartAddress) }},
		{name: "rounding", mutate: func(l *Layout) { l.Rounding = 7 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			layout := DefaultLayout()
			tc.mutate(&layout)
			if _, err := NewLoader(e.k, e.storage, LoaderOpts{Layout: layout}); !errors.Is(err, ErrInvalidLayout) {
				t.Errorf("NewLoader got %v, want %v", err, ErrInvalidLayout)
			}
		})
	}
	l := e.loader(t, LoaderOpts{})
	if diff := cmp.Diff(DefaultLayout(), l.Layout()); diff != "" {
		t.Errorf("zero layout did not select the default (-want +got):\n%s", diff)
	}
}

func TestRoundingPolicyText(t *testing.T) {
	var r RoundingPolicy
	if err := r.UnmarshalText([]byte("Exact")); err != nil || r != RoundExact {
		t.Errorf("UnmarshalText(Exact) = (%v, %v), want exact", r, err)
	}
	if err := r.UnmarshalText([]byte("ceil")); err == nil {
		t.Errorf("UnmarshalText(ceil) succeeded")
	}
	if b, _ := RoundLegacy.MarshalText(); string(b) != "legacy" {
		t.Errorf("MarshalText = %q, want legacy", b)
	}
}
