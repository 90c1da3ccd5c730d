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

package kernel

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/rvboot/pkg/hostarch"
	"gvisor.dev/rvboot/pkg/ring0"
	"gvisor.dev/rvboot/pkg/ring0/pagetables"
	"gvisor.dev/rvboot/pkg/sentry/pgalloc"
	"gvisor.dev/rvboot/pkg/sentry/usage"
)

const (
	testProgramBase = 0x2000_0000
	testStackBase   = 0x1_0000_0000
)

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Pages: 256, DebugFree: true})
	if err != nil {
		t.Fatalf("NewMemoryFile failed: %v", err)
	}
	t.Cleanup(mf.Destroy)
	k := &Kernel{}
	if err := k.Init(InitKernelArgs{MemoryFile: mf}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return k
}

// newTestProcess builds a process with one program page and one stack page.
func newTestProcess(t *testing.T, k *Kernel) *Process {
	t.Helper()
	pid, err := k.PIDs().Allocate()
	if err != nil {
		t.Fatalf("Allocate PID failed: %v", err)
	}
	mf := k.MemoryFile()
	alloc := func(kind usage.MemoryKind) uintptr {
		addr, err := mf.Allocate(1, pgalloc.AllocOpts{Kind: kind})
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		return addr
	}
	frame, program, stack := alloc(usage.TrapFrame), alloc(usage.Program), alloc(usage.Stack)
	pt, err := pagetables.New(k.PageTableAllocator())
	if err != nil {
		t.Fatalf("pagetables.New failed: %v", err)
	}
	if _, err := pt.MapPage(testProgramBase, program, pagetables.MapOpts{AccessType: hostarch.ReadWriteExecute, User: true}); err != nil {
		t.Fatalf("MapPage failed: %v", err)
	}
	if _, err := pt.MapPage(testStackBase, stack, pagetables.MapOpts{AccessType: hostarch.ReadWrite, User: true}); err != nil {
		t.Fatalf("MapPage failed: %v", err)
	}
	tf := ring0.TrapFrame{
		PC:   testProgramBase,
		PID:  uint64(pid),
		Mode: ring0.User,
		SATP: ring0.MakeSATP(ring0.SATPSv39, uint16(pid), pt.RootPhysical()),
	}
	tf.SetStackPointer(testStackBase + hostarch.PageSize)
	if err := k.WriteTrapFrame(frame, &tf); err != nil {
		t.Fatalf("WriteTrapFrame failed: %v", err)
	}
	p, err := k.NewProcess(ProcessConfig{
		PID:        pid,
		TrapFrame:  tf,
		FrameAddr:  frame,
		PageTables: pt,
		Program:    Region{Virtual: testProgramBase, Physical: program, Pages: 1},
		Stack:      Region{Virtual: testStackBase, Physical: stack, Pages: 1},
	})
	if err != nil {
		t.Fatalf("NewProcess failed: %v", err)
	}
	return p
}

func TestPIDAllocator(t *testing.T) {
	var a PIDAllocator
	for want := InitPID; want < InitPID+5; want++ {
		got, err := a.Allocate()
		if err != nil || got != want {
			t.Fatalf("Allocate() = (%d, %v), want (%d, nil)", got, err, want)
		}
	}
	if got := a.Last(); got != InitPID+4 {
		t.Errorf("Last() = %d, want %d", got, InitPID+4)
	}
}

func TestPIDExhaustion(t *testing.T) {
	var a PIDAllocator
	a.skipTo(MaxPID)
	if got, err := a.Allocate(); err != nil || got != MaxPID {
		t.Fatalf("Allocate() = (%d, %v), want (%d, nil)", got, err, MaxPID)
	}
	for i := 0; i < 2; i++ {
		if _, err := a.Allocate(); !errors.Is(err, ErrPIDExhausted) {
			t.Errorf("Allocate() after exhaustion got %v, want %v", err, ErrPIDExhausted)
		}
	}
}

func TestPIDAllocatorConcurrent(t *testing.T) {
	const workers, each = 8, 500
	var a PIDAllocator
	results := make([][]PID, workers)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < each; i++ {
				pid, err := a.Allocate()
				if err != nil {
					return err
				}
				results[w] = append(results[w], pid)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	seen := make(map[PID]bool)
	for w, pids := range results {
		for i, pid := range pids {
			if seen[pid] {
				t.Fatalf("PID %d allocated twice", pid)
			}
			seen[pid] = true
			if i > 0 && pid <= pids[i-1] {
				t.Errorf("worker %d got PID %d after %d", w, pid, pids[i-1])
			}
		}
	}
	if len(seen) != workers*each {
		t.Errorf("got %d distinct PIDs, want %d", len(seen), workers*each)
	}
}

func TestNewProcessLayout(t *testing.T) {
	k := newTestKernel(t)
	pt, err := pagetables.New(k.PageTableAllocator())
	if err != nil {
		t.Fatalf("pagetables.New failed: %v", err)
	}
	defer pt.Release()
	for _, tc := range []struct {
		name    string
		program Region
		stack   Region
	}{
		{
			name:    "overlap",
			program: Region{Virtual: 0x2000_0000, Pages: 4},
			stack:   Region{Virtual: 0x2000_3000, Pages: 2},
		},
		{
			name:    "kernel stack",
			program: Region{Virtual: 0x2000_0000, Pages: 4},
			stack:   Region{Virtual: hostarch.Addr(ring0.KernelStartAddress), Pages: 2},
		},
		{
			name:    "crosses user top",
			program: Region{Virtual: hostarch.Addr(ring0.UserspaceSize - hostarch.PageSize), Pages: 2},
			stack:   Region{Virtual: 0x1_0000_0000, Pages: 2},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := k.NewProcess(ProcessConfig{
				PID:        1,
				FrameAddr:  k.MemoryFile().Base(),
				PageTables: pt,
				Program:    tc.program,
				Stack:      tc.stack,
			})
			if !errors.Is(err, ErrBadLayout) {
				t.Errorf("NewProcess got %v, want %v", err, ErrBadLayout)
			}
		})
	}
}

func TestProcessQueue(t *testing.T) {
	k := newTestKernel(t)
	ps := []*Process{newTestProcess(t, k), newTestProcess(t, k), newTestProcess(t, k)}
	l := k.Processes()
	l.With(func(q *ProcessQueue) {
		for _, p := range ps {
			q.PushBack(p)
		}
	})
	if diff := cmp.Diff([]PID{1, 2, 3}, l.PIDs()); diff != "" {
		t.Errorf("PIDs mismatch (-want +got):\n%s", diff)
	}

	l.With(func(q *ProcessQueue) {
		if got := q.Rotate(); got != ps[1] {
			t.Errorf("Rotate() = %v, want %v", got, ps[1])
		}
		if got := q.PopFront(); got != ps[1] {
			t.Errorf("PopFront() = %v, want %v", got, ps[1])
		}
		if q.Remove(ps[1]) {
			t.Errorf("Remove of an unlisted process succeeded")
		}
		if !q.Remove(ps[0]) {
			t.Errorf("Remove of a listed process failed")
		}
		if q.Len() != 1 || q.Front() != ps[2] {
			t.Errorf("queue = %d entries with front %v, want 1 with %v", q.Len(), q.Front(), ps[2])
		}
	})

	defer func() {
		if recover() == nil {
			t.Errorf("double PushBack did not panic")
		}
	}()
	l.With(func(q *ProcessQueue) {
		q.PushBack(ps[2])
	})
}

func TestTryWithContended(t *testing.T) {
	var l ProcessList
	called := false
	l.With(func(*ProcessQueue) {
		if l.TryWith(func(*ProcessQueue) { called = true }) {
			t.Errorf("TryWith succeeded while the list was held")
		}
	})
	if called {
		t.Errorf("TryWith called f while the list was held")
	}
	if !l.TryWith(func(*ProcessQueue) { called = true }) || !called {
		t.Errorf("TryWith failed on a free list")
	}
}

func TestSnapshotIsDeep(t *testing.T) {
	k := newTestKernel(t)
	p := newTestProcess(t, k)
	p.mu.Lock()
	p.data.Files[0] = FileDescriptor{Device: 8, Inode: 8}
	p.mu.Unlock()
	k.Processes().With(func(q *ProcessQueue) { q.PushBack(p) })

	snaps := k.Processes().Snapshot()
	if len(snaps) != 1 {
		t.Fatalf("Snapshot returned %d processes, want 1", len(snaps))
	}
	snaps[0].Data.Files[1] = FileDescriptor{Device: 1}
	snaps[0].TrapFrame.PC = 0
	if got := p.Data(); len(got.Files) != 1 {
		t.Errorf("snapshot shares file table with the process: %v", got.Files)
	}
	if p.TrapFrame().PC == 0 {
		t.Errorf("snapshot shares trap frame with the process")
	}
	if snaps[0].Data.CWD != "/" {
		t.Errorf("CWD = %q, want /", snaps[0].Data.CWD)
	}
}

func TestTrapFrameInMemory(t *testing.T) {
	k := newTestKernel(t)
	p := newTestProcess(t, k)
	got, err := k.ReadTrapFrame(p.FrameAddress())
	if err != nil {
		t.Fatalf("ReadTrapFrame failed: %v", err)
	}
	if diff := cmp.Diff(p.TrapFrame(), got); diff != "" {
		t.Errorf("stored trap frame mismatch (-want +got):\n%s", diff)
	}

	tf := p.TrapFrame()
	tf.PC += 4
	if err := p.SetTrapFrame(tf); err != nil {
		t.Fatalf("SetTrapFrame failed: %v", err)
	}
	if got, _ := k.ReadTrapFrame(p.FrameAddress()); got.PC != testProgramBase+4 {
		t.Errorf("stored PC = %#x, want %#x", got.PC, testProgramBase+4)
	}
}

func TestProcessState(t *testing.T) {
	k := newTestKernel(t)
	p := newTestProcess(t, k)
	if got := p.State(); got != Running {
		t.Errorf("State() = %v, want running", got)
	}
	deadline := time.Unix(100, 0)
	p.Sleep(deadline)
	if p.State() != Sleeping || !p.SleepUntil().Equal(deadline) {
		t.Errorf("after Sleep: %v until %v", p.State(), p.SleepUntil())
	}
	p.SetState(Blocked)
	if p.State() != Blocked || !p.SleepUntil().IsZero() {
		t.Errorf("after SetState(Blocked): %v until %v", p.State(), p.SleepUntil())
	}
}

func TestRetireReleasesEverything(t *testing.T) {
	k := newTestKernel(t)
	mf := k.MemoryFile()
	p := newTestProcess(t, k)
	k.Processes().With(func(q *ProcessQueue) { q.PushBack(p) })

	satp := p.TrapFrame().SATP
	if _, _, ok := k.TLB().Translate(satp, testStackBase); !ok {
		t.Fatalf("stack does not translate")
	}
	if err := k.Retire(p); err != nil {
		t.Fatalf("Retire failed: %v", err)
	}
	if got := k.Processes().Len(); got != 0 {
		t.Errorf("process list has %d entries after Retire", got)
	}
	if got := mf.UsedPages(); got != 0 {
		t.Errorf("UsedPages after Retire = %d, want 0 (usage %v)", got, mf.Usage())
	}
	if got := k.PageTableAllocator().Tables(); got != 0 {
		t.Errorf("page tables held after Retire = %d, want 0", got)
	}
	if got := k.TLB().Len(); got != 0 {
		t.Errorf("TLB holds %d translations after Retire", got)
	}
	if p.State() != Dead {
		t.Errorf("State() after Retire = %v, want dead", p.State())
	}
	if err := p.Release(); err != nil {
		t.Errorf("second Release failed: %v", err)
	}
}

func TestDestroy(t *testing.T) {
	k := newTestKernel(t)
	for i := 0; i < 3; i++ {
		p := newTestProcess(t, k)
		k.Processes().With(func(q *ProcessQueue) { q.PushBack(p) })
	}
	k.Destroy()
	if got := k.Processes().Len(); got != 0 {
		t.Errorf("process list has %d entries after Destroy", got)
	}
	if got := k.MemoryFile().UsedPages(); got != 0 {
		t.Errorf("UsedPages after Destroy = %d, want 0", got)
	}
}
