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
	"time"

	"github.com/mohae/deepcopy"
	"gvisor.dev/rvboot/pkg/ilist"
	"gvisor.dev/rvboot/pkg/ring0"
	"gvisor.dev/rvboot/pkg/sync"
)

// ProcessList is the global list of schedulable processes. It is the only
// structure shared between process creation and the scheduler; every
// structural change happens inside With or TryWith.
type ProcessList struct {
	mu sync.Mutex

	// +checklocks:mu
	queue ProcessQueue
}

// ProcessQueue is the ordered view of a ProcessList available while it is
// held. It must not be retained past the callback it was passed to.
type ProcessQueue struct {
	list ilist.List[*Process]
	len  int
}

// With calls f with exclusive access to the list, blocking until access is
// available.
func (l *ProcessList) With(f func(q *ProcessQueue)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f(&l.queue)
}

// TryWith calls f with exclusive access to the list if that access is
// immediately available, and returns false without calling f otherwise. It
// never blocks.
func (l *ProcessList) TryWith(f func(q *ProcessQueue)) bool {
	if !l.mu.TryLock() {
		return false
	}
	defer l.mu.Unlock()
	f(&l.queue)
	return true
}

// Len returns the number of listed processes.
func (l *ProcessList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.Len()
}

// Processes returns the listed processes in order.
func (l *ProcessList) Processes() []*Process {
	var ps []*Process
	l.With(func(q *ProcessQueue) {
		ps = make([]*Process, 0, q.Len())
		q.ForEach(func(p *Process) bool {
			ps = append(ps, p)
			return true
		})
	})
	return ps
}

// PIDs returns the PIDs of the listed processes in order.
func (l *ProcessList) PIDs() []PID {
	ps := l.Processes()
	pids := make([]PID, len(ps))
	for i, p := range ps {
		pids[i] = p.PID()
	}
	return pids
}

// PushBack appends p at the tail.
func (q *ProcessQueue) PushBack(p *Process) {
	if p.listed {
		panic(p.String() + " is already listed")
	}
	p.listed = true
	q.list.PushBack(p)
	q.len++
}

// PopFront removes and returns the process at the head, or nil.
func (q *ProcessQueue) PopFront() *Process {
	p := q.list.Front()
	if p != nil {
		q.Remove(p)
	}
	return p
}

// Front returns the process at the head, or nil.
func (q *ProcessQueue) Front() *Process {
	return q.list.Front()
}

// Rotate moves the head to the tail and returns the new head, or nil if the
// queue is empty.
func (q *ProcessQueue) Rotate() *Process {
	if p := q.PopFront(); p != nil {
		q.PushBack(p)
	}
	return q.list.Front()
}

// Remove removes p. It returns false if p was not listed.
func (q *ProcessQueue) Remove(p *Process) bool {
	if !p.listed {
		return false
	}
	q.list.Remove(p)
	p.listed = false
	q.len--
	return true
}

// Len returns the number of processes.
func (q *ProcessQueue) Len() int {
	return q.len
}

// ForEach calls f on each process in order until f returns false. f must
// not modify the queue.
func (q *ProcessQueue) ForEach(f func(p *Process) bool) {
	for p := q.list.Front(); p != nil; p = p.Next() {
		if !f(p) {
			return
		}
	}
}

// ProcessSnapshot is a point-in-time copy of a process's state, sharing
// nothing with the live process.
type ProcessSnapshot struct {
	PID        PID
	State      ProcessState
	SleepUntil time.Time
	TrapFrame  ring0.TrapFrame
	FrameAddr  uintptr
	Program    Region
	Stack      Region
	Data       ProcessData
}

// Snapshot returns a copy of every listed process, in order.
func (l *ProcessList) Snapshot() []ProcessSnapshot {
	var out []ProcessSnapshot
	l.With(func(q *ProcessQueue) {
		out = make([]ProcessSnapshot, 0, q.Len())
		q.ForEach(func(p *Process) bool {
			out = append(out, p.snapshot())
			return true
		})
	})
	return out
}

func (p *Process) snapshot() ProcessSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProcessSnapshot{
		PID:        p.pid,
		State:      p.state,
		SleepUntil: p.sleepUntil,
		TrapFrame:  p.frame,
		FrameAddr:  p.frameAddr,
		Program:    p.program,
		Stack:      p.stack,
		Data:       copyData(p.data),
	}
}

// copyData returns a deep copy of d.
func copyData(d ProcessData) ProcessData {
	return deepcopy.Copy(d).(ProcessData)
}
