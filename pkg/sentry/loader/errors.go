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
	"errors"
	"fmt"
)

var (
	// ErrShortRead is returned when storage returns fewer or more bytes than
	// the layout's expected program size.
	ErrShortRead = errors.New("short read")

	// ErrListContended is returned when the process list is held elsewhere
	// at registration time.
	ErrListContended = errors.New("process list contended")
)

// State is a bootstrap state.
type State int

// Bootstrap states, in the order a successful bootstrap visits them.
const (
	// Loading reads the program image into a kernel buffer.
	Loading State = iota

	// Mapping allocates process memory and builds the page tables.
	Mapping

	// FrameReady means the trap frame is written and its ASID fenced.
	FrameReady

	// Registered means the process is on the process list.
	Registered

	// Aborted means the bootstrap failed and everything it allocated has
	// been released.
	Aborted
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Mapping:
		return "mapping"
	case FrameReady:
		return "frame-ready"
	case Registered:
		return "registered"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Category classifies bootstrap failures.
type Category int

const (
	// ResourceExhaustion means frames, page tables or PIDs ran out.
	ResourceExhaustion Category = iota

	// ShortRead means the program could not be read in full.
	ShortRead

	// ListContention means the process list could not be acquired.
	ListContention

	// Internal means the loader itself misbehaved.
	Internal
)

// String implements fmt.Stringer.
func (c Category) String() string {
	switch c {
	case ResourceExhaustion:
		return "resource exhaustion"
	case ShortRead:
		return "short read"
	case ListContention:
		return "list contention"
	case Internal:
		return "internal error"
	default:
		return fmt.Sprintf("Category(%d)", int(c))
	}
}

// metricValue returns the value of the category field of abortsMetric.
func (c Category) metricValue() string {
	switch c {
	case ResourceExhaustion:
		return "resource_exhaustion"
	case ShortRead:
		return "short_read"
	case ListContention:
		return "list_contention"
	default:
		return "internal"
	}
}

// BootstrapError is returned by Loader.Bootstrap for every failure.
type BootstrapError struct {
	// State is the last state reached before the bootstrap aborted.
	State State

	// Category classifies the failure.
	Category Category

	// Err is the underlying error.
	Err error
}

// Error implements error.Error.
func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap aborted in state %v (%v): %v", e.State, e.Category, e.Err)
}

// Unwrap returns the underlying error.
func (e *BootstrapError) Unwrap() error {
	return e.Err
}
