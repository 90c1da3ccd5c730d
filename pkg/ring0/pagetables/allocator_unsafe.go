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

package pagetables

import (
	"unsafe"
)

// ptesFromBytes reinterprets a frame as a table. bs must be exactly one
// page long and page aligned, which holds for every frame of a MemoryFile
// since the arena is itself page aligned.
func ptesFromBytes(bs []byte) *PTEs {
	if len(bs) != pteSize {
		panic("page table frame has wrong size")
	}
	return (*PTEs)(unsafe.Pointer(unsafe.SliceData(bs)))
}
