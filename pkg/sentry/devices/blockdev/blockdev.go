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

// Package blockdev provides read access to program images stored on block
// devices, addressed by device and inode number.
package blockdev

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gvisor.dev/rvboot/pkg/metric"
	"gvisor.dev/rvboot/pkg/sync"
)

var (
	// ErrNotFound is returned when no file exists for a device and inode.
	ErrNotFound = errors.New("no such inode")

	// ErrBadOffset is returned for negative read offsets.
	ErrBadOffset = errors.New("negative offset")
)

var bytesRead = metric.MustCreateNewUint64Metric("/blockdev/bytes_read", "Bytes read from block devices.",
	metric.NewField("device", "memory", "host"))

// Reader reads file contents from storage.
type Reader interface {
	// Read reads up to len(dst) bytes of inode ino on device dev, starting
	// at offset. Like pread, it returns fewer bytes than requested only at
	// end of file, in which case err is nil.
	Read(ctx context.Context, dev, ino uint32, dst []byte, offset int64) (int, error)
}

type key struct {
	dev uint32
	ino uint32
}

func (k key) String() string {
	return fmt.Sprintf("%d:%d", k.dev, k.ino)
}

// MemoryDevice is a Reader backed by in-memory files.
type MemoryDevice struct {
	mu    sync.RWMutex
	files map[key][]byte
}

// NewMemoryDevice returns an empty MemoryDevice.
func NewMemoryDevice() *MemoryDevice {
	return &MemoryDevice{files: make(map[key][]byte)}
}

// Put stores a copy of data as inode ino on device dev, replacing any
// existing contents.
func (d *MemoryDevice) Put(dev, ino uint32, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[key{dev, ino}] = append([]byte(nil), data...)
}

// Delete removes inode ino on device dev.
func (d *MemoryDevice) Delete(dev, ino uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.files, key{dev, ino})
}

// Read implements Reader.Read.
func (d *MemoryDevice) Read(ctx context.Context, dev, ino uint32, dst []byte, offset int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if offset < 0 {
		return 0, ErrBadOffset
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	data, ok := d.files[key{dev, ino}]
	if !ok {
		return 0, fmt.Errorf("memory device %v: %w", key{dev, ino}, ErrNotFound)
	}
	if offset >= int64(len(data)) {
		return 0, nil
	}
	n := copy(dst, data[offset:])
	bytesRead.IncrementBy(uint64(n), "memory")
	return n, nil
}

// readFull reads from r until dst is full or r reports end of file.
func readFull(r io.ReaderAt, dst []byte, offset int64) (int, error) {
	done := 0
	for done < len(dst) {
		n, err := r.ReadAt(dst[done:], offset+int64(done))
		done += n
		if err == io.EOF {
			return done, nil
		}
		if err != nil {
			return done, err
		}
		if n == 0 {
			break
		}
	}
	return done, nil
}
