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

package blockdev

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
	"gvisor.dev/rvboot/pkg/log"
)

const (
	// lockFilename is the per-device lock file. Readers hold it shared and
	// writers hold it exclusive.
	lockFilename = ".lock"

	lockRetryDelay = 10 * time.Millisecond
)

// HostDevice is a Reader backed by a host directory laid out as
// <dir>/<dev>/<ino>.
type HostDevice struct {
	dir string
}

// NewHostDevice returns a HostDevice rooted at dir, which must exist.
func NewHostDevice(dir string) (*HostDevice, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("opening host device: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("host device %q is not a directory", dir)
	}
	return &HostDevice{dir: dir}, nil
}

// Dir returns the host directory backing d.
func (d *HostDevice) Dir() string {
	return d.dir
}

func (d *HostDevice) devDir(dev uint32) string {
	return filepath.Join(d.dir, strconv.FormatUint(uint64(dev), 10))
}

func (d *HostDevice) path(dev, ino uint32) string {
	return filepath.Join(d.devDir(dev), strconv.FormatUint(uint64(ino), 10))
}

// lock takes the device lock, shared or exclusive, and returns a function
// releasing it.
func (d *HostDevice) lock(ctx context.Context, dev uint32, shared bool) (func() error, error) {
	f := filepath.Join(d.devDir(dev), lockFilename)
	l := flock.New(f)
	var (
		ok  bool
		err error
	)
	if shared {
		ok, err = l.TryRLockContext(ctx, lockRetryDelay)
	} else {
		ok, err = l.TryLockContext(ctx, lockRetryDelay)
	}
	if err != nil {
		return nil, fmt.Errorf("error acquiring lock on device lock file %q: %w", f, err)
	}
	if !ok {
		return nil, fmt.Errorf("lock on device lock file %q not acquired", f)
	}
	return l.Unlock, nil
}

// Read implements Reader.Read.
func (d *HostDevice) Read(ctx context.Context, dev, ino uint32, dst []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, ErrBadOffset
	}
	p := d.path(dev, ino)
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("host device %v: %w", key{dev, ino}, ErrNotFound)
		}
		return 0, err
	}
	unlock, err := d.lock(ctx, dev, true /* shared */)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := unlock(); err != nil {
			log.Warningf("Unlocking device %d: %v", dev, err)
		}
	}()

	fd, err := unix.Open(p, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		if err == unix.ENOENT {
			return 0, fmt.Errorf("host device %v: %w", key{dev, ino}, ErrNotFound)
		}
		return 0, fmt.Errorf("opening %q: %w", p, err)
	}
	defer unix.Close(fd)

	n, err := readFull(hostFD(fd), dst, offset)
	bytesRead.IncrementBy(uint64(n), "host")
	if err != nil {
		return n, fmt.Errorf("reading %q: %w", p, err)
	}
	log.Debugf("Read %d bytes from %v at offset %d", n, key{dev, ino}, offset)
	return n, nil
}

// Write replaces the contents of inode ino on device dev with data. The new
// contents become visible to readers atomically.
func (d *HostDevice) Write(ctx context.Context, dev, ino uint32, data []byte) error {
	if err := os.MkdirAll(d.devDir(dev), 0755); err != nil {
		return fmt.Errorf("creating device directory: %w", err)
	}
	unlock, err := d.lock(ctx, dev, false /* shared */)
	if err != nil {
		return err
	}
	defer func() {
		if err := unlock(); err != nil {
			log.Warningf("Unlocking device %d: %v", dev, err)
		}
	}()

	p := d.path(dev, ino)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming %q: %w", tmp, err)
	}
	return nil
}

// hostFD implements io.ReaderAt for a host file descriptor.
type hostFD int

// ReadAt implements io.ReaderAt.ReadAt. It returns (0, nil) at end of file.
func (fd hostFD) ReadAt(dst []byte, offset int64) (int, error) {
	for {
		n, err := unix.Pread(int(fd), dst, offset)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}
