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

package safecopy

import (
	"bytes"
	"errors"
	"testing"
)

func TestCopyIn(t *testing.T) {
	dst := make([]byte, 8)
	n, err := CopyIn(dst, []byte("abcd"))
	if err != nil || n != 4 {
		t.Fatalf("CopyIn = (%d, %v), want (4, nil)", n, err)
	}
	if !bytes.Equal(dst[:4], []byte("abcd")) {
		t.Errorf("dst = %q", dst)
	}
}

func TestCopyInBounds(t *testing.T) {
	dst := make([]byte, 3)
	n, err := CopyIn(dst, []byte("abcd"))
	var be BoundsError
	if !errors.As(err, &be) {
		t.Fatalf("CopyIn got err %v, want BoundsError", err)
	}
	if n != 0 || be.Want != 4 || be.Have != 3 {
		t.Errorf("CopyIn = (%d, %+v), want (0, {Want:4 Have:3})", n, be)
	}
	if !bytes.Equal(dst, make([]byte, 3)) {
		t.Errorf("destination modified on failed copy: %q", dst)
	}
}

func TestCopyToAligned(t *testing.T) {
	for _, tc := range []struct {
		name    string
		addr    uintptr
		wantErr bool
	}{
		{name: "aligned", addr: 0x2000},
		{name: "unaligned", addr: 0x2008, wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dst := make([]byte, 16)
			_, err := CopyToAligned(dst, tc.addr, []byte{1, 2, 3}, 0x1000)
			var ae AlignmentError
			if got := errors.As(err, &ae); got != tc.wantErr {
				t.Fatalf("CopyToAligned err = %v, want AlignmentError: %t", err, tc.wantErr)
			}
			if tc.wantErr && ae.Addr != tc.addr {
				t.Errorf("AlignmentError.Addr = %#x, want %#x", ae.Addr, tc.addr)
			}
		})
	}
}

func TestZeroOut(t *testing.T) {
	b := []byte{1, 2, 3}
	ZeroOut(b)
	if !bytes.Equal(b, []byte{0, 0, 0}) {
		t.Errorf("ZeroOut left %v", b)
	}
}
