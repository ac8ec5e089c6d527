//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
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
//

// Package verify proves the integrity of a freshly written flash region by
// reading it back through the decoded view and recomputing the additive
// checksum the firmware file declares. The sum is a legacy integrity check,
// not a security boundary.
package verify

import (
	"bytes"
	"io"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/amebaz-tools/otau/ota/flash"
)

// readChunk is the window size for flash read-back.
const readChunk = 2048

// CustomSigLen is the size of the fixed customer-signature field in the
// image body.
const CustomSigLen = 32

var (
	ErrChecksumMismatch  = errors.New("image checksum mismatch")
	ErrSignatureMismatch = errors.New("custom signature mismatch")
)

// Checksum reads back length bytes at addr through the decoded view,
// accumulates the unsigned 32-bit byte sum together with the withheld
// signature bytes, and compares it against the declared value. The decoded
// view is restored on every exit path.
func Checksum(dev *flash.Guard, addr, length uint32, sig []byte, declared uint32) error {
	var sum uint32
	err := dev.WithDecodedView(addr, length, func(r io.ReaderAt) error {
		buf := make([]byte, readChunk)
		for off := uint32(0); off < length; off += readChunk {
			n := length - off
			if n > readChunk {
				n = readChunk
			}
			if _, err := r.ReadAt(buf[:n], int64(off)); err != nil {
				return errors.Annotatef(err, "read-back @ 0x%x", addr+off)
			}
			for _, b := range buf[:n] {
				sum += uint32(b)
			}
		}
		return nil
	})
	if err != nil {
		return errors.Trace(err)
	}
	for _, b := range sig {
		sum += uint32(b)
	}
	if sum != declared {
		return errors.Annotatef(ErrChecksumMismatch,
			"%d bytes @ 0x%x: computed 0x%08x, declared 0x%08x", length, addr, sum, declared)
	}
	glog.V(1).Infof("checksum ok: %d bytes @ 0x%x, 0x%08x", length, addr, sum)
	return nil
}

// CustomSignature reads the fixed 32-byte customer-signature field at
// sigAddr through the normal (decoding) read path and requires a byte-exact
// match with want, NUL-padded to the field size.
func CustomSignature(dev *flash.Guard, sigAddr uint32, want string) error {
	if len(want) > CustomSigLen {
		return errors.Errorf("configured custom signature longer than %d bytes", CustomSigLen)
	}
	got := make([]byte, CustomSigLen)
	if err := dev.Read(sigAddr, got); err != nil {
		return errors.Trace(err)
	}
	exp := make([]byte, CustomSigLen)
	copy(exp, want)
	if !bytes.Equal(got, exp) {
		return errors.Annotatef(ErrSignatureMismatch, "@ 0x%x: %q", sigAddr, got)
	}
	return nil
}
