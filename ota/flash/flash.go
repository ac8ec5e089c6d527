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

// Package flash defines the flash device collaborator contract used by the
// OTA update pipeline: sector erase, stream write, read-back and the decoded
// verification view, plus the exclusive-access guard that serializes all
// flash transactions in the process.
package flash

import (
	"io"

	"github.com/juju/errors"
)

// SectorSize is the erase granularity of the part.
const SectorSize = 4096

// Device is a raw dual-bank SPI flash part. Addresses are offsets from the
// start of the part. Implementations are not required to be goroutine safe;
// wrap a shared Device in a Guard.
type Device interface {
	// Size returns the capacity of the part, in bytes.
	Size() uint32
	// EraseSector erases the sector containing addr. addr must be
	// sector-aligned.
	EraseSector(addr uint32) error
	// Write programs len(p) bytes at addr. The covered sectors must have
	// been erased.
	Write(addr uint32, p []byte) error
	// Read reads len(p) bytes at addr through the normal read path, i.e.
	// with the on-the-fly decode transform applied where one is configured.
	Read(addr uint32, p []byte) error
	// WithDecodedView exposes [addr, addr+length) with the decode transform
	// bypassed, so reads return the bytes exactly as they were written.
	// Offset 0 of the ReaderAt corresponds to addr. The view is valid only
	// within fn and is restored on every exit path.
	WithDecodedView(addr, length uint32, fn func(r io.ReaderAt) error) error
}

// NumSectors returns the number of sectors covered by length bytes.
func NumSectors(length uint32) uint32 {
	if length == 0 {
		return 0
	}
	return (length-1)/SectorSize + 1
}

func checkRange(d Device, addr uint32, length int) error {
	if uint64(addr)+uint64(length) > uint64(d.Size()) {
		return errors.Errorf("flash access out of range: 0x%x + %d > 0x%x", addr, length, d.Size())
	}
	return nil
}

// EraseRange erases all sectors covered by [addr, addr+length).
// addr must be sector-aligned. The guard lock is taken per sector, never for
// the whole range.
func EraseRange(g *Guard, addr, length uint32) error {
	if addr%SectorSize != 0 {
		return errors.Errorf("erase address 0x%x is not sector-aligned", addr)
	}
	for i := uint32(0); i < NumSectors(length); i++ {
		if err := g.EraseSector(addr + i*SectorSize); err != nil {
			return errors.Annotatef(err, "erasing sector @ 0x%x", addr+i*SectorSize)
		}
	}
	return nil
}

// ReadWord reads one little-endian 32-bit word at addr.
func ReadWord(d Device, addr uint32) (uint32, error) {
	var b [4]byte
	if err := d.Read(addr, b[:]); err != nil {
		return 0, errors.Trace(err)
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

// WriteWord programs one little-endian 32-bit word at addr.
func WriteWord(d Device, addr, v uint32) error {
	b := []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	return errors.Trace(d.Write(addr, b))
}
