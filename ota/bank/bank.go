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

// Package bank tracks the two bootable flash banks: which one is running,
// where the other one lives, and the persisted words the bootloader reads.
package bank

import (
	"io"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/amebaz-tools/otau/ota/flash"
	"github.com/amebaz-tools/otau/ota/header"
)

// Index identifies one of the two banks.
type Index int

const (
	Bank1 Index = 1
	Bank2 Index = 2
)

// Sentinel value of an unprogrammed flash word.
const Unset = 0xffffffff

// ErrBadAddress reports a misaligned or overlapping target bank address.
var ErrBadAddress = errors.New("bad target bank address")

func (i Index) Other() Index {
	if i == Bank1 {
		return Bank2
	}
	return Bank1
}

// ImgID returns the firmware-file record identifier for the bank.
func (i Index) ImgID() string {
	if i == Bank1 {
		return "OTA1"
	}
	return "OTA2"
}

func (i Index) String() string {
	if i == Bank1 {
		return "bank1"
	}
	return "bank2"
}

// Store reads and writes the reserved system-data words: the bank2 base
// address at SysAddr and the active bank index at SysAddr+4. Both live in
// one sector, so updating either re-erases the sector and rewrites both.
type Store struct {
	SysAddr uint32
}

// Bank2Addr returns the persisted bank2 base, Unset if not programmed.
func (s *Store) Bank2Addr(d flash.Device) (uint32, error) {
	v, err := flash.ReadWord(d, s.SysAddr)
	return v, errors.Trace(err)
}

// ActiveIndex returns the persisted active bank index. An unprogrammed word
// means bank1, the factory image.
func (s *Store) ActiveIndex(d flash.Device) (Index, error) {
	v, err := flash.ReadWord(d, s.SysAddr+4)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if v == uint32(Bank2) {
		return Bank2, nil
	}
	return Bank1, nil
}

func (s *Store) rewrite(d flash.Device, b2, idx uint32) error {
	if err := d.EraseSector(s.SysAddr - s.SysAddr%flash.SectorSize); err != nil {
		return errors.Trace(err)
	}
	if err := flash.WriteWord(d, s.SysAddr, b2); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(flash.WriteWord(d, s.SysAddr+4, idx))
}

// SetBank2Addr persists a new bank2 base address.
func (s *Store) SetBank2Addr(d flash.Device, addr uint32) error {
	cur, err := s.Bank2Addr(d)
	if err != nil {
		return errors.Trace(err)
	}
	if cur == addr {
		return nil
	}
	idx, err := flash.ReadWord(d, s.SysAddr+4)
	if err != nil {
		return errors.Trace(err)
	}
	glog.Infof("bank2 base 0x%x -> 0x%x", cur, addr)
	return errors.Trace(s.rewrite(d, addr, idx))
}

// SetActiveIndex persists the bank the bootloader should boot next.
func (s *Store) SetActiveIndex(d flash.Device, idx Index) error {
	cur, err := flash.ReadWord(d, s.SysAddr+4)
	if err != nil {
		return errors.Trace(err)
	}
	if cur == uint32(idx) {
		return nil
	}
	b2, err := s.Bank2Addr(d)
	if err != nil {
		return errors.Trace(err)
	}
	glog.Infof("active bank index -> %d", idx)
	return errors.Trace(s.rewrite(d, b2, uint32(idx)))
}

// Resolver computes and validates the flash address of the inactive bank.
type Resolver struct {
	Dev              *flash.Guard
	Store            *Store
	Bank1Addr        uint32
	Bank2DefaultAddr uint32
	Booted           Index
}

// Target is the bank an update goes to: always the one not running.
func (r *Resolver) Target() Index {
	return r.Booted.Other()
}

// bank2Addr returns the persisted bank2 base, programming the compiled-in
// default first if the word is unset.
func (r *Resolver) bank2Addr() (uint32, error) {
	a, err := r.Store.Bank2Addr(r.Dev)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if a == Unset {
		if err := r.Store.SetBank2Addr(r.Dev, r.Bank2DefaultAddr); err != nil {
			return 0, errors.Annotatef(err, "programming default bank2 base")
		}
		a = r.Bank2DefaultAddr
	}
	return a, nil
}

// bank1ImageEnd reads bank1's on-flash header and returns the end of the
// region occupied by its image, header included.
func (r *Resolver) bank1ImageEnd() (uint32, error) {
	var imgSize uint32
	err := r.Dev.WithDecodedView(r.Bank1Addr, header.ImageHeaderLen, func(rd io.ReaderAt) error {
		var b [4]byte
		// image_size lives at offset 8 of the on-flash image header,
		// after the 8-byte signature.
		if _, err := rd.ReadAt(b[:], header.SignatureLen); err != nil {
			return errors.Trace(err)
		}
		imgSize = uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
		return nil
	})
	if err != nil {
		return 0, errors.Trace(err)
	}
	if imgSize == Unset {
		return 0, errors.Annotatef(ErrBadAddress, "bank1 on-flash header is blank")
	}
	return r.Bank1Addr + imgSize + header.ImageHeaderLen, nil
}

// ResolveTargetAddr validates and returns the flash address for a new image
// of imgLen bytes going into the target bank.
func (r *Resolver) ResolveTargetAddr(target Index, imgLen uint32) (uint32, error) {
	b2, err := r.bank2Addr()
	if err != nil {
		return 0, errors.Trace(err)
	}
	if target == Bank2 {
		if b2%flash.SectorSize != 0 {
			return 0, errors.Annotatef(ErrBadAddress, "bank2 base 0x%x not %d-aligned", b2, flash.SectorSize)
		}
		end, err := r.bank1ImageEnd()
		if err != nil {
			return 0, errors.Trace(err)
		}
		if b2 >= r.Bank1Addr && b2 < end {
			return 0, errors.Annotatef(ErrBadAddress, "bank2 base 0x%x inside bank1 image [0x%x, 0x%x)",
				b2, r.Bank1Addr, end)
		}
		if b2 == Unset {
			return 0, errors.Annotatef(ErrBadAddress, "bank2 base not programmed")
		}
		return b2, nil
	}
	// Bank1 is fixed; the new image must not run into bank2.
	if imgLen > b2-r.Bank1Addr {
		return 0, errors.Annotatef(ErrBadAddress, "image of %d bytes would cross bank2 @ 0x%x", imgLen, b2)
	}
	return r.Bank1Addr, nil
}
