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

package flash

import (
	"io"

	"github.com/juju/errors"
)

// Region is a byte range of the part.
type Region struct {
	Addr, Len uint32
}

func (r Region) contains(addr uint32) bool {
	return addr >= r.Addr && addr < r.Addr+r.Len
}

// Mem is an in-memory flash part. The stored bytes are the bytes as written;
// Read applies an XOR decode over the configured regions, emulating the
// hardware on-the-fly decryption of executable banks. A zero key makes the
// decode path an identity transform.
type Mem struct {
	data    []byte
	key     byte
	decoded []Region
}

func NewMem(size uint32) *Mem {
	m := &Mem{data: make([]byte, size)}
	for i := range m.data {
		m.data[i] = 0xff
	}
	return m
}

// SetDecode configures the decode transform: reads within the given regions
// go through XOR with key unless the decoded view is engaged.
func (m *Mem) SetDecode(key byte, regions ...Region) {
	m.key = key
	m.decoded = regions
}

func (m *Mem) Size() uint32 {
	return uint32(len(m.data))
}

func (m *Mem) EraseSector(addr uint32) error {
	if addr%SectorSize != 0 {
		return errors.Errorf("erase address 0x%x is not sector-aligned", addr)
	}
	if err := checkRange(m, addr, SectorSize); err != nil {
		return errors.Trace(err)
	}
	for i := uint32(0); i < SectorSize; i++ {
		m.data[addr+i] = 0xff
	}
	return nil
}

func (m *Mem) Write(addr uint32, p []byte) error {
	if err := checkRange(m, addr, len(p)); err != nil {
		return errors.Trace(err)
	}
	copy(m.data[addr:], p)
	return nil
}

func (m *Mem) Read(addr uint32, p []byte) error {
	if err := checkRange(m, addr, len(p)); err != nil {
		return errors.Trace(err)
	}
	for i := range p {
		a := addr + uint32(i)
		p[i] = m.data[a]
		if m.key != 0 {
			for _, r := range m.decoded {
				if r.contains(a) {
					p[i] ^= m.key
					break
				}
			}
		}
	}
	return nil
}

type memView struct {
	m    *Mem
	base uint32
	len  uint32
}

func (v *memView) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off)+uint64(len(p)) > uint64(v.len) {
		return 0, errors.Errorf("decoded view read out of range: %d + %d > %d", off, len(p), v.len)
	}
	copy(p, v.m.data[v.base+uint32(off):])
	return len(p), nil
}

func (m *Mem) WithDecodedView(addr, length uint32, fn func(r io.ReaderAt) error) error {
	if err := checkRange(m, addr, int(length)); err != nil {
		return errors.Trace(err)
	}
	return fn(&memView{m: m, base: addr, len: length})
}

// Bytes returns the raw stored contents of [addr, addr+length), for tests.
func (m *Mem) Bytes(addr, length uint32) []byte {
	out := make([]byte, length)
	copy(out, m.data[addr:addr+length])
	return out
}
