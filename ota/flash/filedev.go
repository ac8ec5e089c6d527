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
	"os"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

// File is a flash part backed by a plain file, used for host-side runs
// against a raw flash image. The file read path carries no hardware decode
// transform, so the decoded view and the normal view coincide.
type File struct {
	f    *os.File
	size uint32
}

// OpenFile opens (or creates, blank-erased) a flash image file of the given
// size.
func OpenFile(path string, size uint32) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Annotatef(err, "opening flash image %s", path)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Trace(err)
	}
	if st.Size() != int64(size) {
		glog.Infof("Initializing %s, %d bytes", path, size)
		blank := make([]byte, SectorSize)
		for i := range blank {
			blank[i] = 0xff
		}
		if err = f.Truncate(0); err == nil {
			for off := int64(0); off < int64(size) && err == nil; off += SectorSize {
				_, err = f.WriteAt(blank, off)
			}
		}
		if err != nil {
			f.Close()
			return nil, errors.Annotatef(err, "initializing flash image %s", path)
		}
	}
	return &File{f: f, size: size}, nil
}

func (d *File) Close() error {
	return d.f.Close()
}

func (d *File) Size() uint32 {
	return d.size
}

func (d *File) EraseSector(addr uint32) error {
	if addr%SectorSize != 0 {
		return errors.Errorf("erase address 0x%x is not sector-aligned", addr)
	}
	if err := checkRange(d, addr, SectorSize); err != nil {
		return errors.Trace(err)
	}
	glog.V(2).Infof("erase sector @ 0x%x", addr)
	blank := make([]byte, SectorSize)
	for i := range blank {
		blank[i] = 0xff
	}
	_, err := d.f.WriteAt(blank, int64(addr))
	return errors.Trace(err)
}

func (d *File) Write(addr uint32, p []byte) error {
	if err := checkRange(d, addr, len(p)); err != nil {
		return errors.Trace(err)
	}
	_, err := d.f.WriteAt(p, int64(addr))
	return errors.Trace(err)
}

func (d *File) Read(addr uint32, p []byte) error {
	if err := checkRange(d, addr, len(p)); err != nil {
		return errors.Trace(err)
	}
	_, err := d.f.ReadAt(p, int64(addr))
	return errors.Trace(err)
}

func (d *File) WithDecodedView(addr, length uint32, fn func(r io.ReaderAt) error) error {
	if err := checkRange(d, addr, int(length)); err != nil {
		return errors.Trace(err)
	}
	return fn(io.NewSectionReader(d.f, int64(addr), int64(length)))
}
