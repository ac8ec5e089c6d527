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

// Package header decodes the firmware file header: a fixed 8-byte file
// header followed by a run of fixed-size per-image records. Only the
// multi-image wire layout is supported; all fields are little-endian.
package header

import (
	"bytes"
	"encoding/binary"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

const (
	// FileHeaderLen is the size of the leading FileHeader on the wire.
	FileHeaderLen = 8
	// RecordLen is the wire size of one ImageHeader record.
	RecordLen = 24
	// SignatureLen is the length of the withheld signature prefix of a
	// bootable image.
	SignatureLen = 8
	// ImageHeaderLen is the size of the on-flash image header that precedes
	// the image body in each bank.
	ImageHeaderLen = 32

	// recoveryPrefix marks the optional recovery/secondary image record.
	recoveryPrefix = "RDP"
)

var (
	ErrTooShort        = errors.New("firmware file header too short")
	ErrNoMatchingImage = errors.New("no matching image in firmware file")
)

// FileHeader is the leading header of a firmware file.
type FileHeader struct {
	FwVer  uint32
	HdrNum uint32
}

// ImageHeader is one per-image record of a firmware file.
type ImageHeader struct {
	ImgID     [4]byte
	HdrLen    uint32 // size of this record on the wire
	ImgLen    uint32 // image length; includes the signature prefix for bootable images
	FlashAddr uint32 // flash address the image was built for
	Offset    uint32 // byte offset of the image payload within the stream
	Checksum  uint32 // additive byte sum of the image, mod 2^32
}

// ID returns the record identifier with trailing NULs stripped.
func (h *ImageHeader) ID() string {
	return string(bytes.TrimRight(h.ImgID[:], "\x00"))
}

// TargetSet is the outcome of header selection: the record matching the
// requested image ID, plus the recovery record when the file carries one.
type TargetSet struct {
	File FileHeader
	Img  ImageHeader
	Rdp  *ImageHeader
}

func decodeRecord(b []byte) ImageHeader {
	var h ImageHeader
	copy(h.ImgID[:], b[0:4])
	h.HdrLen = binary.LittleEndian.Uint32(b[4:8])
	h.ImgLen = binary.LittleEndian.Uint32(b[8:12])
	h.FlashAddr = binary.LittleEndian.Uint32(b[12:16])
	h.Offset = binary.LittleEndian.Uint32(b[16:20])
	h.Checksum = binary.LittleEndian.Uint32(b[20:24])
	return h
}

// PeekTotalLen computes the full header length from its first 16 bytes
// (file header plus the head of the first record), so the caller knows how
// much more to read before Decode.
func PeekTotalLen(b []byte) (uint32, error) {
	if len(b) < FileHeaderLen+8 {
		return 0, errors.Trace(ErrTooShort)
	}
	hdrNum := binary.LittleEndian.Uint32(b[4:8])
	recLen := binary.LittleEndian.Uint32(b[12:16])
	if recLen < RecordLen || recLen > 1024 {
		return 0, errors.Errorf("implausible record length %d", recLen)
	}
	if hdrNum == 0 || hdrNum > 16 {
		return 0, errors.Errorf("implausible image record count %d", hdrNum)
	}
	return FileHeaderLen + hdrNum*recLen, nil
}

// Decode parses the complete header buffer and selects the record whose ID
// equals imgID (first match wins) plus the recovery record, if any.
func Decode(buf []byte, imgID string) (*TargetSet, error) {
	if len(buf) < FileHeaderLen+RecordLen {
		return nil, errors.Annotatef(ErrTooShort, "%d bytes", len(buf))
	}
	ts := &TargetSet{}
	ts.File.FwVer = binary.LittleEndian.Uint32(buf[0:4])
	ts.File.HdrNum = binary.LittleEndian.Uint32(buf[4:8])

	recLen := binary.LittleEndian.Uint32(buf[FileHeaderLen+4 : FileHeaderLen+8])
	if recLen < RecordLen {
		return nil, errors.Errorf("record length %d below wire minimum %d", recLen, RecordLen)
	}
	if uint64(len(buf)) < uint64(FileHeaderLen)+uint64(ts.File.HdrNum)*uint64(recLen) {
		return nil, errors.Annotatef(ErrTooShort, "%d records of %d bytes vs %d byte buffer",
			ts.File.HdrNum, recLen, len(buf))
	}

	found := false
	for i := uint32(0); i < ts.File.HdrNum; i++ {
		rec := decodeRecord(buf[FileHeaderLen+i*recLen:])
		switch {
		case !found && rec.ID() == imgID:
			found = true
			ts.Img = rec
		case ts.Rdp == nil && string(rec.ImgID[:len(recoveryPrefix)]) == recoveryPrefix:
			glog.V(1).Infof("firmware file carries a recovery image, %d bytes @ offset %d",
				rec.ImgLen, rec.Offset)
			rdp := rec
			ts.Rdp = &rdp
		}
	}
	if !found {
		return nil, errors.Annotatef(ErrNoMatchingImage, "%q", imgID)
	}
	if ts.Img.ImgLen < SignatureLen {
		return nil, errors.Errorf("image %q is shorter than its signature: %d bytes", imgID, ts.Img.ImgLen)
	}
	return ts, nil
}
