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

// Package transfer drives the download phase of an update: it consumes the
// payload byte stream in whatever chunks the transport delivers, withholds
// the 8-byte signature prefix of the bootable image, and streams everything
// else to its flash address. Flash writes are byte-identical no matter how
// the input is chunked.
package transfer

import (
	"io"
	"sort"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/amebaz-tools/otau/cli/ourutil"
	"github.com/amebaz-tools/otau/ota/flash"
	"github.com/amebaz-tools/otau/ota/header"
)

// ReadSize is the transport read granularity.
const ReadSize = 2048

// ErrShortTransfer reports a stream that ended before the declared image
// length was delivered.
var ErrShortTransfer = errors.New("stream ended before image was complete")

// Entry is one image of the download plan.
type Entry struct {
	ID            string
	FlashAddr     uint32 // first byte written goes here
	Length        uint32 // bytes to write to flash
	StreamOffset  uint32 // offset of the image payload within the stream
	WithSignature bool   // capture the leading 8 bytes instead of writing them
}

type entriesByOffset []Entry

func (ee entriesByOffset) Len() int      { return len(ee) }
func (ee entriesByOffset) Swap(i, j int) { ee[i], ee[j] = ee[j], ee[i] }
func (ee entriesByOffset) Less(i, j int) bool {
	return ee[i].StreamOffset < ee[j].StreamOffset
}

// Plan converts a selected target set into the ordered entry sequence the
// engine processes. The bootable image's signature is withheld: its flash
// writes start 8 bytes into the bank and cover ImgLen-8 bytes.
func Plan(ts *header.TargetSet, targetAddr, recoveryAddr uint32) []Entry {
	ee := []Entry{{
		ID:            ts.Img.ID(),
		FlashAddr:     targetAddr + header.SignatureLen,
		Length:        ts.Img.ImgLen - header.SignatureLen,
		StreamOffset:  ts.Img.Offset,
		WithSignature: true,
	}}
	if ts.Rdp != nil {
		ee = append(ee, Entry{
			ID:           ts.Rdp.ID(),
			FlashAddr:    recoveryAddr,
			Length:       ts.Rdp.ImgLen,
			StreamOffset: ts.Rdp.Offset,
		})
	}
	sort.Sort(entriesByOffset(ee))
	return ee
}

// Result of a completed transfer.
type Result struct {
	Sig     [header.SignatureLen]byte // withheld signature of the bootable image
	Written []uint32                  // bytes written to flash, per plan entry
}

// Engine is the per-attempt transfer state machine.
type Engine struct {
	dev      *flash.Guard
	plan     []Entry
	consumed uint32 // bytes of the combined stream accounted for so far
	cur      int
	sig      [header.SignatureLen]byte
	sigLen   uint32
	written  []uint32

	total      uint32 // flash bytes written, all entries
	planTotal  uint32
	lastReport time.Time
}

// NewEngine prepares a transfer over plan. consumed is the number of stream
// bytes the caller already read (the firmware file header): entry stream
// offsets count from the start of the file, not from the payload.
func NewEngine(dev *flash.Guard, plan []Entry, consumed uint32) *Engine {
	e := &Engine{
		dev:      dev,
		plan:     plan,
		consumed: consumed,
		written:  make([]uint32, len(plan)),
	}
	for _, ent := range plan {
		e.planTotal += ent.Length
	}
	return e
}

func (e *Engine) done() bool {
	return e.cur >= len(e.plan)
}

// feed accounts for one chunk. Any number of seek/signature/entry boundaries
// may fall inside it.
func (e *Engine) feed(p []byte) error {
	for len(p) > 0 && !e.done() {
		ent := &e.plan[e.cur]
		switch {
		case e.consumed < ent.StreamOffset:
			// Seeking: bytes before this entry's payload are discarded.
			skip := ent.StreamOffset - e.consumed
			if skip > uint32(len(p)) {
				skip = uint32(len(p))
			}
			e.consumed += skip
			p = p[skip:]
		case ent.WithSignature && e.sigLen < header.SignatureLen:
			// The signature prefix is buffered, not written, so a power
			// loss mid-transfer can never leave a bootable-looking image.
			take := header.SignatureLen - e.sigLen
			if take > uint32(len(p)) {
				take = uint32(len(p))
			}
			copy(e.sig[e.sigLen:], p[:take])
			e.sigLen += take
			e.consumed += take
			p = p[take:]
		default:
			n := ent.Length - e.written[e.cur]
			if n > uint32(len(p)) {
				n = uint32(len(p))
			}
			if n > 0 {
				if err := e.dev.Write(ent.FlashAddr+e.written[e.cur], p[:n]); err != nil {
					return errors.Annotatef(err, "writing %q @ 0x%x", ent.ID, ent.FlashAddr+e.written[e.cur])
				}
			}
			e.written[e.cur] += n
			e.consumed += n
			e.total += n
			p = p[n:]
		}
		sigDone := !ent.WithSignature || e.sigLen == header.SignatureLen
		if sigDone && e.consumed >= ent.StreamOffset && e.written[e.cur] == ent.Length {
			glog.V(1).Infof("%q complete: %d bytes @ 0x%x", ent.ID, e.written[e.cur], ent.FlashAddr)
			e.cur++
		}
	}
	// Trailing bytes past the last entry are counted and dropped.
	e.consumed += uint32(len(p))
	return nil
}

func (e *Engine) report() {
	if time.Since(e.lastReport) < time.Second {
		return
	}
	e.lastReport = time.Now()
	ourutil.Reportf("Downloaded %d of %d bytes", e.total, e.planTotal)
}

// Run consumes src until every plan entry is complete. A read of zero bytes
// with io.EOF before that point fails with ErrShortTransfer; no further
// flash writes happen after a failure. Covered sectors must have been erased
// by the caller beforehand.
func (e *Engine) Run(src io.Reader) (*Result, error) {
	e.lastReport = time.Now()
	buf := make([]byte, ReadSize)
	for !e.done() {
		n, err := src.Read(buf)
		if n > 0 {
			if ferr := e.feed(buf[:n]); ferr != nil {
				return nil, errors.Trace(ferr)
			}
			e.report()
		}
		if err == io.EOF {
			if !e.done() {
				return nil, errors.Annotatef(ErrShortTransfer,
					"entry %q: %d of %d bytes", e.plan[e.cur].ID, e.written[e.cur], e.plan[e.cur].Length)
			}
			break
		}
		if err != nil {
			return nil, errors.Annotatef(err, "reading payload stream")
		}
	}
	return &Result{Sig: e.sig, Written: e.written}, nil
}
