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

// Package httpenv incrementally parses an HTTP/1.1 response envelope read
// off a raw socket in arbitrary chunks: status line, Content-Length, and the
// blank-line terminator that locates the body start. It deliberately avoids
// net/http, which buffers past the header and would swallow body bytes.
package httpenv

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

// Phase of the envelope parse.
type Phase int

const (
	AwaitingStatus Phase = iota
	AwaitingContentLength
	AwaitingHeaderEnd
	Ready
)

// carryLen is the trailing window retained between Parse calls so that a
// header line or the CRLFCRLF terminator split across reads is re-exposed.
// It bounds the header lines we can match across a split; a Content-Length
// line is at most "Content-Length: " plus ten digits, well under this.
const carryLen = 32

var (
	ErrMalformedStatusLine = errors.New("malformed HTTP status line")
	ErrNoContentLength     = errors.New("no Content-Length in response header")
)

// StatusError reports a non-200 response.
type StatusError int

func (e StatusError) Error() string {
	return fmt.Sprintf("HTTP status %d", int(e))
}

// Parser consumes response bytes chunk by chunk. After the phase reaches
// Ready, HeaderLen and BodyLen are valid and no further Parse calls are
// expected.
type Parser struct {
	phase      Phase
	carry      []byte
	seen       uint32 // total bytes consumed, carry excluded
	scanPos    uint32 // stream offset just past the last complete header line
	statusCode int
	bodyLen    uint32
	headerLen  uint32
	gotBodyLen bool
}

func (p *Parser) Phase() Phase      { return p.phase }
func (p *Parser) StatusCode() int   { return p.statusCode }
func (p *Parser) BodyLen() uint32   { return p.bodyLen }
func (p *Parser) HeaderLen() uint32 { return p.headerLen }

// Parse consumes the next chunk. When the returned phase is Ready, rest
// holds the suffix of this chunk that already belongs to the body.
func (p *Parser) Parse(chunk []byte) (Phase, []byte, error) {
	if p.phase == Ready {
		return Ready, chunk, nil
	}
	work := append(append([]byte(nil), p.carry...), chunk...)
	base := p.seen - uint32(len(p.carry)) // stream offset of work[0]

	if p.phase == AwaitingStatus {
		if err := p.parseStatus(work); err != nil {
			return p.phase, nil, errors.Trace(err)
		}
	}
	if p.phase == AwaitingContentLength || p.phase == AwaitingHeaderEnd {
		if err := p.scanHeader(work, base); err != nil {
			return p.phase, nil, errors.Trace(err)
		}
	}

	p.seen += uint32(len(chunk))
	if p.phase == Ready {
		glog.V(1).Infof("response envelope: status %d, header %d bytes, body %d bytes",
			p.statusCode, p.headerLen, p.bodyLen)
		// Bytes of this chunk past the header end belong to the body.
		if p.seen > p.headerLen {
			body := p.seen - p.headerLen
			if body > uint32(len(chunk)) {
				body = uint32(len(chunk))
			}
			return Ready, chunk[uint32(len(chunk))-body:], nil
		}
		return Ready, nil, nil
	}

	if len(work) > carryLen {
		work = work[len(work)-carryLen:]
	}
	p.carry = work
	return p.phase, nil, nil
}

// parseStatus locates the first two spaces of the status line and requires
// exactly three digits between them.
func (p *Parser) parseStatus(work []byte) error {
	first := bytes.IndexByte(work, ' ')
	if first < 0 {
		if len(work) >= carryLen {
			return errors.Trace(ErrMalformedStatusLine)
		}
		return nil // need more bytes
	}
	second := bytes.IndexByte(work[first+1:], ' ')
	if second < 0 {
		if len(work)-first >= 8 {
			return errors.Trace(ErrMalformedStatusLine)
		}
		return nil
	}
	code := work[first+1 : first+1+second]
	if len(code) != 3 {
		return errors.Annotatef(ErrMalformedStatusLine, "status %q", code)
	}
	n, err := strconv.Atoi(string(code))
	if err != nil {
		return errors.Annotatef(ErrMalformedStatusLine, "status %q", code)
	}
	p.statusCode = n
	if n != 200 {
		return errors.Trace(StatusError(n))
	}
	p.phase = AwaitingContentLength
	return nil
}

// scanHeader walks CRLF-delimited lines looking for Content-Length and for
// the CRLFCRLF terminator. Scanning resumes at scanPos so bytes re-exposed
// by the carryover window are never treated as a fresh line boundary. When
// the current line started before the carryover window (a line longer than
// carryLen), its remainder is skipped; such a line cannot be the blank
// terminator and cannot be a plausible Content-Length line either.
func (p *Parser) scanHeader(work []byte, base uint32) error {
	pos := 0
	midLine := false
	if p.scanPos >= base {
		pos = int(p.scanPos - base)
	} else {
		midLine = true
	}
	for pos < len(work) {
		i := bytes.Index(work[pos:], []byte("\r\n"))
		if i < 0 {
			return nil
		}
		line := work[pos : pos+i]
		pos += i + 2
		p.scanPos = base + uint32(pos)
		if midLine {
			midLine = false
			continue
		}
		if len(line) == 0 {
			// Blank line: header terminator.
			p.headerLen = p.scanPos
			if !p.gotBodyLen {
				return errors.Trace(ErrNoContentLength)
			}
			p.phase = Ready
			return nil
		}
		if !p.gotBodyLen {
			if v, ok := contentLength(line); ok {
				p.bodyLen = v
				p.gotBodyLen = true
				if p.phase == AwaitingContentLength {
					p.phase = AwaitingHeaderEnd
				}
			}
		}
	}
	return nil
}

func contentLength(line []byte) (uint32, bool) {
	const name = "content-length"
	if len(line) <= len(name) || !bytes.EqualFold(line[:len(name)], []byte(name)) {
		return 0, false
	}
	v := line[len(name):]
	for len(v) > 0 && (v[0] == ':' || v[0] == ' ') {
		v = v[1:]
	}
	v = bytes.TrimRight(v, " ")
	n, err := strconv.ParseUint(string(v), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
