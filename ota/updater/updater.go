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

// Package updater sequences a whole update attempt: fetch and decode the
// firmware header, resolve the inactive bank, erase, stream the payload,
// verify, and commit or roll back. One attempt may be in flight at a time;
// a request while one is active is a no-op.
package updater

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/amebaz-tools/otau/boardcfg"
	"github.com/amebaz-tools/otau/cli/ourutil"
	"github.com/amebaz-tools/otau/ota/bank"
	"github.com/amebaz-tools/otau/ota/commit"
	"github.com/amebaz-tools/otau/ota/flash"
	"github.com/amebaz-tools/otau/ota/header"
	"github.com/amebaz-tools/otau/ota/httpenv"
	"github.com/amebaz-tools/otau/ota/transfer"
	"github.com/amebaz-tools/otau/ota/verify"
)

// Config wires an Updater to its collaborators.
type Config struct {
	Dev   *flash.Guard
	Board *boardcfg.Config
	// Reset is requested after a successful commit and is expected not to
	// return. nil logs the request instead.
	Reset func()
}

// Updater accepts update requests. Begin* methods return immediately; the
// attempt runs as one background goroutine doing blocking transport reads
// and flash calls, with no internal parallelism.
type Updater struct {
	cfg   Config
	store *bank.Store

	mu      sync.Mutex
	busy    bool
	attempt int
	lastErr error
	wg      sync.WaitGroup
}

func New(cfg Config) *Updater {
	return &Updater{
		cfg:   cfg,
		store: &bank.Store{SysAddr: cfg.Board.SysDataAddr},
	}
}

// BeginLocalUpdate starts an update over the raw-TCP local protocol.
// Returns false (and does nothing) if an attempt is already active.
func (u *Updater) BeginLocalUpdate(host string, port int) bool {
	return u.begin(fmt.Sprintf("local %s:%d", host, port), func() error {
		return u.runLocal(host, port)
	})
}

// BeginHTTPUpdate starts an update fetching the firmware file over an
// HTTP/1.1 GET. Returns false if an attempt is already active.
func (u *Updater) BeginHTTPUpdate(host string, port int, resource string) bool {
	return u.begin(fmt.Sprintf("http %s:%d/%s", host, port, resource), func() error {
		return u.runHTTP(host, port, resource)
	})
}

// Wait blocks until the current attempt, if any, finishes, and returns its
// outcome.
func (u *Updater) Wait() error {
	u.wg.Wait()
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastErr
}

func (u *Updater) begin(name string, run func() error) bool {
	u.mu.Lock()
	if u.busy {
		u.mu.Unlock()
		ourutil.Reportf("Update already in progress, ignoring request (%s)", name)
		return false
	}
	u.busy = true
	u.attempt++
	n := u.attempt
	u.mu.Unlock()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		glog.Infof("update attempt %d starting: %s", n, name)
		err := run()
		u.mu.Lock()
		u.busy = false
		u.lastErr = err
		u.mu.Unlock()
		if err != nil {
			ourutil.Reportf("Update failed: %s", err)
			return
		}
		ourutil.Reportf("Update successful, requesting reboot")
		if u.cfg.Reset != nil {
			u.cfg.Reset()
		} else {
			glog.Infof("no reset hook configured")
		}
	}()
	return true
}

func (u *Updater) runLocal(host string, port int) error {
	conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return errors.Annotatef(err, "connecting to update server")
	}
	defer conn.Close()

	// Legacy preamble: total file checksum, a pad word and the file size.
	// Received for protocol compatibility, not used.
	var fi [12]byte
	if _, err := io.ReadFull(conn, fi[:]); err != nil {
		return errors.Annotatef(err, "reading file info")
	}
	glog.V(1).Infof("file info: checksum 0x%08x, size %d",
		binary.LittleEndian.Uint32(fi[0:4]), binary.LittleEndian.Uint32(fi[8:12]))

	return errors.Trace(u.update(conn))
}

func (u *Updater) runHTTP(host string, port int, resource string) error {
	conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return errors.Annotatef(err, "connecting to update server")
	}
	defer conn.Close()

	req := fmt.Sprintf("GET /%s HTTP/1.1\r\nHost: %s\r\n\r\n", resource, host)
	if _, err := conn.Write([]byte(req)); err != nil {
		return errors.Annotatef(err, "sending request")
	}

	var p httpenv.Parser
	var rest []byte
	buf := make([]byte, transfer.ReadSize)
	for p.Phase() != httpenv.Ready {
		n, err := conn.Read(buf)
		if n == 0 && err != nil {
			return errors.Annotatef(err, "reading response header")
		}
		ph, r, perr := p.Parse(buf[:n])
		if perr != nil {
			return errors.Trace(perr)
		}
		if ph == httpenv.Ready {
			rest = append([]byte(nil), r...)
		}
	}
	if p.BodyLen() == 0 {
		return errors.Errorf("response carries no firmware file")
	}
	glog.V(1).Infof("firmware file is %d bytes", p.BodyLen())

	return errors.Trace(u.update(io.MultiReader(bytes.NewReader(rest), conn)))
}

// update drives one attempt over a stream positioned at the start of the
// firmware file.
func (u *Updater) update(src io.Reader) error {
	booted := bank.Index(u.cfg.Board.BootedBank)
	target := booted.Other()
	ourutil.Reportf("Running from %s, %s will be updated", booted, target)

	// Read the fixed header head first; it sizes the rest.
	hdr := make([]byte, header.FileHeaderLen+8)
	if _, err := io.ReadFull(src, hdr); err != nil {
		return errors.Annotatef(err, "reading firmware file header")
	}
	total, err := header.PeekTotalLen(hdr)
	if err != nil {
		return errors.Trace(err)
	}
	full := make([]byte, total)
	copy(full, hdr)
	if _, err := io.ReadFull(src, full[len(hdr):]); err != nil {
		return errors.Annotatef(err, "reading firmware file header")
	}

	ts, err := header.Decode(full, target.ImgID())
	if err != nil {
		return errors.Trace(err)
	}

	res := &bank.Resolver{
		Dev:              u.cfg.Dev,
		Store:            u.store,
		Bank1Addr:        u.cfg.Board.Bank1Addr,
		Bank2DefaultAddr: u.cfg.Board.Bank2DefaultAddr,
		Booted:           booted,
	}
	addr, err := res.ResolveTargetAddr(target, ts.Img.ImgLen)
	if err != nil {
		return errors.Trace(err)
	}
	if addr != ts.Img.FlashAddr {
		return errors.Annotatef(bank.ErrBadAddress,
			"image built for 0x%x, target bank is 0x%x", ts.Img.FlashAddr, addr)
	}
	ourutil.Reportf("New image: %d bytes @ 0x%x", ts.Img.ImgLen, addr)

	if err := flash.EraseRange(u.cfg.Dev, addr, ts.Img.ImgLen); err != nil {
		return errors.Trace(err)
	}
	if ts.Rdp != nil {
		if err := flash.EraseRange(u.cfg.Dev, u.cfg.Board.RecoveryAddr, ts.Rdp.ImgLen); err != nil {
			return errors.Trace(err)
		}
	}

	plan := transfer.Plan(ts, addr, u.cfg.Board.RecoveryAddr)
	eng := transfer.NewEngine(u.cfg.Dev, plan, total)
	tr, err := eng.Run(src)
	if err != nil {
		return errors.Trace(err)
	}

	if err := u.verifyAll(ts, addr, tr.Sig[:]); err != nil {
		// Make sure the unverified image can never boot.
		if rerr := commit.Rollback(u.cfg.Dev, addr); rerr != nil {
			glog.Errorf("rollback failed: %v", rerr)
		}
		return errors.Trace(err)
	}

	return errors.Trace(commit.Commit(u.cfg.Dev, u.store, addr, tr.Sig[:], target))
}

func (u *Updater) verifyAll(ts *header.TargetSet, addr uint32, sig []byte) error {
	if cs := u.cfg.Board.CustomSignature; cs != "" {
		if err := verify.CustomSignature(u.cfg.Dev, addr+header.ImageHeaderLen, cs); err != nil {
			return errors.Trace(err)
		}
	}
	if err := verify.Checksum(u.cfg.Dev, addr+header.SignatureLen,
		ts.Img.ImgLen-header.SignatureLen, sig, ts.Img.Checksum); err != nil {
		return errors.Trace(err)
	}
	if ts.Rdp != nil {
		if err := verify.Checksum(u.cfg.Dev, u.cfg.Board.RecoveryAddr,
			ts.Rdp.ImgLen, nil, ts.Rdp.Checksum); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
