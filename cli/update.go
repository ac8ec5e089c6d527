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
package main

import (
	"strconv"

	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/amebaz-tools/otau/boardcfg"
	"github.com/amebaz-tools/otau/cli/ourutil"
	"github.com/amebaz-tools/otau/ota/bank"
	"github.com/amebaz-tools/otau/ota/flash"
	"github.com/amebaz-tools/otau/ota/trigger"
	"github.com/amebaz-tools/otau/ota/updater"
)

type env struct {
	board *boardcfg.Config
	dev   *flash.Guard
	file  *flash.File
	u     *updater.Updater
}

func openEnv() (*env, error) {
	board := boardcfg.Default()
	if *configFile != "" {
		var err error
		board, err = boardcfg.Load(*configFile)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}
	if *bootedBank != 0 {
		board.BootedBank = *bootedBank
		if err := board.Validate(); err != nil {
			return nil, errors.Trace(err)
		}
	}
	f, err := flash.OpenFile(*flashImage, board.FlashSize)
	if err != nil {
		return nil, errors.Annotatef(err, "opening flash image %s", *flashImage)
	}
	dev := flash.NewGuard(f)
	u := updater.New(updater.Config{
		Dev:   dev,
		Board: board,
		Reset: func() {
			ourutil.Reportf("Reboot requested; on hardware the bootloader takes over here")
		},
	})
	return &env{board: board, dev: dev, file: f, u: u}, nil
}

func (e *env) close() {
	e.file.Close()
}

func hostPortArgs(from int) (string, int, error) {
	if flag.NArg() < from+2 {
		return "", 0, errors.Errorf("host and port are required")
	}
	port, err := strconv.Atoi(flag.Arg(from + 1))
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, errors.Errorf("invalid port %q", flag.Arg(from+1))
	}
	return flag.Arg(from), port, nil
}

func localUpdate() error {
	host, port, err := hostPortArgs(1)
	if err != nil {
		return errors.Trace(err)
	}
	e, err := openEnv()
	if err != nil {
		return errors.Trace(err)
	}
	defer e.close()
	e.u.BeginLocalUpdate(host, port)
	return errors.Trace(e.u.Wait())
}

func httpUpdate() error {
	host, port, err := hostPortArgs(1)
	if err != nil {
		return errors.Trace(err)
	}
	if flag.NArg() < 4 {
		return errors.Errorf("resource name is required")
	}
	e, err := openEnv()
	if err != nil {
		return errors.Trace(err)
	}
	defer e.close()
	e.u.BeginHTTPUpdate(host, port, flag.Arg(3))
	return errors.Trace(e.u.Wait())
}

func bootBank() error {
	if flag.NArg() < 2 {
		return errors.Errorf("bank number (1 or 2) is required")
	}
	n, err := strconv.Atoi(flag.Arg(1))
	if err != nil || (n != 1 && n != 2) {
		return errors.Errorf("invalid bank %q", flag.Arg(1))
	}
	e, err := openEnv()
	if err != nil {
		return errors.Trace(err)
	}
	defer e.close()
	st := &bank.Store{SysAddr: e.board.SysDataAddr}
	if err := st.SetActiveIndex(e.dev, bank.Index(n)); err != nil {
		return errors.Trace(err)
	}
	ourutil.Reportf("Active bank set to %d", n)
	return nil
}

func show() error {
	e, err := openEnv()
	if err != nil {
		return errors.Trace(err)
	}
	defer e.close()
	st := &bank.Store{SysAddr: e.board.SysDataAddr}
	b2, err := st.Bank2Addr(e.dev)
	if err != nil {
		return errors.Trace(err)
	}
	idx, err := st.ActiveIndex(e.dev)
	if err != nil {
		return errors.Trace(err)
	}
	ourutil.Reportf("System data @ 0x%x:", e.board.SysDataAddr)
	if b2 == bank.Unset {
		ourutil.Reportf("  bank 2 base: unset (default 0x%x)", e.board.Bank2DefaultAddr)
	} else {
		ourutil.Reportf("  bank 2 base: 0x%x", b2)
	}
	ourutil.Reportf("  active bank: %s", idx)
	return nil
}

func listen() error {
	if flag.NArg() < 3 {
		return errors.Errorf("broker URL and topic are required")
	}
	e, err := openEnv()
	if err != nil {
		return errors.Trace(err)
	}
	defer e.close()
	m, err := trigger.ListenMQTT(flag.Arg(1), flag.Arg(2), e.u)
	if err != nil {
		return errors.Trace(err)
	}
	defer m.Close()
	select {} // run until killed
}
