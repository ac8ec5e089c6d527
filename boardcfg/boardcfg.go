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

// Package boardcfg holds the board profile: flash geometry, bank layout and
// the optional customer signature. Defaults describe an AmebaZ-style 1 MB
// dual-bank part and can be overridden from a YAML file.
package boardcfg

import (
	"io/ioutil"

	"github.com/golang/glog"
	"github.com/juju/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/amebaz-tools/otau/ota/flash"
)

type Config struct {
	FlashSize        uint32 `yaml:"flash_size"`
	Bank1Addr        uint32 `yaml:"bank1_addr"`
	Bank2DefaultAddr uint32 `yaml:"bank2_default_addr"`
	SysDataAddr      uint32 `yaml:"sys_data_addr"`
	RecoveryAddr     uint32 `yaml:"recovery_addr"`
	BootedBank       int    `yaml:"booted_bank"`
	// CustomSignature, when non-empty, enables the fixed-signature check of
	// new images before checksum verification.
	CustomSignature string `yaml:"custom_signature"`
}

// Default returns the compiled-in board profile.
func Default() *Config {
	return &Config{
		FlashSize:        0x100000,
		Bank1Addr:        0x0b000,
		Bank2DefaultAddr: 0x80000,
		SysDataAddr:      0x09000,
		RecoveryAddr:     0xff000,
		BootedBank:       1,
	}
}

// Load reads a YAML profile over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "reading board profile %s", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, errors.Annotatef(err, "parsing board profile %s", path)
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	glog.V(1).Infof("board profile %s: %+v", path, *c)
	return c, nil
}

func (c *Config) Validate() error {
	for _, a := range []struct {
		name string
		addr uint32
	}{
		{"bank1_addr", c.Bank1Addr},
		{"bank2_default_addr", c.Bank2DefaultAddr},
		{"sys_data_addr", c.SysDataAddr},
		{"recovery_addr", c.RecoveryAddr},
	} {
		if a.addr%flash.SectorSize != 0 {
			return errors.Errorf("%s 0x%x is not sector-aligned", a.name, a.addr)
		}
		if a.addr >= c.FlashSize {
			return errors.Errorf("%s 0x%x is beyond the %d-byte part", a.name, a.addr, c.FlashSize)
		}
	}
	if c.BootedBank != 1 && c.BootedBank != 2 {
		return errors.Errorf("booted_bank must be 1 or 2, not %d", c.BootedBank)
	}
	if c.Bank2DefaultAddr <= c.Bank1Addr {
		return errors.Errorf("bank2_default_addr 0x%x must lie above bank1_addr 0x%x",
			c.Bank2DefaultAddr, c.Bank1Addr)
	}
	return nil
}
