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
	goflag "flag"
	"fmt"
	"os"
	"sort"

	"github.com/golang/glog"
	flag "github.com/spf13/pflag"

	"github.com/amebaz-tools/otau/common/pflagenv"
	"github.com/amebaz-tools/otau/version"
)

const envPrefix = "OTAU_"

// glog flags, folded in via AddGoFlagSet but kept out of the default help.
var hiddenFlags = []string{
	"alsologtostderr",
	"log_backtrace_at",
	"log_dir",
	"logtostderr",
	"stderrthreshold",
	"v",
	"vmodule",
}

var (
	configFile = flag.String("config", "", "Board config YAML file; defaults apply if empty")
	flashImage = flag.String("flash-image", "flash.bin", "Backing file for the flash device")
	bootedBank = flag.Int("booted-bank", 0, "Override the currently booted bank (1 or 2)")

	versionFlag = flag.Bool("version", false, "Print version and exit")
)

type command struct {
	name    string
	handler func() error
	short   string
	args    string
}

var commands = []command{
	{"update", localUpdate, `Update the inactive bank from a local TCP server`, "<host> <port>"},
	{"http-update", httpUpdate, `Update the inactive bank from an HTTP server`, "<host> <port> <resource>"},
	{"boot-bank", bootBank, `Force the active bank selection in system data`, "<1|2>"},
	{"listen", listen, `Wait for update commands on an MQTT topic`, "<broker-url> <topic>"},
	{"show", show, `Print the persisted bank state`, ""},
}

func usage() {
	fmt.Fprintf(os.Stderr, "The Ameba OTA update tool. Usage:\n")
	fmt.Fprintf(os.Stderr, "  %s [flags] <command> ...\n\nCommands:\n", os.Args[0])
	sort.Slice(commands, func(i, j int) bool { return commands[i].name < commands[j].name })
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-12s %-24s %s\n", c.name, c.args, c.short)
	}
	fmt.Fprintf(os.Stderr, "\nFlags:\n%s", flag.CommandLine.FlagUsages())
	os.Exit(1)
}

func run() error {
	for _, c := range commands {
		if c.name == flag.Arg(0) {
			return c.handler()
		}
	}
	usage()
	return nil
}

func initFlags() {
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	for _, f := range hiddenFlags {
		flag.CommandLine.MarkHidden(f)
	}
	flag.Usage = usage
}

func main() {
	defer glog.Flush()
	initFlags()
	flag.Parse()
	pflagenv.Parse(envPrefix)

	if *versionFlag {
		fmt.Printf("otau %s\n", version.String())
		return
	}
	if flag.NArg() == 0 {
		usage()
	}

	if err := run(); err != nil {
		glog.Infof("Error: %+v", err)
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
