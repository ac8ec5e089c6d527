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

// Package trigger starts update attempts on external command, the way a
// fleet backend kicks devices over MQTT. A request while an attempt is
// already running is ignored, per the updater's single-attempt rule.
package trigger

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/amebaz-tools/otau/cli/ourutil"
	"github.com/amebaz-tools/otau/ota/updater"
)

// Command is the JSON payload of an update request message.
type Command struct {
	Method   string `json:"method"` // "http" or "local"
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Resource string `json:"resource,omitempty"` // http only
}

// MQTT is a connected trigger subscription.
type MQTT struct {
	cli mqtt.Client
}

// ListenMQTT connects to an mqtt:// or mqtts:// broker URL and subscribes to
// topic, dispatching each command to u.
func ListenMQTT(brokerURL, topic string, u *updater.Updater) (*MQTT, error) {
	up, err := url.Parse(brokerURL)
	if err != nil {
		return nil, errors.Annotatef(err, "invalid broker URL")
	}
	switch up.Scheme {
	case "mqtts":
		up.Scheme = "tcps"
		if up.Port() == "" {
			up.Host = fmt.Sprintf("%s:%d", up.Host, 8883)
		}
	default:
		up.Scheme = "tcp"
		if up.Port() == "" {
			up.Host = fmt.Sprintf("%s:%d", up.Host, 1883)
		}
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(up.String())
	opts.SetClientID(fmt.Sprintf("otau-%d", rand.Int31()))
	if user := up.User.Username(); user != "" {
		opts.SetUsername(user)
		if pass, ok := up.User.Password(); ok {
			opts.SetPassword(pass)
		}
	}

	cli := mqtt.NewClient(opts)
	token := cli.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, errors.Annotatef(err, "MQTT connect")
	}

	token = cli.Subscribe(topic, 1 /* qos */, func(_ mqtt.Client, msg mqtt.Message) {
		dispatch(u, msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		cli.Disconnect(0)
		return nil, errors.Annotatef(err, "subscribing to %s", topic)
	}
	ourutil.Reportf("Listening for update commands on %s %s", up.Host, topic)
	return &MQTT{cli: cli}, nil
}

func (m *MQTT) Close() {
	m.cli.Disconnect(250 /* ms */)
}

func dispatch(u *updater.Updater, topic string, payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		glog.Errorf("%s: dropping malformed command: %v", topic, err)
		return
	}
	switch cmd.Method {
	case "local":
		u.BeginLocalUpdate(cmd.Host, cmd.Port)
	case "http":
		u.BeginHTTPUpdate(cmd.Host, cmd.Port, cmd.Resource)
	default:
		glog.Errorf("%s: unknown update method %q", topic, cmd.Method)
	}
}
