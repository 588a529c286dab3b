// Copyright (c) 2016-2019 Uber Technologies, Inc.
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

// Package trackerclient implements torrent.Announcer over both the HTTP
// and UDP (BEP 15) tracker wire protocols, dispatching by URL scheme.
package trackerclient

import "time"

// Config configures a Client.
type Config struct {
	// HTTPTimeout bounds one HTTP announce round trip.
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// UDPInitialTimeout is the first retry interval for the UDP
	// CONNECT/ANNOUNCE backoff, per BEP 15's 15s*2^n schedule.
	UDPInitialTimeout time.Duration `yaml:"udp_initial_timeout"`

	// UDPMaxRetries bounds how many times a CONNECT/ANNOUNCE is retried
	// after the first attempt before giving up, per BEP 15's recommended
	// cap of 8.
	UDPMaxRetries uint64 `yaml:"udp_max_retries"`
}

func (c Config) applyDefaults() Config {
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	if c.UDPInitialTimeout == 0 {
		c.UDPInitialTimeout = 15 * time.Second
	}
	if c.UDPMaxRetries == 0 {
		c.UDPMaxRetries = 8
	}
	return c
}
