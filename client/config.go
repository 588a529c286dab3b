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

// Package client ties together the per-torrent coordinators, tracker
// announcer, and peer connections into a single process-wide BitTorrent
// client: one listening socket routes every inbound handshake, by info
// hash, to the coordinator managing that torrent.
package client

import (
	"time"

	"github.com/dhagan/peerwire/bandwidth"
	"github.com/dhagan/peerwire/conn"
	"github.com/dhagan/peerwire/core"
	"github.com/dhagan/peerwire/torrent"
)

// Config is the top-level configuration for a Client.
type Config struct {
	Torrent   torrent.Config   `yaml:"torrent"`
	Bandwidth bandwidth.Config `yaml:"bandwidth"`

	// ListenAddr is the address the accept loop binds to, e.g. ":6881".
	ListenAddr string `yaml:"listen_addr"`

	// Crypto controls whether inbound/outbound connections attempt
	// Message Stream Encryption. Defaults to conn.CryptoPreferEncrypted.
	Crypto conn.CryptoPolicy `yaml:"crypto"`

	// PeerIDFactory controls how New generates the local peer id.
	PeerIDFactory core.PeerIDFactory `yaml:"peer_id_factory"`
}

func (c Config) applyDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":6881"
	}
	if c.PeerIDFactory == "" {
		c.PeerIDFactory = core.RandomPeerIDFactory
	}
	if c.Bandwidth.CycleLength == 0 {
		c.Bandwidth.CycleLength = time.Second
	}
	return c
}
