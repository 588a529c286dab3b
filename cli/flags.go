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

// Package cli wires a Config and a set of CLI flags into a runnable
// peerwire process: one Client (C7) managing one TorrentCoordinator (C6)
// built from a loaded .torrent file (C8), announcing through a
// trackerclient.Client (C9).
package cli

import "flag"

// Flags defines the peerwire CLI flags.
type Flags struct {
	ConfigFile  string
	TorrentFile string
	DownloadDir string
	ListenAddr  string
	Seed        bool
}

// ParseFlags parses the peerwire CLI flags.
func ParseFlags() *Flags {
	var flags Flags
	flag.StringVar(&flags.ConfigFile, "config", "", "configuration file path")
	flag.StringVar(&flags.TorrentFile, "torrent", "", "path to a .torrent file to load")
	flag.StringVar(&flags.DownloadDir, "download-dir", "", "directory the torrent's content is stored under")
	flag.StringVar(&flags.ListenAddr, "listen-addr", "", "override the configured peer listen address")
	flag.BoolVar(&flags.Seed, "seed", false, "the download dir already holds the complete, verified content")
	flag.Parse()
	return &flags
}
