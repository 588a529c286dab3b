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

// Package torrent implements the per-torrent coordinator: piece/block
// bookkeeping, peer selection and choking, the tracker announce loop, and
// peer discovery, all driven from a single goroutine event loop per
// torrent.
package torrent

import (
	"time"

	"github.com/dhagan/peerwire/conn"
)

// Config is the configuration for a TorrentCoordinator.
type Config struct {
	Conn conn.Config `yaml:"conn"`

	// MaintenanceTick is the period of the choke-algorithm/connection-
	// maintenance/peer-discovery timer.
	MaintenanceTick time.Duration `yaml:"maintenance_tick"`

	// DownloaderCount is the number of peers unchoked at once.
	DownloaderCount int `yaml:"downloader_count"`

	// OptimisticUnchokeRatio is the fraction of DownloaderCount reserved
	// for randomly-selected "optimistic unchoke" slots rather than
	// throughput-ranked slots.
	OptimisticUnchokeRatio float64 `yaml:"optimistic_unchoke_ratio"`

	// EndgameThreshold is the number of pieces remaining below which the
	// coordinator allows duplicate in-flight block requests.
	EndgameThreshold int `yaml:"endgame_threshold"`

	// PiecesWantedSize is accepted and defaulted but not read; no FIFO of
	// candidate pieces is handed to connections.
	PiecesWantedSize int `yaml:"pieces_wanted_size"`

	// PeerConnectionsStartDelay is the period of the peer-discovery
	// timer that opens new outgoing connections from peers_known.
	PeerConnectionsStartDelay time.Duration `yaml:"peer_connections_start_delay"`

	// PeerConnectionCountTarget is the number of connections peer
	// discovery tries to maintain.
	PeerConnectionCountTarget int `yaml:"peer_connection_count_target"`

	// PeerConnectionCountLimit is the hard cap on registered connections,
	// inbound and outgoing alike; a connection handed over beyond it is
	// logged and closed, and no error is returned for it.
	PeerConnectionCountLimit int `yaml:"peer_connection_count_limit"`

	// AnnounceMinInterval floors the interval between tracker announces
	// regardless of what the tracker suggests.
	AnnounceMinInterval time.Duration `yaml:"announce_min_interval"`

	// AnnounceDefaultInterval is used when a tracker response omits an
	// interval.
	AnnounceDefaultInterval time.Duration `yaml:"announce_default_interval"`

	// AnnounceRetryInterval is used after a failed announce.
	AnnounceRetryInterval time.Duration `yaml:"announce_retry_interval"`

	// VerifyChunkSize is the largest single read used when sequentially
	// re-hashing existing data during startup validation. Each piece is
	// read on its own, so no read spans a piece boundary or exceeds the
	// piece's length.
	VerifyChunkSize int64 `yaml:"verify_chunk_size"`

	// BlockLength is the size of one block for request/piece purposes,
	// independent of the torrent's own piece length.
	BlockLength int64 `yaml:"block_length"`

	// ListenPort is the port advertised to trackers in announce requests.
	ListenPort int `yaml:"listen_port"`
}

func (c Config) applyDefaults() Config {
	// c.Conn's own defaults are applied by conn.AcceptIncoming/DialOutgoing
	// when they build a Deps; torrent.Config only fills its own fields.
	if c.MaintenanceTick == 0 {
		c.MaintenanceTick = 100 * time.Second
	}
	if c.DownloaderCount == 0 {
		c.DownloaderCount = 4
	}
	if c.OptimisticUnchokeRatio == 0 {
		c.OptimisticUnchokeRatio = 0.2
	}
	if c.EndgameThreshold == 0 {
		c.EndgameThreshold = 10
	}
	if c.PiecesWantedSize == 0 {
		c.PiecesWantedSize = 25
	}
	if c.PeerConnectionsStartDelay == 0 {
		c.PeerConnectionsStartDelay = 300 * time.Second
	}
	if c.PeerConnectionCountTarget == 0 {
		c.PeerConnectionCountTarget = 45
	}
	if c.PeerConnectionCountLimit == 0 {
		c.PeerConnectionCountLimit = 60
	}
	if c.AnnounceMinInterval == 0 {
		c.AnnounceMinInterval = 50 * time.Second
	}
	if c.AnnounceDefaultInterval == 0 {
		c.AnnounceDefaultInterval = 1800 * time.Second
	}
	if c.AnnounceRetryInterval == 0 {
		c.AnnounceRetryInterval = 100 * time.Second
	}
	if c.VerifyChunkSize == 0 {
		c.VerifyChunkSize = 1 << 20 // 1 MiB
	}
	if c.BlockLength == 0 {
		c.BlockLength = 16384
	}
	if c.ListenPort == 0 {
		c.ListenPort = 6881
	}
	return c
}
