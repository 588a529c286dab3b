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

// Package conn implements a single peer connection: the BT/MSE handshake
// dispatch, the length-prefixed message stream, and the per-connection
// request/choke/interest state machine described for the Peer Connection
// component.
package conn

import (
	"time"

	"github.com/dhagan/peerwire/bandwidth"
)

// Config is the configuration for an individual live connection.
type Config struct {
	// HandshakeTimeout bounds dialing, writing, and reading during the
	// BT/MSE handshake.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// ConnectionTimeout closes the connection if no message has been
	// received for this long.
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`

	// BlockTimeout marks a peer snubbed if its oldest pending block
	// request has been outstanding longer than this.
	BlockTimeout time.Duration `yaml:"block_timeout"`

	// KeepaliveInterval sends a keepalive if nothing has been written
	// for this long.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`

	// MaintenanceTick is not read by Conn itself; RunMaintenance (timeout
	// checks, snub detection, keepalive) runs when its owner calls it.
	MaintenanceTick time.Duration `yaml:"maintenance_tick"`

	// MaxPendingRequestsOut bounds how many unanswered REQUESTs we will
	// queue for a peer before closing the connection.
	MaxPendingRequestsOut int `yaml:"max_pending_requests_out"`

	// RequestQueueDepth is the most new REQUESTs the coordinator sends to
	// a single peer in one request pass; REQUESTs already outstanding are
	// not counted against it.
	RequestQueueDepth int `yaml:"request_queue_depth"`

	// RequestQueueRefill is accepted and defaulted but not read; request
	// passes do not wait for the outstanding queue to fall to a mark.
	RequestQueueRefill int `yaml:"request_queue_refill"`

	// PiecesWantedSize is accepted and defaulted but not read; a
	// connection's piecesWanted list is not filled or bounded by it.
	PiecesWantedSize int `yaml:"pieces_wanted_size"`

	// MaxOutboundPipelineBytes is the burst size of the per-connection
	// PIECE write limiter. Each PIECE message is written on its own;
	// several PIECE messages are not batched into one send.
	MaxOutboundPipelineBytes int64 `yaml:"max_outbound_pipeline_bytes"`

	// PieceWriteRateLimit, if nonzero, caps this connection's own PIECE
	// write rate in bytes/second, smoothing its share of a cycle's
	// already-governed grant over the write syscalls that make it up. Zero
	// leaves writes paced only by the Bandwidth Governor's per-cycle grant.
	PieceWriteRateLimit int64 `yaml:"piece_write_rate_limit"`

	// SenderBufferSize is the size of the outbound message channel.
	SenderBufferSize int `yaml:"sender_buffer_size"`

	// ReceiverBufferSize is the size of the inbound message channel.
	ReceiverBufferSize int `yaml:"receiver_buffer_size"`

	Bandwidth bandwidth.Config `yaml:"bandwidth"`
}

func (c Config) applyDefaults() Config {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 190 * time.Second
	}
	if c.BlockTimeout == 0 {
		c.BlockTimeout = 290 * time.Second
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 15 * time.Second
	}
	if c.MaintenanceTick == 0 {
		c.MaintenanceTick = 100 * time.Second
	}
	if c.MaxPendingRequestsOut == 0 {
		c.MaxPendingRequestsOut = 128
	}
	if c.RequestQueueDepth == 0 {
		c.RequestQueueDepth = 16
	}
	if c.RequestQueueRefill == 0 {
		c.RequestQueueRefill = 8
	}
	if c.PiecesWantedSize == 0 {
		c.PiecesWantedSize = 25
	}
	if c.MaxOutboundPipelineBytes == 0 {
		c.MaxOutboundPipelineBytes = 16 * 1024
	}
	if c.SenderBufferSize == 0 {
		c.SenderBufferSize = 256
	}
	if c.ReceiverBufferSize == 0 {
		c.ReceiverBufferSize = 256
	}
	return c
}
