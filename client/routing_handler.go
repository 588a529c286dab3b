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
package client

import (
	"sync"

	"github.com/dhagan/peerwire/conn"
	"github.com/dhagan/peerwire/torrent"
)

// routingHandler stands in for a conn.Handler during the handshake,
// before the owning torrent is known. AcceptIncoming fixes a Conn's
// Handler at construction time, but the info hash (and thus the right
// TorrentCoordinator) is only resolved partway through that same call;
// bind supplies the real target once handleIncoming looks it up, which
// is always before Start spawns the goroutines that actually invoke
// these methods.
type routingHandler struct {
	mu     sync.Mutex
	target *torrent.TorrentCoordinator
}

func (r *routingHandler) bind(tc *torrent.TorrentCoordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target = tc
}

func (r *routingHandler) get() *torrent.TorrentCoordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target
}

func (r *routingHandler) OnInterestChange(c *conn.Conn, interested bool) {
	if t := r.get(); t != nil {
		t.OnInterestChange(c, interested)
	}
}

func (r *routingHandler) OnHave(c *conn.Conn, piece int) {
	if t := r.get(); t != nil {
		t.OnHave(c, piece)
	}
}

func (r *routingHandler) OnBlock(c *conn.Conn, piece, begin int, block []byte) {
	if t := r.get(); t != nil {
		t.OnBlock(c, piece, begin, block)
	}
}

func (r *routingHandler) OnRequest(c *conn.Conn, piece, begin, length int) {
	if t := r.get(); t != nil {
		t.OnRequest(c, piece, begin, length)
	}
}

func (r *routingHandler) OnAllowedFast(c *conn.Conn, piece int) {
	if t := r.get(); t != nil {
		t.OnAllowedFast(c, piece)
	}
}

func (r *routingHandler) OnBlockReleased(c *conn.Conn, piece, begin int) {
	if t := r.get(); t != nil {
		t.OnBlockReleased(c, piece, begin)
	}
}

func (r *routingHandler) ConnClosed(c *conn.Conn) {
	if t := r.get(); t != nil {
		t.ConnClosed(c)
	}
}
