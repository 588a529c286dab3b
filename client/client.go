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
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dhagan/peerwire/bandwidth"
	"github.com/dhagan/peerwire/conn"
	"github.com/dhagan/peerwire/core"
	"github.com/dhagan/peerwire/torrent"
)

// Client owns the listening socket and the set of torrents currently
// being managed. Every inbound connection is routed to the right
// torrent.TorrentCoordinator by info hash; every coordinator dials out
// through the same Dialer, bound to this Client's shared Deps.
type Client struct {
	config      Config
	localPeerID core.PeerID
	announcer   torrent.Announcer

	clk    clock.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger

	governor *bandwidth.Governor

	listener net.Listener

	mu        sync.RWMutex
	torrents  map[core.InfoHash]*torrent.TorrentCoordinator

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// New constructs a Client and starts its accept loop listening on
// config.ListenAddr. The returned Client manages zero torrents; use
// AddTorrent to start one.
func New(config Config, announcer torrent.Announcer, clk clock.Clock, stats tally.Scope, logger *zap.SugaredLogger) (*Client, error) {
	config = config.applyDefaults()

	if clk == nil {
		clk = clock.New()
	}
	if stats == nil {
		stats = tally.NoopScope
	}

	ln, err := net.Listen("tcp", config.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("client: listen %s: %s", config.ListenAddr, err)
	}

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	peerID, err := config.PeerIDFactory.GeneratePeerID(localIP(), port)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("client: generate peer id: %s", err)
	}

	c := &Client{
		config:      config,
		localPeerID: peerID,
		announcer:   announcer,
		clk:         clk,
		stats:       stats.Tagged(map[string]string{"module": "client"}),
		logger:      logger,
		governor:    bandwidth.New(config.Bandwidth, clk),
		listener:    ln,
		torrents:    make(map[core.InfoHash]*torrent.TorrentCoordinator),
		done:        make(chan struct{}),
	}

	c.wg.Add(2)
	go c.tickBandwidth()
	go c.listenLoop()

	return c, nil
}

// PeerID returns the process-wide peer id generated at construction.
func (c *Client) PeerID() core.PeerID { return c.localPeerID }

// Addr returns the address the accept loop is listening on.
func (c *Client) Addr() net.Addr { return c.listener.Addr() }

// AddTorrent begins managing a new torrent. When validate is true, any
// existing data under dir is checked against mi's piece hashes before
// joining the swarm.
func (c *Client) AddTorrent(mi *core.MetaInfo, dir string, validate bool) (*torrent.TorrentCoordinator, error) {
	infoHash := mi.InfoHash()

	c.mu.Lock()
	if _, exists := c.torrents[infoHash]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("client: torrent %s already added", infoHash)
	}
	c.mu.Unlock()

	tc, err := torrent.New(
		c.config.Torrent, mi, dir, validate, c.localPeerID, c.announcer,
		c.dialer(infoHash), c, c.clk, c.stats, c.logger)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.torrents[infoHash] = tc
	c.mu.Unlock()

	tc.Start()
	return tc, nil
}

// RemoveTorrent stops and forgets the coordinator for infoHash, if any.
func (c *Client) RemoveTorrent(infoHash core.InfoHash) {
	c.mu.Lock()
	tc, ok := c.torrents[infoHash]
	if ok {
		delete(c.torrents, infoHash)
	}
	c.mu.Unlock()

	if ok {
		tc.Stop()
	}
}

// Torrent returns the coordinator managing infoHash, if any.
func (c *Client) Torrent(infoHash core.InfoHash) (*torrent.TorrentCoordinator, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tc, ok := c.torrents[infoHash]
	return tc, ok
}

// Stop closes the listening socket and every managed torrent, stopping
// them concurrently so shutdown time is bounded by the slowest torrent
// rather than their sum.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.listener.Close()

		c.mu.Lock()
		torrents := make([]*torrent.TorrentCoordinator, 0, len(c.torrents))
		for _, tc := range c.torrents {
			torrents = append(torrents, tc)
		}
		c.mu.Unlock()

		var g errgroup.Group
		for _, tc := range torrents {
			tc := tc
			g.Go(func() error {
				tc.Stop()
				return nil
			})
		}
		g.Wait()
	})
	c.wg.Wait()
}

// Complete implements torrent.Events.
func (c *Client) Complete(t *torrent.TorrentCoordinator) {
	c.logger.Infow("torrent complete", "info_hash", t.InfoHash())
}

// PeerRemoved implements torrent.Events.
func (c *Client) PeerRemoved(peerID core.PeerID, infoHash core.InfoHash) {
	c.logger.Debugw("peer removed", "peer_id", peerID, "info_hash", infoHash)
}

func (c *Client) deps() conn.Deps {
	return conn.Deps{
		Config:    c.config.Torrent.Conn,
		Clock:     c.clk,
		Stats:     c.stats,
		Governor:  c.governor,
		Handler:   nil, // overridden per-connection below
		Logger:    c.logger,
		LocalPeer: c.localPeerID,
		Crypto:    c.config.Crypto,
	}
}

// dialer binds a torrent.Dialer to a fixed info hash, so each
// TorrentCoordinator gets its own Dialer without needing to know about
// the Client's connection bookkeeping.
func (c *Client) dialer(infoHash core.InfoHash) torrent.Dialer {
	return func(addr string, _ core.InfoHash, numPieces int) (*conn.Conn, error) {
		tc, ok := c.Torrent(infoHash)
		if !ok {
			return nil, fmt.Errorf("client: torrent %s no longer managed", infoHash)
		}
		deps := c.deps()
		deps.Handler = tc
		pc, err := conn.DialOutgoing(addr, infoHash, numPieces, deps)
		if err != nil {
			return nil, err
		}
		return pc, nil
	}
}

func (c *Client) lookup(infoHash core.InfoHash) (int, bool) {
	tc, ok := c.Torrent(infoHash)
	if !ok {
		return 0, false
	}
	return tc.NumPieces(), true
}

// allHashes enumerates every currently-managed torrent's info hash, used
// by the MSE responder to try each as a candidate SKEY when decrypting
// an inbound handshake whose info hash isn't yet known.
func (c *Client) allHashes() []core.InfoHash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hashes := make([]core.InfoHash, 0, len(c.torrents))
	for h := range c.torrents {
		hashes = append(hashes, h)
	}
	return hashes
}

func (c *Client) tickBandwidth() {
	defer c.wg.Done()
	ticker := c.clk.Tick(c.config.Bandwidth.CycleLength)
	for {
		select {
		case <-ticker:
			c.governor.BeginCycle()
		case <-c.done:
			return
		}
	}
}

func (c *Client) listenLoop() {
	defer c.wg.Done()

	acceptBackoff := backoff.NewExponentialBackOff()
	acceptBackoff.InitialInterval = 5 * time.Millisecond
	acceptBackoff.MaxInterval = time.Second
	acceptBackoff.MaxElapsedTime = 0

	for {
		nc, err := c.listener.Accept()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				d := acceptBackoff.NextBackOff()
				c.logger.Warnw("accept failed, retrying", "error", err, "backoff", d)
				c.clk.Sleep(d)
				continue
			}
			c.logger.Errorw("accept failed", "error", err)
			return
		}
		acceptBackoff.Reset()
		go c.handleIncoming(nc)
	}
}

func (c *Client) handleIncoming(nc net.Conn) {
	deps := c.deps()

	// AcceptIncoming needs the Handler resolved only after the info hash
	// is known, but Deps requires one up front; routingHandler defers
	// dispatch until the handshake names a torrent.
	rh := &routingHandler{}
	deps.Handler = rh

	pc, err := conn.AcceptIncoming(nc, deps, c.allHashes, c.lookup)
	if err != nil {
		c.logger.Debugw("rejected incoming connection", "addr", nc.RemoteAddr(), "error", err)
		return
	}

	tc, ok := c.Torrent(pc.InfoHash())
	if !ok {
		pc.Close()
		return
	}
	rh.bind(tc)
	tc.AddPeer(pc)
}

func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "0.0.0.0"
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}
	return "0.0.0.0"
}
