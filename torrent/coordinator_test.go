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
package torrent

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/dhagan/peerwire/conn"
	"github.com/dhagan/peerwire/core"
	"github.com/dhagan/peerwire/diskio"
	"github.com/dhagan/peerwire/wire"
)

const testPieceLength = 8

func testContent() []byte {
	// Two 8-byte pieces.
	return []byte("AAAABBBBCCCCDDDD")
}

func testMetaInfo(t *testing.T) *core.MetaInfo {
	mi, err := core.NewSingleFileMetaInfo(
		"testfile", bytes.NewReader(testContent()), testPieceLength,
		[][]string{{"http://tracker.example/announce"}})
	require.NoError(t, err)
	return mi
}

func newTestCoordinator(t *testing.T, dir string, mi *core.MetaInfo, validate bool) (*TorrentCoordinator, *clock.Mock) {
	clk := clock.NewMock()
	logger := zap.NewNop().Sugar()
	tc, err := New(Config{}, mi, dir, validate, core.PeerID{0xAA}, nil, nil, nil, clk, tally.NoopScope, logger)
	require.NoError(t, err)
	return tc, clk
}

// dialPeerSide performs the peer-initiated side of the BT handshake
// against a coordinator listening via AcceptIncoming, returning the raw
// socket for writing further wire messages directly.
func dialPeerSide(t *testing.T, ln net.Listener, mi *core.MetaInfo, acceptedCh chan<- *conn.Conn, tc *TorrentCoordinator) net.Conn {
	go func() {
		nc, err := ln.Accept()
		require.NoError(t, err)
		c, err := conn.AcceptIncoming(nc, conn.Deps{
			Config:    conn.Config{},
			Clock:     clock.New(),
			Stats:     tally.NoopScope,
			Governor:  nil,
			Handler:   tc,
			Logger:    zap.NewNop().Sugar(),
			LocalPeer: core.PeerID{0xAA},
			Crypto:    conn.CryptoDisabled,
		}, nil, func(core.InfoHash) (int, bool) { return mi.NumPieces(), true })
		require.NoError(t, err)
		acceptedCh <- c
	}()

	peerConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	hs := wire.Handshake{InfoHash: mi.InfoHash(), PeerID: core.PeerID{0xBB}}
	require.NoError(t, wire.WriteHandshake(peerConn, hs))
	_, err = wire.ReadHandshakeFull(peerConn)
	require.NoError(t, err)

	return peerConn
}

// startLoopPump drains tc.loopFunc on a background goroutine, standing in
// for tc.run() so closures posted by async diskio completions (which
// onBlockLoop/verifyPiece schedule via enqueue) actually execute without
// pulling in the rest of run()'s maintenance/announce machinery.
func startLoopPump(tc *TorrentCoordinator) func() {
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case f := <-tc.loopFunc:
				f()
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}

func TestNewValidatesExistingDataAndMarksPiecesComplete(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	mi := testMetaInfo(t)

	// Pre-populate the backing file with correct content before the
	// coordinator starts, so startup validation marks every piece
	// complete without requiring any peer traffic.
	root := filepath.Join(dir, mi.Name())
	require.NoError(os.MkdirAll(root, 0755))
	require.NoError(os.WriteFile(filepath.Join(root, mi.Name()), testContent(), 0644))

	tc, _ := newTestCoordinator(t, dir, mi, true)
	defer tc.disk.Close()

	require.Equal(mi.NumPieces(), tc.havePieces)
	require.Equal(int64(0), tc.bytesLeft)
	for p := 0; p < mi.NumPieces(); p++ {
		require.True(tc.piecemask.Get(p))
	}
}

func TestAddPeerLoopRejectsOverConnectionLimit(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	mi := testMetaInfo(t)
	tc, _ := newTestCoordinator(t, dir, mi, false)
	defer tc.disk.Close()
	tc.config.PeerConnectionCountLimit = 0

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()

	accepted := make(chan *conn.Conn, 1)
	peerConn := dialPeerSide(t, ln, mi, accepted, tc)
	defer peerConn.Close()

	c := <-accepted
	defer c.Close()

	tc.addPeerLoop(c)
	require.Empty(tc.peers)
}

func TestOnBlockLoopWritesBlockAndCompletesPiece(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	mi := testMetaInfo(t)
	tc, _ := newTestCoordinator(t, dir, mi, false)
	defer tc.disk.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()

	accepted := make(chan *conn.Conn, 1)
	peerConn := dialPeerSide(t, ln, mi, accepted, tc)
	defer peerConn.Close()

	c := <-accepted
	defer c.Close()
	c.Start()
	tc.addPeerLoop(c)

	stopPump := startLoopPump(tc)
	defer stopPump()

	block := testContent()[0:testPieceLength]
	tc.onBlockLoop(c, 0, 0, block)

	require.Eventually(func() bool {
		return tc.piecemask.Get(0)
	}, time.Second, 5*time.Millisecond)

	require.Equal(1, tc.havePieces)
	require.Equal(mi.Length()-int64(testPieceLength), tc.bytesLeft)

	data, err := os.ReadFile(filepath.Join(dir, mi.Name(), mi.Name()))
	require.NoError(err)
	require.Equal(block, data[0:testPieceLength])
}

func TestOnPieceVerifiedLoopClearsBlocksOnHashMismatch(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	mi := testMetaInfo(t)
	tc, _ := newTestCoordinator(t, dir, mi, false)
	defer tc.disk.Close()

	tc.blockmask.SetBlock(0, 0, true)

	corrupt := []byte("XXXXXXXX")
	req := &diskio.IORequest{Buf: corrupt}
	tc.onPieceVerifiedLoop(0, req)

	require.False(tc.blockmask.GetBlock(0, 0))
	require.False(tc.piecemask.Get(0))
	require.Equal(0, tc.havePieces)
}

func TestMaintenanceTickUnchokesTopThroughputPeer(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	mi := testMetaInfo(t)
	tc, _ := newTestCoordinator(t, dir, mi, false)
	defer tc.disk.Close()
	tc.config.DownloaderCount = 1
	tc.config.OptimisticUnchokeRatio = 0

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()

	accepted := make(chan *conn.Conn, 1)
	peerConn := dialPeerSide(t, ln, mi, accepted, tc)
	defer peerConn.Close()

	c := <-accepted
	defer c.Close()
	c.Start()
	tc.addPeerLoop(c)

	require.NoError(wire.WriteSimple(peerConn, wire.Interested))
	require.Eventually(func() bool {
		return c.PeerInterested()
	}, time.Second, 5*time.Millisecond)

	tc.peers[c.PeerID()].throughput = 100
	tc.runMaintenance()

	require.True(tc.peers[c.PeerID()].unchoked)
}
