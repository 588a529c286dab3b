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
package conn

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"

	"github.com/dhagan/peerwire/bandwidth"
	"github.com/dhagan/peerwire/core"
	"github.com/dhagan/peerwire/utils/log"
	"github.com/dhagan/peerwire/wire"
)

// fakeHandler records every callback Conn delivers, guarded by a mutex
// since the read loop invokes it from its own goroutine.
type fakeHandler struct {
	mu          sync.Mutex
	interested  []bool
	haves       []int
	blocks      [][2]int
	requests    [][3]int
	allowedFast []int
	released    [][2]int
	closedConns int
}

func (f *fakeHandler) OnInterestChange(c *Conn, interested bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interested = append(f.interested, interested)
}

func (f *fakeHandler) OnHave(c *Conn, piece int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.haves = append(f.haves, piece)
}

func (f *fakeHandler) OnBlock(c *Conn, piece, begin int, block []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks = append(f.blocks, [2]int{piece, begin})
}

func (f *fakeHandler) OnRequest(c *Conn, piece, begin, length int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, [3]int{piece, begin, length})
}

func (f *fakeHandler) OnAllowedFast(c *Conn, piece int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowedFast = append(f.allowedFast, piece)
}

func (f *fakeHandler) OnBlockReleased(c *Conn, piece, begin int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, [2]int{piece, begin})
}

func (f *fakeHandler) ConnClosed(c *Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedConns++
}

func newTestConn(t *testing.T, nc net.Conn, handler Handler, fast bool) *Conn {
	logger, err := log.New(log.Config{Disable: true}, nil)
	require.NoError(t, err)
	clk := clock.NewMock()
	gov := bandwidth.New(bandwidth.Config{}, clk)
	c, err := newConn(
		Config{}.applyDefaults(), clk, tally.NoopScope, gov, handler, nc,
		core.PeerID{}, core.PeerID{1}, core.NewInfoHashFromBytes([]byte("x")),
		16, false, fast, logger)
	require.NoError(t, err)
	return c
}

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var serverConn net.Conn
	var serverErr error
	done := make(chan struct{})
	go func() {
		serverConn, serverErr = ln.Accept()
		close(done)
	}()
	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	<-done
	require.NoError(t, serverErr)
	return clientConn, serverConn
}

func TestConnInterestedTriggersHandlerCallback(t *testing.T) {
	require := require.New(t)

	a, b := pipePair(t)
	defer a.Close()
	defer b.Close()

	hb := &fakeHandler{}
	cb := newTestConn(t, b, hb, false)
	cb.Start()
	defer cb.Close()

	require.NoError(wire.WriteSimple(a, wire.Interested))

	require.Eventually(func() bool {
		hb.mu.Lock()
		defer hb.mu.Unlock()
		return len(hb.interested) == 1 && hb.interested[0]
	}, time.Second, 5*time.Millisecond)
}

func TestConnHaveUpdatesPeerPiecesAndFiresHandler(t *testing.T) {
	require := require.New(t)

	a, b := pipePair(t)
	defer a.Close()
	defer b.Close()

	hb := &fakeHandler{}
	cb := newTestConn(t, b, hb, false)
	cb.Start()
	defer cb.Close()

	require.NoError(wire.WriteHave(a, 3))

	require.Eventually(func() bool {
		return cb.HasPeerPiece(3)
	}, time.Second, 5*time.Millisecond)

	hb.mu.Lock()
	defer hb.mu.Unlock()
	require.Equal([]int{3}, hb.haves)
}

func TestConnChokeWithoutFastClearsPendingRequests(t *testing.T) {
	require := require.New(t)

	a, b := pipePair(t)
	defer a.Close()
	defer b.Close()

	hb := &fakeHandler{}
	cb := newTestConn(t, b, hb, false)
	cb.Start()
	defer cb.Close()

	require.NoError(cb.SendRequest(0, 0, 16384))
	require.NoError(wire.WriteSimple(a, wire.Choke))

	require.Eventually(func() bool {
		cb.mu.Lock()
		defer cb.mu.Unlock()
		return len(cb.blocksPendingOut) == 0
	}, time.Second, 5*time.Millisecond)

	hb.mu.Lock()
	defer hb.mu.Unlock()
	require.Equal([][2]int{{0, 0}}, hb.released)
}

func TestConnRejectRequestReleasesPendingBlock(t *testing.T) {
	require := require.New(t)

	a, b := pipePair(t)
	defer a.Close()
	defer b.Close()

	hb := &fakeHandler{}
	cb := newTestConn(t, b, hb, true)
	cb.Start()
	defer cb.Close()

	require.NoError(cb.SendRequest(2, 0, 16384))
	require.NoError(wire.WriteRequestLike(a, wire.RejectRequest, 2, 0, 16384))

	require.Eventually(func() bool {
		hb.mu.Lock()
		defer hb.mu.Unlock()
		return len(hb.released) == 1
	}, time.Second, 5*time.Millisecond)

	hb.mu.Lock()
	defer hb.mu.Unlock()
	require.Equal([2]int{2, 0}, hb.released[0])
}

func TestConnSnubReleasesAllButOldestPendingBlock(t *testing.T) {
	require := require.New(t)

	a, b := pipePair(t)
	defer a.Close()
	defer b.Close()

	hb := &fakeHandler{}
	cb := newTestConn(t, b, hb, false)

	require.NoError(cb.SendRequest(0, 0, 16384))
	cb.clk.(*clock.Mock).Add(time.Millisecond)
	require.NoError(cb.SendRequest(1, 0, 16384))

	cb.config.BlockTimeout = time.Millisecond
	cb.clk.(*clock.Mock).Add(time.Millisecond)
	cb.RunMaintenance()

	require.True(cb.Snubbed())

	cb.mu.Lock()
	remaining := len(cb.blocksPendingOut)
	_, keptOldest := cb.blocksPendingOut[[2]int{0, 0}]
	cb.mu.Unlock()
	require.Equal(1, remaining)
	require.True(keptOldest)

	require.Equal([][2]int{{1, 0}}, hb.released)
}

func TestConnAllowedFastAndSuggestedPieceBookkeeping(t *testing.T) {
	require := require.New(t)

	a, b := pipePair(t)
	defer a.Close()
	defer b.Close()

	hb := &fakeHandler{}
	cb := newTestConn(t, b, hb, true)
	cb.Start()
	defer cb.Close()

	require.NoError(wire.WritePieceIndex(a, wire.AllowedFast, 4))
	require.NoError(wire.WritePieceIndex(a, wire.SuggestPiece, 5))

	require.Eventually(func() bool {
		return cb.PieceAllowedFast(4) && cb.PieceSuggested(5)
	}, time.Second, 5*time.Millisecond)

	require.False(cb.PieceAllowedFast(5))
	require.False(cb.PieceSuggested(4))
}

func TestConnPieceDeliversOnlyPendingBlocks(t *testing.T) {
	require := require.New(t)

	a, b := pipePair(t)
	defer a.Close()
	defer b.Close()

	hb := &fakeHandler{}
	cb := newTestConn(t, b, hb, false)
	cb.Start()
	defer cb.Close()

	// Unrequested PIECE without Fast is silently ignored, not an error.
	require.NoError(wire.WritePiece(a, 0, 0, []byte("unsolicited")))

	require.NoError(cb.SendRequest(1, 0, 5))
	require.NoError(wire.WritePiece(a, 1, 0, []byte("hello")))

	require.Eventually(func() bool {
		hb.mu.Lock()
		defer hb.mu.Unlock()
		return len(hb.blocks) == 1
	}, time.Second, 5*time.Millisecond)

	hb.mu.Lock()
	defer hb.mu.Unlock()
	require.Equal([2]int{1, 0}, hb.blocks[0])
}

func TestConnRequestOverQuotaClosesConnection(t *testing.T) {
	require := require.New(t)

	a, b := pipePair(t)
	defer a.Close()
	defer b.Close()

	hb := &fakeHandler{}
	cb := newTestConn(t, b, hb, false)
	cb.config.MaxPendingRequestsOut = 1
	require.NoError(cb.SendChoke(false))
	cb.Start()
	defer cb.Close()

	require.NoError(wire.WriteRequestLike(a, wire.Request, 0, 0, 16384))
	require.NoError(wire.WriteRequestLike(a, wire.Request, 1, 0, 16384))

	require.Eventually(func() bool {
		return cb.IsClosed()
	}, time.Second, 5*time.Millisecond)
}
