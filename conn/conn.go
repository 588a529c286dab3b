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
	"container/list"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dhagan/peerwire/bandwidth"
	"github.com/dhagan/peerwire/bitfield"
	"github.com/dhagan/peerwire/core"
	"github.com/dhagan/peerwire/wire"
)

// pendingBlockRequest is one REQUEST we issued to the peer and are still
// waiting on a PIECE (or REJECT REQUEST) for.
type pendingBlockRequest struct {
	piece, begin int
	requestedAt  time.Time
}

// Handler receives fully-decoded, bookkeeping-applied events off a Conn.
// Implementations belong to the owning TorrentCoordinator; Conn itself
// knows nothing about piece storage or availability aggregation.
type Handler interface {
	// OnInterestChange fires whenever the peer's INTERESTED/NOT INTERESTED
	// state flips.
	OnInterestChange(c *Conn, interested bool)
	// OnHave fires once per HAVE, and once per set bit of a BITFIELD/HAVE
	// ALL (HAVE NONE produces no calls).
	OnHave(c *Conn, piece int)
	// OnBlock fires when a requested PIECE block arrives and was found to
	// be pending (i.e. not a protocol violation or a stale duplicate).
	OnBlock(c *Conn, piece, begin int, block []byte)
	// OnRequest fires for a REQUEST we must either serve (via SendPiece)
	// or ignore; Conn has already verified quota and choke state.
	OnRequest(c *Conn, piece, begin, length int)
	// OnAllowedFast fires when the peer marks piece as requestable while
	// choked, per the Fast Extension.
	OnAllowedFast(c *Conn, piece int)
	// OnBlockReleased fires whenever a block previously requested from the
	// peer (via SendRequest) is released without ever producing an OnBlock
	// call: the peer choked us without Fast, sent REJECT REQUEST, was
	// marked snubbed, or the connection closed with the request still
	// outstanding. The handler must return (piece, begin) to its own
	// pending-request bookkeeping so the block can be re-requested.
	OnBlockReleased(c *Conn, piece, begin int)
	// ConnClosed fires once, after the read and write loops have both
	// exited, so the handler can release any per-connection bookkeeping.
	ConnClosed(c *Conn)
}

// Events is an alias kept for symmetry with the single-purpose
// notification interfaces used elsewhere in this module.
type Events = Handler

// Conn manages one peer connection for a single torrent: the BEP 3/6
// message stream, choke/interest state, and the outbound/inbound block
// request queues described for the Peer Connection component.
type Conn struct {
	peerID      core.PeerID
	localPeerID core.PeerID
	infoHash    core.InfoHash
	createdAt   time.Time
	fastEnabled bool // both sides advertised the Fast Extension

	nc        net.Conn
	config    Config
	clk       clock.Clock
	stats     tally.Scope
	governor  *bandwidth.Governor
	handler   Handler
	logger    *zap.SugaredLogger

	// pieceLimiter smooths this connection's share of writes over time,
	// one layer down from the Bandwidth Governor's per-cycle admission.
	pieceLimiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	openedByRemote bool

	mu sync.Mutex // protects the fields below

	weAreChoked      bool // peer has us choked
	weAreInterested  bool
	peerChoked       bool // we have the peer choked
	peerInterested   bool
	peerSnubbed      bool
	bitfieldReceived bool

	peerPieces *bitfield.BitMask // peer's advertised piece availability

	piecesAllowedFast *bitset.BitSet // Fast Extension: requestable while choked
	piecesSuggested   *bitset.BitSet

	piecesWanted *list.List // FIFO of int piece indices; created empty, nothing fills it

	blocksPendingOut map[[2]int]*pendingBlockRequest // blocks we requested from the peer
	blocksPendingIn  int                             // REQUESTs queued from the peer awaiting service

	lastIn, lastOut time.Time
	handshakeSent   bool

	sender   chan *wire.Message
	receiver chan *wire.Message

	closed *atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// newConn builds a Conn around an already handshake-completed net.Conn.
// fastEnabled reflects the AND of both sides' reserved-byte Fast
// Extension bits, per the BEP 6 negotiation rule.
func newConn(
	config Config,
	clk clock.Clock,
	stats tally.Scope,
	governor *bandwidth.Governor,
	handler Handler,
	nc net.Conn,
	localPeerID, remotePeerID core.PeerID,
	infoHash core.InfoHash,
	numPieces int,
	openedByRemote, fastEnabled bool,
	logger *zap.SugaredLogger) (*Conn, error) {

	if err := nc.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("conn: clear deadline: %s", err)
	}

	now := clk.Now()
	ctx, cancel := context.WithCancel(context.Background())

	burst := int(config.MaxOutboundPipelineBytes)
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if config.PieceWriteRateLimit > 0 {
		limit = rate.Limit(config.PieceWriteRateLimit)
	}

	c := &Conn{
		peerID:            remotePeerID,
		localPeerID:       localPeerID,
		infoHash:          infoHash,
		createdAt:         now,
		fastEnabled:       fastEnabled,
		nc:                nc,
		config:            config,
		clk:               clk,
		stats:             stats,
		governor:          governor,
		handler:           handler,
		pieceLimiter:      rate.NewLimiter(limit, burst),
		ctx:               ctx,
		cancel:            cancel,
		openedByRemote:    openedByRemote,
		weAreChoked:       true,
		peerChoked:        true,
		peerPieces:        bitfield.New(numPieces),
		piecesAllowedFast: bitset.New(uint(numPieces)),
		piecesSuggested:   bitset.New(uint(numPieces)),
		piecesWanted:      list.New(),
		blocksPendingOut:  make(map[[2]int]*pendingBlockRequest),
		lastIn:            now,
		lastOut:           now,
		sender:            make(chan *wire.Message, config.SenderBufferSize),
		receiver:          make(chan *wire.Message, config.ReceiverBufferSize),
		closed:            atomic.NewBool(false),
		done:              make(chan struct{}),
		logger:            logger,
	}
	return c, nil
}

// Start launches the read and write loops. Must be called at most once.
func (c *Conn) Start() {
	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
}

// PeerID returns the remote peer's id.
func (c *Conn) PeerID() core.PeerID { return c.peerID }

// InfoHash returns the torrent this connection serves.
func (c *Conn) InfoHash() core.InfoHash { return c.infoHash }

// CreatedAt returns when the Conn was constructed.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// SupportsFast reports whether both sides negotiated the Fast Extension.
func (c *Conn) SupportsFast() bool { return c.fastEnabled }

func (c *Conn) String() string {
	return fmt.Sprintf("Conn(peer=%s, hash=%s, opened_by_remote=%t)",
		c.peerID, c.infoHash, c.openedByRemote)
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool { return c.closed.Load() }

// Close tears down the connection; safe to call multiple times and from
// any goroutine.
func (c *Conn) Close() {
	if !c.closed.CAS(false, true) {
		return
	}
	go func() {
		close(c.done)
		c.cancel()
		c.nc.Close()
		c.wg.Wait()
		c.releasePendingOnClose()
		c.handler.ConnClosed(c)
	}()
}

// releasePendingOnClose empties blocksPendingOut and reports every block
// still outstanding to the handler via OnBlockReleased, so the owning
// coordinator can return them to its own unrequested pool rather than
// leaving them permanently marked as requested.
func (c *Conn) releasePendingOnClose() {
	c.mu.Lock()
	pending := c.blocksPendingOut
	c.blocksPendingOut = make(map[[2]int]*pendingBlockRequest)
	c.mu.Unlock()

	for _, req := range pending {
		c.handler.OnBlockReleased(c, req.piece, req.begin)
	}
}

// SendChoke sends CHOKE or UNCHOKE and updates local bookkeeping. When
// choking without Fast, every queued inbound REQUEST is implicitly
// dropped; with Fast, REJECT REQUEST must be sent first by the caller
// (the coordinator, which owns the per-request queue) before calling
// this.
func (c *Conn) SendChoke(choke bool) error {
	c.mu.Lock()
	c.peerChoked = choke
	if choke {
		c.blocksPendingIn = 0
	}
	c.mu.Unlock()

	id := wire.Unchoke
	if choke {
		id = wire.Choke
	}
	return c.enqueueSend(&wire.Message{HasID: true, ID: id})
}

// SendInterested sends INTERESTED or NOT INTERESTED.
func (c *Conn) SendInterested(interested bool) error {
	c.mu.Lock()
	c.weAreInterested = interested
	c.mu.Unlock()

	id := wire.NotInterested
	if interested {
		id = wire.Interested
	}
	return c.enqueueSend(&wire.Message{HasID: true, ID: id})
}

// SendHave announces completion of piece p.
func (c *Conn) SendHave(piece int) error {
	return c.enqueueSend(&wire.Message{HasID: true, ID: wire.Have, Index: piece})
}

// SendBitfield sends our full piece availability as the first data
// message on the connection.
func (c *Conn) SendBitfield(raw []byte) error {
	return c.enqueueSend(&wire.Message{HasID: true, ID: wire.Bitfield, Bitmask: raw})
}

// SendRequest issues a REQUEST for (piece, begin, length) and tracks it
// as pending until a matching PIECE or REJECT REQUEST arrives.
func (c *Conn) SendRequest(piece, begin, length int) error {
	c.mu.Lock()
	c.blocksPendingOut[[2]int{piece, begin}] = &pendingBlockRequest{
		piece: piece, begin: begin, requestedAt: c.clk.Now(),
	}
	c.mu.Unlock()
	return c.enqueueSend(&wire.Message{HasID: true, ID: wire.Request, Index: piece, Begin: begin, Length: length})
}

// CancelRequest cancels a previously sent REQUEST.
func (c *Conn) CancelRequest(piece, begin, length int) error {
	c.mu.Lock()
	delete(c.blocksPendingOut, [2]int{piece, begin})
	c.mu.Unlock()
	return c.enqueueSend(&wire.Message{HasID: true, ID: wire.Cancel, Index: piece, Begin: begin, Length: length})
}

// SendReject sends REJECT REQUEST for a queued inbound request we are
// declining to serve (Fast Extension only).
func (c *Conn) SendReject(piece, begin, length int) error {
	c.mu.Lock()
	if c.blocksPendingIn > 0 {
		c.blocksPendingIn--
	}
	c.mu.Unlock()
	return c.enqueueSend(&wire.Message{HasID: true, ID: wire.RejectRequest, Index: piece, Begin: begin, Length: length})
}

// SendPiece reserves egress bandwidth for block and, once granted, writes
// the PIECE message. The bandwidth governor's per-cycle admission may
// defer the write; the callback-based Request API drives that.
func (c *Conn) SendPiece(piece, begin int, block []byte) error {
	c.mu.Lock()
	if c.blocksPendingIn > 0 {
		c.blocksPendingIn--
	}
	c.mu.Unlock()

	n := int64(len(block))
	return c.governor.Request(n, n, 0, func(granted int64, done bool) {
		if granted < n {
			// Partial grants never happen for bytesMin==bytes requests;
			// treat anything short as a dropped send.
			return
		}
		c.enqueueSend(&wire.Message{HasID: true, ID: wire.Piece, Index: piece, Begin: begin, Block: block})
	})
}

// Send enqueues an already-built message, bypassing the higher-level
// helpers above. Used for SUGGEST PIECE / HAVE ALL / HAVE NONE / ALLOWED
// FAST, which carry no additional local state to track.
func (c *Conn) Send(msg *wire.Message) error {
	return c.enqueueSend(msg)
}

func (c *Conn) enqueueSend(msg *wire.Message) error {
	select {
	case <-c.done:
		return fmt.Errorf("conn: closed")
	case c.sender <- msg:
		return nil
	default:
		c.stats.Tagged(map[string]string{
			"dropped_message_id": fmt.Sprintf("%d", msg.ID),
		}).Counter("dropped_messages").Inc(1)
		return fmt.Errorf("conn: send buffer full")
	}
}

// PeerChoked reports whether the peer has us choked.
func (c *Conn) PeerChoked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weAreChoked
}

// PeerInterested reports whether the peer is interested in us.
func (c *Conn) PeerInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerInterested
}

// HasPeerPiece reports whether the peer has advertised piece p.
func (c *Conn) HasPeerPiece(p int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerPieces.Get(p)
}

// PieceAllowedFast reports whether the peer marked p requestable while
// choked, per the Fast Extension.
func (c *Conn) PieceAllowedFast(p int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.piecesAllowedFast.Test(uint(p))
}

// PieceSuggested reports whether the peer has sent SUGGEST PIECE for p.
func (c *Conn) PieceSuggested(p int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.piecesSuggested.Test(uint(p))
}

// readLoop reads messages and applies them against local state before
// handing interesting events to the handler.
func (c *Conn) readLoop() {
	defer func() {
		close(c.receiver)
		c.wg.Done()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}
		m, err := wire.ReadMessage(c.nc)
		if err != nil {
			c.log().Infof("conn: read error, exiting read loop: %s", err)
			return
		}
		c.mu.Lock()
		c.lastIn = c.clk.Now()
		c.mu.Unlock()
		if m.Keepalive() {
			continue
		}
		if err := c.applyInbound(m); err != nil {
			c.log().Infof("conn: protocol error, closing: %s", err)
			return
		}
	}
}

func (c *Conn) applyInbound(m wire.Message) error {
	switch m.ID {
	case wire.Choke:
		c.mu.Lock()
		c.weAreChoked = true
		fast := c.fastEnabled
		c.mu.Unlock()
		if !fast {
			c.clearBlocksPendingOut()
		}
	case wire.Unchoke:
		c.mu.Lock()
		c.weAreChoked = false
		c.mu.Unlock()
	case wire.Interested:
		c.mu.Lock()
		c.peerInterested = true
		c.mu.Unlock()
		c.handler.OnInterestChange(c, true)
	case wire.NotInterested:
		c.mu.Lock()
		c.peerInterested = false
		c.mu.Unlock()
		c.handler.OnInterestChange(c, false)
	case wire.Have:
		c.mu.Lock()
		c.peerPieces.Set(m.Index, true)
		c.mu.Unlock()
		c.handler.OnHave(c, m.Index)
	case wire.Bitfield:
		c.mu.Lock()
		if c.bitfieldReceived {
			c.mu.Unlock()
			return core.NewProtocolError("conn: unexpected BITFIELD after first data message")
		}
		c.bitfieldReceived = true
		mask, err := bitfield.FromBytes(m.Bitmask, c.peerPieces.Len())
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.peerPieces = mask
		c.mu.Unlock()
		for i := 0; i < mask.Len(); i++ {
			if mask.Get(i) {
				c.handler.OnHave(c, i)
			}
		}
	case wire.HaveAll, wire.HaveNone:
		if !c.fastEnabled {
			return core.NewProtocolError("conn: HAVE ALL/NONE without Fast Extension")
		}
		c.mu.Lock()
		if c.bitfieldReceived {
			c.mu.Unlock()
			return core.NewProtocolError("conn: HAVE ALL/NONE after first data message")
		}
		c.bitfieldReceived = true
		full := m.ID == wire.HaveAll
		if full {
			c.peerPieces = bitfield.Full(c.peerPieces.Len())
		}
		c.mu.Unlock()
		if full {
			for i := 0; i < c.peerPieces.Len(); i++ {
				c.handler.OnHave(c, i)
			}
		}
	case wire.Request:
		return c.handleRequest(m)
	case wire.Piece:
		return c.handlePiece(m)
	case wire.Cancel:
		// Peer no longer wants a block we may have queued to serve;
		// the coordinator tracks its own outbound queue, so just
		// account the quota back.
		c.mu.Lock()
		if c.blocksPendingIn > 0 {
			c.blocksPendingIn--
		}
		c.mu.Unlock()
	case wire.SuggestPiece:
		c.mu.Lock()
		c.piecesSuggested.Set(uint(m.Index))
		c.mu.Unlock()
	case wire.RejectRequest:
		if !c.fastEnabled {
			return core.NewProtocolError("conn: REJECT REQUEST without Fast Extension")
		}
		c.clearBlockPendingOut(m.Index, m.Begin)
	case wire.AllowedFast:
		if !c.fastEnabled {
			return core.NewProtocolError("conn: ALLOWED FAST without Fast Extension")
		}
		c.mu.Lock()
		c.piecesAllowedFast.Set(uint(m.Index))
		c.mu.Unlock()
		c.handler.OnAllowedFast(c, m.Index)
	default:
		return core.NewProtocolError("conn: unhandled message id %d", m.ID)
	}
	return nil
}

func (c *Conn) handleRequest(m wire.Message) error {
	if m.Length > wire.MaxRequestLength {
		return core.NewProtocolError("conn: REQUEST length %d exceeds max %d", m.Length, wire.MaxRequestLength)
	}
	c.mu.Lock()
	if c.blocksPendingIn >= c.config.MaxPendingRequestsOut {
		c.mu.Unlock()
		return core.NewResourceLimitError("conn: inbound request quota exceeded")
	}
	c.blocksPendingIn++
	choked := c.peerChoked
	fast := c.fastEnabled
	c.mu.Unlock()

	if choked {
		if fast {
			return c.SendReject(m.Index, m.Begin, m.Length)
		}
		c.mu.Lock()
		c.blocksPendingIn--
		c.mu.Unlock()
		return nil
	}
	c.handler.OnRequest(c, m.Index, m.Begin, m.Length)
	return nil
}

func (c *Conn) handlePiece(m wire.Message) error {
	key := [2]int{m.Index, m.Begin}

	c.mu.Lock()
	_, pending := c.blocksPendingOut[key]
	if pending {
		delete(c.blocksPendingOut, key)
		c.peerSnubbed = false
	}
	fast := c.fastEnabled
	c.mu.Unlock()

	if !pending {
		if fast {
			return core.NewProtocolError("conn: received unrequested block p=%d begin=%d", m.Index, m.Begin)
		}
		// Without Fast, an unrequested arrival is a known, harmless
		// race against an implicit-cancel CHOKE; ignore it.
		return nil
	}
	c.handler.OnBlock(c, m.Index, m.Begin, m.Block)
	return nil
}

// clearBlocksPendingOut runs on a CHOKE received without the Fast
// Extension, which implicitly cancels every outstanding REQUEST: every
// released block is reported to the handler so the coordinator can
// un-reserve it.
func (c *Conn) clearBlocksPendingOut() {
	c.mu.Lock()
	pending := c.blocksPendingOut
	c.blocksPendingOut = make(map[[2]int]*pendingBlockRequest)
	c.mu.Unlock()

	for _, req := range pending {
		c.handler.OnBlockReleased(c, req.piece, req.begin)
	}
}

// clearBlockPendingOut runs on a single REJECT REQUEST (Fast Extension).
func (c *Conn) clearBlockPendingOut(piece, begin int) {
	c.mu.Lock()
	_, ok := c.blocksPendingOut[[2]int{piece, begin}]
	delete(c.blocksPendingOut, [2]int{piece, begin})
	c.mu.Unlock()

	if ok {
		c.handler.OnBlockReleased(c, piece, begin)
	}
}

// writeLoop drains the sender channel to the socket.
func (c *Conn) writeLoop() {
	defer func() {
		c.wg.Done()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.sender:
			if err := c.writeMessage(msg); err != nil {
				c.log().Infof("conn: write error, exiting write loop: %s", err)
				return
			}
		}
	}
}

func (c *Conn) writeMessage(m *wire.Message) error {
	var err error
	switch m.ID {
	case wire.Choke, wire.Unchoke, wire.Interested, wire.NotInterested, wire.HaveAll, wire.HaveNone:
		err = wire.WriteSimple(c.nc, m.ID)
	case wire.Have:
		err = wire.WriteHave(c.nc, m.Index)
	case wire.Bitfield:
		err = wire.WriteBitfield(c.nc, m.Bitmask)
	case wire.Request, wire.Cancel, wire.RejectRequest:
		err = wire.WriteRequestLike(c.nc, m.ID, m.Index, m.Begin, m.Length)
	case wire.Piece:
		if werr := c.pieceLimiter.WaitN(c.ctx, len(m.Block)); werr != nil {
			return werr
		}
		err = wire.WritePiece(c.nc, m.Index, m.Begin, m.Block)
	case wire.SuggestPiece, wire.AllowedFast:
		err = wire.WritePieceIndex(c.nc, m.ID, m.Index)
	default:
		err = fmt.Errorf("conn: cannot encode message id %d", m.ID)
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.lastOut = c.clk.Now()
	c.mu.Unlock()
	if m.ID == wire.Piece {
		c.stats.Counter("piece_bandwidth_egress").Inc(int64(8 * len(m.Block)))
	}
	return nil
}

// RunMaintenance performs the per-tick housekeeping described for the
// Peer Connection component: connection/block timeout enforcement and
// keepalives. Called by the owning coordinator's maintenance loop.
func (c *Conn) RunMaintenance() {
	now := c.clk.Now()

	c.mu.Lock()
	sinceIn := now.Sub(c.lastIn)
	sinceOut := now.Sub(c.lastOut)
	handshakeSent := c.handshakeSent
	var oldestPendingAge time.Duration
	var oldestKey [2]int
	haveOldest := false
	for k, req := range c.blocksPendingOut {
		age := now.Sub(req.requestedAt)
		if !haveOldest || age > oldestPendingAge {
			oldestPendingAge = age
			oldestKey = k
			haveOldest = true
		}
	}
	c.mu.Unlock()

	if sinceIn > c.config.ConnectionTimeout {
		c.Close()
		return
	}
	if sinceOut > c.config.KeepaliveInterval && handshakeSent {
		c.enqueueSend(&wire.Message{})
	}
	if haveOldest && oldestPendingAge > c.config.BlockTimeout {
		c.mu.Lock()
		c.peerSnubbed = true
		var released [][2]int
		for k := range c.blocksPendingOut {
			if k != oldestKey {
				released = append(released, k)
				delete(c.blocksPendingOut, k)
			}
		}
		c.mu.Unlock()

		for _, k := range released {
			c.handler.OnBlockReleased(c, k[0], k[1])
		}
	}
}

// Snubbed reports whether the peer is considered snubbed (its oldest
// pending block has been outstanding past BlockTimeout).
func (c *Conn) Snubbed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerSnubbed
}

// MarkHandshakeSent records that the BT handshake has gone out, which
// gates keepalive transmission (we never keepalive before it).
func (c *Conn) MarkHandshakeSent() {
	c.mu.Lock()
	c.handshakeSent = true
	c.lastOut = c.clk.Now()
	c.mu.Unlock()
}

func (c *Conn) log(keysAndValues ...interface{}) *zap.SugaredLogger {
	keysAndValues = append(keysAndValues, "remote_peer", c.peerID, "hash", c.infoHash)
	return c.logger.With(keysAndValues...)
}
