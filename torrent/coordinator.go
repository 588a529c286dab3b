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
	"crypto/sha1"
	"encoding/hex"
	"math/rand"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/dhagan/peerwire/bitfield"
	"github.com/dhagan/peerwire/conn"
	"github.com/dhagan/peerwire/core"
	"github.com/dhagan/peerwire/diskio"
)

// Events defines the callbacks a TorrentCoordinator fires for its owner
// (the Client).
type Events interface {
	// Complete fires once, the first time every piece verifies.
	Complete(t *TorrentCoordinator)
	// PeerRemoved fires whenever a connection to peerID is torn down.
	PeerRemoved(peerID core.PeerID, infoHash core.InfoHash)
}

// Dialer opens an outgoing connection to addr for the given torrent,
// performing the BT/MSE handshake. Satisfied by conn.DialOutgoing bound
// to this coordinator's Deps.
type Dialer func(addr string, infoHash core.InfoHash, numPieces int) (*conn.Conn, error)

// AnnounceEvent is the tracker event code carried on an announce request.
type AnnounceEvent int

// Announce event codes, per the tracker HTTP/UDP wire formats.
const (
	AnnounceNone AnnounceEvent = iota
	AnnounceStarted
	AnnounceCompleted
	AnnounceStopped
)

// AnnounceRequest is everything a tracker client needs to perform one
// announce call, independent of whether it goes out over HTTP or UDP.
type AnnounceRequest struct {
	URL         string
	InfoHash    core.InfoHash
	PeerID      core.PeerID
	Port        int
	Uploaded    int64
	Downloaded  int64
	Left        int64
	Event       AnnounceEvent
	NumWant     int
	TrackerID   string
	Key         string
}

// AnnounceResponse is the tracker's decoded reply, independent of wire
// format.
type AnnounceResponse struct {
	Peers         []core.PeerInfo
	Interval      time.Duration
	MinInterval   time.Duration
	TrackerID     string
	Warning       string
	FailureReason string
}

// Announcer performs a single tracker announce, delegating the actual
// HTTP or UDP wire work to a concrete implementation (see trackerclient).
type Announcer interface {
	Announce(req AnnounceRequest) (AnnounceResponse, error)
}

// peerEntry is per-peer bookkeeping the coordinator keeps alongside a
// conn.Conn: recent throughput for the choke algorithm and the
// unchoke state actually applied last tick.
type peerEntry struct {
	conn                  *conn.Conn
	throughput            int64
	unchoked              bool
	lastGoodPieceReceived time.Time
}

// TorrentCoordinator owns one torrent's piece/block bookkeeping, peer
// set, pick-piece policy, choke algorithm, tracker timer and endgame
// flag. Its state is only ever touched from a single goroutine (run);
// every other goroutine — conn.Conn callbacks, diskio completions,
// dialed connections — re-enters it by posting a closure onto loopFunc.
type TorrentCoordinator struct {
	config      Config
	mi          *core.MetaInfo
	disk        *diskio.Backend
	geo         bitfield.Geometry
	localPeerID core.PeerID
	infoHash    core.InfoHash

	clk    clock.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger
	rnd    *rand.Rand

	dial      Dialer
	announcer Announcer
	events    Events

	loopFunc chan func()
	done     chan struct{}
	closing  *atomic.Bool
	wg       sync.WaitGroup

	// Touched only from run().
	piecemask    *bitfield.BitMask
	blockmask    *bitfield.BlockMask // blocks written to disk and verified
	blockmaskReq *bitfield.BlockMask // blocks currently requested from some peer
	bytesLeft    int64
	havePieces   int
	endgame      bool
	active       bool

	availability []int
	peers        map[core.PeerID]*peerEntry
	prevOptimistic map[core.PeerID]bool

	peersKnown     map[string]core.PeerInfo
	connectedAddrs map[string]bool

	announceURLs         [][]string
	tier, tierIndex      int
	trackerID            string
	announceKey          string
	announceTimer        *clock.Timer
	pendingAnnounceEvent AnnounceEvent
}

// New opens dir (creating backing files as needed) and constructs a
// TorrentCoordinator for mi. If validate is true, existing data is
// sequentially re-hashed before the coordinator starts announcing or
// accepting peers.
func New(
	config Config,
	mi *core.MetaInfo,
	dir string,
	validate bool,
	localPeerID core.PeerID,
	announcer Announcer,
	dial Dialer,
	events Events,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger) (*TorrentCoordinator, error) {

	config = config.applyDefaults()

	if clk == nil {
		clk = clock.New()
	}
	if stats == nil {
		stats = tally.NoopScope
	}

	disk, err := diskio.Open(dir, mi)
	if err != nil {
		return nil, err
	}

	geo := bitfield.Geometry{
		PieceCount:      mi.NumPieces(),
		PieceLength:     mi.PieceLength(),
		LastPieceLength: mi.GetPieceLength(mi.NumPieces() - 1),
		BlockLength:     config.BlockLength,
	}

	tc := &TorrentCoordinator{
		config:         config,
		mi:             mi,
		disk:           disk,
		geo:            geo,
		localPeerID:    localPeerID,
		infoHash:       mi.InfoHash(),
		clk:            clk,
		stats:          stats.Tagged(map[string]string{"module": "torrent"}),
		logger:         logger,
		rnd:            rand.New(rand.NewSource(clk.Now().UnixNano())),
		dial:           dial,
		announcer:      announcer,
		events:         events,
		loopFunc:       make(chan func(), 256),
		done:           make(chan struct{}),
		closing:        atomic.NewBool(false),
		piecemask:      bitfield.New(geo.PieceCount),
		blockmask:      bitfield.NewBlockMask(geo),
		blockmaskReq:   bitfield.NewBlockMask(geo),
		bytesLeft:      mi.Length(),
		availability:   make([]int, geo.PieceCount),
		peers:          make(map[core.PeerID]*peerEntry),
		prevOptimistic: make(map[core.PeerID]bool),
		peersKnown:     make(map[string]core.PeerInfo),
		connectedAddrs: make(map[string]bool),
		announceURLs:   mi.AnnounceList(),
	}

	keyBytes := make([]byte, 4)
	tc.rnd.Read(keyBytes)
	tc.announceKey = hex.EncodeToString(keyBytes)

	if validate {
		if err := tc.validateExisting(); err != nil {
			disk.Close()
			return nil, err
		}
	}

	tc.announceTimer = clk.Timer(0)
	tc.pendingAnnounceEvent = AnnounceStarted

	return tc, nil
}

// validateExisting sequentially re-hashes every piece already on disk in
// VerifyChunkSize-sized reads, setting piecemask/blockmask bits for
// pieces whose hash matches and correcting bytesLeft to account for them.
func (tc *TorrentCoordinator) validateExisting() error {
	for p := 0; p < tc.geo.PieceCount; p++ {
		sum, err := tc.hashPieceOnDisk(p)
		if err != nil {
			return err
		}
		if sum != tc.mi.GetPieceHash(p) {
			continue
		}
		tc.piecemask.Set(p, true)
		tc.havePieces++
		tc.bytesLeft -= tc.mi.GetPieceLength(p)
		for s := 0; s < tc.geo.NumBlocksInPiece(p); s++ {
			tc.blockmask.SetBlock(p, s, true)
		}
	}
	return nil
}

// hashPieceOnDisk reads piece p sequentially in VerifyChunkSize chunks
// and returns its SHA-1. Used only during startup validation, before the
// event loop is running, so it may block synchronously on diskio's
// async callback.
func (tc *TorrentCoordinator) hashPieceOnDisk(p int) ([sha1.Size]byte, error) {
	length := tc.mi.GetPieceLength(p)
	offset := int64(p) * tc.mi.PieceLength()
	h := sha1.New()

	chunk := tc.config.VerifyChunkSize
	remaining := length
	pos := offset
	for remaining > 0 {
		n := chunk
		if n > remaining {
			n = remaining
		}
		buf := make([]byte, n)
		req := &diskio.IORequest{Offset: pos, Buf: buf}
		done := make(chan struct{})
		tc.disk.Read([]*diskio.IORequest{req}, func([]*diskio.IORequest) { close(done) })
		<-done
		if req.Failed {
			var zero [sha1.Size]byte
			return zero, req.Err
		}
		h.Write(buf)
		pos += n
		remaining -= n
	}
	var sum [sha1.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// Start launches the coordinator's event loop goroutine.
func (tc *TorrentCoordinator) Start() {
	tc.active = true
	tc.wg.Add(1)
	go tc.run()
}

// Stop deactivates the coordinator, announces "stopped" to the tracker,
// closes every connection and the disk backend, then waits for the
// event loop to exit.
func (tc *TorrentCoordinator) Stop() {
	if tc.closing.Swap(true) {
		return
	}
	stopped := make(chan struct{})
	tc.enqueue(func() {
		tc.active = false
		tc.doAnnounce(AnnounceStopped)
		for _, pe := range tc.peers {
			pe.conn.Close()
		}
		close(stopped)
	})
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
	}
	close(tc.done)
	tc.wg.Wait()
	tc.disk.Close()
}

// InfoHash returns the torrent's info hash.
func (tc *TorrentCoordinator) InfoHash() core.InfoHash { return tc.infoHash }

// NumPieces returns the number of pieces in the torrent.
func (tc *TorrentCoordinator) NumPieces() int { return tc.geo.PieceCount }

// enqueue posts f to the event loop, or drops it if the loop has already
// exited.
func (tc *TorrentCoordinator) enqueue(f func()) {
	select {
	case tc.loopFunc <- f:
	case <-tc.done:
	}
}

// AddPeer registers an already-handshaken connection with the
// coordinator, starting its read/write loops. Registration itself
// happens on the event loop, where resource limits are enforced.
func (tc *TorrentCoordinator) AddPeer(c *conn.Conn) {
	c.Start()
	tc.enqueue(func() { tc.addPeerLoop(c) })
}

// AddKnownPeers merges peer addresses learned from a tracker response
// into peers_known, for later outgoing connection attempts.
func (tc *TorrentCoordinator) AddKnownPeers(peers []core.PeerInfo) {
	tc.enqueue(func() {
		for _, p := range peers {
			tc.peersKnown[p.Addr()] = p
		}
	})
}

func (tc *TorrentCoordinator) run() {
	defer tc.wg.Done()

	maintenance := tc.clk.Tick(tc.config.MaintenanceTick)
	discovery := tc.clk.Tick(tc.config.PeerConnectionsStartDelay)

	for {
		select {
		case f := <-tc.loopFunc:
			f()
		case <-maintenance:
			tc.runMaintenance()
		case <-discovery:
			tc.discoverPeers()
		case <-tc.announceTimer.C:
			ev := tc.pendingAnnounceEvent
			tc.pendingAnnounceEvent = AnnounceNone
			tc.doAnnounce(ev)
		case <-tc.done:
			return
		}
	}
}

func (tc *TorrentCoordinator) log(keysAndValues ...interface{}) *zap.SugaredLogger {
	keysAndValues = append(keysAndValues, "torrent", tc.infoHash)
	return tc.logger.With(keysAndValues...)
}

// ---- peer registration -----------------------------------------------

func (tc *TorrentCoordinator) addPeerLoop(c *conn.Conn) {
	if len(tc.peers) >= tc.config.PeerConnectionCountLimit {
		tc.log("peer", c.PeerID()).Info("Refusing connection: peer connection limit reached")
		c.Close()
		return
	}
	if _, exists := tc.peers[c.PeerID()]; exists {
		c.Close()
		return
	}

	tc.peers[c.PeerID()] = &peerEntry{conn: c}
	tc.connectedAddrs[c.String()] = true

	for p := 0; p < tc.geo.PieceCount; p++ {
		if c.HasPeerPiece(p) {
			tc.availability[p]++
		}
	}

	c.SendBitfield(tc.piecemask.Bytes())
	tc.maybeRequestBlocks(c.PeerID())
}

func (tc *TorrentCoordinator) removePeerLoop(c *conn.Conn) {
	id := c.PeerID()
	if _, ok := tc.peers[id]; !ok {
		return
	}
	delete(tc.peers, id)
	delete(tc.connectedAddrs, c.String())
	delete(tc.prevOptimistic, id)
	for p := 0; p < tc.geo.PieceCount; p++ {
		if c.HasPeerPiece(p) {
			tc.availability[p]--
		}
	}
	if tc.events != nil {
		tc.events.PeerRemoved(id, tc.infoHash)
	}
}

// ---- conn.Handler -------------------------------------------------------

// OnInterestChange implements conn.Handler.
func (tc *TorrentCoordinator) OnInterestChange(c *conn.Conn, interested bool) {
	tc.enqueue(func() {
		tc.log("peer", c.PeerID()).Debugf("interest changed to %v", interested)
	})
}

// OnHave implements conn.Handler.
func (tc *TorrentCoordinator) OnHave(c *conn.Conn, piece int) {
	tc.enqueue(func() { tc.onHaveLoop(c, piece) })
}

func (tc *TorrentCoordinator) onHaveLoop(c *conn.Conn, piece int) {
	if piece < 0 || piece >= tc.geo.PieceCount {
		c.Close()
		return
	}
	tc.availability[piece]++
	if !tc.piecemask.Get(piece) {
		c.SendInterested(true)
	}
	tc.maybeRequestBlocks(c.PeerID())
}

// OnAllowedFast implements conn.Handler. A peer may grant us a piece
// while still choking us; request its first still-needed block right
// away rather than waiting for an UNCHOKE.
func (tc *TorrentCoordinator) OnAllowedFast(c *conn.Conn, piece int) {
	tc.enqueue(func() { tc.onAllowedFastLoop(c, piece) })
}

func (tc *TorrentCoordinator) onAllowedFastLoop(c *conn.Conn, piece int) {
	if piece < 0 || piece >= tc.geo.PieceCount || tc.piecemask.Get(piece) || !c.HasPeerPiece(piece) {
		return
	}
	n := tc.geo.NumBlocksInPiece(piece)
	for s := 0; s < n; s++ {
		if tc.blockmask.GetBlock(piece, s) {
			continue
		}
		if tc.blockmaskReq.GetBlock(piece, s) && !tc.endgame {
			continue
		}
		begin := s * int(tc.geo.BlockLength)
		length := int(tc.blockLength(piece, s))
		if err := c.SendRequest(piece, begin, length); err == nil {
			tc.blockmaskReq.SetBlock(piece, s, true)
		}
		return
	}
}

// OnBlock implements conn.Handler.
func (tc *TorrentCoordinator) OnBlock(c *conn.Conn, piece, begin int, block []byte) {
	tc.enqueue(func() { tc.onBlockLoop(c, piece, begin, block) })
}

func (tc *TorrentCoordinator) onBlockLoop(c *conn.Conn, piece, begin int, block []byte) {
	if piece < 0 || piece >= tc.geo.PieceCount {
		c.Close()
		return
	}
	blockLen := int(tc.geo.BlockLength)
	if begin%blockLen != 0 {
		c.Close()
		return
	}
	s := begin / blockLen
	if s >= tc.geo.NumBlocksInPiece(piece) {
		c.Close()
		return
	}
	want := tc.blockLength(piece, s)
	if int64(len(block)) != want {
		c.Close()
		return
	}

	if tc.blockmask.GetBlock(piece, s) {
		// Duplicate arrival: harmless in endgame, and otherwise just a
		// race against an in-flight write we already issued.
		tc.blockmaskReq.SetBlock(piece, s, false)
		return
	}

	if pe, ok := tc.peers[c.PeerID()]; ok {
		pe.throughput += int64(len(block))
		pe.lastGoodPieceReceived = tc.clk.Now()
	}

	buf := append([]byte(nil), block...)
	offset := int64(piece)*tc.mi.PieceLength() + int64(begin)
	req := &diskio.IORequest{Offset: offset, Buf: buf}
	tc.disk.Write([]*diskio.IORequest{req}, func([]*diskio.IORequest) {
		tc.enqueue(func() { tc.onBlockWrittenLoop(piece, s, req) })
	})
}

func (tc *TorrentCoordinator) onBlockWrittenLoop(piece, s int, req *diskio.IORequest) {
	tc.blockmaskReq.SetBlock(piece, s, false)
	if req.Failed {
		tc.log("piece", piece).Errorf("Failed to write block %d: %s", s, req.Err)
		return
	}
	tc.blockmask.SetBlock(piece, s, true)
	if tc.blockmask.PieceComplete(piece) {
		tc.verifyPiece(piece)
	}
	tc.refillBlockRequests()
}

func (tc *TorrentCoordinator) verifyPiece(piece int) {
	length := tc.mi.GetPieceLength(piece)
	offset := int64(piece) * tc.mi.PieceLength()
	buf := make([]byte, length)
	req := &diskio.IORequest{Offset: offset, Buf: buf}
	tc.disk.Read([]*diskio.IORequest{req}, func([]*diskio.IORequest) {
		tc.enqueue(func() { tc.onPieceVerifiedLoop(piece, req) })
	})
}

func (tc *TorrentCoordinator) onPieceVerifiedLoop(piece int, req *diskio.IORequest) {
	if req.Failed {
		tc.log("piece", piece).Errorf("Failed to read back piece for verification: %s", req.Err)
		tc.blockmask.ClearPiece(piece)
		return
	}
	sum := sha1.Sum(req.Buf)
	if sum != tc.mi.GetPieceHash(piece) {
		tc.log("piece", piece).Warnf("Piece failed hash verification, re-downloading")
		tc.blockmask.ClearPiece(piece)
		return
	}

	tc.piecemask.Set(piece, true)
	tc.havePieces++
	tc.bytesLeft -= tc.mi.GetPieceLength(piece)
	tc.updateEndgame()

	for _, pe := range tc.peers {
		pe.conn.SendHave(piece)
	}

	if tc.havePieces == tc.geo.PieceCount {
		tc.onDownloadComplete()
	}
}

func (tc *TorrentCoordinator) updateEndgame() {
	tc.endgame = tc.geo.PieceCount-tc.havePieces < tc.config.EndgameThreshold
}

func (tc *TorrentCoordinator) onDownloadComplete() {
	for _, pe := range tc.peers {
		pe.conn.SendInterested(false)
	}
	if tc.events != nil {
		tc.events.Complete(tc)
	}
	tc.doAnnounce(AnnounceCompleted)
}

// OnRequest implements conn.Handler.
func (tc *TorrentCoordinator) OnRequest(c *conn.Conn, piece, begin, length int) {
	tc.enqueue(func() { tc.onRequestLoop(c, piece, begin, length) })
}

func (tc *TorrentCoordinator) onRequestLoop(c *conn.Conn, piece, begin, length int) {
	if piece < 0 || piece >= tc.geo.PieceCount || !tc.piecemask.Get(piece) {
		if c.SupportsFast() {
			c.SendReject(piece, begin, length)
		} else {
			c.Close()
		}
		return
	}

	offset := int64(piece)*tc.mi.PieceLength() + int64(begin)
	buf := make([]byte, length)
	req := &diskio.IORequest{Offset: offset, Buf: buf}
	tc.disk.Read([]*diskio.IORequest{req}, func([]*diskio.IORequest) {
		tc.enqueue(func() {
			if req.Failed {
				tc.log("piece", piece).Errorf("Failed to read block for request: %s", req.Err)
				return
			}
			c.SendPiece(piece, begin, req.Buf)
		})
	})
}

// OnBlockReleased implements conn.Handler. It fires whenever a block this
// coordinator requested from a peer comes back without ever producing an
// OnBlock call: the peer choked us without Fast, rejected the request,
// was marked snubbed, or the connection closed with the request still
// outstanding. The block is returned to the unrequested pool so it can be
// picked up again, from this peer or another.
func (tc *TorrentCoordinator) OnBlockReleased(c *conn.Conn, piece, begin int) {
	tc.enqueue(func() { tc.onBlockReleasedLoop(piece, begin) })
}

func (tc *TorrentCoordinator) onBlockReleasedLoop(piece, begin int) {
	blockLen := int(tc.geo.BlockLength)
	if piece < 0 || piece >= tc.geo.PieceCount || blockLen == 0 || begin%blockLen != 0 {
		return
	}
	s := begin / blockLen
	if s < 0 || s >= tc.geo.NumBlocksInPiece(piece) {
		return
	}
	tc.blockmaskReq.SetBlock(piece, s, false)
	tc.refillBlockRequests()
}

// ConnClosed implements conn.Handler.
func (tc *TorrentCoordinator) ConnClosed(c *conn.Conn) {
	tc.enqueue(func() { tc.removePeerLoop(c) })
}

// ---- piece / block selection -------------------------------------------

func (tc *TorrentCoordinator) blockLength(piece, s int) int64 {
	n := tc.geo.NumBlocksInPiece(piece)
	if s < n-1 {
		return tc.geo.BlockLength
	}
	return tc.mi.GetPieceLength(piece) - int64(s)*tc.geo.BlockLength
}

func (tc *TorrentCoordinator) maybeRequestBlocks(id core.PeerID) {
	pe, ok := tc.peers[id]
	if !ok || pe.conn.PeerChoked() {
		return
	}

	depth := tc.config.Conn.RequestQueueDepth
	if depth <= 0 {
		depth = 16
	}

	needed := func(p int) bool { return !tc.piecemask.Get(p) && pe.conn.HasPeerPiece(p) }
	order := piecesPreference(tc.availability, needed, tc.rnd)

	sent := 0
	for _, p := range order {
		if sent >= depth {
			break
		}
		n := tc.geo.NumBlocksInPiece(p)
		for s := 0; s < n; s++ {
			if sent >= depth {
				break
			}
			if tc.blockmask.GetBlock(p, s) {
				continue
			}
			if tc.blockmaskReq.GetBlock(p, s) && !tc.endgame {
				continue
			}
			begin := s * int(tc.geo.BlockLength)
			length := int(tc.blockLength(p, s))
			if err := pe.conn.SendRequest(p, begin, length); err != nil {
				return
			}
			tc.blockmaskReq.SetBlock(p, s, true)
			sent++
		}
	}
}

func (tc *TorrentCoordinator) refillBlockRequests() {
	for id := range tc.peers {
		tc.maybeRequestBlocks(id)
	}
}

// ---- choke algorithm ----------------------------------------------------

func (tc *TorrentCoordinator) runMaintenance() {
	candidates := make([]chokeCandidate, 0, len(tc.peers))
	for id, pe := range tc.peers {
		candidates = append(candidates, chokeCandidate{
			id:         id,
			throughput: pe.throughput,
			interested: pe.conn.PeerInterested(),
		})
		pe.throughput = 0
		pe.conn.RunMaintenance()
	}

	result := chokeDecision(candidates, tc.config.DownloaderCount, tc.config.OptimisticUnchokeRatio, tc.prevOptimistic, tc.rnd)

	for id, pe := range tc.peers {
		shouldUnchoke := result.Unchoked[id]
		if shouldUnchoke != pe.unchoked {
			pe.conn.SendChoke(!shouldUnchoke)
			pe.unchoked = shouldUnchoke
			if shouldUnchoke {
				tc.maybeRequestBlocks(id)
			}
		}
	}
	tc.prevOptimistic = result.Optimistic
}

// ---- peer discovery -------------------------------------------------------

func (tc *TorrentCoordinator) discoverPeers() {
	if !tc.active || len(tc.peers) >= tc.config.PeerConnectionCountTarget || tc.dial == nil {
		return
	}

	var candidates []core.PeerInfo
	for addr, info := range tc.peersKnown {
		if !tc.connectedAddrs[addr] {
			candidates = append(candidates, info)
		}
	}
	if len(candidates) == 0 {
		return
	}
	tc.rnd.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	want := tc.config.PeerConnectionCountTarget - len(tc.peers)
	if want > len(candidates) {
		want = len(candidates)
	}
	for _, info := range candidates[:want] {
		addr := info.Addr()
		tc.connectedAddrs[addr] = true
		go tc.dialPeer(addr)
	}
}

func (tc *TorrentCoordinator) dialPeer(addr string) {
	c, err := tc.dial(addr, tc.infoHash, tc.geo.PieceCount)
	if err != nil {
		tc.enqueue(func() { delete(tc.connectedAddrs, addr) })
		return
	}
	tc.AddPeer(c)
}

// ---- tracker loop -------------------------------------------------------

func (tc *TorrentCoordinator) nextAnnounceURL() (string, bool) {
	for tc.tier < len(tc.announceURLs) {
		tier := tc.announceURLs[tc.tier]
		if tc.tierIndex < len(tier) {
			return tier[tc.tierIndex], true
		}
		tc.tier++
		tc.tierIndex = 0
		tc.trackerID = ""
	}
	return "", false
}

func (tc *TorrentCoordinator) advanceAnnounceCursor() {
	tc.tierIndex++
	for tc.tier < len(tc.announceURLs) && tc.tierIndex >= len(tc.announceURLs[tc.tier]) {
		tc.tier++
		tc.tierIndex = 0
		tc.trackerID = ""
	}
	if tc.tier >= len(tc.announceURLs) {
		tc.tier = 0
		tc.tierIndex = 0
	}
}

// promoteURL moves a successfully-contacted URL to the front of its
// tier and resets the cursor to (0, 0), per BEP 12.
func (tc *TorrentCoordinator) promoteURL(url string) {
	tier := tc.announceURLs[tc.tier]
	idx := tc.tierIndex
	if idx > 0 && idx < len(tier) {
		copy(tier[1:idx+1], tier[:idx])
		tier[0] = url
	}
	tc.tier = 0
	tc.tierIndex = 0
}

func (tc *TorrentCoordinator) doAnnounce(event AnnounceEvent) {
	if tc.announcer == nil || len(tc.announceURLs) == 0 {
		return
	}
	url, ok := tc.nextAnnounceURL()
	if !ok {
		tc.log().Errorf("No announce URLs remain reachable")
		tc.announceTimer.Reset(tc.config.AnnounceRetryInterval)
		return
	}

	req := AnnounceRequest{
		URL:        url,
		InfoHash:   tc.infoHash,
		PeerID:     tc.localPeerID,
		Port:       tc.config.ListenPort,
		Downloaded: tc.mi.Length() - tc.bytesLeft,
		Left:       tc.bytesLeft,
		Event:      event,
		NumWant:    tc.config.PeerConnectionCountTarget,
		TrackerID:  tc.trackerID,
		Key:        tc.announceKey,
	}

	go func() {
		resp, err := tc.announcer.Announce(req)
		tc.enqueue(func() { tc.onAnnounceResultLoop(url, resp, err) })
	}()
}

func (tc *TorrentCoordinator) onAnnounceResultLoop(url string, resp AnnounceResponse, err error) {
	if err != nil {
		tc.log().Warnf("Announce to %s failed: %s", url, err)
		tc.advanceAnnounceCursor()
		tc.announceTimer.Reset(tc.config.AnnounceRetryInterval)
		return
	}

	tc.trackerID = resp.TrackerID
	tc.promoteURL(url)

	for _, p := range resp.Peers {
		tc.peersKnown[p.Addr()] = p
	}

	interval := resp.Interval
	if interval == 0 {
		interval = tc.config.AnnounceDefaultInterval
	}
	if interval < tc.config.AnnounceMinInterval {
		interval = tc.config.AnnounceMinInterval
	}
	tc.announceTimer.Reset(interval)
}
