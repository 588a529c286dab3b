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
	"bufio"
	"net"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/dhagan/peerwire/bandwidth"
	"github.com/dhagan/peerwire/core"
	"github.com/dhagan/peerwire/mse"
	"github.com/dhagan/peerwire/wire"
)

// CryptoPolicy controls whether a connection attempts Message Stream
// Encryption, mirroring the teacher's Agent.DisableEncryption /
// ForceEncryption / PreferNoEncryption tri-state.
type CryptoPolicy int

const (
	// CryptoPreferEncrypted offers both Plain and ARC4 but is willing to
	// accept either (the default).
	CryptoPreferEncrypted CryptoPolicy = iota
	// CryptoPreferPlain offers both but prefers Plain (matches the
	// handshake engine's own tie-break, so this is equivalent to
	// CryptoPreferEncrypted in practice and kept only for readability at
	// call sites built from PreferNoEncryption).
	CryptoPreferPlain
	// CryptoDisabled never attempts MSE; always a plaintext BT handshake.
	CryptoDisabled
	// CryptoRequired only ever offers/accepts ARC4; plaintext connections
	// are rejected.
	CryptoRequired
)

func (p CryptoPolicy) provide() mse.CryptoMethod {
	switch p {
	case CryptoRequired:
		return mse.MethodARC4
	default:
		return mse.MethodPlain | mse.MethodARC4
	}
}

// InfoHashLookup resolves which torrent (by piece count, for sizing the
// peer piece bitmap) a handshake's info hash belongs to. ok is false for
// an unknown torrent, which closes the connection as an unknown-torrent
// error.
type InfoHashLookup func(core.InfoHash) (numPieces int, ok bool)

// Deps bundles the dependencies every constructed Conn shares, threaded
// through from the owning Client/TorrentCoordinator.
type Deps struct {
	Config    Config
	Clock     clock.Clock
	Stats     tally.Scope
	Governor  *bandwidth.Governor
	Handler   Handler
	Logger    *zap.SugaredLogger
	LocalPeer core.PeerID
	Crypto    CryptoPolicy
}

// bufConn lets us peek the first byte of a fresh connection to decide
// between the plaintext BT handshake and the MSE state machine without
// losing that byte.
type bufConn struct {
	net.Conn
	r *bufio.Reader
}

func newBufConn(nc net.Conn) *bufConn {
	return &bufConn{Conn: nc, r: bufio.NewReaderSize(nc, 16)}
}

func (b *bufConn) Read(p []byte) (int, error) { return b.r.Read(p) }

// prefixedConn replays a leftover prefix before falling through to the
// underlying connection; used to splice an MSE handshake's decrypted IA
// back into the BT message stream.
type prefixedConn struct {
	net.Conn
	prefix []byte
}

func (p *prefixedConn) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}

// AcceptIncoming performs the first-byte dispatch described for the Peer
// Connection component: \x13 proceeds as a plaintext BT handshake,
// anything else is treated as an MSE candidate. lookup resolves both the
// MSE SKEY search (via allHashes) and, once an info hash is known, the
// torrent's piece count for sizing the new Conn's peer piece bitmap.
func AcceptIncoming(nc net.Conn, deps Deps, allHashes func() []core.InfoHash, lookup InfoHashLookup) (*Conn, error) {
	config := deps.Config.applyDefaults()
	if err := nc.SetDeadline(time.Now().Add(config.HandshakeTimeout)); err != nil {
		nc.Close()
		return nil, err
	}

	bc := newBufConn(nc)
	first, err := bc.r.Peek(1)
	if err != nil {
		nc.Close()
		return nil, err
	}

	if first[0] == 0x13 {
		if deps.Crypto == CryptoRequired {
			nc.Close()
			return nil, core.NewProtocolError("conn: plaintext handshake rejected, encryption required")
		}
		hs, err := wire.ReadHandshakeFull(bc)
		if err != nil {
			nc.Close()
			return nil, err
		}
		return finishIncoming(bc, deps, hs, lookup)
	}

	if deps.Crypto == CryptoDisabled {
		nc.Close()
		return nil, core.NewProtocolError("conn: MSE handshake rejected, encryption disabled")
	}
	result, err := mse.NegotiateIncoming(bc, allHashes, deps.Crypto.provide())
	if err != nil {
		nc.Close()
		return nil, err
	}
	pc := &prefixedConn{Conn: result.Conn, prefix: result.IA}
	hs, err := wire.ReadHandshakeFull(pc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return finishIncoming(pc, deps, hs, lookup)
}

func finishIncoming(nc net.Conn, deps Deps, hs wire.Handshake, lookup InfoHashLookup) (*Conn, error) {
	if hs.PeerID == deps.LocalPeer {
		nc.Close()
		return nil, core.NewProtocolError("conn: rejecting self-connection")
	}
	numPieces, ok := lookup(hs.InfoHash)
	if !ok {
		nc.Close()
		return nil, core.NewUnknownTorrentError("conn: unknown torrent %s", hs.InfoHash)
	}

	reply := wire.Handshake{InfoHash: hs.InfoHash, PeerID: deps.LocalPeer}
	reply.Reserved[7] |= wire.ReservedFastExtension
	if err := wire.WriteHandshake(nc, reply); err != nil {
		nc.Close()
		return nil, err
	}

	fast := hs.SupportsFastExtension() && reply.SupportsFastExtension()
	config := deps.Config.applyDefaults()
	c, err := newConn(config, deps.Clock, deps.Stats, deps.Governor, deps.Handler, nc,
		deps.LocalPeer, hs.PeerID, hs.InfoHash, numPieces, true, fast, deps.Logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	c.MarkHandshakeSent()
	if err := nc.SetDeadline(time.Time{}); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// DialOutgoing dials addr and performs the BT/MSE handshake as the
// connecting side, embedding our own BT handshake as the MSE initial
// payload (IA) when encryption is attempted so the responder can splice
// it back without an extra round trip.
func DialOutgoing(addr string, infoHash core.InfoHash, numPieces int, deps Deps) (*Conn, error) {
	config := deps.Config.applyDefaults()
	nc, err := net.DialTimeout("tcp", addr, config.HandshakeTimeout)
	if err != nil {
		return nil, err
	}
	if err := nc.SetDeadline(time.Now().Add(config.HandshakeTimeout)); err != nil {
		nc.Close()
		return nil, err
	}

	ourHandshake := wire.Handshake{InfoHash: infoHash, PeerID: deps.LocalPeer}
	ourHandshake.Reserved[7] |= wire.ReservedFastExtension

	var rw net.Conn = nc
	if deps.Crypto != CryptoDisabled {
		result, err := mse.NegotiateOutgoing(nc, infoHash, deps.Crypto.provide(), ourHandshake.Marshal())
		if err != nil {
			nc.Close()
			return nil, err
		}
		rw = result.Conn
	} else {
		if err := wire.WriteHandshake(nc, ourHandshake); err != nil {
			nc.Close()
			return nil, err
		}
	}

	hs, err := wire.ReadHandshakeFull(rw)
	if err != nil {
		nc.Close()
		return nil, err
	}
	if hs.InfoHash != infoHash {
		nc.Close()
		return nil, core.NewProtocolError("conn: info hash mismatch on outgoing handshake")
	}
	if hs.PeerID == deps.LocalPeer {
		nc.Close()
		return nil, core.NewProtocolError("conn: rejecting self-connection")
	}

	fast := hs.SupportsFastExtension() && ourHandshake.SupportsFastExtension()
	c, err := newConn(config, deps.Clock, deps.Stats, deps.Governor, deps.Handler, rw,
		deps.LocalPeer, hs.PeerID, infoHash, numPieces, false, fast, deps.Logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	c.MarkHandshakeSent()
	if err := rw.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return c, nil
}
