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

// Package mse implements Message Stream Encryption v1.0: a Diffie-Hellman
// key exchange followed by a two-hash peer/torrent identification step,
// after which the connection continues in the clear or under ARC4.
//
// Both NegotiateIncoming and NegotiateOutgoing block on the supplied
// net.Conn; callers run them from the per-connection goroutine that owns
// that conn, the same way the rest of this module keeps blocking I/O off
// any single-threaded event loop.
package mse

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"io"
	"net"

	"github.com/dhagan/peerwire/core"
)

// PadMaxLen bounds the random padding sent alongside a DH public key, per
// the MSE spec's "0 to 512 bytes" allowance.
const PadMaxLen = 512

const (
	reqSyncMaxScan = 628 // 512 (PadA) + 20 (HASH('req1'+S)) + slack, per spec
	vcSyncMaxScan  = 520 // 512 (PadB) + 8 (VC), per the mirrored role
)

var zeroVC = make([]byte, 8)

// InfoHashLookup returns every info-hash this process currently manages,
// used to resolve an incoming connection's SKEY by exhaustive search.
type InfoHashLookup func() []core.InfoHash

// Result is the outcome of a completed MSE handshake.
type Result struct {
	Conn     *Conn
	Method   CryptoMethod
	IA       []byte // peer's already-decrypted initial payload, to splice back
	InfoHash core.InfoHash
}

// NegotiateIncoming runs the MSE handshake as the accepting side of a
// connection whose first byte was not the BT handshake's 0x13. lookup
// resolves the peer's SKEY; provide is the set of crypto methods this
// process is willing to use.
func NegotiateIncoming(conn net.Conn, lookup InfoHashLookup, provide CryptoMethod) (*Result, error) {
	kp, err := newDHKeypair()
	if err != nil {
		return nil, err
	}
	padB, err := randPad(PadMaxLen)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(kp.pubBytes(), padB...)); err != nil {
		return nil, err
	}

	yaBytes := make([]byte, 96)
	if _, err := io.ReadFull(conn, yaBytes); err != nil {
		return nil, err
	}
	ya := bytesToBig(yaBytes)
	s := kp.sharedSecret(ya)

	marker := sha1Sum([]byte("req1"), s)
	if err := scanForMarker(conn, marker, reqSyncMaxScan, nil); err != nil {
		return nil, err
	}

	hash2 := make([]byte, 20)
	if _, err := io.ReadFull(conn, hash2); err != nil {
		return nil, err
	}
	infoHash, skey, err := resolveSKEY(hash2, s, lookup)
	if err != nil {
		return nil, err
	}

	// Accepting side: encrypt with keyB, decrypt with keyA.
	encStream, err := newARC4Stream(arc4Key("keyB", s, skey))
	if err != nil {
		return nil, err
	}
	decStream, err := newARC4Stream(arc4Key("keyA", s, skey))
	if err != nil {
		return nil, err
	}
	c := &codec{enc: encStream, dec: decStream}

	head := make([]byte, 14)
	if _, err := io.ReadFull(conn, head); err != nil {
		return nil, err
	}
	c.decrypt(head)
	if !bytes.Equal(head[:8], zeroVC) {
		return nil, core.NewMSEProtocolError("mse: bad VC in initial crypto chunk")
	}
	cryptoProvide := CryptoMethod(binary.BigEndian.Uint32(head[8:12]))
	padCLen := int(binary.BigEndian.Uint16(head[12:14]))

	if padCLen > 0 {
		if err := discard(conn, padCLen, c.decrypt); err != nil {
			return nil, err
		}
	}

	iaLenBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, iaLenBuf); err != nil {
		return nil, err
	}
	c.decrypt(iaLenBuf)
	iaLen := int(binary.BigEndian.Uint16(iaLenBuf))

	ia := make([]byte, iaLen)
	if iaLen > 0 {
		if _, err := io.ReadFull(conn, ia); err != nil {
			return nil, err
		}
		c.decrypt(ia)
	}

	method := choose(cryptoProvide, provide)
	if method == 0 {
		return nil, core.NewMSEProtocolError("mse: no common crypto method (provide=%d, provided=%d)", provide, cryptoProvide)
	}

	resp := make([]byte, 0, 8+4+2)
	resp = append(resp, zeroVC...)
	resp = appendU32(resp, uint32(method))
	resp = appendU16(resp, 0) // padD length
	c.encrypt(resp)
	if _, err := conn.Write(resp); err != nil {
		return nil, err
	}

	if method == MethodPlain {
		c = &codec{}
	}

	return &Result{
		Conn:     &Conn{Conn: conn, codec: c, Method: method},
		Method:   method,
		IA:       ia,
		InfoHash: infoHash,
	}, nil
}

// NegotiateOutgoing runs the MSE handshake as the connecting side, for a
// connection to a peer known to be serving infoHash. ia is our own initial
// payload (typically the 68-byte BT handshake), sent encrypted as part of
// the handshake rather than afterward.
func NegotiateOutgoing(conn net.Conn, infoHash core.InfoHash, provide CryptoMethod, ia []byte) (*Result, error) {
	kp, err := newDHKeypair()
	if err != nil {
		return nil, err
	}
	padA, err := randPad(PadMaxLen)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(kp.pubBytes(), padA...)); err != nil {
		return nil, err
	}

	ybBytes := make([]byte, 96)
	if _, err := io.ReadFull(conn, ybBytes); err != nil {
		return nil, err
	}
	yb := bytesToBig(ybBytes)
	s := kp.sharedSecret(yb)

	skey := infoHash.Bytes()

	req1 := sha1Sum([]byte("req1"), s)
	req2 := sha1Sum([]byte("req2"), skey)
	req3 := sha1Sum([]byte("req3"), s)
	hash2 := xorBytes(req2, req3)

	// Connecting side: encrypt with keyA, decrypt with keyB.
	encStream, err := newARC4Stream(arc4Key("keyA", s, skey))
	if err != nil {
		return nil, err
	}
	decStream, err := newARC4Stream(arc4Key("keyB", s, skey))
	if err != nil {
		return nil, err
	}
	c := &codec{enc: encStream, dec: decStream}

	padC, err := randPad(PadMaxLen)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, 0, 8+4+2+len(padC)+2+len(ia))
	plain = append(plain, zeroVC...)
	plain = appendU32(plain, uint32(provide))
	plain = appendU16(plain, uint16(len(padC)))
	plain = append(plain, padC...)
	plain = appendU16(plain, uint16(len(ia)))
	plain = append(plain, ia...)
	c.encrypt(plain)

	out := make([]byte, 0, len(req1)+len(hash2)+len(plain))
	out = append(out, req1...)
	out = append(out, hash2...)
	out = append(out, plain...)
	if _, err := conn.Write(out); err != nil {
		return nil, err
	}

	// The responder's Yb write may have been immediately followed by its
	// own random padding, already sitting unread ahead of its final
	// message; scan the decrypted stream for the VC marker to skip it.
	if err := scanForMarker(conn, zeroVC, vcSyncMaxScan, c.decrypt); err != nil {
		return nil, err
	}

	rest := make([]byte, 6)
	if _, err := io.ReadFull(conn, rest); err != nil {
		return nil, err
	}
	c.decrypt(rest)
	cryptoSelect := CryptoMethod(binary.BigEndian.Uint32(rest[:4]))
	padDLen := int(binary.BigEndian.Uint16(rest[4:6]))
	if padDLen > 0 {
		if err := discard(conn, padDLen, c.decrypt); err != nil {
			return nil, err
		}
	}

	method := cryptoSelect & provide
	if method == 0 {
		return nil, core.NewMSEProtocolError("mse: peer selected unsupported crypto method %d", cryptoSelect)
	}
	if method == MethodPlain {
		c = &codec{}
	}

	return &Result{
		Conn:   &Conn{Conn: conn, codec: c, Method: method},
		Method: method,
	}, nil
}

func choose(provide, ours CryptoMethod) CryptoMethod {
	common := provide & ours
	if common&MethodPlain != 0 {
		return MethodPlain
	}
	if common&MethodARC4 != 0 {
		return MethodARC4
	}
	return 0
}

func resolveSKEY(hash2 []byte, s []byte, lookup InfoHashLookup) (core.InfoHash, []byte, error) {
	req3 := sha1Sum([]byte("req3"), s)
	for _, ih := range lookup() {
		skey := ih.Bytes()
		req2 := sha1Sum([]byte("req2"), skey)
		candidate := xorBytes(req2, req3)
		if bytes.Equal(candidate, hash2) {
			return ih, skey, nil
		}
	}
	return core.InfoHash{}, nil, core.NewUnknownTorrentError("mse: no managed torrent matches SKEY hash")
}

// scanForMarker consumes bytes one at a time (optionally decrypting each
// via decrypt) until the trailing window matches marker, discarding
// everything up to and including the match. Returns an error if marker
// isn't found within maxScan bytes.
func scanForMarker(r io.Reader, marker []byte, maxScan int, decrypt func([]byte)) error {
	window := make([]byte, 0, len(marker))
	one := make([]byte, 1)
	for scanned := 0; scanned <= maxScan; scanned++ {
		if _, err := io.ReadFull(r, one); err != nil {
			return err
		}
		if decrypt != nil {
			decrypt(one)
		}
		window = append(window, one[0])
		if len(window) > len(marker) {
			window = window[1:]
		}
		if bytes.Equal(window, marker) {
			return nil
		}
	}
	return core.NewMSEProtocolError("mse: sync marker not found within %d bytes", maxScan)
}

func discard(r io.Reader, n int, decrypt func([]byte)) error {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	if decrypt != nil {
		decrypt(buf)
	}
	return nil
}

func sha1Sum(parts ...[]byte) []byte {
	h := sha1.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func appendU32(b []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}

func appendU16(b []byte, v uint16) []byte {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return append(b, buf[:]...)
}
