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

// Package wire implements the BitTorrent wire protocol's framing: the
// 68-byte handshake and the length-prefixed message stream (BEP 3) plus
// the Fast Extension messages (BEP 6).
package wire

import (
	"io"

	"github.com/dhagan/peerwire/core"
)

// Protocol is the BT handshake's fixed protocol name.
const Protocol = "BitTorrent protocol"

// Reserved-byte feature bits, counted from the low end of the 8-byte
// reserved field (byte 7, bit 0x04 is the canonical Fast Extension flag).
const (
	ReservedFastExtension byte = 0x04 // reserved[7] & 0x04
	ReservedDHT           byte = 0x01 // reserved[7] & 0x01, informational only
)

// Handshake is the 68-byte BT handshake message.
type Handshake struct {
	Reserved [8]byte
	InfoHash core.InfoHash
	PeerID   core.PeerID
}

// SupportsFastExtension reports whether the peer advertised BEP 6.
func (h Handshake) SupportsFastExtension() bool {
	return h.Reserved[7]&ReservedFastExtension != 0
}

// Marshal encodes h as the 68-byte wire representation.
func (h Handshake) Marshal() []byte {
	b := make([]byte, 0, 68)
	b = append(b, byte(len(Protocol)))
	b = append(b, Protocol...)
	b = append(b, h.Reserved[:]...)
	b = append(b, h.InfoHash[:]...)
	b = append(b, h.PeerID[:]...)
	return b
}

// WriteHandshake marshals and writes h to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := w.Write(h.Marshal())
	return err
}

// ReadHandshake reads a 68-byte BT handshake from r. pstrlen must already
// have been consumed by the caller (the first-byte dispatch that decides
// whether this is a BT connection or an MSE candidate); the remaining
// 67 + len(Protocol)-19 bytes are read here. For the standard protocol
// name, callers should use ReadHandshakeFull instead, which reads pstrlen
// itself.
func ReadHandshake(r io.Reader, pstrlen byte) (Handshake, error) {
	rest := make([]byte, int(pstrlen)+8+20+20)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Handshake{}, err
	}
	var h Handshake
	copy(h.Reserved[:], rest[pstrlen:pstrlen+8])
	copy(h.InfoHash[:], rest[pstrlen+8:pstrlen+28])
	copy(h.PeerID[:], rest[pstrlen+28:pstrlen+48])
	return h, nil
}

// ReadHandshakeFull reads the pstrlen byte and the rest of the handshake.
func ReadHandshakeFull(r io.Reader) (Handshake, error) {
	var lenBuf [1]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Handshake{}, err
	}
	return ReadHandshake(r, lenBuf[0])
}
