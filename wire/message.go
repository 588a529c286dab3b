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
package wire

import (
	"encoding/binary"
	"io"

	"github.com/dhagan/peerwire/core"
)

// MessageID identifies a post-handshake BT message.
type MessageID byte

// Message IDs, BEP 3 plus the BEP 6 Fast Extension additions.
const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	SuggestPiece  MessageID = 13
	HaveAll       MessageID = 14
	HaveNone      MessageID = 15
	RejectRequest MessageID = 16
	AllowedFast   MessageID = 17
)

// MaxMessageLength bounds a single message's length prefix, sized for a
// BITFIELD covering a 262144-piece torrent (262144/8 + 1 id byte, rounded
// up) per SPEC_FULL.md.
const MaxMessageLength = 32769

// MaxRequestLength is the largest block length a REQUEST may ask for.
const MaxRequestLength = 65536

// Message is one decoded post-handshake BT message. A keepalive decodes
// to the zero Message (HasID false).
type Message struct {
	HasID   bool
	ID      MessageID
	Index   int
	Begin   int
	Length  int
	Block   []byte
	Bitmask []byte
}

// Keepalive reports whether m is an empty keepalive message.
func (m Message) Keepalive() bool {
	return !m.HasID
}

// WriteKeepalive writes a zero-length keepalive message.
func WriteKeepalive(w io.Writer) error {
	return writeFrame(w, nil)
}

// WriteSimple writes a bare CHOKE/UNCHOKE/INTERESTED/NOT_INTERESTED/
// HAVE_ALL/HAVE_NONE-style message carrying no payload besides the id.
func WriteSimple(w io.Writer, id MessageID) error {
	return writeFrame(w, []byte{byte(id)})
}

// WriteHave writes a HAVE(piece) message.
func WriteHave(w io.Writer, piece int) error {
	buf := make([]byte, 5)
	buf[0] = byte(Have)
	binary.BigEndian.PutUint32(buf[1:], uint32(piece))
	return writeFrame(w, buf)
}

// WriteBitfield writes a BITFIELD message carrying raw, with id 5.
func WriteBitfield(w io.Writer, raw []byte) error {
	buf := make([]byte, 1+len(raw))
	buf[0] = byte(Bitfield)
	copy(buf[1:], raw)
	return writeFrame(w, buf)
}

// WriteRequestLike writes a REQUEST, CANCEL, or REJECT REQUEST message (all
// three share the (piece, begin, length) payload shape).
func WriteRequestLike(w io.Writer, id MessageID, piece, begin, length int) error {
	buf := make([]byte, 13)
	buf[0] = byte(id)
	binary.BigEndian.PutUint32(buf[1:5], uint32(piece))
	binary.BigEndian.PutUint32(buf[5:9], uint32(begin))
	binary.BigEndian.PutUint32(buf[9:13], uint32(length))
	return writeFrame(w, buf)
}

// WritePiece writes a PIECE(piece, begin, block) message.
func WritePiece(w io.Writer, piece, begin int, block []byte) error {
	buf := make([]byte, 9+len(block))
	buf[0] = byte(Piece)
	binary.BigEndian.PutUint32(buf[1:5], uint32(piece))
	binary.BigEndian.PutUint32(buf[5:9], uint32(begin))
	copy(buf[9:], block)
	return writeFrame(w, buf)
}

// WritePieceIndex writes a SUGGEST PIECE(piece) or ALLOWED FAST(piece)
// message (both share the single-piece-index payload shape).
func WritePieceIndex(w io.Writer, id MessageID, piece int) error {
	buf := make([]byte, 5)
	buf[0] = byte(id)
	binary.BigEndian.PutUint32(buf[1:], uint32(piece))
	return writeFrame(w, buf)
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// ReadMessage reads one length-prefixed message from r, decoding it into
// the shared Message shape. Messages exceeding MaxMessageLength return a
// protocol error.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Message{}, nil
	}
	if length > MaxMessageLength {
		return Message{}, core.NewProtocolError("wire: message length %d exceeds max %d", length, MaxMessageLength)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, err
	}
	id := MessageID(payload[0])
	body := payload[1:]
	m := Message{HasID: true, ID: id}
	switch id {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
		// no payload
	case Have, SuggestPiece, AllowedFast:
		if len(body) != 4 {
			return Message{}, core.NewProtocolError("wire: message id %d expects 4-byte payload, got %d", id, len(body))
		}
		m.Index = int(binary.BigEndian.Uint32(body))
	case Bitfield:
		m.Bitmask = body
	case Request, Cancel, RejectRequest:
		if len(body) != 12 {
			return Message{}, core.NewProtocolError("wire: message id %d expects 12-byte payload, got %d", id, len(body))
		}
		m.Index = int(binary.BigEndian.Uint32(body[0:4]))
		m.Begin = int(binary.BigEndian.Uint32(body[4:8]))
		m.Length = int(binary.BigEndian.Uint32(body[8:12]))
	case Piece:
		if len(body) < 8 {
			return Message{}, core.NewProtocolError("wire: PIECE payload too short: %d bytes", len(body))
		}
		m.Index = int(binary.BigEndian.Uint32(body[0:4]))
		m.Begin = int(binary.BigEndian.Uint32(body[4:8]))
		m.Block = body[8:]
	default:
		return Message{}, core.NewProtocolError("wire: unknown message id %d", id)
	}
	return m, nil
}
