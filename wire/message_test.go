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
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeepaliveRoundTrip(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	require.NoError(WriteKeepalive(&buf))
	m, err := ReadMessage(&buf)
	require.NoError(err)
	require.True(m.Keepalive())
}

func TestSimpleMessageRoundTrip(t *testing.T) {
	require := require.New(t)

	for _, id := range []MessageID{Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone} {
		var buf bytes.Buffer
		require.NoError(WriteSimple(&buf, id))
		m, err := ReadMessage(&buf)
		require.NoError(err)
		require.True(m.HasID)
		require.Equal(id, m.ID)
	}
}

func TestHaveRoundTrip(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	require.NoError(WriteHave(&buf, 42))
	m, err := ReadMessage(&buf)
	require.NoError(err)
	require.Equal(Have, m.ID)
	require.Equal(42, m.Index)
}

func TestBitfieldRoundTrip(t *testing.T) {
	require := require.New(t)

	raw := []byte{0xff, 0x0f}
	var buf bytes.Buffer
	require.NoError(WriteBitfield(&buf, raw))
	m, err := ReadMessage(&buf)
	require.NoError(err)
	require.Equal(Bitfield, m.ID)
	require.Equal(raw, m.Bitmask)
}

func TestRequestCancelRejectRoundTrip(t *testing.T) {
	require := require.New(t)

	for _, id := range []MessageID{Request, Cancel, RejectRequest} {
		var buf bytes.Buffer
		require.NoError(WriteRequestLike(&buf, id, 1, 16384, 32768))
		m, err := ReadMessage(&buf)
		require.NoError(err)
		require.Equal(id, m.ID)
		require.Equal(1, m.Index)
		require.Equal(16384, m.Begin)
		require.Equal(32768, m.Length)
	}
}

func TestPieceRoundTrip(t *testing.T) {
	require := require.New(t)

	block := []byte("some block data")
	var buf bytes.Buffer
	require.NoError(WritePiece(&buf, 3, 0, block))
	m, err := ReadMessage(&buf)
	require.NoError(err)
	require.Equal(Piece, m.ID)
	require.Equal(3, m.Index)
	require.Equal(0, m.Begin)
	require.Equal(block, m.Block)
}

func TestSuggestPieceAndAllowedFastRoundTrip(t *testing.T) {
	require := require.New(t)

	for _, id := range []MessageID{SuggestPiece, AllowedFast} {
		var buf bytes.Buffer
		require.NoError(WritePieceIndex(&buf, id, 7))
		m, err := ReadMessage(&buf)
		require.NoError(err)
		require.Equal(id, m.ID)
		require.Equal(7, m.Index)
	}
}

func TestReadMessageRejectsOversizeLength(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	require.NoError(WriteBitfield(&buf, make([]byte, MaxMessageLength+1)))
	_, err := ReadMessage(&buf)
	require.Error(err)
}

func TestReadMessageRejectsMalformedHave(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	// HAVE payload must be exactly 4 bytes; write 2 instead.
	buf.Write([]byte{0, 0, 0, 3, byte(Have), 0, 1})
	_, err := ReadMessage(&buf)
	require.Error(err)
}
