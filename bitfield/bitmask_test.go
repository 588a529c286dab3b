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
package bitfield

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitMaskSetGetRoundTrip(t *testing.T) {
	require := require.New(t)

	m := New(20)
	for _, i := range []int{0, 1, 5, 19} {
		m.Set(i, true)
	}
	for i := 0; i < 20; i++ {
		want := i == 0 || i == 1 || i == 5 || i == 19
		require.Equal(want, m.Get(i), "bit %d", i)
	}
	require.Equal(4, m.Popcount())
}

func TestBitMaskPopcountMatchesSetBits(t *testing.T) {
	require := require.New(t)

	m := New(37)
	set := map[int]bool{}
	for _, i := range []int{0, 3, 8, 9, 16, 36} {
		m.Set(i, true)
		set[i] = true
	}
	count := 0
	for i := 0; i < m.Len(); i++ {
		if m.Get(i) {
			count++
		}
	}
	require.Equal(count, m.Popcount())
	require.Equal(len(set), m.Popcount())
}

func TestBitMaskMSBFirst(t *testing.T) {
	require := require.New(t)

	m := New(8)
	m.Set(0, true)
	require.Equal(byte(0x80), m.Bytes()[0])

	m = New(8)
	m.Set(7, true)
	require.Equal(byte(0x01), m.Bytes()[0])
}

func TestFullSetsExactlyNBits(t *testing.T) {
	require := require.New(t)

	m := Full(3)
	require.Equal(3, m.Popcount())
	require.Equal(byte(0xE0), m.Bytes()[0])
}

func TestFromBytesPreservesTail(t *testing.T) {
	require := require.New(t)

	// 3 bits used, tail 5 bits arbitrary garbage that must survive verbatim.
	raw := []byte{0b11101101}
	m, err := FromBytes(raw, 3)
	require.NoError(err)
	require.True(m.Get(0))
	require.True(m.Get(1))
	require.True(m.Get(2))
	require.Equal(raw, m.Bytes())

	m.Set(1, false)
	require.Equal(byte(0b10101101), m.Bytes()[0])
}

func TestFromBytesWrongLength(t *testing.T) {
	require := require.New(t)

	_, err := FromBytes([]byte{0, 0}, 3)
	require.Error(err)
}

func TestBitMaskGetSetOutOfRangePanics(t *testing.T) {
	m := New(4)
	require.Panics(t, func() { m.Get(4) })
	require.Panics(t, func() { m.Set(-1, true) })
}

func TestBitMaskCloneIndependent(t *testing.T) {
	require := require.New(t)

	m := New(8)
	m.Set(0, true)
	c := m.Clone()
	c.Set(1, true)

	require.False(m.Get(1))
	require.True(c.Get(1))
	require.True(m.Equal(m.Clone()))
	require.False(m.Equal(c))
}
