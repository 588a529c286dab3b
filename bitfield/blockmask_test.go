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

// Scenario A geometry from the spec: length 2049, P=1024, B=512 -> N=3,
// P_last=1, blocks_per_piece=2, blocks_per_piece_last=1.
func scenarioAGeometry() Geometry {
	return Geometry{
		PieceCount:      3,
		PieceLength:     1024,
		LastPieceLength: 1,
		BlockLength:     512,
	}
}

func TestGeometryBlockCounts(t *testing.T) {
	require := require.New(t)

	g := scenarioAGeometry()
	require.Equal(2, g.BlocksPerPiece())
	require.Equal(1, g.BlocksPerLastPiece())
	require.LessOrEqual(g.BlocksPerLastPiece(), g.BlocksPerPiece())
	require.Equal(5, g.TotalBlocks())
}

func TestBlockMaskPieceComplete(t *testing.T) {
	require := require.New(t)

	g := scenarioAGeometry()
	bm := NewBlockMask(g)

	require.False(bm.PieceComplete(0))
	bm.SetBlock(0, 0, true)
	require.False(bm.PieceComplete(0))
	bm.SetBlock(0, 1, true)
	require.True(bm.PieceComplete(0))

	// Last piece has only one block.
	require.False(bm.PieceComplete(2))
	bm.SetBlock(2, 0, true)
	require.True(bm.PieceComplete(2))
}

func TestBlockMaskClearPiece(t *testing.T) {
	require := require.New(t)

	g := scenarioAGeometry()
	bm := NewBlockMask(g)
	bm.SetBlock(0, 0, true)
	bm.SetBlock(0, 1, true)
	require.True(bm.PieceComplete(0))

	bm.ClearPiece(0)
	require.False(bm.PieceComplete(0))
	require.False(bm.GetBlock(0, 0))
	require.False(bm.GetBlock(0, 1))
}

func TestGeometryIndexLinearAndDistinct(t *testing.T) {
	require := require.New(t)

	g := scenarioAGeometry()
	seen := map[int]bool{}
	for p := 0; p < g.PieceCount; p++ {
		for s := 0; s < g.NumBlocksInPiece(p); s++ {
			idx := g.Index(p, s)
			require.False(seen[idx], "duplicate index %d for (%d,%d)", idx, p, s)
			seen[idx] = true
		}
	}
	require.Len(seen, g.TotalBlocks())
}
