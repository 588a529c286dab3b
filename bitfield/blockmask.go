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

// Geometry describes how a torrent's pieces divide into fixed-size blocks.
// The final piece is usually shorter than PieceLength, so it also has fewer
// (but at least one) blocks than the rest.
type Geometry struct {
	// PieceCount is the total number of pieces, N.
	PieceCount int
	// PieceLength is the length in bytes of every piece except the last.
	PieceLength int64
	// LastPieceLength is the length in bytes of the final piece.
	LastPieceLength int64
	// BlockLength is the length in bytes of one block (default 16 KiB).
	BlockLength int64
}

// BlocksPerPiece returns ceil(PieceLength / BlockLength).
func (g Geometry) BlocksPerPiece() int {
	return blockCount(g.PieceLength, g.BlockLength)
}

// BlocksPerLastPiece returns ceil(LastPieceLength / BlockLength).
func (g Geometry) BlocksPerLastPiece() int {
	return blockCount(g.LastPieceLength, g.BlockLength)
}

func blockCount(length, blockLength int64) int {
	n := int(length / blockLength)
	if length%blockLength != 0 {
		n++
	}
	return n
}

// TotalBlocks returns the total number of block slots across the torrent.
func (g Geometry) TotalBlocks() int {
	if g.PieceCount == 0 {
		return 0
	}
	return (g.PieceCount-1)*g.BlocksPerPiece() + g.BlocksPerLastPiece()
}

// Index maps a (piece, sub-piece) block coordinate to its linear bit index.
func (g Geometry) Index(p, s int) int {
	return p*g.BlocksPerPiece() + s
}

// NumBlocksInPiece returns how many blocks piece p has.
func (g Geometry) NumBlocksInPiece(p int) int {
	if p == g.PieceCount-1 {
		return g.BlocksPerLastPiece()
	}
	return g.BlocksPerPiece()
}

// BlockMask is a BitMask over every block in a torrent, addressed by
// (piece, sub-piece) coordinates via the torrent's Geometry.
type BlockMask struct {
	*BitMask
	geo Geometry
}

// NewBlockMask allocates an empty BlockMask for the given geometry.
func NewBlockMask(geo Geometry) *BlockMask {
	return &BlockMask{BitMask: New(geo.TotalBlocks()), geo: geo}
}

// Geometry returns the geometry this BlockMask was built with.
func (bm *BlockMask) Geometry() Geometry {
	return bm.geo
}

// GetBlock returns whether block (p, s) is set.
func (bm *BlockMask) GetBlock(p, s int) bool {
	return bm.Get(bm.geo.Index(p, s))
}

// SetBlock assigns block (p, s).
func (bm *BlockMask) SetBlock(p, s int, v bool) {
	bm.Set(bm.geo.Index(p, s), v)
}

// PieceComplete reports whether every block of piece p is set.
func (bm *BlockMask) PieceComplete(p int) bool {
	n := bm.geo.NumBlocksInPiece(p)
	for s := 0; s < n; s++ {
		if !bm.GetBlock(p, s) {
			return false
		}
	}
	return true
}

// ClearPiece clears every block bit of piece p, forcing it to be
// re-downloaded from scratch.
func (bm *BlockMask) ClearPiece(p int) {
	n := bm.geo.NumBlocksInPiece(p)
	for s := 0; s < n; s++ {
		bm.SetBlock(p, s, false)
	}
}
