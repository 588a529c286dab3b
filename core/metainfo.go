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
package core

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"math/rand"

	bencode "github.com/jackpal/bencode-go"
)

// ErrEmptyAnnounceList returned when a MetaInfo has no announce URLs at all.
var ErrEmptyAnnounceList = errors.New("metainfo has no announce urls")

// File describes one file within a (possibly multi-file) torrent, relative
// to the torrent's base directory.
type File struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// info is the bencoded "info" dictionary. Its exact encoding is the input to
// the InfoHash computation, so field names and omitted-when-empty behavior
// are load-bearing.
type info struct {
	Files       []File `bencode:"files,omitempty"`
	Length      int64  `bencode:"length,omitempty"`
	Name        string `bencode:"name"`
	PieceLength int64  `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
}

func (info *info) hash() (InfoHash, error) {
	var b bytes.Buffer
	if err := bencode.Marshal(&b, *info); err != nil {
		return InfoHash{}, fmt.Errorf("bencode: %s", err)
	}
	return NewInfoHashFromBytes(b.Bytes()), nil
}

// MetaInfo is the decoded, read-only contents of a .torrent file: piece
// geometry, file layout, piece hashes and announce URL tiers. It never
// changes after being loaded.
type MetaInfo struct {
	info         info
	infoHash     InfoHash
	announceList [][]string
}

// NewSingleFileMetaInfo builds a MetaInfo for a torrent with a single file
// named name, hashing blob in pieceLength chunks.
func NewSingleFileMetaInfo(
	name string, blob io.Reader, pieceLength int64, announceList [][]string) (*MetaInfo, error) {

	length, pieces, err := hashPieces(blob, pieceLength)
	if err != nil {
		return nil, err
	}
	return newMetaInfo(info{
		PieceLength: pieceLength,
		Pieces:      pieces,
		Name:        name,
		Length:      length,
	}, announceList)
}

// NewMultiFileMetaInfo builds a MetaInfo for a torrent with multiple files,
// concatenated in the order given for piece hashing purposes.
func NewMultiFileMetaInfo(
	name string, files []File, blob io.Reader, pieceLength int64, announceList [][]string) (*MetaInfo, error) {

	if len(files) == 0 {
		return nil, errors.New("no files supplied")
	}
	var total int64
	for _, f := range files {
		total += f.Length
	}
	length, pieces, err := hashPieces(blob, pieceLength)
	if err != nil {
		return nil, err
	}
	mi, err := newMetaInfo(info{
		PieceLength: pieceLength,
		Pieces:      pieces,
		Name:        name,
		Files:       files,
	}, announceList)
	if err != nil {
		return nil, err
	}
	if length != total {
		return nil, fmt.Errorf(
			"file lengths sum to %d bytes but hashed %d bytes", total, length)
	}
	return mi, nil
}

func newMetaInfo(i info, announceList [][]string) (*MetaInfo, error) {
	if len(announceList) == 0 {
		return nil, ErrEmptyAnnounceList
	}
	h, err := i.hash()
	if err != nil {
		return nil, fmt.Errorf("compute info hash: %s", err)
	}
	// BEP 12: shuffle each tier once at load time.
	shuffled := make([][]string, len(announceList))
	for i, tier := range announceList {
		t := make([]string, len(tier))
		copy(t, tier)
		rand.Shuffle(len(t), func(a, b int) { t[a], t[b] = t[b], t[a] })
		shuffled[i] = t
	}
	return &MetaInfo{info: i, infoHash: h, announceList: shuffled}, nil
}

func (info *info) totalLength() int64 {
	if len(info.Files) == 0 {
		return info.Length
	}
	var total int64
	for _, f := range info.Files {
		total += f.Length
	}
	return total
}

// InfoHash returns the torrent's InfoHash, the SHA-1 of the bencoded info
// dictionary.
func (mi *MetaInfo) InfoHash() InfoHash {
	return mi.infoHash
}

// Name returns the torrent name: the single file's name, or the directory
// name for a multi-file torrent.
func (mi *MetaInfo) Name() string {
	return mi.info.Name
}

// Length returns the total length of the torrent content in bytes.
func (mi *MetaInfo) Length() int64 {
	return mi.info.totalLength()
}

// Files returns the file list. For a single-file torrent, it synthesizes a
// single entry using Name as the path.
func (mi *MetaInfo) Files() []File {
	if len(mi.info.Files) > 0 {
		return mi.info.Files
	}
	return []File{{Path: []string{mi.info.Name}, Length: mi.info.Length}}
}

// IsMultiFile reports whether the torrent lays its content out across
// multiple files under a directory named Name.
func (mi *MetaInfo) IsMultiFile() bool {
	return len(mi.info.Files) > 0
}

// NumPieces returns the number of pieces in the torrent.
func (mi *MetaInfo) NumPieces() int {
	return len(mi.info.Pieces) / sha1.Size
}

// PieceLength returns the piece length used to break up the content. The
// final piece may be shorter; use GetPieceLength for the true length.
func (mi *MetaInfo) PieceLength() int64 {
	return mi.info.PieceLength
}

// GetPieceLength returns the length of piece i, accounting for the
// possibly-shorter final piece.
func (mi *MetaInfo) GetPieceLength(i int) int64 {
	n := mi.NumPieces()
	if i < 0 || i >= n {
		return 0
	}
	if i == n-1 {
		return mi.Length() - mi.PieceLength()*int64(i)
	}
	return mi.PieceLength()
}

// GetPieceHash returns the expected SHA-1 hash of piece i. Does not check bounds.
func (mi *MetaInfo) GetPieceHash(i int) [sha1.Size]byte {
	var h [sha1.Size]byte
	copy(h[:], mi.info.Pieces[i*sha1.Size:(i+1)*sha1.Size])
	return h
}

// AnnounceList returns the tiered announce URL list, shuffled once per tier
// per BEP 12. Callers may mutate tiers in place to promote a successful URL.
func (mi *MetaInfo) AnnounceList() [][]string {
	return mi.announceList
}

// rawMetaInfo mirrors the bencoded top level of a .torrent file, the
// wire format ReadMetaInfo/WriteMetaInfo marshal to and from.
type rawMetaInfo struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list,omitempty"`
	Info         info       `bencode:"info"`
}

// ReadMetaInfo decodes a bencoded .torrent file from r. The info-hash is
// always recomputed from the decoded info dict rather than trusted from
// any other source, since info.hash()'s bencode.Marshal round-trip
// reproduces BEP 3's canonical sorted-key encoding.
func ReadMetaInfo(r io.Reader) (*MetaInfo, error) {
	var raw rawMetaInfo
	if err := bencode.Unmarshal(r, &raw); err != nil {
		return nil, fmt.Errorf("bencode: %s", err)
	}
	announceList := raw.AnnounceList
	if len(announceList) == 0 {
		if raw.Announce == "" {
			return nil, ErrEmptyAnnounceList
		}
		announceList = [][]string{{raw.Announce}}
	}
	return newMetaInfo(raw.Info, announceList)
}

// WriteMetaInfo bencodes mi as a .torrent file to w. The announce-list's
// first URL of the first tier is also written as the legacy top-level
// "announce" key for compatibility with clients that don't read
// "announce-list".
func WriteMetaInfo(w io.Writer, mi *MetaInfo) error {
	var announce string
	if len(mi.announceList) > 0 && len(mi.announceList[0]) > 0 {
		announce = mi.announceList[0][0]
	}
	return bencode.Marshal(w, rawMetaInfo{
		Announce:     announce,
		AnnounceList: mi.announceList,
		Info:         mi.info,
	})
}

// hashPieces reads blob fully, producing the concatenated SHA-1 digest of
// each pieceLength-sized chunk (the final chunk may be shorter).
func hashPieces(blob io.Reader, pieceLength int64) (length int64, pieces string, err error) {
	if pieceLength <= 0 {
		return 0, "", errors.New("piece length must be positive")
	}
	var buf bytes.Buffer
	for {
		h := sha1.New()
		n, err := io.CopyN(h, blob, pieceLength)
		if err != nil && err != io.EOF {
			return 0, "", fmt.Errorf("read blob: %s", err)
		}
		length += n
		if n == 0 {
			break
		}
		buf.Write(h.Sum(nil))
		if n < pieceLength {
			break
		}
	}
	return length, buf.String(), nil
}
