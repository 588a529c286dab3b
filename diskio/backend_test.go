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
package diskio

import (
	"bytes"
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dhagan/peerwire/core"
)

func tempDir(t *testing.T) (string, func()) {
	dir, err := ioutil.TempDir("", "diskio_test")
	require.NoError(t, err)
	return dir, func() { os.RemoveAll(dir) }
}

func singleFileMetaInfo(t *testing.T, name string, content []byte, pieceLength int64) *core.MetaInfo {
	mi, err := core.NewSingleFileMetaInfo(
		name, bytes.NewReader(content), pieceLength, [][]string{{"http://tracker.example/announce"}})
	require.NoError(t, err)
	return mi
}

func multiFileMetaInfo(t *testing.T, name string, files []core.File, content []byte, pieceLength int64) *core.MetaInfo {
	mi, err := core.NewMultiFileMetaInfo(
		name, files, bytes.NewReader(content), pieceLength, [][]string{{"http://tracker.example/announce"}})
	require.NoError(t, err)
	return mi
}

func waitFor(t *testing.T, done chan []*IORequest) []*IORequest {
	select {
	case reqs := <-done:
		return reqs
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for diskio callback")
		return nil
	}
}

func TestBackendSingleFileRoundTrip(t *testing.T) {
	require := require.New(t)

	dir, cleanup := tempDir(t)
	defer cleanup()

	content := bytes.Repeat([]byte{0xAB}, 10)
	mi := singleFileMetaInfo(t, "movie.mp4", content, 4)

	b, err := Open(dir, mi)
	require.NoError(err)
	defer b.Close()

	data := []byte("helloworld")
	done := make(chan []*IORequest, 1)
	b.Write([]*IORequest{{Offset: 0, Buf: data}}, func(reqs []*IORequest) { done <- reqs })
	reqs := waitFor(t, done)
	require.False(reqs[0].Failed)

	buf := make([]byte, len(data))
	done = make(chan []*IORequest, 1)
	b.Read([]*IORequest{{Offset: 0, Buf: buf}}, func(reqs []*IORequest) { done <- reqs })
	reqs = waitFor(t, done)
	require.False(reqs[0].Failed)
	require.Equal(data, buf)
}

func TestBackendMultiFileSpanningRequest(t *testing.T) {
	require := require.New(t)

	dir, cleanup := tempDir(t)
	defer cleanup()

	files := []core.File{
		{Length: 4, Path: []string{"a.txt"}},
		{Length: 4, Path: []string{"sub", "b.txt"}},
	}
	content := []byte("aaaabbbb")
	mi := multiFileMetaInfo(t, "pack", files, content, 4)

	b, err := Open(dir, mi)
	require.NoError(err)
	defer b.Close()

	data := []byte("XXYYYY")
	done := make(chan []*IORequest, 1)
	// Offset 2 spans the tail of a.txt and the head of sub/b.txt.
	b.Write([]*IORequest{{Offset: 2, Buf: data}}, func(reqs []*IORequest) { done <- reqs })
	reqs := waitFor(t, done)
	require.False(reqs[0].Failed)

	buf := make([]byte, 6)
	done = make(chan []*IORequest, 1)
	b.Read([]*IORequest{{Offset: 2, Buf: buf}}, func(reqs []*IORequest) { done <- reqs })
	reqs = waitFor(t, done)
	require.False(reqs[0].Failed)
	require.Equal(data, buf)
}

func TestBackendOutOfRange(t *testing.T) {
	require := require.New(t)

	dir, cleanup := tempDir(t)
	defer cleanup()

	mi := singleFileMetaInfo(t, "tiny", bytes.Repeat([]byte{1}, 4), 4)

	b, err := Open(dir, mi)
	require.NoError(err)
	defer b.Close()

	done := make(chan []*IORequest, 1)
	buf := make([]byte, 10)
	b.Read([]*IORequest{{Offset: 0, Buf: buf}}, func(reqs []*IORequest) { done <- reqs })
	reqs := waitFor(t, done)
	require.True(reqs[0].Failed)
	require.Equal(ErrOutOfRange, reqs[0].Err)
}

func TestOpenRejectsUnsafePath(t *testing.T) {
	require := require.New(t)

	dir, cleanup := tempDir(t)
	defer cleanup()

	files := []core.File{{Length: 1, Path: []string{"..", "escape.txt"}}}
	mi := multiFileMetaInfo(t, "pack", files, []byte{0}, 4)

	_, err := Open(dir, mi)
	require.Error(err)
	require.True(core.IsKind(err, core.KindFile))
}

func TestOpenTwiceFailsWithLock(t *testing.T) {
	require := require.New(t)

	dir, cleanup := tempDir(t)
	defer cleanup()

	mi := singleFileMetaInfo(t, "locked", bytes.Repeat([]byte{1}, 4), 4)

	b1, err := Open(dir, mi)
	require.NoError(err)
	defer b1.Close()

	_, err = Open(dir, mi)
	require.Error(err)
	require.True(core.IsKind(err, core.KindFile))
}
