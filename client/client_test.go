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
package client

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/dhagan/peerwire/conn"
	"github.com/dhagan/peerwire/core"
	"github.com/dhagan/peerwire/torrent"
)

const testPieceLength = 8

func testContent() []byte {
	// Two 8-byte pieces.
	return []byte("AAAABBBBCCCCDDDD")
}

func testTorrentConfig() torrent.Config {
	return torrent.Config{
		MaintenanceTick:           20 * time.Millisecond,
		PeerConnectionsStartDelay: 20 * time.Millisecond,
	}
}

func newTestClient(t *testing.T) *Client {
	c, err := New(Config{
		ListenAddr: "127.0.0.1:0",
		Crypto:     conn.CryptoDisabled,
		Torrent:    testTorrentConfig(),
	}, nil, nil, tally.NoopScope, zap.NewNop().Sugar())
	require.NoError(t, err)
	return c
}

func testAddr(c *Client) (string, int) {
	addr := c.Addr().String()
	_, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)
	return addr, port
}

func TestClientDownloadsFromSeederOverRealSockets(t *testing.T) {
	require := require.New(t)

	mi, err := core.NewSingleFileMetaInfo(
		"testfile", bytes.NewReader(testContent()), testPieceLength, [][]string{{"http://tracker.example/announce"}})
	require.NoError(err)

	seeder := newTestClient(t)
	defer seeder.Stop()

	leecher := newTestClient(t)
	defer leecher.Stop()

	seedDir := t.TempDir()
	seedRoot := filepath.Join(seedDir, mi.Name())
	require.NoError(os.MkdirAll(seedRoot, 0755))
	require.NoError(os.WriteFile(filepath.Join(seedRoot, mi.Name()), testContent(), 0644))

	_, err = seeder.AddTorrent(mi, seedDir, true)
	require.NoError(err)

	leechDir := t.TempDir()
	tcLeecher, err := leecher.AddTorrent(mi, leechDir, false)
	require.NoError(err)

	_, seederPort := testAddr(seeder)
	tcLeecher.AddKnownPeers([]core.PeerInfo{core.NewPeerInfo("127.0.0.1", seederPort)})

	require.Eventually(func() bool {
		data, err := os.ReadFile(filepath.Join(leechDir, mi.Name(), mi.Name()))
		return err == nil && bytes.Equal(data, testContent())
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAddTorrentRejectsDuplicateInfoHash(t *testing.T) {
	require := require.New(t)

	mi, err := core.NewSingleFileMetaInfo(
		"testfile", bytes.NewReader(testContent()), testPieceLength, [][]string{{"http://tracker.example/announce"}})
	require.NoError(err)

	c := newTestClient(t)
	defer c.Stop()

	dir := t.TempDir()
	_, err = c.AddTorrent(mi, dir, false)
	require.NoError(err)

	_, err = c.AddTorrent(mi, dir, false)
	require.Error(err)
}

func TestRemoveTorrentStopsCoordinator(t *testing.T) {
	require := require.New(t)

	mi, err := core.NewSingleFileMetaInfo(
		"testfile", bytes.NewReader(testContent()), testPieceLength, [][]string{{"http://tracker.example/announce"}})
	require.NoError(err)

	c := newTestClient(t)
	defer c.Stop()

	dir := t.TempDir()
	_, err = c.AddTorrent(mi, dir, false)
	require.NoError(err)

	c.RemoveTorrent(mi.InfoHash())
	_, ok := c.Torrent(mi.InfoHash())
	require.False(ok)
}
