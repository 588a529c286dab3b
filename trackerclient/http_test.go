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
package trackerclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dhagan/peerwire/core"
	"github.com/dhagan/peerwire/torrent"
)

func TestAnnounceHTTPParsesCompactPeers(t *testing.T) {
	require := require.New(t)

	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		// One compact peer: 127.0.0.1:6881.
		w.Write([]byte("d8:intervali1800e5:peers6:\x7f\x00\x00\x01\x1a\xe1e"))
	}))
	defer srv.Close()

	c := New(Config{})
	req := torrent.AnnounceRequest{
		URL:        srv.URL + "/announce",
		InfoHash:   core.InfoHash{1, 2, 3},
		PeerID:     core.PeerID{4, 5, 6},
		Port:       6882,
		Uploaded:   10,
		Downloaded: 20,
		Left:       30,
		Event:      torrent.AnnounceStarted,
		NumWant:    50,
	}

	resp, err := c.Announce(req)
	require.NoError(err)
	require.Equal(1800*time.Second, resp.Interval)
	require.Len(resp.Peers, 1)
	require.Equal("127.0.0.1", resp.Peers[0].IP)
	require.Equal(6881, resp.Peers[0].Port)

	require.Equal("started", gotQuery.Get("event"))
	require.Equal("6882", gotQuery.Get("port"))
	require.Equal("50", gotQuery.Get("numwant"))
	require.Equal("1", gotQuery.Get("compact"))
}

func TestAnnounceHTTPReturnsFailureReason(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d14:failure reason11:not allowede"))
	}))
	defer srv.Close()

	c := New(Config{})
	_, err := c.Announce(torrent.AnnounceRequest{URL: srv.URL})
	require.Error(err)
	require.Contains(err.Error(), "not allowed")
}
