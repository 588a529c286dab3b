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
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/dhagan/peerwire/torrent"
)

// Client implements torrent.Announcer, dispatching each AnnounceRequest
// to the HTTP or UDP tracker protocol by the URL's scheme. A single
// Client is meant to be shared by every torrent.TorrentCoordinator in a
// process, since trackers are usually reused across torrents.
type Client struct {
	config     Config
	httpClient *http.Client

	mu          sync.Mutex
	udpSessions map[string]*udpSession
}

// New builds a Client ready to announce over HTTP(S) and UDP tracker
// URLs.
func New(config Config) *Client {
	config = config.applyDefaults()
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.HTTPTimeout,
		},
		udpSessions: make(map[string]*udpSession),
	}
}

// Announce implements torrent.Announcer.
func (c *Client) Announce(req torrent.AnnounceRequest) (torrent.AnnounceResponse, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return torrent.AnnounceResponse{}, fmt.Errorf("trackerclient: parse %q: %s", req.URL, err)
	}

	switch u.Scheme {
	case "http", "https":
		return c.announceHTTP(u, req)
	case "udp":
		return c.announceUDP(u, req)
	default:
		return torrent.AnnounceResponse{}, fmt.Errorf("trackerclient: unsupported scheme %q", u.Scheme)
	}
}

var _ torrent.Announcer = (*Client)(nil)
