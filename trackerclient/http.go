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
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bencode "github.com/jackpal/bencode-go"

	"github.com/dhagan/peerwire/torrent"
)

// maxHTTPResponseSize bounds how much of a tracker's response body we'll
// read, guarding against a malicious or broken tracker streaming forever.
const maxHTTPResponseSize = 2 << 20 // 2 MiB

func (c *Client) announceHTTP(u *url.URL, req torrent.AnnounceRequest) (torrent.AnnounceResponse, error) {
	announceURL := *u
	q := announceURL.Query()
	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", strconv.Itoa(req.Port))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("compact", "1")
	if req.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(req.NumWant))
	}
	if req.Key != "" {
		q.Set("key", req.Key)
	}
	if req.TrackerID != "" {
		q.Set("trackerid", req.TrackerID)
	}
	if ev := httpEventString(req.Event); ev != "" {
		q.Set("event", ev)
	}
	announceURL.RawQuery = q.Encode()

	httpReq, err := http.NewRequest(http.MethodGet, announceURL.String(), nil)
	if err != nil {
		return torrent.AnnounceResponse{}, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return torrent.AnnounceResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return torrent.AnnounceResponse{}, fmt.Errorf(
			"trackerclient: announce to %s returned status %d: %s", u.Host, resp.StatusCode, body)
	}

	return parseHTTPAnnounceResponse(io.LimitReader(resp.Body, maxHTTPResponseSize))
}

func parseHTTPAnnounceResponse(r io.Reader) (torrent.AnnounceResponse, error) {
	var raw interface{}
	if err := bencode.Unmarshal(r, &raw); err != nil {
		return torrent.AnnounceResponse{}, fmt.Errorf("trackerclient: decode announce response: %s", err)
	}

	dict, ok := raw.(map[string]interface{})
	if !ok {
		return torrent.AnnounceResponse{}, fmt.Errorf("trackerclient: announce response is not a dict (got %T)", raw)
	}

	if reason, ok := dict["failure reason"].(string); ok {
		return torrent.AnnounceResponse{FailureReason: reason},
			fmt.Errorf("trackerclient: tracker failure: %s", reason)
	}

	peers, err := decodePeers(dict["peers"])
	if err != nil {
		return torrent.AnnounceResponse{}, err
	}

	interval, err := toInt64(dict["interval"])
	if err != nil {
		return torrent.AnnounceResponse{}, fmt.Errorf("trackerclient: interval: %s", err)
	}
	minInterval, _ := toInt64(dict["min interval"])
	trackerID, _ := dict["tracker id"].(string)
	warning, _ := dict["warning message"].(string)

	return torrent.AnnounceResponse{
		Peers:       peers,
		Interval:    time.Duration(interval) * time.Second,
		MinInterval: time.Duration(minInterval) * time.Second,
		TrackerID:   trackerID,
		Warning:     warning,
	}, nil
}

func httpEventString(ev torrent.AnnounceEvent) string {
	switch ev {
	case torrent.AnnounceStarted:
		return "started"
	case torrent.AnnounceCompleted:
		return "completed"
	case torrent.AnnounceStopped:
		return "stopped"
	default:
		return ""
	}
}
