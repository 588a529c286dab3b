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
	"fmt"
	"sort"
)

// PeerInfo describes a remote peer as returned by a tracker announce: just
// enough to dial it. It carries no PeerID because compact tracker responses
// don't include one; the id is learned from the BT handshake.
type PeerInfo struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// Addr formats p as a dialable "ip:port" string.
func (p PeerInfo) Addr() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// NewPeerInfo creates a new PeerInfo.
func NewPeerInfo(ip string, port int) PeerInfo {
	return PeerInfo{IP: ip, Port: port}
}

// PeerInfos groups PeerInfo structs for sorting.
type PeerInfos []PeerInfo

func (s PeerInfos) Len() int      { return len(s) }
func (s PeerInfos) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s PeerInfos) Less(i, j int) bool {
	if s[i].IP != s[j].IP {
		return s[i].IP < s[j].IP
	}
	return s[i].Port < s[j].Port
}

// SortedByAddr returns a copy of peers sorted by address, used to make
// peers_known snapshots deterministic for tests and logs.
func SortedByAddr(peers []PeerInfo) []PeerInfo {
	c := make([]PeerInfo, len(peers))
	copy(c, peers)
	sort.Sort(PeerInfos(c))
	return c
}
