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
	"encoding/binary"
	"fmt"
	"net"

	"github.com/dhagan/peerwire/core"
)

const compactPeerStride = 6 // 4 bytes IPv4 + 2 bytes port, big-endian

// decodeCompactPeers parses the BEP 23 compact peer list: a flat byte
// string of 6-byte (ipv4, port) entries, used by both the HTTP compact
// response and the UDP announce reply.
func decodeCompactPeers(data []byte) ([]core.PeerInfo, error) {
	if len(data)%compactPeerStride != 0 {
		return nil, fmt.Errorf("trackerclient: compact peers length %d not a multiple of %d", len(data), compactPeerStride)
	}
	n := len(data) / compactPeerStride
	peers := make([]core.PeerInfo, n)
	for i := 0; i < n; i++ {
		chunk := data[i*compactPeerStride : (i+1)*compactPeerStride]
		ip := net.IPv4(chunk[0], chunk[1], chunk[2], chunk[3]).String()
		port := int(binary.BigEndian.Uint16(chunk[4:6]))
		peers[i] = core.NewPeerInfo(ip, port)
	}
	return peers, nil
}

// decodeDictPeers parses the HTTP tracker's non-compact peer list form: a
// bencoded list of dicts, each carrying "ip" and "port" keys.
func decodeDictPeers(list []interface{}) ([]core.PeerInfo, error) {
	peers := make([]core.PeerInfo, 0, len(list))
	for i, entry := range list {
		dict, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("trackerclient: peer[%d] is not a dict", i)
		}
		ip, ok := dict["ip"].(string)
		if !ok {
			return nil, fmt.Errorf("trackerclient: peer[%d] missing ip", i)
		}
		port, err := toInt64(dict["port"])
		if err != nil {
			return nil, fmt.Errorf("trackerclient: peer[%d] port: %s", i, err)
		}
		peers = append(peers, core.NewPeerInfo(ip, int(port)))
	}
	return peers, nil
}

// decodePeers dispatches on the bencode-decoded type of the "peers" key:
// a string is the compact form, a list is the dict form.
func decodePeers(v interface{}) ([]core.PeerInfo, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return decodeCompactPeers([]byte(t))
	case []interface{}:
		return decodeDictPeers(t)
	default:
		return nil, fmt.Errorf("trackerclient: unsupported peers type %T", v)
	}
}

func toInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}
