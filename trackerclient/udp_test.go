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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dhagan/peerwire/core"
	"github.com/dhagan/peerwire/torrent"
)

// fakeUDPTracker answers exactly one CONNECT and one ANNOUNCE per
// transaction, mirroring BEP 15's wire format closely enough to drive
// Client.announceUDP end to end over a real loopback socket.
func fakeUDPTracker(t *testing.T, connID uint64) *net.UDPConn {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			pkt := buf[:n]
			action := binary.BigEndian.Uint32(pkt[8:12])
			txnID := binary.BigEndian.Uint32(pkt[12:16])

			switch action {
			case udpActionConnect:
				var reply [16]byte
				binary.BigEndian.PutUint32(reply[0:4], udpActionConnect)
				binary.BigEndian.PutUint32(reply[4:8], txnID)
				binary.BigEndian.PutUint64(reply[8:16], connID)
				conn.WriteToUDP(reply[:], addr)
			case udpActionAnnounce:
				reply := make([]byte, 20+6)
				binary.BigEndian.PutUint32(reply[0:4], udpActionAnnounce)
				binary.BigEndian.PutUint32(reply[4:8], txnID)
				binary.BigEndian.PutUint32(reply[8:12], 1800) // interval
				binary.BigEndian.PutUint32(reply[12:16], 0)   // leechers
				binary.BigEndian.PutUint32(reply[16:20], 1)   // seeders
				copy(reply[20:24], net.ParseIP("127.0.0.1").To4())
				binary.BigEndian.PutUint16(reply[24:26], 6881)
				conn.WriteToUDP(reply, addr)
			}
		}
	}()

	return conn
}

func TestAnnounceUDPRoundTrip(t *testing.T) {
	require := require.New(t)

	srv := fakeUDPTracker(t, 0xCAFEBABE)
	defer srv.Close()

	c := New(Config{UDPInitialTimeout: 200 * time.Millisecond, UDPMaxRetries: 3})
	req := torrent.AnnounceRequest{
		URL:        "udp://" + srv.LocalAddr().String(),
		InfoHash:   core.InfoHash{1, 2, 3},
		PeerID:     core.PeerID{4, 5, 6},
		Port:       6882,
		Event:      torrent.AnnounceStarted,
		Key:        "deadbeef",
	}

	resp, err := c.Announce(req)
	require.NoError(err)
	require.Equal(1800*time.Second, resp.Interval)
	require.Len(resp.Peers, 1)
	require.Equal("127.0.0.1", resp.Peers[0].IP)
	require.Equal(6881, resp.Peers[0].Port)
}

func TestUDPAnnounceKeyDecodesHexKey(t *testing.T) {
	require := require.New(t)
	require.Equal(uint32(0xdeadbeef), udpAnnounceKey("deadbeef"))
	require.Equal(uint32(0), udpAnnounceKey("short"))
}
