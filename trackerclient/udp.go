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
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/dhagan/peerwire/torrent"
)

// udpProtocolID is the magic constant opening every BEP 15 CONNECT
// request.
const udpProtocolID = 0x41727101980

const (
	udpActionConnect uint32 = iota
	udpActionAnnounce
	udpActionScrape
	udpActionError
)

// udpConnectionTTL bounds how long a connection id from CONNECT may be
// reused for subsequent ANNOUNCE calls before reconnecting, per BEP 15.
const udpConnectionTTL = 1 * time.Minute

var (
	errUDPActionMismatch = errors.New("trackerclient: udp action mismatch")
	errUDPTxnMismatch    = errors.New("trackerclient: udp transaction id mismatch")
	errUDPShortPacket    = errors.New("trackerclient: udp packet too short")
)

// udpSession holds one UDP tracker's live connection and the connection
// id CONNECT most recently granted, keyed by host in Client.udpSessions
// so repeat announces to the same tracker reuse it instead of
// reconnecting every time.
type udpSession struct {
	mu       sync.Mutex
	conn     *net.UDPConn
	connID   uint64
	expireAt time.Time
}

func (c *Client) announceUDP(u *url.URL, req torrent.AnnounceRequest) (torrent.AnnounceResponse, error) {
	sess, err := c.udpSessionFor(u)
	if err != nil {
		return torrent.AnnounceResponse{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if time.Now().After(sess.expireAt) {
		if err := c.udpConnect(sess); err != nil {
			return torrent.AnnounceResponse{}, err
		}
	}

	resp, err := c.udpAnnounce(sess, req)
	if err != nil && (errors.Is(err, errUDPActionMismatch) || errors.Is(err, errUDPTxnMismatch)) {
		// Stale connection id; reconnect once and retry.
		sess.expireAt = time.Time{}
		if err := c.udpConnect(sess); err != nil {
			return torrent.AnnounceResponse{}, err
		}
		return c.udpAnnounce(sess, req)
	}
	return resp, err
}

func (c *Client) udpSessionFor(u *url.URL) (*udpSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sess, ok := c.udpSessions[u.Host]; ok {
		return sess, nil
	}

	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("trackerclient: resolve %s: %s", u.Host, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("trackerclient: dial %s: %s", u.Host, err)
	}
	sess := &udpSession{conn: conn}
	c.udpSessions[u.Host] = sess
	return sess, nil
}

// udpBackoff builds the BEP 15 retry schedule (15s, 30s, 60s, ... with at
// most config.UDPMaxRetries retries after the first attempt) via the
// standard exponential backoff
// helper rather than a hand-rolled doubling loop.
func (c *Client) udpBackoff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.config.UDPInitialTimeout
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	return backoff.WithMaxRetries(eb, c.config.UDPMaxRetries)
}

func (c *Client) udpConnect(sess *udpSession) error {
	return backoff.Retry(func() error {
		txnID, err := randUint32()
		if err != nil {
			return err
		}

		var packet [16]byte
		binary.BigEndian.PutUint64(packet[0:8], udpProtocolID)
		binary.BigEndian.PutUint32(packet[8:12], udpActionConnect)
		binary.BigEndian.PutUint32(packet[12:16], txnID)

		if err := sess.conn.SetDeadline(time.Now().Add(c.config.UDPInitialTimeout)); err != nil {
			return err
		}
		if _, err := sess.conn.Write(packet[:]); err != nil {
			return err
		}

		var reply [16]byte
		n, err := sess.conn.Read(reply[:])
		if err != nil {
			return err
		}
		if n < 16 {
			return errUDPShortPacket
		}
		if action := binary.BigEndian.Uint32(reply[0:4]); action != udpActionConnect {
			return errUDPActionMismatch
		}
		if got := binary.BigEndian.Uint32(reply[4:8]); got != txnID {
			return errUDPTxnMismatch
		}

		sess.connID = binary.BigEndian.Uint64(reply[8:16])
		sess.expireAt = time.Now().Add(udpConnectionTTL)
		return nil
	}, c.udpBackoff())
}

func (c *Client) udpAnnounce(sess *udpSession, req torrent.AnnounceRequest) (torrent.AnnounceResponse, error) {
	var result torrent.AnnounceResponse
	err := backoff.Retry(func() error {
		txnID, err := randUint32()
		if err != nil {
			return err
		}

		var packet [98]byte
		binary.BigEndian.PutUint64(packet[0:8], sess.connID)
		binary.BigEndian.PutUint32(packet[8:12], udpActionAnnounce)
		binary.BigEndian.PutUint32(packet[12:16], txnID)
		copy(packet[16:36], req.InfoHash[:])
		copy(packet[36:56], req.PeerID[:])
		binary.BigEndian.PutUint64(packet[56:64], uint64(req.Downloaded))
		binary.BigEndian.PutUint64(packet[64:72], uint64(req.Left))
		binary.BigEndian.PutUint64(packet[72:80], uint64(req.Uploaded))
		binary.BigEndian.PutUint32(packet[80:84], udpEventCode(req.Event))
		binary.BigEndian.PutUint32(packet[84:88], 0) // IP address: default
		binary.BigEndian.PutUint32(packet[88:92], udpAnnounceKey(req.Key))
		binary.BigEndian.PutUint32(packet[92:96], uint32(req.NumWant))
		binary.BigEndian.PutUint16(packet[96:98], uint16(req.Port))

		if err := sess.conn.SetDeadline(time.Now().Add(c.config.UDPInitialTimeout)); err != nil {
			return err
		}
		if _, err := sess.conn.Write(packet[:]); err != nil {
			return err
		}

		buf := make([]byte, 2048)
		n, err := sess.conn.Read(buf)
		if err != nil {
			return err
		}
		if n < 20 {
			return errUDPShortPacket
		}
		reply := buf[:n]
		if action := binary.BigEndian.Uint32(reply[0:4]); action == udpActionError {
			return fmt.Errorf("trackerclient: tracker error: %s", reply[8:n])
		} else if action != udpActionAnnounce {
			return errUDPActionMismatch
		}
		if got := binary.BigEndian.Uint32(reply[4:8]); got != txnID {
			return errUDPTxnMismatch
		}

		interval := binary.BigEndian.Uint32(reply[8:12])
		peers, err := decodeCompactPeers(reply[20:n])
		if err != nil {
			return err
		}

		result = torrent.AnnounceResponse{
			Peers:    peers,
			Interval: time.Duration(interval) * time.Second,
		}
		return nil
	}, c.udpBackoff())

	return result, err
}

func udpEventCode(ev torrent.AnnounceEvent) uint32 {
	switch ev {
	case torrent.AnnounceCompleted:
		return 1
	case torrent.AnnounceStarted:
		return 2
	case torrent.AnnounceStopped:
		return 3
	default:
		return 0
	}
}

// udpAnnounceKey folds the coordinator's hex announce key into the
// 32-bit key field BEP 15 carries on the wire.
func udpAnnounceKey(key string) uint32 {
	if len(key) < 8 {
		return 0
	}
	var b [4]byte
	for i := 0; i < 4; i++ {
		hi := hexNibble(key[i*2])
		lo := hexNibble(key[i*2+1])
		b[i] = hi<<4 | lo
	}
	return binary.BigEndian.Uint32(b[:])
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	default:
		return 0
	}
}

func randUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
