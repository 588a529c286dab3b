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
package mse

import (
	"crypto/rc4"
	"crypto/sha1"
	"net"
)

// CryptoMethod is a bitmask of MSE-negotiated bulk encryption methods.
type CryptoMethod uint32

const (
	// MethodPlain leaves the connection unencrypted after the handshake.
	MethodPlain CryptoMethod = 1 << 0
	// MethodARC4 encrypts the connection with RC4 (named ARC4 by MSE).
	MethodARC4 CryptoMethod = 1 << 1
)

const arc4DiscardBytes = 1024

// arc4Key derives an MSE ARC4 key: SHA1(label || S || SKEY).
func arc4Key(label string, s, skey []byte) []byte {
	h := sha1.New()
	h.Write([]byte(label))
	h.Write(s)
	h.Write(skey)
	return h.Sum(nil)
}

func newARC4Stream(key []byte) (*rc4.Cipher, error) {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, err
	}
	discard := make([]byte, arc4DiscardBytes)
	c.XORKeyStream(discard, discard)
	return c, nil
}

// codec applies the negotiated bulk cipher to a byte stream. A nil field
// means identity (Plain) in that direction.
type codec struct {
	enc *rc4.Cipher
	dec *rc4.Cipher
}

func (c *codec) encrypt(b []byte) {
	if c.enc != nil {
		c.enc.XORKeyStream(b, b)
	}
}

func (c *codec) decrypt(b []byte) {
	if c.dec != nil {
		c.dec.XORKeyStream(b, b)
	}
}

// Conn wraps a net.Conn, transparently applying the negotiated MSE codec
// to everything read or written after the handshake completes.
type Conn struct {
	net.Conn
	codec  *codec
	Method CryptoMethod
}

// Read reads ciphertext off the underlying conn and decrypts in place.
func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.codec.decrypt(b[:n])
	}
	return n, err
}

// Write encrypts b in place before writing it to the underlying conn. The
// caller's slice is mutated; callers that need to reuse the buffer
// afterward must copy first.
func (c *Conn) Write(b []byte) (int, error) {
	c.codec.encrypt(b)
	return c.Conn.Write(b)
}
