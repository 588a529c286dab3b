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
	"crypto/rand"
	"math/big"
)

// primeHex is the well-known 768-bit MSE Diffie-Hellman prime.
const primeHex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E0" +
	"88A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6D" +
	"F25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F" +
	"406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A1" +
	"63BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208" +
	"552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36" +
	"CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF695581" +
	"7183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF"

var (
	prime     *big.Int
	generator = big.NewInt(2)
)

func init() {
	var ok bool
	prime, ok = new(big.Int).SetString(primeHex, 16)
	if !ok {
		panic("mse: invalid prime constant")
	}
}

// dhKeypair is one side's ephemeral Diffie-Hellman keypair, private
// exponent in [2^159, 2^160-1] as MSE specifies.
type dhKeypair struct {
	priv *big.Int
	pub  *big.Int
}

func newDHKeypair() (dhKeypair, error) {
	lower := new(big.Int).Lsh(big.NewInt(1), 159)
	for {
		b := make([]byte, 20)
		if _, err := rand.Read(b); err != nil {
			return dhKeypair{}, err
		}
		priv := new(big.Int).SetBytes(b)
		if priv.Cmp(lower) >= 0 {
			pub := new(big.Int).Exp(generator, priv, prime)
			return dhKeypair{priv: priv, pub: pub}, nil
		}
	}
}

// pubBytes encodes pub as a fixed 96-byte big-endian value.
func (k dhKeypair) pubBytes() []byte {
	return bigToFixed(k.pub, 96)
}

// sharedSecret computes S = peerPub^priv mod P, encoded as 96 bytes.
func (k dhKeypair) sharedSecret(peerPub *big.Int) []byte {
	s := new(big.Int).Exp(peerPub, k.priv, prime)
	return bigToFixed(s, 96)
}

func bytesToBig(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}

func bigToFixed(n *big.Int, size int) []byte {
	b := n.Bytes()
	if len(b) >= size {
		return b[len(b)-size:]
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}

// randPad returns between 0 and maxLen random bytes.
func randPad(maxLen int) ([]byte, error) {
	n := make([]byte, 2)
	if _, err := rand.Read(n); err != nil {
		return nil, err
	}
	length := int(n[0])<<8 | int(n[1])
	length %= maxLen + 1
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
