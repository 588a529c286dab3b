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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSortedByAddr(t *testing.T) {
	require := require.New(t)

	peers := []PeerInfo{
		NewPeerInfo("10.0.0.2", 100),
		NewPeerInfo("10.0.0.1", 200),
		NewPeerInfo("10.0.0.1", 100),
	}
	sorted := SortedByAddr(peers)
	require.Equal([]PeerInfo{
		NewPeerInfo("10.0.0.1", 100),
		NewPeerInfo("10.0.0.1", 200),
		NewPeerInfo("10.0.0.2", 100),
	}, sorted)
}

func TestPeerInfoAddr(t *testing.T) {
	require := require.New(t)
	require.Equal("10.0.0.1:6881", NewPeerInfo("10.0.0.1", 6881).Addr())
}
