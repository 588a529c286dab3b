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
package torrent

import (
	"math"
	"math/rand"
	"sort"

	"github.com/dhagan/peerwire/core"
)

// chokeCandidate is one peer's state as seen by the choke algorithm.
type chokeCandidate struct {
	id         core.PeerID
	throughput int64 // recent bytes received, moving sum
	interested bool
}

// chokeResult is the outcome of one choke-algorithm tick.
type chokeResult struct {
	// Unchoked is the full set of peers that should be unchoked this
	// tick (rate-based downloaders, optimistic picks, and senders).
	Unchoked map[core.PeerID]bool
	// Optimistic is the subset of Unchoked chosen by the random
	// optimistic-unchoke slots, to carry over into the next tick's
	// selection unless the caller discards it.
	Optimistic map[core.PeerID]bool
}

// chokeDecision computes the next unchoke set given the current
// candidates and the set of peers optimistically unchoked on the
// previous tick (carried over unless discarded by the caller).
//
// Selection: rank interested peers by throughput descending; take the
// top rateCount by throughput, and fill the remainder of downloaderCount
// uniformly at random from the rest of the interested set (optimistic
// unchoke), preferring to keep the previous tick's optimistic picks if
// they are still interested. Any "sender" — high-throughput but not
// interested — peer is unchoked as well, to advertise willingness.
func chokeDecision(
	candidates []chokeCandidate,
	downloaderCount int,
	optimisticRatio float64,
	prevOptimistic map[core.PeerID]bool,
	rnd *rand.Rand,
) chokeResult {

	interested := make([]chokeCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.interested {
			interested = append(interested, c)
		}
	}
	sort.SliceStable(interested, func(i, j int) bool {
		return interested[i].throughput > interested[j].throughput
	})

	rateCount := downloaderCount - int(math.Ceil(float64(downloaderCount)*optimisticRatio))
	if rateCount < 0 {
		rateCount = 0
	}
	if rateCount > len(interested) {
		rateCount = len(interested)
	}

	unchoked := make(map[core.PeerID]bool, downloaderCount)
	for _, c := range interested[:rateCount] {
		unchoked[c.id] = true
	}

	remainder := interested[rateCount:]
	optimisticSlots := downloaderCount - rateCount
	if optimisticSlots < 0 {
		optimisticSlots = 0
	}

	// Carry over previous optimistic picks first, to keep selection
	// stable tick-to-tick; fill any remaining slots randomly.
	var kept, rest []chokeCandidate
	for _, c := range remainder {
		if prevOptimistic[c.id] {
			kept = append(kept, c)
		} else {
			rest = append(rest, c)
		}
	}
	rnd.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })

	chosen := append(kept, rest...)
	if len(chosen) > optimisticSlots {
		chosen = chosen[:optimisticSlots]
	}
	optimistic := make(map[core.PeerID]bool, len(chosen))
	for _, c := range chosen {
		unchoked[c.id] = true
		optimistic[c.id] = true
	}

	// Senders: high-throughput peers not currently interested in us are
	// still unchoked, to advertise willingness to serve them.
	for _, c := range candidates {
		if !c.interested && c.throughput > 0 {
			unchoked[c.id] = true
		}
	}

	return chokeResult{Unchoked: unchoked, Optimistic: optimistic}
}
