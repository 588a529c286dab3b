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
	"math/rand"

	"github.com/dhagan/peerwire/utils/heap"
)

// piecesPreference computes the rarest-first, randomized-tie-break piece
// order: needed pieces are loaded into a priority queue keyed on
// availability, in random insertion order, and drained lowest-first. The
// heap is not stable, so equal-availability pieces do not necessarily
// come out in insertion order; their relative order still follows from the
// shuffle, giving a randomized tie-break without building per-availability
// buckets by hand.
//
// This does not bias toward pieces that would complete mostly-complete
// files first, a known suboptimality inherited unchanged from the
// source policy this is modeled on.
func piecesPreference(availability []int, needed func(piece int) bool, rnd *rand.Rand) []int {
	pieces := make([]int, 0, len(availability))
	for p := range availability {
		if needed(p) {
			pieces = append(pieces, p)
		}
	}
	rnd.Shuffle(len(pieces), func(i, j int) { pieces[i], pieces[j] = pieces[j], pieces[i] })

	pq := heap.NewPriorityQueue()
	for _, p := range pieces {
		pq.Push(&heap.Item{Value: p, Priority: availability[p]})
	}

	order := make([]int, 0, len(pieces))
	for pq.Len() > 0 {
		item, err := pq.Pop()
		if err != nil {
			break
		}
		order = append(order, item.Value.(int))
	}
	return order
}
