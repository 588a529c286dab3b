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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPiecesPreferenceOrdersByAscendingAvailability(t *testing.T) {
	require := require.New(t)

	availability := []int{3, 1, 1, 2, 0}
	order := piecesPreference(availability, func(int) bool { return true }, rand.New(rand.NewSource(1)))

	require.Len(order, 5)
	require.Equal(4, order[0], "sole availability-0 piece must be first")
	require.ElementsMatch([]int{1, 2}, order[1:3], "availability-1 pieces form the second bucket")
	require.Equal(3, order[3], "sole availability-2 piece is third")
	require.Equal(0, order[4], "sole availability-3 piece is last")
}

func TestPiecesPreferenceSkipsPiecesNotNeeded(t *testing.T) {
	require := require.New(t)

	availability := []int{1, 1, 1}
	order := piecesPreference(availability, func(p int) bool { return p != 1 }, rand.New(rand.NewSource(1)))

	require.ElementsMatch([]int{0, 2}, order)
	require.NotContains(order, 1)
}
