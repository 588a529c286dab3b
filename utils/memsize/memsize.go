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

// Package memsize defines byte/bit size units and human-readable
// formatting for them, used throughout config defaults and log messages.
package memsize

import "fmt"

// Byte size units.
const (
	B  uint64 = 1
	KB        = B << 10
	MB        = KB << 10
	GB        = MB << 10
	TB        = GB << 10
)

// Bit size units.
const (
	Bit  uint64 = 1
	Kbit        = Bit << 10
	Mbit        = Kbit << 10
	Gbit        = Mbit << 10
	Tbit        = Gbit << 10
)

// Format renders bytes as a human-readable byte size, e.g. "1.50GB".
func Format(bytes uint64) string {
	return format(bytes, "B", KB, MB, GB, TB)
}

// BitFormat renders bits as a human-readable bit size, e.g. "1.50Gbit".
func BitFormat(bits uint64) string {
	return format(bits, "bit", Kbit, Mbit, Gbit, Tbit)
}

func format(n uint64, unit string, k, m, g, t uint64) string {
	switch {
	case n == 0:
		return fmt.Sprintf("0%s", unit)
	case n >= t:
		return fmt.Sprintf("%.2fT%s", float64(n)/float64(t), unit)
	case n >= g:
		return fmt.Sprintf("%.2fG%s", float64(n)/float64(g), unit)
	case n >= m:
		return fmt.Sprintf("%.2fM%s", float64(n)/float64(m), unit)
	case n >= k:
		return fmt.Sprintf("%.2fK%s", float64(n)/float64(k), unit)
	default:
		return fmt.Sprintf("%.2f%s", float64(n), unit)
	}
}
