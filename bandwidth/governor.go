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

// Package bandwidth implements a per-cycle token-bucket governor over
// outbound bytes: callers request a byte allotment with a priority, and the
// governor grants what it can from the current cycle's reserve, queueing
// the remainder until the next cycle resets it.
//
// Governor is not safe for concurrent use; every method is meant to be
// called from the single goroutine driving the owning event loop.
package bandwidth

import (
	"fmt"
	"sort"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/dhagan/peerwire/core"
	"github.com/dhagan/peerwire/utils/memsize"
)

// Config configures a Governor.
type Config struct {
	// ByteSlice is the number of bytes granted per cycle.
	ByteSlice int64 `yaml:"byte_slice"`

	// CycleLength is the duration of one cycle.
	CycleLength time.Duration `yaml:"cycle_length"`

	// HistorySize is the number of past cycles' consumption tracked for
	// throughput reporting.
	HistorySize int `yaml:"history_size"`
}

func (c Config) applyDefaults() Config {
	if c.ByteSlice == 0 {
		c.ByteSlice = int64(memsize.MB)
	}
	if c.CycleLength == 0 {
		c.CycleLength = time.Second
	}
	if c.HistorySize == 0 {
		c.HistorySize = 10
	}
	return c
}

// pendingRequest is one queued, not-yet-fully-granted allotment request.
type pendingRequest struct {
	bytes     int64
	bytesMin  int64
	priority  int
	requestTS time.Time
	callback  func(granted int64, done bool)
}

// Governor is a single-node token bucket over outbound bytes, reset once
// per cycle, with priority-ordered admission of pending requests.
type Governor struct {
	config  Config
	clock   clock.Clock
	reserve int64
	pending []*pendingRequest
	history []int64 // ring buffer of bytes consumed per past cycle
	histPos int
	consumedThisCycle int64
}

// New builds a Governor. clk is injected for deterministic cycle-driven
// tests.
func New(config Config, clk clock.Clock) *Governor {
	config = config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	return &Governor{
		config:  config,
		clock:   clk,
		reserve: config.ByteSlice,
		history: make([]int64, config.HistorySize),
	}
}

// Request asks for between bytesMin and bytes bytes of this cycle's
// allotment at the given priority. If bytesMin is immediately available in
// the current reserve, it (and up to bytes, whichever is larger of the
// two constraints allows) is granted synchronously and callback is invoked
// before Request returns with done=true if bytes was granted in full,
// false if bytesMin was granted but more was requested and the remainder
// is still queued.
//
// bytesMin must be in (0, byte_slice]; anything else is rejected outright
// as unsatisfiable, since no future cycle could ever grant it.
func (g *Governor) Request(bytes, bytesMin int64, priority int, callback func(granted int64, done bool)) error {
	if bytesMin <= 0 || bytes < bytesMin {
		return core.NewProtocolError("bandwidth: invalid request bytes=%d bytes_min=%d", bytes, bytesMin)
	}
	if bytesMin > g.config.ByteSlice {
		return core.NewResourceLimitError(
			"bandwidth: bytes_min %d exceeds byte_slice %d, unsatisfiable", bytesMin, g.config.ByteSlice)
	}

	if bytesMin <= g.reserve {
		granted := bytes
		if granted > g.reserve {
			granted = g.reserve
		}
		g.deduct(granted)
		done := granted >= bytes
		callback(granted, done)
		if done {
			return nil
		}
		g.enqueue(bytes-granted, bytesMin, priority, callback)
		return nil
	}

	g.enqueue(bytes, bytesMin, priority, callback)
	return nil
}

func (g *Governor) enqueue(bytes, bytesMin int64, priority int, callback func(granted int64, done bool)) {
	g.pending = append(g.pending, &pendingRequest{
		bytes:     bytes,
		bytesMin:  bytesMin,
		priority:  priority,
		requestTS: g.clock.Now(),
		callback:  callback,
	})
}

// Take records bytes already written directly to the wire (outside the
// Request/grant flow), deducting them from the current reserve. The
// reserve may go negative; it is clamped no lower than -byte_slice so a
// single oversized write can't borrow against more than one cycle's worth
// of future budget.
func (g *Governor) Take(bytes int64) {
	g.deduct(bytes)
}

func (g *Governor) deduct(bytes int64) {
	g.reserve -= bytes
	g.consumedThisCycle += bytes
	floor := -g.config.ByteSlice
	if g.reserve < floor {
		g.reserve = floor
	}
}

// BeginCycle resets the reserve to byte_slice, records the prior cycle's
// consumption into the throughput history, and admits as many pending
// requests as the fresh reserve allows, highest priority first and
// earliest-submitted first among equal priorities.
func (g *Governor) BeginCycle() {
	g.history[g.histPos] = g.consumedThisCycle
	g.histPos = (g.histPos + 1) % len(g.history)
	g.consumedThisCycle = 0

	g.reserve = g.config.ByteSlice

	sort.SliceStable(g.pending, func(i, j int) bool {
		a, b := g.pending[i], g.pending[j]
		if a.priority != b.priority {
			return a.priority > b.priority // descending priority
		}
		return a.requestTS.Before(b.requestTS) // ascending timestamp
	})

	var carry []*pendingRequest
	for _, r := range g.pending {
		if r.bytesMin > g.reserve {
			carry = append(carry, r)
			continue
		}
		granted := r.bytes
		if granted > g.reserve {
			granted = g.reserve
		}
		g.deduct(granted)
		remaining := r.bytes - granted
		if remaining <= 0 {
			r.callback(granted, true)
			continue
		}
		r.callback(granted, false)
		carry = append(carry, &pendingRequest{
			bytes:     remaining,
			bytesMin:  min64(r.bytesMin, remaining),
			priority:  r.priority,
			requestTS: r.requestTS,
			callback:  r.callback,
		})
	}
	g.pending = carry
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Reserve returns the bytes left in the current cycle's budget. May be
// negative (see Take).
func (g *Governor) Reserve() int64 {
	return g.reserve
}

// PendingCount returns the number of requests still waiting on a future
// cycle.
func (g *Governor) PendingCount() int {
	return len(g.pending)
}

// Throughput returns the mean bytes consumed per cycle over the tracked
// history, in bytes per cycle_length.
func (g *Governor) Throughput() float64 {
	var total int64
	for _, h := range g.history {
		total += h
	}
	return float64(total) / float64(len(g.history))
}

// String renders the governor's state for logging.
func (g *Governor) String() string {
	return fmt.Sprintf("bandwidth(reserve=%s, pending=%d)", memsize.Format(uint64(max64(g.reserve, 0))), len(g.pending))
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
