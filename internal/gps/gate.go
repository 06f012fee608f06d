// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package gps

import (
	"time"

	"periph.io/x/conn/v3/physic"
)

// Gate decides whether a fix moved far enough, or arrived late enough, to be
// worth acting on. A fix is kept when it is at least MinDistance away from the
// last kept fix OR at least MinTime after it; otherwise it is jitter.
//
// Gate is not safe for concurrent use; owners serialize access.
type Gate struct {
	MinDistance physic.Distance
	MinTime     time.Duration

	last Fix
	have bool
}

// NewGate returns a gate using metres and a duration.
func NewGate(minDistanceMetres float64, minTime time.Duration) *Gate {
	return &Gate{
		MinDistance: physic.Distance(minDistanceMetres * float64(physic.Metre)),
		MinTime:     minTime,
	}
}

// Pass reports whether f should be kept and, if so, records it as the new
// reference fix. The first fix always passes.
func (g *Gate) Pass(f Fix) bool {
	if !g.have {
		g.last, g.have = f, true
		return true
	}

	moved := Distance(g.last, f)
	elapsed := f.Timestamp.Sub(g.last.Timestamp)
	if elapsed < 0 {
		elapsed = 0
	}

	if moved >= Metres(g.MinDistance) || elapsed >= g.MinTime {
		g.last = f
		return true
	}
	return false
}

// Last returns the last kept fix.
func (g *Gate) Last() (Fix, bool) {
	return g.last, g.have
}

// Reset forgets the reference fix so the next one passes.
func (g *Gate) Reset() {
	g.last, g.have = Fix{}, false
}

// Metres converts a physic.Distance to float metres.
func Metres(d physic.Distance) float64 {
	return float64(d) / float64(physic.Metre)
}
