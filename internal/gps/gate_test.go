// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package gps

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixAt(northMetres float64, after time.Duration) Fix {
	lat, lng := Offset(52.52, 13.405, northMetres, 0)
	return Fix{Latitude: lat, Longitude: lng, Accuracy: 5, Timestamp: t0.Add(after)}
}

func TestDistanceBetween(t *testing.T) {
	// Berlin to Paris, roughly 878 km.
	d := DistanceBetween(52.5200, 13.4050, 48.8566, 2.3522)
	assert.InDelta(t, 878_000, d, 3_000)

	assert.Zero(t, DistanceBetween(1, 2, 1, 2))
}

func TestOffsetRoundTrip(t *testing.T) {
	lat, lng := Offset(52.52, 13.405, 30, 40)
	assert.InDelta(t, 50, DistanceBetween(52.52, 13.405, lat, lng), 0.1)
}

func TestGate(t *testing.T) {
	t.Run("DistanceOrTime", func(t *testing.T) {
		cases := []struct {
			name    string
			north   float64
			after   time.Duration
			keepFix bool
		}{
			{"near and soon is jitter", 3, 5 * time.Second, false},
			{"near but late is kept", 3, 25 * time.Second, true},
			{"far and soon is kept", 15, 2 * time.Second, true},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				g := NewGate(10, 20*time.Second)
				require.True(t, g.Pass(fixAt(0, 0)), "first fix always passes")
				assert.Equal(t, tc.keepFix, g.Pass(fixAt(tc.north, tc.after)))
			})
		}
	})

	t.Run("ReferenceMovesOnlyOnPass", func(t *testing.T) {
		g := NewGate(10, time.Minute)
		require.True(t, g.Pass(fixAt(0, 0)))
		// Three 4 m steps: 4 and 8 are jitter relative to 0, 12 passes.
		assert.False(t, g.Pass(fixAt(4, time.Second)))
		assert.False(t, g.Pass(fixAt(8, 2*time.Second)))
		assert.True(t, g.Pass(fixAt(12, 3*time.Second)))

		last, ok := g.Last()
		require.True(t, ok)
		assert.Equal(t, t0.Add(3*time.Second), last.Timestamp)
	})

	t.Run("ZeroGatePassesEverything", func(t *testing.T) {
		g := &Gate{}
		for i := 0; i < 5; i++ {
			assert.True(t, g.Pass(fixAt(0, 0)))
		}
	})

	t.Run("Reset", func(t *testing.T) {
		g := NewGate(10, time.Hour)
		require.True(t, g.Pass(fixAt(0, 0)))
		require.False(t, g.Pass(fixAt(1, time.Second)))
		g.Reset()
		assert.True(t, g.Pass(fixAt(1, time.Second)))
	})

	t.Run("Units", func(t *testing.T) {
		g := NewGate(2.5, 0)
		assert.Equal(t, 2500*physic.MilliMetre, g.MinDistance)
		assert.InDelta(t, 2.5, Metres(g.MinDistance), 1e-9)
	})
}

func TestFixValid(t *testing.T) {
	assert.True(t, Fix{Latitude: 10, Longitude: 20}.Valid())
	assert.False(t, Fix{Latitude: 91}.Valid())
	assert.False(t, Fix{Longitude: -181}.Valid())
	assert.False(t, Fix{Latitude: math.NaN()}.Valid())
	assert.False(t, Fix{Accuracy: -1}.Valid())
}

func TestTighter(t *testing.T) {
	a := WatchOptions{Timeout: 20 * time.Second, MaxAge: time.Minute}
	b := WatchOptions{HighAccuracy: true, Timeout: 15 * time.Second}
	got := Tighter(a, b)
	assert.Equal(t, WatchOptions{HighAccuracy: true, Timeout: 15 * time.Second, MaxAge: time.Minute}, got)
	assert.Equal(t, a, Tighter(a, WatchOptions{}))
}
