// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package bus

import (
	"fmt"
	"strings"

	"github.com/mmcloughlin/geohash"

	"github.com/relabs-tech/geopresence/internal/gps"
)

// DefaultCellPrecision is a geohash length of 7: cells of roughly 153m x 153m.
const DefaultCellPrecision = 7

const geohashAlphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

// CellIDFor returns the spatial cell containing f at the bus precision.
func (b *Bus) CellIDFor(f gps.Fix) string {
	return CellID(f.Latitude, f.Longitude, b.precision)
}

// CellID returns the geohash cell of the given precision containing (lat, lng).
func CellID(lat, lng float64, precision uint) string {
	if precision == 0 {
		precision = DefaultCellPrecision
	}
	return geohash.EncodeWithPrecision(lat, lng, precision)
}

// NeighborCells returns the cells in the square rings 1..ring around cell,
// ring by ring, each ring clockwise from its north-west corner. Ring k holds
// 8k cells. The centre cell is not included.
func NeighborCells(cell string, ring int) ([]string, error) {
	if err := validCell(cell); err != nil {
		return nil, err
	}
	if ring < 0 {
		return nil, fmt.Errorf("bus: negative ring %d", ring)
	}

	out := make([]string, 0, 4*ring*(ring+1))
	for k := 1; k <= ring; k++ {
		// Walk to the north-west corner of ring k.
		h := cell
		for i := 0; i < k; i++ {
			h = geohash.Neighbor(h, geohash.North)
			h = geohash.Neighbor(h, geohash.West)
		}
		for _, dir := range []geohash.Direction{geohash.East, geohash.South, geohash.West, geohash.North} {
			for i := 0; i < 2*k; i++ {
				out = append(out, h)
				h = geohash.Neighbor(h, dir)
			}
		}
	}
	return out, nil
}

func validCell(cell string) error {
	if cell == "" {
		return fmt.Errorf("bus: empty cell id")
	}
	for _, r := range cell {
		if !strings.ContainsRune(geohashAlphabet, r) {
			return fmt.Errorf("bus: invalid cell id %q", cell)
		}
	}
	return nil
}
