// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package gps

import (
	"math"
	"time"
)

const earthRadiusMetres = 6371008.8

// Fix represents a single hardware position sample. Fixes are immutable once
// produced by a Device.
type Fix struct {
	Latitude  float64   `json:"lat"`        // decimal degrees
	Longitude float64   `json:"lon"`        // decimal degrees
	Accuracy  float64   `json:"accuracy_m"` // horizontal accuracy, metres
	Speed     float64   `json:"speed_mps"`  // speed over ground, 0 if unknown
	Timestamp time.Time `json:"time"`
}

// Valid reports whether the fix carries a usable coordinate.
func (f Fix) Valid() bool {
	if math.IsNaN(f.Latitude) || math.IsNaN(f.Longitude) || math.IsNaN(f.Accuracy) {
		return false
	}
	if f.Latitude < -90 || f.Latitude > 90 {
		return false
	}
	if f.Longitude < -180 || f.Longitude > 180 {
		return false
	}
	return f.Accuracy >= 0
}

// Age returns how old the fix is relative to now.
func (f Fix) Age(now time.Time) time.Duration {
	if f.Timestamp.IsZero() {
		return 0
	}
	return now.Sub(f.Timestamp)
}

// Distance returns the great-circle distance in metres between two fixes.
func Distance(a, b Fix) float64 {
	return DistanceBetween(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}

// DistanceBetween is the haversine distance in metres between two coordinates.
func DistanceBetween(lat1, lng1, lat2, lng2 float64) float64 {
	p1 := lat1 * math.Pi / 180
	p2 := lat2 * math.Pi / 180
	dp := (lat2 - lat1) * math.Pi / 180
	dl := (lng2 - lng1) * math.Pi / 180

	h := math.Sin(dp/2)*math.Sin(dp/2) +
		math.Cos(p1)*math.Cos(p2)*math.Sin(dl/2)*math.Sin(dl/2)
	return 2 * earthRadiusMetres * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Offset returns the coordinate reached by moving north and east metres from
// (lat, lng). Good enough for the short distances the core deals with.
func Offset(lat, lng, northMetres, eastMetres float64) (float64, float64) {
	dLat := northMetres / earthRadiusMetres * 180 / math.Pi
	dLng := eastMetres / (earthRadiusMetres * math.Cos(lat*math.Pi/180)) * 180 / math.Pi
	return lat + dLat, lng + dLng
}
