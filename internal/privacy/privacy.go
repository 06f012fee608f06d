// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package privacy coarsens coordinates before they leave the device.
//
// Filter is pure: the same input always yields the same output, and nothing
// outside its arguments is read. Coordinates are snapped to the centre of a
// square metre grid anchored at (0, 0); the grid size depends on the accuracy
// tier of the sharing configuration.
package privacy

import (
	"errors"
	"fmt"
	"math"
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/relabs-tech/geopresence/internal/geoerr"
)

// Tier is the accuracy a user allows others to see.
type Tier string

const (
	Exact  Tier = "exact"
	Street Tier = "street"
	Area   Tier = "area"
	Hidden Tier = "hidden"
)

// Grid sizes per tier.
const (
	StreetGrid = 100 * physic.Metre
	AreaGrid   = 1000 * physic.Metre
)

// Rank orders tiers from most to least precise. Unknown tiers rank -1.
func (t Tier) Rank() int {
	switch t {
	case Exact:
		return 0
	case Street:
		return 1
	case Area:
		return 2
	case Hidden:
		return 3
	}
	return -1
}

// Grid is the snapping cell size of the tier; zero for Exact and Hidden.
func (t Tier) Grid() physic.Distance {
	switch t {
	case Street:
		return StreetGrid
	case Area:
		return AreaGrid
	}
	return 0
}

// Scope is who may receive live presence.
type Scope string

const (
	ScopeNone    Scope = "none"
	ScopeFriends Scope = "friends"
	ScopePublic  Scope = "public"
)

// Trigger is a context that may enable sharing on its own.
type Trigger string

const (
	TriggerAlways  Trigger = "always"
	TriggerInGroup Trigger = "in_group"
	TriggerAtVenue Trigger = "at_venue"
	TriggerWalking Trigger = "walking"
)

// Configuration is a user's sharing policy as supplied by the settings
// service.
type Configuration struct {
	LiveScope        Scope     `json:"live_scope"`
	LiveMutedUntil   time.Time `json:"live_muted_until,omitempty"`
	LiveAccuracyTier Tier      `json:"live_accuracy_tier"`
	LiveAutoWhen     []Trigger `json:"live_auto_when"`
}

// Validate reports a malformed configuration as geoerr.ErrConfigurationInvalid.
func (c Configuration) Validate() error {
	switch c.LiveScope {
	case ScopeNone, ScopeFriends, ScopePublic:
	default:
		return fmt.Errorf("live scope %q: %w", c.LiveScope, geoerr.ErrConfigurationInvalid)
	}
	if c.LiveAccuracyTier.Rank() < 0 {
		return fmt.Errorf("accuracy tier %q: %w", c.LiveAccuracyTier, geoerr.ErrConfigurationInvalid)
	}
	for _, t := range c.LiveAutoWhen {
		switch t {
		case TriggerAlways, TriggerInGroup, TriggerAtVenue, TriggerWalking:
		default:
			return fmt.Errorf("trigger %q: %w", t, geoerr.ErrConfigurationInvalid)
		}
	}
	return nil
}

// Muted reports whether broadcasts are suppressed at now.
func (c Configuration) Muted(now time.Time) bool {
	return !c.LiveMutedUntil.IsZero() && now.Before(c.LiveMutedUntil)
}

// Has reports whether t is in LiveAutoWhen.
func (c Configuration) Has(t Trigger) bool {
	for _, w := range c.LiveAutoWhen {
		if w == t {
			return true
		}
	}
	return false
}

// Result is a filtered coordinate.
type Result struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	Accuracy  float64 `json:"accuracy"`
}

// ErrHidden is returned for the hidden tier: there is nothing to publish.
var ErrHidden = errors.New("location hidden by privacy settings")

const metresPerDegree = 6371008.8 * math.Pi / 180

// Filter applies cfg to a raw coordinate. It returns ErrHidden for the hidden
// tier and an error wrapping geoerr.ErrConfigurationInvalid when cfg or the
// coordinate is malformed; in both cases nothing may be published.
func Filter(lat, lng, accuracy float64, cfg Configuration) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, fmt.Errorf("privacy: %w", err)
	}
	if math.IsNaN(lat) || math.IsNaN(lng) || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return Result{}, fmt.Errorf("privacy: coordinate (%v, %v): %w", lat, lng, geoerr.ErrConfigurationInvalid)
	}
	if math.IsNaN(accuracy) || accuracy < 0 {
		accuracy = 0
	}

	tier := cfg.LiveAccuracyTier
	switch tier {
	case Hidden:
		return Result{}, ErrHidden
	case Exact:
		return Result{Latitude: lat, Longitude: lng, Accuracy: accuracy}, nil
	}

	grid := float64(tier.Grid()) / float64(physic.Metre)
	y := snap(lat*metresPerDegree, grid)
	outLat := clamp(y/metresPerDegree, -90, 90)

	// Longitude cells are sized at the snapped latitude so every point of a
	// cell maps to the same output.
	scale := math.Cos(outLat * math.Pi / 180)
	if scale < 1e-6 {
		return Result{Latitude: outLat, Longitude: 0, Accuracy: math.Max(accuracy, grid)}, nil
	}
	x := snap(lng*metresPerDegree*scale, grid)
	outLng := clamp(x/(metresPerDegree*scale), -180, 180)

	return Result{Latitude: outLat, Longitude: outLng, Accuracy: math.Max(accuracy, grid)}, nil
}

func snap(v, grid float64) float64 {
	return (math.Floor(v/grid) + 0.5) * grid
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
