// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package presence

import (
	"context"
	"fmt"

	"periph.io/x/conn/v3/physic"

	"github.com/relabs-tech/geopresence/internal/gps"
	"github.com/relabs-tech/geopresence/internal/privacy"
	"github.com/relabs-tech/geopresence/internal/store"
)

// Context is the situation detected around a fix.
type Context struct {
	InGroup bool `json:"in_group"`
	AtVenue bool `json:"at_venue"`
	Walking bool `json:"walking"`
}

// Satisfies reports whether the context matches one of the triggers.
func (c Context) Satisfies(triggers []privacy.Trigger) bool {
	for _, t := range triggers {
		switch t {
		case privacy.TriggerAlways:
			return true
		case privacy.TriggerInGroup:
			if c.InGroup {
				return true
			}
		case privacy.TriggerAtVenue:
			if c.AtVenue {
				return true
			}
		case privacy.TriggerWalking:
			if c.Walking {
				return true
			}
		}
	}
	return false
}

// ContextDetector evaluates the candidate triggers for a fix. It is only used
// to decide whether a broadcast is allowed.
type ContextDetector interface {
	DetectContext(ctx context.Context, f gps.Fix, candidates []privacy.Trigger) (Context, error)
}

// NoContext never detects anything.
type NoContext struct{}

func (NoContext) DetectContext(context.Context, gps.Fix, []privacy.Trigger) (Context, error) {
	return Context{}, nil
}

// NearbyQuerier finds shared positions around a point.
type NearbyQuerier interface {
	NearbyPositions(ctx context.Context, lat, lng, radius float64, limit int) ([]store.Position, error)
}

// Venue is a known place.
type Venue struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	Radius    float64 `json:"radius_m"`
}

// Walking speed band.
const (
	WalkingMin = physic.MetrePerSecond / 2
	WalkingMax = 5 * physic.MetrePerSecond / 2
)

// ProximityDetector derives the context from the positions other people share,
// a list of venues and the speed of the fix.
type ProximityDetector struct {
	Self   string
	Nearby NearbyQuerier
	Venues []Venue

	// GroupRadius in metres and GroupSize other people make a group.
	GroupRadius float64
	GroupSize   int
}

// DetectContext only evaluates the triggers in candidates.
func (d *ProximityDetector) DetectContext(ctx context.Context, f gps.Fix, candidates []privacy.Trigger) (Context, error) {
	var c Context
	for _, t := range candidates {
		switch t {
		case privacy.TriggerWalking:
			c.Walking = IsWalking(f.Speed)
		case privacy.TriggerAtVenue:
			c.AtVenue = d.atVenue(f)
		case privacy.TriggerInGroup:
			in, err := d.inGroup(ctx, f)
			if err != nil {
				return Context{}, err
			}
			c.InGroup = in
		}
	}
	return c, nil
}

// IsWalking reports whether a speed in metres per second is a walking pace.
func IsWalking(mps float64) bool {
	s := physic.Speed(mps * float64(physic.MetrePerSecond))
	return s >= WalkingMin && s <= WalkingMax
}

func (d *ProximityDetector) atVenue(f gps.Fix) bool {
	for _, v := range d.Venues {
		if gps.DistanceBetween(f.Latitude, f.Longitude, v.Latitude, v.Longitude) <= v.Radius {
			return true
		}
	}
	return false
}

func (d *ProximityDetector) inGroup(ctx context.Context, f gps.Fix) (bool, error) {
	if d.Nearby == nil {
		return false, nil
	}
	radius, size := d.GroupRadius, d.GroupSize
	if radius <= 0 {
		radius = 50
	}
	if size <= 0 {
		size = 2
	}
	near, err := d.Nearby.NearbyPositions(ctx, f.Latitude, f.Longitude, radius, size+1)
	if err != nil {
		return false, fmt.Errorf("group detection: %w", err)
	}
	others := 0
	for _, p := range near {
		if p.Identity != d.Self {
			others++
		}
	}
	return others >= size, nil
}
