// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package locator

import (
	"context"
	"log"
	"sync"

	"github.com/relabs-tech/geopresence/internal/gps"
)

var deprecationOnce sync.Once

// Geolocation is the read-only view older callers used before Service
// existed. It never starts or stops anything.
//
// Deprecated: use Service directly.
type Geolocation struct {
	svc *Service
}

// NewGeolocation wraps svc for legacy callers.
//
// Deprecated: use Service directly.
func NewGeolocation(svc *Service) *Geolocation {
	deprecationOnce.Do(func() {
		log.Printf("locator: NewGeolocation is deprecated, use locator.Service")
	})
	return &Geolocation{svc: svc}
}

// Position returns the last known fix.
func (g *Geolocation) Position() (gps.Fix, bool) {
	g.svc.mu.Lock()
	defer g.svc.mu.Unlock()
	return g.svc.lastFix, g.svc.haveFix
}

// Refresh returns a current fix.
func (g *Geolocation) Refresh(ctx context.Context) (gps.Fix, error) {
	return g.svc.CurrentLocation(ctx)
}

// Loading reports whether a fix is being acquired.
func (g *Geolocation) Loading() bool {
	st, _ := g.svc.Status()
	return st == Loading
}

// Err is the last error message, empty unless the status is Error.
func (g *Geolocation) Err() string {
	st, msg := g.svc.Status()
	if st != Error {
		return ""
	}
	return msg
}
