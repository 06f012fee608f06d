// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package gpstest provides a scriptable gps.Device for tests.
package gpstest

import (
	"context"
	"sync"
	"time"

	"github.com/relabs-tech/geopresence/internal/gps"
)

type callbacks struct {
	onFix   func(gps.Fix)
	onError func(error)
}

// Device is a gps.Device whose watches are driven by Emit and Fail.
type Device struct {
	mu         sync.Mutex
	nextID     gps.WatchID
	active     map[gps.WatchID]callbacks
	watchCalls int
	clearCalls int
	current    gps.Fix
	currentErr error
	currentN   int
	lastOpts   gps.WatchOptions
}

// NewDevice returns an idle fake device.
func NewDevice() *Device {
	return &Device{active: make(map[gps.WatchID]callbacks)}
}

func (d *Device) Watch(opts gps.WatchOptions, onFix func(gps.Fix), onError func(error)) (gps.WatchID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.watchCalls++
	d.nextID++
	d.lastOpts = opts
	d.active[d.nextID] = callbacks{onFix: onFix, onError: onError}
	return d.nextID, nil
}

func (d *Device) ClearWatch(id gps.WatchID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clearCalls++
	delete(d.active, id)
}

func (d *Device) CurrentFix(ctx context.Context, opts gps.WatchOptions) (gps.Fix, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.currentN++
	return d.current, d.currentErr
}

// LastOptions returns the options of the most recent Watch call.
func (d *Device) LastOptions() gps.WatchOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastOpts
}

// CurrentCalls counts CurrentFix calls.
func (d *Device) CurrentCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentN
}

// SetCurrent sets what CurrentFix returns.
func (d *Device) SetCurrent(f gps.Fix, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current, d.currentErr = f, err
}

func (d *Device) snapshot() []callbacks {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]callbacks, 0, len(d.active))
	for _, cb := range d.active {
		out = append(out, cb)
	}
	return out
}

// Emit delivers f to every active watch, synchronously.
func (d *Device) Emit(f gps.Fix) {
	for _, cb := range d.snapshot() {
		cb.onFix(f)
	}
}

// Fail delivers err to every active watch, synchronously.
func (d *Device) Fail(err error) {
	for _, cb := range d.snapshot() {
		cb.onError(err)
	}
}

// Calls returns the number of Watch and ClearWatch calls and active watches.
func (d *Device) Calls() (watch, clear, active int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.watchCalls, d.clearCalls, len(d.active)
}

// Walk returns n fixes starting at (lat, lng), stepping north by stepMetres
// every interval.
func Walk(lat, lng float64, start time.Time, n int, stepMetres float64, interval time.Duration) []gps.Fix {
	out := make([]gps.Fix, n)
	for i := range out {
		la, ln := gps.Offset(lat, lng, float64(i)*stepMetres, 0)
		out[i] = gps.Fix{
			Latitude:  la,
			Longitude: ln,
			Accuracy:  5,
			Timestamp: start.Add(time.Duration(i) * interval),
		}
	}
	return out
}
