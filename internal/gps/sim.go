// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package gps

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/relabs-tech/geopresence/internal/geoerr"
)

// SimDevice is a simulated receiver walking a smooth loop around an origin.
// It is used when no hardware is attached (GPS_SERIAL_PORT=sim).
type SimDevice struct {
	clock  quartz.Clock
	lat    float64
	lng    float64
	period time.Duration

	mu        sync.Mutex
	start     time.Time
	nextID    WatchID
	watches   map[WatchID]*simWatch
	state     PermissionState
	listeners map[int]func(PermissionState)
	nextLis   int
}

type simWatch struct {
	ticker  *quartz.Ticker
	done    chan struct{}
	onError func(error)
}

// NewSimDevice creates a simulated device emitting one fix per period.
func NewSimDevice(clock quartz.Clock, lat, lng float64, period time.Duration) *SimDevice {
	return &SimDevice{
		clock:     clock,
		lat:       lat,
		lng:       lng,
		period:    period,
		start:     clock.Now(),
		watches:   make(map[WatchID]*simWatch),
		state:     PermissionGranted,
		listeners: make(map[int]func(PermissionState)),
	}
}

// At returns the simulated position at time t: a 150 m radius loop walked at
// roughly 1.4 m/s.
func (d *SimDevice) At(t time.Time) Fix {
	elapsed := t.Sub(d.start).Seconds()
	const radius = 150.0
	const speed = 1.4
	angle := elapsed * speed / radius

	lat, lng := Offset(d.lat, d.lng, radius*math.Sin(angle), radius*math.Cos(angle))
	return Fix{
		Latitude:  lat,
		Longitude: lng,
		Accuracy:  8 + 4*math.Abs(math.Sin(elapsed/30)),
		Speed:     speed,
		Timestamp: t,
	}
}

// Watch starts a ticker emitting simulated fixes.
func (d *SimDevice) Watch(opts WatchOptions, onFix func(Fix), onError func(error)) (WatchID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	if d.state == PermissionDenied {
		go onError(fmt.Errorf("sim watch: %w", geoerr.ErrPermissionDenied))
		d.watches[id] = &simWatch{done: make(chan struct{})}
		return id, nil
	}

	w := &simWatch{
		ticker:  d.clock.NewTicker(d.period, "sim", "watch"),
		done:    make(chan struct{}),
		onError: onError,
	}
	d.watches[id] = w

	go func() {
		for {
			select {
			case <-w.done:
				return
			case t := <-w.ticker.C:
				onFix(d.At(t))
			}
		}
	}()
	return id, nil
}

// ClearWatch stops watch id.
func (d *SimDevice) ClearWatch(id WatchID) {
	d.mu.Lock()
	w, ok := d.watches[id]
	delete(d.watches, id)
	d.mu.Unlock()
	if !ok {
		return
	}
	if w.ticker != nil {
		w.ticker.Stop()
	}
	close(w.done)
}

// CurrentFix returns the simulated position now.
func (d *SimDevice) CurrentFix(ctx context.Context, opts WatchOptions) (Fix, error) {
	if st, _ := d.Query(ctx); st == PermissionDenied {
		return Fix{}, fmt.Errorf("sim current fix: %w", geoerr.ErrPermissionDenied)
	}
	return d.At(d.clock.Now()), nil
}

// Query returns the simulated grant state.
func (d *SimDevice) Query(ctx context.Context) (PermissionState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, nil
}

// Request grants permission unless it was explicitly revoked.
func (d *SimDevice) Request(ctx context.Context) (PermissionState, error) {
	return d.Query(ctx)
}

// OnChange registers fn for grant changes.
func (d *SimDevice) OnChange(fn func(PermissionState)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := d.nextLis
	d.nextLis++
	d.listeners[key] = fn
	return func() {
		d.mu.Lock()
		delete(d.listeners, key)
		d.mu.Unlock()
	}
}

// SetPermission changes the simulated grant. Revoking it fails every active
// watch with ErrPermissionDenied.
func (d *SimDevice) SetPermission(s PermissionState) {
	d.mu.Lock()
	if d.state == s {
		d.mu.Unlock()
		return
	}
	d.state = s
	var failed []func(error)
	if s == PermissionDenied {
		for _, w := range d.watches {
			if w.onError != nil {
				failed = append(failed, w.onError)
			}
		}
	}
	fns := make([]func(PermissionState), 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	for _, onError := range failed {
		onError(fmt.Errorf("sim watch: %w", geoerr.ErrPermissionDenied))
	}
	for _, fn := range fns {
		fn(s)
	}
}
