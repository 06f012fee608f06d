// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package gps

import (
	"context"
	"fmt"
	"time"

	"github.com/relabs-tech/geopresence/internal/geoerr"
)

// WatchOptions are the per-request positioning preferences. Zero durations
// mean "no preference".
type WatchOptions struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaxAge       time.Duration
}

// Tighter returns the most demanding combination of a and b: high accuracy
// wins and the shortest non-zero timeout and max age are used.
func Tighter(a, b WatchOptions) WatchOptions {
	return WatchOptions{
		HighAccuracy: a.HighAccuracy || b.HighAccuracy,
		Timeout:      minDuration(a.Timeout, b.Timeout),
		MaxAge:       minDuration(a.MaxAge, b.MaxAge),
	}
}

func minDuration(a, b time.Duration) time.Duration {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

// WatchID identifies one active hardware watch.
type WatchID uint64

// Device is the positioning hardware. Watch must not block on the hardware:
// fixes and errors arrive later through the callbacks, in order, from a single
// goroutine per watch.
type Device interface {
	CurrentFix(ctx context.Context, opts WatchOptions) (Fix, error)
	Watch(opts WatchOptions, onFix func(Fix), onError func(error)) (WatchID, error)
	ClearWatch(id WatchID)
}

// PermissionState is the grant state of the location permission.
type PermissionState int

const (
	PermissionPrompt PermissionState = iota
	PermissionGranted
	PermissionDenied
)

func (s PermissionState) String() string {
	switch s {
	case PermissionPrompt:
		return "prompt"
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// Permissions is the permission API of the platform.
type Permissions interface {
	Query(ctx context.Context) (PermissionState, error)
	Request(ctx context.Context) (PermissionState, error)
	// OnChange registers fn for grant changes and returns a cancel func.
	OnChange(fn func(PermissionState)) (cancel func())
}

// FirstFix runs a temporary watch on d and returns its first fix. It is the
// usual way a Device implements CurrentFix.
func FirstFix(ctx context.Context, d Device, opts WatchOptions) (Fix, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	fixCh := make(chan Fix, 1)
	errCh := make(chan error, 1)
	id, err := d.Watch(opts,
		func(f Fix) {
			select {
			case fixCh <- f:
			default:
			}
		},
		func(err error) {
			select {
			case errCh <- err:
			default:
			}
		},
	)
	if err != nil {
		return Fix{}, err
	}
	defer d.ClearWatch(id)

	select {
	case f := <-fixCh:
		return f, nil
	case err := <-errCh:
		return Fix{}, err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return Fix{}, fmt.Errorf("current fix: %w", geoerr.ErrTimeout)
		}
		return Fix{}, ctx.Err()
	}
}
