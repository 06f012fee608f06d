// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package realtime carries presence payloads to the friends of an identity,
// one channel per identity.
package realtime

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
)

// PresencePayload is a privacy-filtered position. It is never persisted.
type PresencePayload struct {
	Identity  string    `json:"identity"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lng"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"ts"`
}

// Publisher sends a payload on the channel of identity.
type Publisher interface {
	Publish(ctx context.Context, identity string, p PresencePayload) error
}

// Ender is a Publisher that can tear down the channel of an identity when it
// stops sharing.
type Ender interface {
	End(identity string)
}

// Fanout publishes to every publisher in order. All of them are tried; the
// errors are combined.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, identity string, p PresencePayload) error {
	var result *multierror.Error
	for _, pub := range f {
		if err := pub.Publish(ctx, identity, p); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// End tears down the channel of identity on every publisher that keeps one.
func (f Fanout) End(identity string) {
	for _, pub := range f {
		if e, ok := pub.(Ender); ok {
			e.End(identity)
		}
	}
}
