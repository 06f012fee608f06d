// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package multiplexer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/geopresence/internal/gps"
)

// Event is one item of a Stream: either a fix or a device error.
type Event struct {
	Fix      gps.Fix
	Err      error
	Received time.Time
}

// Stream is a registration delivered over a buffered channel instead of
// callbacks. Fixes are dropped when the buffer is full; errors are not.
type Stream struct {
	C <-chan Event

	ch      chan Event
	done    chan struct{}
	dropped atomic.Uint64
	once    sync.Once
	closeFn func()
}

// Stream subscribes consumerID and returns the registration as a channel. It
// is released by Close or when ctx is done.
func (m *Multiplexer) Stream(ctx context.Context, consumerID string, opts gps.WatchOptions, buffer int) (*Stream, error) {
	if buffer < 1 {
		buffer = 1
	}
	s := &Stream{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
	s.C = s.ch

	h, err := m.Subscribe(consumerID,
		func(f gps.Fix) {
			select {
			case s.ch <- Event{Fix: f, Received: m.clock.Now()}:
			default:
				s.dropped.Add(1)
			}
		},
		func(err error) {
			select {
			case s.ch <- Event{Err: err, Received: m.clock.Now()}:
			case <-s.done:
			}
		},
		opts,
	)
	if err != nil {
		return nil, err
	}

	s.closeFn = func() { m.Unsubscribe(h) }
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// Len is the number of queued events.
func (s *Stream) Len() int {
	return len(s.ch)
}

// Dropped counts fixes lost to a full buffer.
func (s *Stream) Dropped() uint64 {
	return s.dropped.Load()
}

// Done is closed once the stream is released.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Close releases the registration. Safe to call more than once.
func (s *Stream) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.closeFn != nil {
			s.closeFn()
		}
	})
}
