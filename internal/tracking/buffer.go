// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package tracking buffers gated fixes and flushes them to the location
// history through the backpressure guard.
package tracking

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/relabs-tech/geopresence/internal/breaker"
	"github.com/relabs-tech/geopresence/internal/geoerr"
	"github.com/relabs-tech/geopresence/internal/gps"
	"github.com/relabs-tech/geopresence/internal/metrics"
)

// Defaults.
const (
	DefaultFlushInterval = 20 * time.Second
	DefaultThreshold     = 10
	DefaultCap           = 100
	DefaultRetryKeep     = 50
	DefaultFailureReport = 3
)

// Ping is one gate-passed sample waiting for a history write.
type Ping struct {
	Timestamp time.Time `json:"ts"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lng"`
	Accuracy  float64   `json:"accuracy"`
}

// PingFrom converts a fix.
func PingFrom(f gps.Fix) Ping {
	return Ping{Timestamp: f.Timestamp, Latitude: f.Latitude, Longitude: f.Longitude, Accuracy: f.Accuracy}
}

// HistoryWriter persists a batch of pings for one identity.
type HistoryWriter interface {
	RecordBatch(ctx context.Context, identity string, pings []Ping) error
}

// Options configures a Buffer. Zero values take the defaults.
type Options struct {
	Identity string
	Writer   HistoryWriter
	Guard    *breaker.Guard
	Clock    quartz.Clock
	Metrics  *metrics.Metrics

	MinDistanceMetres float64
	MinTime           time.Duration

	FlushInterval time.Duration
	Threshold     int
	Cap           int
	RetryKeep     int
	FailureReport int

	// OnError receives one summarized error when FailureReport consecutive
	// flushes have failed.
	OnError func(error)
}

// Snapshot is the debug view of a Buffer.
type Snapshot struct {
	Pending             int       `json:"pending"`
	Dropped             uint64    `json:"dropped"`
	Flushed             uint64    `json:"flushed"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFlush           time.Time `json:"last_flush,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

// Buffer accumulates pings and drains them in FIFO order.
type Buffer struct {
	opts Options
	key  string

	mu          sync.Mutex
	gate        *gps.Gate
	pending     []Ping
	dropped     uint64
	flushed     uint64
	consecutive int
	lastFlush   time.Time
	lastErr     error
	stopped     bool

	flushMu sync.Mutex

	eager     chan struct{}
	stopCh    chan struct{}
	loopDone  chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	stopErr   error
}

// New creates a buffer for opts.Identity. It returns geoerr.ErrNotAuthenticated
// when the identity is empty.
func New(opts Options) (*Buffer, error) {
	if opts.Identity == "" {
		return nil, fmt.Errorf("tracking: %w", geoerr.ErrNotAuthenticated)
	}
	if opts.Writer == nil {
		return nil, fmt.Errorf("tracking: history writer is required")
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Guard == nil {
		opts.Guard = breaker.New(breaker.Options{Clock: opts.Clock, Metrics: opts.Metrics})
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Cap <= 0 {
		opts.Cap = DefaultCap
	}
	if opts.RetryKeep <= 0 {
		opts.RetryKeep = DefaultRetryKeep
	}
	if opts.RetryKeep > opts.Cap {
		opts.RetryKeep = opts.Cap
	}
	if opts.FailureReport <= 0 {
		opts.FailureReport = DefaultFailureReport
	}
	return &Buffer{
		opts:  opts,
		key:   "history:" + opts.Identity,
		gate:  gps.NewGate(opts.MinDistanceMetres, opts.MinTime),
		eager: make(chan struct{}, 1),
	}, nil
}

// Key is the guard operation key for this buffer.
func (b *Buffer) Key() string {
	return b.key
}

// Record appends f as a ping if it passes the gate. It reports whether the fix
// was kept.
func (b *Buffer) Record(f gps.Fix) bool {
	b.mu.Lock()
	if b.stopped || !b.gate.Pass(f) {
		b.mu.Unlock()
		return false
	}
	b.pending = append(b.pending, PingFrom(f))
	b.capLocked()
	// Retried pings wait for the next interval.
	eager := len(b.pending) >= b.opts.Threshold && b.consecutive == 0
	b.mu.Unlock()

	if eager {
		select {
		case b.eager <- struct{}{}:
		default:
		}
	}
	return true
}

// capLocked drops the oldest pings beyond the hard cap.
func (b *Buffer) capLocked() {
	over := len(b.pending) - b.opts.Cap
	if over > 0 {
		b.pending = append(b.pending[:0], b.pending[over:]...)
		b.dropped += uint64(over)
		b.opts.Metrics.BufferDropped.Add(float64(over))
	}
	b.opts.Metrics.BufferPending.Set(float64(len(b.pending)))
}

// Flush drains the buffer at Low priority.
func (b *Buffer) Flush(ctx context.Context) error {
	return b.FlushWith(ctx, breaker.Low)
}

// FlushWith drains the buffer and writes it through the guard. On failure the
// most recent RetryKeep pings of the batch go back to the head of the buffer.
func (b *Buffer) FlushWith(ctx context.Context, p breaker.Priority) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.opts.Metrics.BufferPending.Set(0)
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	err := b.opts.Guard.Execute(ctx, b.key, p, func(ctx context.Context) error {
		return b.opts.Writer.RecordBatch(ctx, b.opts.Identity, batch)
	})

	b.mu.Lock()
	if err == nil {
		b.flushed += uint64(len(batch))
		b.consecutive = 0
		b.lastErr = nil
		b.lastFlush = b.opts.Clock.Now()
		b.opts.Metrics.BufferPending.Set(float64(len(b.pending)))
		b.mu.Unlock()
		b.opts.Metrics.Flushes.WithLabelValues("ok").Inc()
		return nil
	}

	keep := batch
	if len(keep) > b.opts.RetryKeep {
		lost := len(keep) - b.opts.RetryKeep
		keep = keep[lost:]
		b.dropped += uint64(lost)
		b.opts.Metrics.BufferDropped.Add(float64(lost))
	}
	restored := make([]Ping, 0, len(keep)+len(b.pending))
	restored = append(restored, keep...)
	b.pending = append(restored, b.pending...)
	b.capLocked()

	b.consecutive++
	b.lastErr = err
	report := b.consecutive == b.opts.FailureReport
	failures := b.consecutive
	b.mu.Unlock()

	b.opts.Metrics.Flushes.WithLabelValues(geoerr.Kind(err)).Inc()
	log.Printf("tracking: flush of %d pings failed (%d in a row): %v", len(batch), failures, err)
	if report && b.opts.OnError != nil {
		b.opts.OnError(fmt.Errorf("tracking: %d consecutive history flushes failed: %w", failures, err))
	}
	return err
}

// Start runs the flush scheduler until Stop or until ctx is done. A flush
// happens every FlushInterval or as soon as Threshold pings are pending; after
// a failed flush only the interval retries.
func (b *Buffer) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		b.stopCh = make(chan struct{})
		b.loopDone = make(chan struct{})
		ticker := b.opts.Clock.NewTicker(b.opts.FlushInterval, "tracking", "flush")
		go b.loop(ctx, ticker)
		log.Printf("tracking: %s scheduler started (every %s or %d pings)", b.key, b.opts.FlushInterval, b.opts.Threshold)
	})
}

func (b *Buffer) loop(ctx context.Context, ticker *quartz.Ticker) {
	defer close(b.loopDone)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
		case <-b.eager:
		}
		_ = b.Flush(ctx)
	}
}

// Stop ends scheduling, lets an in-flight flush finish, then makes one final
// flush and releases the buffer. Later calls return the first result.
func (b *Buffer) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() {
		b.startOnce.Do(func() {})
		if b.stopCh != nil {
			close(b.stopCh)
			<-b.loopDone
		}

		b.stopErr = b.FlushWith(ctx, breaker.High)

		b.mu.Lock()
		b.stopped = true
		if n := len(b.pending); n > 0 {
			log.Printf("tracking: %s released with %d unflushed pings", b.key, n)
			b.dropped += uint64(n)
			b.opts.Metrics.BufferDropped.Add(float64(n))
		}
		b.pending = nil
		b.opts.Metrics.BufferPending.Set(0)
		b.mu.Unlock()
	})
	return b.stopErr
}

// Snapshot returns debug counters. It has no side effects.
func (b *Buffer) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		Pending:             len(b.pending),
		Dropped:             b.dropped,
		Flushed:             b.flushed,
		ConsecutiveFailures: b.consecutive,
		LastFlush:           b.lastFlush,
	}
	if b.lastErr != nil {
		s.LastError = b.lastErr.Error()
	}
	return s
}
