// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package bus fans every fix from the multiplexer out to registered consumers.
//
// The bus holds a single multiplexer registration while it has consumers. Fixes
// are queued between the multiplexer callback and one dispatch goroutine, which
// delivers each fix to every consumer in the same turn, in receive order. When
// the queue is full the newest fix is dropped and counted rather than blocking
// the device.
//
// Every consumer has its own distance/time gate: a map display can take every
// fix while a recorder only takes fixes that moved or aged enough.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/relabs-tech/geopresence/internal/gps"
	"github.com/relabs-tech/geopresence/internal/metrics"
	"github.com/relabs-tech/geopresence/internal/multiplexer"
)

// DefaultQueueSize bounds the number of fixes waiting for fan-out.
const DefaultQueueSize = 64

var (
	// ErrConsumerExists is returned when an id is registered twice.
	ErrConsumerExists = errors.New("consumer id already registered")
	// ErrBusClosed is returned after Close.
	ErrBusClosed = errors.New("bus closed")
)

// ConsumerConfig describes one consumer. A zero gate passes every fix.
type ConsumerConfig struct {
	OnFix             func(gps.Fix)
	OnError           func(error)
	MinDistanceMetres float64
	MinTime           time.Duration
}

// Options configures a Bus.
type Options struct {
	Clock         quartz.Clock
	Metrics       *metrics.Metrics
	QueueSize     int
	CellPrecision uint
	// Watch is what the bus asks of the hardware on behalf of its consumers.
	Watch gps.WatchOptions
}

// Health is the aggregate state of the bus.
type Health struct {
	Consumers  int           `json:"consumers"`
	QueueDepth int           `json:"queue_depth"`
	Published  uint64        `json:"published"`
	Dropped    uint64        `json:"dropped"`
	AvgFanout  time.Duration `json:"avg_fanout"`
	LastFixAt  time.Time     `json:"last_fix_at"`
}

type consumer struct {
	id  string
	cfg ConsumerConfig

	mu   sync.Mutex
	gate *gps.Gate
}

// Bus is the distribution bus. It is safe for concurrent use.
type Bus struct {
	mux       *multiplexer.Multiplexer
	clock     quartz.Clock
	metrics   *metrics.Metrics
	queueSize int
	precision uint
	watch     gps.WatchOptions

	mu        sync.Mutex
	consumers map[string]*consumer
	order     []string
	stream    *multiplexer.Stream
	done      chan struct{}
	closed    bool

	statsMu     sync.Mutex
	published   uint64
	dropped     uint64
	seenDropped uint64
	latencySum  time.Duration
	lastFixAt   time.Time
}

// New creates a bus on top of mux. Nothing is subscribed until the first
// consumer registers.
func New(mux *multiplexer.Multiplexer, opts Options) *Bus {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.CellPrecision == 0 {
		opts.CellPrecision = DefaultCellPrecision
	}
	return &Bus{
		mux:       mux,
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		queueSize: opts.QueueSize,
		precision: opts.CellPrecision,
		watch:     opts.Watch,
		consumers: make(map[string]*consumer),
	}
}

// RegisterConsumer adds a consumer and returns the function that removes it.
// The returned function is idempotent and may be called from inside OnFix.
func (b *Bus) RegisterConsumer(id string, cfg ConsumerConfig) (func(), error) {
	if cfg.OnFix == nil {
		return nil, fmt.Errorf("bus: consumer %s: OnFix is required", id)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, ok := b.consumers[id]; ok {
		return nil, fmt.Errorf("bus: %s: %w", id, ErrConsumerExists)
	}

	c := &consumer{id: id, cfg: cfg, gate: gps.NewGate(cfg.MinDistanceMetres, cfg.MinTime)}
	b.consumers[id] = c
	b.order = append(b.order, id)
	b.metrics.BusConsumers.Set(float64(len(b.consumers)))

	if b.stream == nil {
		if err := b.startLocked(); err != nil {
			delete(b.consumers, id)
			b.order = b.order[:len(b.order)-1]
			b.metrics.BusConsumers.Set(float64(len(b.consumers)))
			return nil, err
		}
	}
	log.Printf("bus: consumer %s registered (gate %.0fm/%s)", id, cfg.MinDistanceMetres, cfg.MinTime)

	var once sync.Once
	return func() { once.Do(func() { b.unregister(c) }) }, nil
}

func (b *Bus) unregister(c *consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.consumers[c.id] != c {
		return
	}
	delete(b.consumers, c.id)
	for i, id := range b.order {
		if id == c.id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	b.metrics.BusConsumers.Set(float64(len(b.consumers)))
	log.Printf("bus: consumer %s unregistered", c.id)

	if len(b.consumers) == 0 {
		b.stopLocked()
	}
}

func (b *Bus) startLocked() error {
	s, err := b.mux.Stream(context.Background(), "bus", b.watch, b.queueSize)
	if err != nil {
		return fmt.Errorf("bus: subscribe: %w", err)
	}
	b.stream = s
	b.done = make(chan struct{})
	go b.run(s, b.done)
	return nil
}

// stopLocked releases the multiplexer registration. It does not wait for the
// dispatch goroutine so it can run from inside a consumer callback.
func (b *Bus) stopLocked() {
	if b.stream == nil {
		return
	}
	b.stream.Close()
	b.stream = nil
}

// Close unregisters every consumer and waits for the dispatch goroutine. It
// must not be called from a consumer callback.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.consumers = make(map[string]*consumer)
	b.order = nil
	done := b.done
	b.stopLocked()
	b.metrics.BusConsumers.Set(0)
	b.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (b *Bus) run(s *multiplexer.Stream, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-s.Done():
			return
		case ev := <-s.C:
			b.metrics.QueueDepth.Set(float64(s.Len()))
			b.noteDropped(s.Dropped())
			if ev.Err != nil {
				b.fanoutError(ev.Err)
				continue
			}
			b.fanout(ev)
		}
	}
}

func (b *Bus) snapshotConsumers() []*consumer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*consumer, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.consumers[id])
	}
	return out
}

func (b *Bus) fanout(ev multiplexer.Event) {
	for _, c := range b.snapshotConsumers() {
		c.mu.Lock()
		pass := c.gate.Pass(ev.Fix)
		c.mu.Unlock()
		if pass && b.registered(c) {
			c.cfg.OnFix(ev.Fix)
		}
	}

	latency := b.clock.Since(ev.Received)
	b.metrics.FixesPublished.Inc()
	b.metrics.FanoutLatency.Observe(latency.Seconds())

	b.statsMu.Lock()
	b.published++
	b.latencySum += latency
	b.lastFixAt = ev.Fix.Timestamp
	b.statsMu.Unlock()
}

func (b *Bus) fanoutError(err error) {
	for _, c := range b.snapshotConsumers() {
		if c.cfg.OnError != nil && b.registered(c) {
			c.cfg.OnError(err)
		}
	}
}

func (b *Bus) registered(c *consumer) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumers[c.id] == c
}

func (b *Bus) noteDropped(total uint64) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	if total > b.seenDropped {
		delta := total - b.seenDropped
		b.seenDropped = total
		b.dropped += delta
		b.metrics.FixesDropped.Add(float64(delta))
	}
}

// Health returns aggregate counters. It has no side effects.
func (b *Bus) Health() Health {
	b.mu.Lock()
	h := Health{Consumers: len(b.consumers)}
	if b.stream != nil {
		h.QueueDepth = b.stream.Len()
	}
	b.mu.Unlock()

	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	h.Published = b.published
	h.Dropped = b.dropped
	h.LastFixAt = b.lastFixAt
	if b.published > 0 {
		h.AvgFanout = b.latencySum / time.Duration(b.published)
	}
	return h
}
