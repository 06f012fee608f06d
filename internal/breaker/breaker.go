// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package breaker guards writes to remote storage with one circuit per
// operation key.
//
// A circuit opens when more than Threshold failures fall inside Window and
// rejects calls for Cooldown. After the cooldown one trial call is admitted
// (half-open); its outcome closes or re-opens the circuit. Circuits never
// affect each other.
//
// While any circuit is open or running its trial the guard is degraded: High
// priority calls pass straight through, Medium and Low calls share a small
// pool of slots and Low needs twice as many.
package breaker

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/semaphore"

	"github.com/relabs-tech/geopresence/internal/geoerr"
	"github.com/relabs-tech/geopresence/internal/metrics"
)

// Defaults.
const (
	DefaultThreshold     = 5
	DefaultWindow        = time.Minute
	DefaultCooldown      = 30 * time.Second
	DefaultDegradedSlots = 2
)

// Priority orders writes while the guard is degraded.
type Priority int

const (
	Low Priority = iota
	Medium
	High
)

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Medium:
		return "medium"
	default:
		return "low"
	}
}

// State of one circuit.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// MarshalText renders the state by name in JSON snapshots.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Options configures a Guard. Zero values take the defaults.
type Options struct {
	Clock         quartz.Clock
	Metrics       *metrics.Metrics
	Threshold     int
	Window        time.Duration
	Cooldown      time.Duration
	DegradedSlots int64
}

type circuit struct {
	mu       sync.Mutex
	state    State
	failures []time.Time
	openedAt time.Time
	trial    bool
	rejected uint64
}

// CircuitInfo describes one circuit in a Snapshot.
type CircuitInfo struct {
	State    State     `json:"state"`
	Failures int       `json:"failures"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
	Rejected uint64    `json:"rejected"`
}

// Snapshot is the debug view of a Guard.
type Snapshot struct {
	Degraded bool                   `json:"degraded"`
	Circuits map[string]CircuitInfo `json:"circuits"`
}

// Guard owns the circuits. It is safe for concurrent use.
type Guard struct {
	clock     quartz.Clock
	metrics   *metrics.Metrics
	threshold int
	window    time.Duration
	cooldown  time.Duration
	slots     *semaphore.Weighted
	maxSlots  int64

	mu       sync.Mutex
	circuits map[string]*circuit
}

// New creates a guard with no circuits.
func New(opts Options) *Guard {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.DegradedSlots < 2 {
		opts.DegradedSlots = DefaultDegradedSlots
	}
	return &Guard{
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		threshold: opts.Threshold,
		window:    opts.Window,
		cooldown:  opts.Cooldown,
		slots:     semaphore.NewWeighted(opts.DegradedSlots),
		maxSlots:  opts.DegradedSlots,
		circuits:  make(map[string]*circuit),
	}
}

func (g *Guard) circuit(key string) *circuit {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.circuits[key]
	if !ok {
		c = &circuit{}
		g.circuits[key] = c
	}
	return c
}

// Execute runs fn under the circuit for key. While the circuit is open fn is
// not called and the returned error wraps geoerr.ErrCircuitOpen. Errors from
// fn are returned wrapped with geoerr.ErrWriteFailed.
func (g *Guard) Execute(ctx context.Context, key string, p Priority, fn func(context.Context) error) error {
	c := g.circuit(key)

	trial, err := g.admit(key, c)
	if err != nil {
		return err
	}

	if p != High && g.Degraded() {
		weight := int64(1)
		if p == Low {
			weight = 2
		}
		if weight > g.maxSlots {
			weight = g.maxSlots
		}
		if err := g.slots.Acquire(ctx, weight); err != nil {
			g.abandon(c, trial)
			return fmt.Errorf("breaker: %s: waiting for a %s priority slot: %w", key, p, err)
		}
		defer g.slots.Release(weight)
	}

	err = fn(ctx)
	g.record(key, c, trial, err)
	if err != nil {
		return geoerr.WriteFailed(fmt.Errorf("%s: %w", key, err))
	}
	return nil
}

// admit decides whether a call may run. It returns true when the call is the
// half-open trial.
func (g *Guard) admit(key string, c *circuit) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Closed:
		return false, nil
	case Open:
		if g.clock.Since(c.openedAt) < g.cooldown {
			return false, g.rejectLocked(key, c)
		}
		c.state = HalfOpen
		c.trial = true
		g.metrics.CircuitState.WithLabelValues(key).Set(float64(HalfOpen))
		log.Printf("breaker: %s half-open, admitting trial", key)
		return true, nil
	default:
		if c.trial {
			return false, g.rejectLocked(key, c)
		}
		c.trial = true
		return true, nil
	}
}

func (g *Guard) rejectLocked(key string, c *circuit) error {
	c.rejected++
	g.metrics.CircuitRejected.WithLabelValues(key).Inc()
	return fmt.Errorf("breaker: %s: %w", key, geoerr.ErrCircuitOpen)
}

// abandon releases a trial slot that never ran.
func (g *Guard) abandon(c *circuit, trial bool) {
	if !trial {
		return
	}
	c.mu.Lock()
	c.trial = false
	c.mu.Unlock()
}

func (g *Guard) record(key string, c *circuit, trial bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := g.clock.Now()
	if trial {
		c.trial = false
	}

	if err == nil {
		if c.state != Closed {
			log.Printf("breaker: %s closed", key)
		}
		c.state = Closed
		c.failures = c.failures[:0]
		g.metrics.CircuitState.WithLabelValues(key).Set(float64(Closed))
		return
	}

	if c.state == HalfOpen {
		g.openLocked(key, c, now)
		return
	}

	c.failures = append(pruned(c.failures, now.Add(-g.window)), now)
	if c.state == Closed && len(c.failures) > g.threshold {
		g.openLocked(key, c, now)
	}
}

func (g *Guard) openLocked(key string, c *circuit, now time.Time) {
	c.state = Open
	c.openedAt = now
	g.metrics.CircuitState.WithLabelValues(key).Set(float64(Open))
	log.Printf("breaker: %s open for %s after %d failures", key, g.cooldown, len(c.failures))
}

func pruned(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return append(ts[:0], ts[i:]...)
}

// State reports the state of the circuit for key. An open circuit whose
// cooldown has elapsed reports HalfOpen.
func (g *Guard) State(key string) State {
	g.mu.Lock()
	c, ok := g.circuits[key]
	g.mu.Unlock()
	if !ok {
		return Closed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return g.stateLocked(c)
}

func (g *Guard) stateLocked(c *circuit) State {
	if c.state == Open && g.clock.Since(c.openedAt) >= g.cooldown {
		return HalfOpen
	}
	return c.state
}

// Degraded is true while any circuit is open inside its cooldown or running
// its half-open trial. A circuit left open by a path nobody uses any more
// stops degrading once its cooldown has elapsed.
func (g *Guard) Degraded() bool {
	for _, c := range g.all() {
		c.mu.Lock()
		st := g.stateLocked(c)
		trial := c.trial
		c.mu.Unlock()
		if st == Open || (st == HalfOpen && trial) {
			return true
		}
	}
	return false
}

func (g *Guard) all() []*circuit {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*circuit, 0, len(g.circuits))
	for _, c := range g.circuits {
		out = append(out, c)
	}
	return out
}

// Keys lists the known circuit keys in order.
func (g *Guard) Keys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]string, 0, len(g.circuits))
	for k := range g.circuits {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns the state of every circuit.
func (g *Guard) Snapshot() Snapshot {
	now := g.clock.Now()
	s := Snapshot{Circuits: make(map[string]CircuitInfo)}
	for _, key := range g.Keys() {
		g.mu.Lock()
		c := g.circuits[key]
		g.mu.Unlock()

		c.mu.Lock()
		info := CircuitInfo{
			State:    g.stateLocked(c),
			Failures: len(pruned(append([]time.Time(nil), c.failures...), now.Add(-g.window))),
			Rejected: c.rejected,
		}
		if c.state != Closed {
			info.OpenedAt = c.openedAt
			s.Degraded = true
		}
		c.mu.Unlock()
		s.Circuits[key] = info
	}
	return s
}
