// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package multiplexer shares one hardware position watch between any number
// of subscribers.
//
// The hardware watch starts on the first Subscribe and stops on the last
// Unsubscribe. Its options are the tightest among the active registrations and
// are recomputed on every Subscribe/Unsubscribe; a change restarts the watch so
// that there is never more than one watch running.
//
// Device errors (permission denied, position unavailable, timeout) are
// delivered once to every registration's onError and tear the watch down.
// Registrations survive the teardown; Restart starts the watch again.
package multiplexer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/relabs-tech/geopresence/internal/geoerr"
	"github.com/relabs-tech/geopresence/internal/gps"
	"github.com/relabs-tech/geopresence/internal/metrics"
)

// DefaultTimeout applies to position requests that do not carry their own.
const DefaultTimeout = 20 * time.Second

// Handle identifies one registration.
type Handle string

// Options configures a Multiplexer. Every field is optional.
type Options struct {
	Clock       quartz.Clock
	Metrics     *metrics.Metrics
	Permissions gps.Permissions
	// DefaultTimeout is used when no registration asks for a timeout.
	DefaultTimeout time.Duration
}

type registration struct {
	handle     Handle
	consumerID string
	onFix      func(gps.Fix)
	onError    func(error)
	opts       gps.WatchOptions
	active     atomic.Bool
}

// Snapshot is a read-only view for debugging.
type Snapshot struct {
	Subscribers int              `json:"subscribers"`
	WatchActive bool             `json:"watch_active"`
	LastFixAge  time.Duration    `json:"last_fix_age"` // -1 without a fix
	Failures    int              `json:"failures"`
	Options     gps.WatchOptions `json:"options"`
	Halted      string           `json:"halted,omitempty"`
}

// Multiplexer owns the hardware watch. Construct one per device.
type Multiplexer struct {
	device         gps.Device
	clock          quartz.Clock
	metrics        *metrics.Metrics
	perms          gps.Permissions
	defaultTimeout time.Duration
	cancelPerms    func()

	mu        sync.Mutex
	regs      map[Handle]*registration
	order     []Handle
	watching  bool
	watchID   gps.WatchID
	gen       uint64
	effective gps.WatchOptions
	timer     *quartz.Timer
	lastFix   gps.Fix
	haveFix   bool
	failures  int
	halted    error
}

// New creates a multiplexer for device. It does not touch the hardware.
func New(device gps.Device, opts Options) *Multiplexer {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.DefaultTimeout == 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	m := &Multiplexer{
		device:         device,
		clock:          opts.Clock,
		metrics:        opts.Metrics,
		perms:          opts.Permissions,
		defaultTimeout: opts.DefaultTimeout,
		regs:           make(map[Handle]*registration),
	}
	if m.perms != nil {
		m.cancelPerms = m.perms.OnChange(m.permissionChanged)
	}
	return m
}

// Subscribe registers a consumer. It never waits for the hardware: fixes and
// errors arrive later through the callbacks. onError may be nil.
func (m *Multiplexer) Subscribe(consumerID string, onFix func(gps.Fix), onError func(error), opts gps.WatchOptions) (Handle, error) {
	if onFix == nil {
		return "", errors.New("multiplexer: onFix is required")
	}
	if onError == nil {
		onError = func(error) {}
	}

	r := &registration{
		handle:     Handle(uuid.NewString()),
		consumerID: consumerID,
		onFix:      onFix,
		onError:    onError,
		opts:       opts,
	}
	r.active.Store(true)

	m.mu.Lock()
	m.regs[r.handle] = r
	m.order = append(m.order, r.handle)
	m.metrics.Subscribers.Set(float64(len(m.regs)))

	var failed []*registration
	var failErr error
	halted := m.halted
	if halted == nil {
		failed, failErr = m.reconcileLocked()
	}
	m.mu.Unlock()

	log.Printf("multiplexer: %s subscribed (%s)", consumerID, r.handle)
	if halted != nil {
		// The watch is down until Restart; tell the newcomer why.
		go r.onError(halted)
	}
	notify(failed, failErr)
	return r.handle, nil
}

// Unsubscribe removes a registration. Delivery to it stops immediately; other
// registrations are unaffected. Unknown handles are ignored.
func (m *Multiplexer) Unsubscribe(h Handle) {
	m.mu.Lock()
	r, ok := m.regs[h]
	if !ok {
		m.mu.Unlock()
		return
	}
	r.active.Store(false)
	delete(m.regs, h)
	for i, oh := range m.order {
		if oh == h {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.metrics.Subscribers.Set(float64(len(m.regs)))

	var failed []*registration
	var failErr error
	if len(m.regs) == 0 {
		m.stopWatchLocked()
		m.halted = nil
	} else if m.halted == nil {
		failed, failErr = m.reconcileLocked()
	}
	m.mu.Unlock()

	log.Printf("multiplexer: %s unsubscribed", r.consumerID)
	notify(failed, failErr)
}

// Restart re-requests permission and starts the watch again after a device
// error tore it down. It is a no-op while the watch is running.
func (m *Multiplexer) Restart(ctx context.Context) error {
	if m.perms != nil {
		state, err := m.perms.Request(ctx)
		if err != nil {
			return fmt.Errorf("multiplexer: permission request: %w", err)
		}
		if state == gps.PermissionDenied {
			return fmt.Errorf("multiplexer: restart: %w", geoerr.ErrPermissionDenied)
		}
	}

	m.mu.Lock()
	m.halted = nil
	var failed []*registration
	var failErr error
	if len(m.regs) > 0 {
		failed, failErr = m.reconcileLocked()
	}
	m.mu.Unlock()

	notify(failed, failErr)
	return failErr
}

// CurrentFix returns the last fix when it is younger than opts.MaxAge,
// otherwise it asks the device for a fresh one.
func (m *Multiplexer) CurrentFix(ctx context.Context, opts gps.WatchOptions) (gps.Fix, error) {
	m.mu.Lock()
	if m.haveFix && opts.MaxAge > 0 && m.lastFix.Age(m.clock.Now()) <= opts.MaxAge {
		f := m.lastFix
		m.mu.Unlock()
		return f, nil
	}
	m.mu.Unlock()

	if opts.Timeout == 0 {
		opts.Timeout = m.defaultTimeout
	}
	f, err := m.device.CurrentFix(ctx, opts)
	if err != nil {
		m.mu.Lock()
		m.failures++
		m.mu.Unlock()
		m.metrics.DeviceFailures.WithLabelValues(geoerr.Kind(err)).Inc()
		return gps.Fix{}, err
	}

	m.mu.Lock()
	if !m.haveFix || !f.Timestamp.Before(m.lastFix.Timestamp) {
		m.lastFix, m.haveFix = f, true
	}
	m.mu.Unlock()
	return f, nil
}

// Snapshot returns debug counters. It has no side effects.
func (m *Multiplexer) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		Subscribers: len(m.regs),
		WatchActive: m.watching,
		LastFixAge:  -1,
		Failures:    m.failures,
		Options:     m.effective,
	}
	if m.haveFix {
		s.LastFixAge = m.lastFix.Age(m.clock.Now())
	}
	if m.halted != nil {
		s.Halted = m.halted.Error()
	}
	return s
}

// Close stops the watch and drops every registration.
func (m *Multiplexer) Close() {
	if m.cancelPerms != nil {
		m.cancelPerms()
	}
	m.mu.Lock()
	for _, r := range m.regs {
		r.active.Store(false)
	}
	m.regs = make(map[Handle]*registration)
	m.order = nil
	m.stopWatchLocked()
	m.metrics.Subscribers.Set(0)
	m.mu.Unlock()
}

// reconcileLocked makes the hardware watch match the registrations. It
// returns the registrations to notify when starting the watch failed.
func (m *Multiplexer) reconcileLocked() ([]*registration, error) {
	want := m.tightestLocked()
	if m.watching && want == m.effective {
		return nil, nil
	}
	if m.watching {
		log.Printf("multiplexer: options changed to %+v, restarting watch", want)
		m.stopWatchLocked()
	}
	if err := m.startWatchLocked(want); err != nil {
		return m.haltLocked(err), err
	}
	return nil, nil
}

func (m *Multiplexer) tightestLocked() gps.WatchOptions {
	var opts gps.WatchOptions
	for _, h := range m.order {
		opts = gps.Tighter(opts, m.regs[h].opts)
	}
	if opts.Timeout == 0 {
		opts.Timeout = m.defaultTimeout
	}
	return opts
}

func (m *Multiplexer) startWatchLocked(opts gps.WatchOptions) error {
	m.gen++
	gen := m.gen
	id, err := m.device.Watch(opts,
		func(f gps.Fix) { m.handleFix(gen, f) },
		func(err error) { m.handleError(gen, err) },
	)
	if err != nil {
		return err
	}

	m.watching = true
	m.watchID = id
	m.effective = opts
	if opts.Timeout > 0 {
		m.timer = m.clock.AfterFunc(opts.Timeout, func() {
			m.handleError(gen, fmt.Errorf("no fix within %s: %w", opts.Timeout, geoerr.ErrTimeout))
		}, "multiplexer", "timeout")
	}
	m.metrics.WatchStarts.Inc()
	m.metrics.WatchActive.Set(1)
	log.Printf("multiplexer: watch started (high accuracy=%v, timeout=%s)", opts.HighAccuracy, opts.Timeout)
	return nil
}

func (m *Multiplexer) stopWatchLocked() {
	if !m.watching {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.device.ClearWatch(m.watchID)
	m.watching = false
	// Late callbacks from the cleared watch are ignored.
	m.gen++
	m.metrics.WatchActive.Set(0)
	log.Println("multiplexer: watch stopped")
}

// haltLocked tears the watch down after a device error and returns the
// registrations that must hear about it.
func (m *Multiplexer) haltLocked(err error) []*registration {
	m.stopWatchLocked()
	m.failures++
	m.halted = err
	m.metrics.DeviceFailures.WithLabelValues(geoerr.Kind(err)).Inc()
	log.Printf("multiplexer: watch halted: %v", err)
	return m.activeLocked()
}

func (m *Multiplexer) activeLocked() []*registration {
	regs := make([]*registration, 0, len(m.order))
	for _, h := range m.order {
		regs = append(regs, m.regs[h])
	}
	return regs
}

func (m *Multiplexer) handleFix(gen uint64, f gps.Fix) {
	m.mu.Lock()
	if gen != m.gen || !m.watching {
		m.mu.Unlock()
		return
	}
	m.lastFix, m.haveFix = f, true
	if m.timer != nil {
		m.timer.Reset(m.effective.Timeout, "multiplexer", "timeout")
	}
	regs := m.activeLocked()
	m.mu.Unlock()

	for _, r := range regs {
		if r.active.Load() {
			r.onFix(f)
		}
	}
}

func (m *Multiplexer) handleError(gen uint64, err error) {
	if !geoerr.IsDevice(err) {
		err = fmt.Errorf("%v: %w", err, geoerr.ErrPositionUnavailable)
	}

	m.mu.Lock()
	if gen != m.gen || !m.watching {
		m.mu.Unlock()
		return
	}
	regs := m.haltLocked(err)
	m.mu.Unlock()

	notify(regs, err)
}

func (m *Multiplexer) permissionChanged(s gps.PermissionState) {
	if s != gps.PermissionDenied {
		return
	}
	m.mu.Lock()
	gen, watching := m.gen, m.watching
	m.mu.Unlock()
	if watching {
		m.handleError(gen, fmt.Errorf("permission revoked: %w", geoerr.ErrPermissionDenied))
	}
}

func notify(regs []*registration, err error) {
	if err == nil {
		return
	}
	for _, r := range regs {
		if r.active.Load() {
			r.onError(err)
		}
	}
}
