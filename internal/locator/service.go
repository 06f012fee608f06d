// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package locator is the single entry point applications use for location.
//
// A Service runs in one of three modes chosen by configuration:
//   - read-only: a bus consumer, nothing is recorded or shared
//   - tracked: fixes are also buffered and flushed to the location history
//   - shared: tracked, plus privacy-filtered presence broadcasts to friends
//
// StartTracking opens a session and StopTracking closes it. Every way a
// session can end (an explicit stop, the caller's context ending) goes through
// the same teardown exactly once.
package locator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/relabs-tech/geopresence/internal/breaker"
	"github.com/relabs-tech/geopresence/internal/bus"
	"github.com/relabs-tech/geopresence/internal/config"
	"github.com/relabs-tech/geopresence/internal/geoerr"
	"github.com/relabs-tech/geopresence/internal/gps"
	"github.com/relabs-tech/geopresence/internal/metrics"
	"github.com/relabs-tech/geopresence/internal/multiplexer"
	"github.com/relabs-tech/geopresence/internal/presence"
	"github.com/relabs-tech/geopresence/internal/realtime"
	"github.com/relabs-tech/geopresence/internal/store"
	"github.com/relabs-tech/geopresence/internal/tracking"
)

// Mode is the operating mode of a Service.
type Mode string

const (
	ReadOnly Mode = "read_only"
	Tracked  Mode = "tracked"
	Shared   Mode = "shared"
)

// Status is what the presentation layer sees.
type Status string

const (
	Idle    Status = "idle"
	Loading Status = "loading"
	Success Status = "success"
	Error   Status = "error"
)

// DefaultNearbyLimit caps NearbyEntities results.
const DefaultNearbyLimit = 50

// ErrNoFix is returned when an operation needs a position and none is known.
var ErrNoFix = errors.New("no position known yet")

// NearbyQuerier finds shared positions around a point.
type NearbyQuerier interface {
	NearbyPositions(ctx context.Context, lat, lng, radius float64, limit int) ([]store.Position, error)
}

// Deps are the collaborators of a Service. Mux, Bus and Guard are shared
// between services; History is required in tracked and shared mode;
// Settings, Recipients and Publisher are required in shared mode.
type Deps struct {
	Mux   *multiplexer.Multiplexer
	Bus   *bus.Bus
	Guard *breaker.Guard

	History    tracking.HistoryWriter
	Settings   presence.Settings
	Recipients presence.Recipients
	Publisher  realtime.Publisher
	Positions  presence.PositionWriter
	Detector   presence.ContextDetector
	Nearby     NearbyQuerier

	Clock   quartz.Clock
	Metrics *metrics.Metrics
}

// Config holds the per-service settings.
type Config struct {
	Identity       string
	EnableTracking bool
	EnablePresence bool

	// Watch is used by CurrentLocation.
	Watch gps.WatchOptions

	MinDistanceMetres float64
	MinTime           time.Duration
	FlushInterval     time.Duration
	FlushThreshold    int
	BufferCap         int
	RetryKeep         int
	FailureReport     int

	BroadcastInterval time.Duration
	NearbyLimit       int
}

// ConfigFrom maps the application configuration onto a service Config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Identity:       c.Identity,
		EnableTracking: c.EnableTracking,
		EnablePresence: c.EnablePresence,
		Watch: gps.WatchOptions{
			HighAccuracy: true,
			Timeout:      c.WatchTimeoutDuration(),
			MaxAge:       c.WatchMaxAgeDuration(),
		},
		MinDistanceMetres: c.TrackingMinDistance,
		MinTime:           c.TrackingMinTimeDuration(),
		FlushInterval:     c.FlushIntervalDuration(),
		FlushThreshold:    c.FlushThreshold,
		BufferCap:         c.BufferCap,
		RetryKeep:         c.RetryKeep,
		FailureReport:     c.FlushFailureReport,
		BroadcastInterval: c.BroadcastIntervalDuration(),
	}
}

// Mode derives the operating mode. Sharing implies tracking.
func (c Config) Mode() Mode {
	switch {
	case c.EnablePresence:
		return Shared
	case c.EnableTracking:
		return Tracked
	default:
		return ReadOnly
	}
}

// Cells is the spatial bucket of the last fix and the cells around it.
type Cells struct {
	Cell      string   `json:"cell"`
	Ring      int      `json:"ring"`
	Neighbors []string `json:"neighbors"`
}

// Snapshot is the debug view of a Service. It is never part of Status.
type Snapshot struct {
	Mode        Mode                 `json:"mode"`
	Identity    string               `json:"identity,omitempty"`
	Running     bool                 `json:"running"`
	Status      Status               `json:"status"`
	Message     string               `json:"message,omitempty"`
	LastFix     *gps.Fix             `json:"last_fix,omitempty"`
	Multiplexer multiplexer.Snapshot `json:"multiplexer"`
	Bus         bus.Health           `json:"bus"`
	Guard       breaker.Snapshot     `json:"guard"`
	Buffer      *tracking.Snapshot   `json:"buffer,omitempty"`
	Presence    *presence.Snapshot   `json:"presence,omitempty"`
}

// session is one StartTracking..StopTracking span.
type session struct {
	unregister  func()
	buffer      *tracking.Buffer
	broadcaster *presence.Broadcaster
	stopWatch   func() bool

	once sync.Once
	err  error
}

// Service is the location facade.
type Service struct {
	deps Deps
	cfg  Config
	mode Mode

	mu      sync.Mutex
	sess    *session // running session
	latest  *session // running or most recently stopped session
	status  Status
	message string
	lastFix gps.Fix
	haveFix bool
}

// New creates an idle service.
func New(deps Deps, cfg Config) (*Service, error) {
	if deps.Mux == nil || deps.Bus == nil {
		return nil, errors.New("locator: multiplexer and bus are required")
	}
	if deps.Clock == nil {
		deps.Clock = quartz.NewReal()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	if deps.Guard == nil {
		deps.Guard = breaker.New(breaker.Options{Clock: deps.Clock, Metrics: deps.Metrics})
	}
	if cfg.NearbyLimit <= 0 {
		cfg.NearbyLimit = DefaultNearbyLimit
	}

	mode := cfg.Mode()
	if mode != ReadOnly && deps.History == nil {
		return nil, fmt.Errorf("locator: %s mode needs a history writer", mode)
	}
	if mode == Shared && (deps.Settings == nil || deps.Recipients == nil || deps.Publisher == nil) {
		return nil, errors.New("locator: shared mode needs settings, recipients and a publisher")
	}
	return &Service{deps: deps, cfg: cfg, mode: mode, status: Idle}, nil
}

// Mode returns the operating mode.
func (s *Service) Mode() Mode {
	return s.mode
}

// StartTracking opens a session. In tracked and shared mode an empty identity
// fails with geoerr.ErrNotAuthenticated before anything is started. When ctx
// ends the session is stopped as if StopTracking had been called. Starting a
// running service is a no-op.
func (s *Service) StartTracking(ctx context.Context) error {
	if s.mode != ReadOnly && s.cfg.Identity == "" {
		return fmt.Errorf("locator: start tracking: %w", geoerr.ErrNotAuthenticated)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess != nil {
		return nil
	}

	sess := &session{}
	if s.mode != ReadOnly {
		buf, err := tracking.New(tracking.Options{
			Identity:          s.cfg.Identity,
			Writer:            s.deps.History,
			Guard:             s.deps.Guard,
			Clock:             s.deps.Clock,
			Metrics:           s.deps.Metrics,
			MinDistanceMetres: s.cfg.MinDistanceMetres,
			MinTime:           s.cfg.MinTime,
			FlushInterval:     s.cfg.FlushInterval,
			Threshold:         s.cfg.FlushThreshold,
			Cap:               s.cfg.BufferCap,
			RetryKeep:         s.cfg.RetryKeep,
			FailureReport:     s.cfg.FailureReport,
			OnError:           s.fail,
		})
		if err != nil {
			return fmt.Errorf("locator: %w", err)
		}
		sess.buffer = buf
	}
	if s.mode == Shared {
		b, err := presence.New(presence.Options{
			Settings:   s.deps.Settings,
			Recipients: s.deps.Recipients,
			Detector:   s.deps.Detector,
			Publisher:  s.deps.Publisher,
			Positions:  s.deps.Positions,
			Guard:      s.deps.Guard,
			Clock:      s.deps.Clock,
			Metrics:    s.deps.Metrics,
			Interval:   s.cfg.BroadcastInterval,
		})
		if err != nil {
			return fmt.Errorf("locator: %w", err)
		}
		if err := b.StartSharing(s.cfg.Identity); err != nil {
			return fmt.Errorf("locator: %w", err)
		}
		sess.broadcaster = b
	}

	consumerID := "locator:" + uuid.NewString()
	if s.cfg.Identity != "" {
		consumerID = "locator:" + s.cfg.Identity + ":" + uuid.NewString()
	}
	unregister, err := s.deps.Bus.RegisterConsumer(consumerID, bus.ConsumerConfig{
		OnFix:   func(f gps.Fix) { s.onFix(sess, f) },
		OnError: s.fail,
	})
	if err != nil {
		if sess.broadcaster != nil {
			sess.broadcaster.StopSharing()
		}
		return fmt.Errorf("locator: register consumer: %w", err)
	}
	sess.unregister = unregister

	if sess.buffer != nil {
		sess.buffer.Start(context.Background())
	}
	sess.stopWatch = context.AfterFunc(ctx, func() {
		log.Printf("locator: caller context ended, stopping %s session", s.mode)
		_ = s.stopSession(context.Background(), sess)
	})

	s.sess, s.latest = sess, sess
	s.status, s.message = Loading, ""
	log.Printf("locator: %s session started for %q", s.mode, s.cfg.Identity)
	return nil
}

func (s *Service) onFix(sess *session, f gps.Fix) {
	s.mu.Lock()
	if s.sess != sess {
		s.mu.Unlock()
		return
	}
	s.lastFix, s.haveFix = f, true
	if s.status != Error {
		s.status, s.message = Success, ""
	}
	s.mu.Unlock()

	if sess.buffer != nil {
		sess.buffer.Record(f)
	}
	if sess.broadcaster != nil {
		sess.broadcaster.OnFix(f)
	}
}

// fail records err as the user-visible error.
func (s *Service) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status, s.message = Error, err.Error()
}

// StopTracking ends the running session: it leaves the bus, stops sharing
// and makes the final history flush. It is safe to call at any time and any
// number of times; a call racing with a teardown already under way waits for
// it and returns its result.
func (s *Service) StopTracking(ctx context.Context) error {
	s.mu.Lock()
	sess := s.latest
	s.mu.Unlock()
	if sess == nil {
		return nil
	}
	return s.stopSession(ctx, sess)
}

func (s *Service) stopSession(ctx context.Context, sess *session) error {
	sess.once.Do(func() {
		s.mu.Lock()
		if s.sess == sess {
			s.sess = nil
			s.status, s.message = Idle, ""
		}
		s.mu.Unlock()
		sess.stopWatch()

		sess.unregister()
		if sess.broadcaster != nil {
			sess.broadcaster.StopSharing()
		}
		var result *multierror.Error
		if sess.buffer != nil {
			if err := sess.buffer.Stop(ctx); err != nil {
				result = multierror.Append(result, fmt.Errorf("final flush: %w", err))
			}
		}
		sess.err = result.ErrorOrNil()
		log.Printf("locator: %s session stopped", s.mode)
	})
	return sess.err
}

// Running reports whether a session is open.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess != nil
}

// CurrentLocation returns a fix no older than the configured maximum age,
// asking the device when the cached one is too old.
func (s *Service) CurrentLocation(ctx context.Context) (gps.Fix, error) {
	s.mu.Lock()
	if s.status == Idle {
		s.status = Loading
	}
	s.mu.Unlock()

	f, err := s.deps.Mux.CurrentFix(ctx, s.cfg.Watch)
	if err != nil {
		s.fail(err)
		return gps.Fix{}, fmt.Errorf("locator: current location: %w", err)
	}

	s.mu.Lock()
	if !s.haveFix || !f.Timestamp.Before(s.lastFix.Timestamp) {
		s.lastFix, s.haveFix = f, true
	}
	s.status, s.message = Success, ""
	s.mu.Unlock()
	return f, nil
}

// ResetErrors clears the last error and asks the multiplexer to start the
// watch again after a device error.
func (s *Service) ResetErrors(ctx context.Context) error {
	s.mu.Lock()
	s.message = ""
	switch {
	case s.sess == nil:
		s.status = Idle
	case s.haveFix:
		s.status = Success
	default:
		s.status = Loading
	}
	s.mu.Unlock()

	if err := s.deps.Mux.Restart(ctx); err != nil {
		s.fail(err)
		return fmt.Errorf("locator: reset errors: %w", err)
	}
	return nil
}

// Flush writes pending pings now at high priority. It is a no-op without a
// tracked session.
func (s *Service) Flush(ctx context.Context) error {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil || sess.buffer == nil {
		return nil
	}
	return sess.buffer.FlushWith(ctx, breaker.High)
}

func (s *Service) position(ctx context.Context) (gps.Fix, error) {
	s.mu.Lock()
	f, ok := s.lastFix, s.haveFix
	s.mu.Unlock()
	if ok {
		return f, nil
	}
	return s.CurrentLocation(ctx)
}

// NearbyEntities returns other identities sharing a position within radius
// metres of the last fix, nearest first.
func (s *Service) NearbyEntities(ctx context.Context, radius float64) ([]store.Position, error) {
	if s.deps.Nearby == nil {
		return nil, errors.New("locator: nearby queries are not configured")
	}
	if radius <= 0 {
		return nil, fmt.Errorf("locator: radius must be positive, got %v", radius)
	}
	f, err := s.position(ctx)
	if err != nil {
		return nil, err
	}
	found, err := s.deps.Nearby.NearbyPositions(ctx, f.Latitude, f.Longitude, radius, s.cfg.NearbyLimit+1)
	if err != nil {
		return nil, fmt.Errorf("locator: nearby: %w", err)
	}
	out := make([]store.Position, 0, len(found))
	for _, p := range found {
		if p.Identity != s.cfg.Identity || s.cfg.Identity == "" {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > s.cfg.NearbyLimit {
		out = out[:s.cfg.NearbyLimit]
	}
	return out, nil
}

// NeighborCells returns the cell of the last fix and every cell within ring
// steps of it.
func (s *Service) NeighborCells(ring int) (Cells, error) {
	s.mu.Lock()
	f, ok := s.lastFix, s.haveFix
	s.mu.Unlock()
	if !ok {
		return Cells{}, fmt.Errorf("locator: neighbor cells: %w", ErrNoFix)
	}
	cell := s.deps.Bus.CellIDFor(f)
	neighbors, err := bus.NeighborCells(cell, ring)
	if err != nil {
		return Cells{}, fmt.Errorf("locator: neighbor cells: %w", err)
	}
	return Cells{Cell: cell, Ring: ring, Neighbors: neighbors}, nil
}

// Status returns the user-visible state and the last error message.
func (s *Service) Status() (Status, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.message
}

// Debug aggregates the snapshots of every component. It has no side effects.
func (s *Service) Debug() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Mode:     s.mode,
		Identity: s.cfg.Identity,
		Running:  s.sess != nil,
		Status:   s.status,
		Message:  s.message,
	}
	if s.haveFix {
		f := s.lastFix
		snap.LastFix = &f
	}
	sess := s.sess
	s.mu.Unlock()

	snap.Multiplexer = s.deps.Mux.Snapshot()
	snap.Bus = s.deps.Bus.Health()
	snap.Guard = s.deps.Guard.Snapshot()
	if sess != nil && sess.buffer != nil {
		b := sess.buffer.Snapshot()
		snap.Buffer = &b
	}
	if sess != nil && sess.broadcaster != nil {
		p := sess.broadcaster.Snapshot()
		snap.Presence = &p
	}
	return snap
}
