// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package presence publishes privacy-filtered positions of one identity to
// its friends.
//
// Every fix goes through the same checks, in order: someone to send to, not
// muted, scope not none, a satisfied trigger, the privacy filter, then the
// throttle. Settings are read again for every fix, so a change takes effect on
// the next one without restarting anything.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/relabs-tech/geopresence/internal/breaker"
	"github.com/relabs-tech/geopresence/internal/geoerr"
	"github.com/relabs-tech/geopresence/internal/gps"
	"github.com/relabs-tech/geopresence/internal/metrics"
	"github.com/relabs-tech/geopresence/internal/privacy"
	"github.com/relabs-tech/geopresence/internal/realtime"
)

// DefaultInterval is the minimum time between two broadcasts.
const DefaultInterval = 10 * time.Second

const withdrawTimeout = 5 * time.Second

// Outcomes of a broadcast decision.
const (
	Sent              = "sent"
	NoRecipients      = "no_recipients"
	Muted             = "muted"
	ScopeNone         = "scope_none"
	NoTrigger         = "no_trigger"
	Hidden            = "hidden"
	InvalidConfig     = "invalid_config"
	Throttled         = "throttled"
	CollaboratorError = "collaborator_error"
	PublishFailed     = "publish_failed"
	Stopped           = "stopped"
)

// Settings supplies the current privacy configuration of an identity.
type Settings interface {
	PrivacyConfig(ctx context.Context, identity string) (privacy.Configuration, error)
}

// Recipients supplies who may receive the presence of an identity.
type Recipients interface {
	Recipients(ctx context.Context, identity string) ([]string, error)
}

// PositionWriter stores the latest shared position for nearby queries.
type PositionWriter interface {
	UpsertPosition(ctx context.Context, identity string, lat, lng, accuracy float64, visibility string) error
	WithdrawPosition(ctx context.Context, identity string) error
}

// Options configures a Broadcaster.
type Options struct {
	Settings   Settings
	Recipients Recipients
	Detector   ContextDetector
	Publisher  realtime.Publisher

	// Positions and Guard are optional. When both are set every broadcast
	// position is also upserted through the guard, and withdrawn again when
	// sharing stops or the settings no longer allow it.
	Positions PositionWriter
	Guard     *breaker.Guard

	Clock    quartz.Clock
	Metrics  *metrics.Metrics
	Interval time.Duration
}

// Snapshot is the debug view of a Broadcaster.
type Snapshot struct {
	Sharing       bool              `json:"sharing"`
	Identity      string            `json:"identity,omitempty"`
	Sent          uint64            `json:"sent"`
	Suppressed    map[string]uint64 `json:"suppressed"`
	LastBroadcast time.Time         `json:"last_broadcast,omitempty"`
}

type session struct {
	identity string
	ctx      context.Context
	cancel   context.CancelFunc
}

// Broadcaster decides, per fix, whether to publish presence.
type Broadcaster struct {
	opts Options

	// mu is held for reading while a fix is processed and for writing while
	// sharing starts or stops, so nothing is published on a stopped session.
	mu   sync.RWMutex
	sess *session

	// fixMu serializes decisions.
	fixMu sync.Mutex
	last  time.Time
	shown bool // a stored position may be visible

	statsMu       sync.Mutex
	sent          uint64
	suppressed    map[string]uint64
	lastBroadcast time.Time
}

// New creates a broadcaster that is not sharing.
func New(opts Options) (*Broadcaster, error) {
	if opts.Settings == nil || opts.Recipients == nil || opts.Publisher == nil {
		return nil, errors.New("presence: settings, recipients and publisher are required")
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Detector == nil {
		opts.Detector = NoContext{}
	}
	return &Broadcaster{opts: opts, suppressed: make(map[string]uint64)}, nil
}

// StartSharing begins publishing for identity. Starting again for the same
// identity is a no-op; a different identity replaces the current session.
func (b *Broadcaster) StartSharing(identity string) error {
	if identity == "" {
		return fmt.Errorf("presence: start sharing: %w", geoerr.ErrNotAuthenticated)
	}

	b.mu.RLock()
	cur := b.sess
	b.mu.RUnlock()
	if cur != nil && cur.identity == identity {
		return nil
	}
	if cur != nil {
		b.StopSharing()
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.sess = &session{identity: identity, ctx: ctx, cancel: cancel}
	b.mu.Unlock()

	b.fixMu.Lock()
	b.last = time.Time{}
	b.shown = true // a row may be left over from an earlier session
	b.fixMu.Unlock()

	log.Printf("presence: sharing started for %s", identity)
	return nil
}

// StopSharing ends the session. An in-flight publish is cancelled and waited
// for; nothing is published afterwards. The stored position is withdrawn and
// the channel of the identity is torn down. Safe to call at any time.
func (b *Broadcaster) StopSharing() {
	b.mu.RLock()
	cur := b.sess
	b.mu.RUnlock()
	if cur == nil {
		return
	}
	cur.cancel()

	b.mu.Lock()
	if b.sess == cur {
		b.sess = nil
	}
	b.mu.Unlock()

	b.fixMu.Lock()
	ctx, cancel := context.WithTimeout(context.Background(), withdrawTimeout)
	b.withdraw(ctx, cur.identity)
	cancel()
	b.fixMu.Unlock()

	if e, ok := b.opts.Publisher.(realtime.Ender); ok {
		e.End(cur.identity)
	}
	log.Printf("presence: sharing stopped for %s", cur.identity)
}

// Sharing reports whether a session is active.
func (b *Broadcaster) Sharing() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sess != nil
}

// OnFix runs the broadcast decision for f and returns its outcome, or "" when
// not sharing.
func (b *Broadcaster) OnFix(f gps.Fix) string {
	b.fixMu.Lock()
	defer b.fixMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	s := b.sess
	if s == nil {
		return ""
	}

	outcome := b.decide(s, f)
	switch outcome {
	case Muted, ScopeNone, NoTrigger, Hidden, InvalidConfig:
		b.withdraw(s.ctx, s.identity)
	}
	b.count(outcome)
	return outcome
}

// withdraw removes the stored position of identity if one may be visible.
// Callers hold fixMu. Withdrawals run at High priority.
func (b *Broadcaster) withdraw(ctx context.Context, identity string) {
	if !b.shown || b.opts.Positions == nil || b.opts.Guard == nil {
		return
	}
	err := b.opts.Guard.Execute(ctx, "presence:"+identity, breaker.High, func(ctx context.Context) error {
		return b.opts.Positions.WithdrawPosition(ctx, identity)
	})
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("presence: position withdraw for %s: %v", identity, err)
		}
		return
	}
	b.shown = false
}

func (b *Broadcaster) decide(s *session, f gps.Fix) string {
	ctx := s.ctx

	recipients, err := b.opts.Recipients.Recipients(ctx, s.identity)
	if err != nil {
		return b.dropped(s, CollaboratorError, err)
	}
	if len(recipients) == 0 {
		return NoRecipients
	}

	cfg, err := b.opts.Settings.PrivacyConfig(ctx, s.identity)
	if err != nil {
		return b.dropped(s, CollaboratorError, err)
	}
	if err := cfg.Validate(); err != nil {
		return InvalidConfig
	}

	now := b.opts.Clock.Now()
	if cfg.Muted(now) {
		return Muted
	}
	if cfg.LiveScope == privacy.ScopeNone {
		return ScopeNone
	}

	if !cfg.Has(privacy.TriggerAlways) {
		detected, err := b.opts.Detector.DetectContext(ctx, f, cfg.LiveAutoWhen)
		if err != nil {
			return b.dropped(s, CollaboratorError, err)
		}
		if !detected.Satisfies(cfg.LiveAutoWhen) {
			return NoTrigger
		}
	}

	filtered, err := privacy.Filter(f.Latitude, f.Longitude, f.Accuracy, cfg)
	switch {
	case errors.Is(err, privacy.ErrHidden):
		return Hidden
	case err != nil:
		return InvalidConfig
	}

	if !b.last.IsZero() && now.Sub(b.last) < b.opts.Interval {
		return Throttled
	}

	payload := realtime.PresencePayload{
		Identity:  s.identity,
		Latitude:  filtered.Latitude,
		Longitude: filtered.Longitude,
		Accuracy:  filtered.Accuracy,
		Timestamp: f.Timestamp,
	}

	if b.opts.Positions != nil && b.opts.Guard != nil {
		b.shown = true
		err := b.opts.Guard.Execute(ctx, "presence:"+s.identity, breaker.Medium, func(ctx context.Context) error {
			return b.opts.Positions.UpsertPosition(ctx, s.identity, filtered.Latitude, filtered.Longitude, filtered.Accuracy, string(cfg.LiveScope))
		})
		if err != nil && ctx.Err() == nil {
			log.Printf("presence: position upsert for %s: %v", s.identity, err)
		}
	}

	if err := b.opts.Publisher.Publish(ctx, s.identity, payload); err != nil {
		return b.dropped(s, PublishFailed, err)
	}
	b.last = now
	return Sent
}

// dropped logs a collaborator failure. Failures caused by StopSharing are
// silent.
func (b *Broadcaster) dropped(s *session, outcome string, err error) string {
	if s.ctx.Err() != nil {
		return Stopped
	}
	log.Printf("presence: %s for %s: %v", outcome, s.identity, err)
	return outcome
}

func (b *Broadcaster) count(outcome string) {
	b.opts.Metrics.Broadcasts.WithLabelValues(outcome).Inc()

	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	if outcome == Sent {
		b.sent++
		b.lastBroadcast = b.last
		return
	}
	b.suppressed[outcome]++
}

// Snapshot returns debug counters. It has no side effects.
func (b *Broadcaster) Snapshot() Snapshot {
	b.mu.RLock()
	s := Snapshot{}
	if b.sess != nil {
		s.Sharing = true
		s.Identity = b.sess.identity
	}
	b.mu.RUnlock()

	b.statsMu.Lock()
	s.Sent = b.sent
	s.Suppressed = make(map[string]uint64, len(b.suppressed))
	for k, v := range b.suppressed {
		s.Suppressed[k] = v
	}
	s.LastBroadcast = b.lastBroadcast
	b.statsMu.Unlock()
	return s
}
