// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package presence

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/relabs-tech/geopresence/internal/breaker"
	"github.com/relabs-tech/geopresence/internal/geoerr"
	"github.com/relabs-tech/geopresence/internal/gps"
	"github.com/relabs-tech/geopresence/internal/metrics"
	"github.com/relabs-tech/geopresence/internal/privacy"
	"github.com/relabs-tech/geopresence/internal/realtime"
	"github.com/relabs-tech/geopresence/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type settings struct {
	mu  sync.Mutex
	cfg privacy.Configuration
	err error
}

func (s *settings) PrivacyConfig(context.Context, string) (privacy.Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.err
}

func (s *settings) update(fn func(*privacy.Configuration)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.cfg)
}

type friends []string

func (f friends) Recipients(context.Context, string) ([]string, error) { return f, nil }

type publisher struct {
	mu       sync.Mutex
	payloads []realtime.PresencePayload
	block    chan struct{}
	started  chan struct{}
}

func (p *publisher) Publish(ctx context.Context, identity string, pl realtime.PresencePayload) error {
	if p.block != nil {
		close(p.started)
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, pl)
	return nil
}

func (p *publisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

type positions struct {
	mu        sync.Mutex
	calls     int
	withdrawn int
	vis       string
	stored    bool
}

func (p *positions) UpsertPosition(_ context.Context, _ string, _, _, _ float64, visibility string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.vis = visibility
	p.stored = true
	return nil
}

func (p *positions) WithdrawPosition(context.Context, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.withdrawn++
	p.stored = false
	return nil
}

func (p *positions) visible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stored
}

type ender struct {
	publisher
	ended []string
}

func (e *ender) End(identity string) { e.ended = append(e.ended, identity) }

var origin = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

func sharingConfig() privacy.Configuration {
	return privacy.Configuration{
		LiveScope:        privacy.ScopeFriends,
		LiveAccuracyTier: privacy.Street,
		LiveAutoWhen:     []privacy.Trigger{privacy.TriggerAlways},
	}
}

type rig struct {
	clock *quartz.Mock
	set   *settings
	pub   *publisher
	met   *metrics.Metrics
	b     *Broadcaster
}

func newRig(t *testing.T, recipients friends, tweak func(*Options)) *rig {
	t.Helper()
	r := &rig{
		clock: quartz.NewMock(t),
		set:   &settings{cfg: sharingConfig()},
		pub:   &publisher{},
		met:   metrics.New(nil),
	}
	r.clock.Set(origin)
	opts := Options{
		Settings:   r.set,
		Recipients: recipients,
		Publisher:  r.pub,
		Clock:      r.clock,
		Metrics:    r.met,
	}
	if tweak != nil {
		tweak(&opts)
	}
	b, err := New(opts)
	require.NoError(t, err)
	r.b = b
	require.NoError(t, b.StartSharing("alice"))
	t.Cleanup(b.StopSharing)
	return r
}

// tick feeds one fix at the current mock time and advances by step.
func (r *rig) tick(step time.Duration) string {
	now := r.clock.Now()
	out := r.b.OnFix(gps.Fix{Latitude: 52.52, Longitude: 13.405, Accuracy: 5, Speed: 1.2, Timestamp: now})
	r.clock.Advance(step)
	return out
}

func TestStartSharingNeedsIdentity(t *testing.T) {
	b, err := New(Options{Settings: &settings{}, Recipients: friends{"bob"}, Publisher: &publisher{}})
	require.NoError(t, err)
	assert.ErrorIs(t, b.StartSharing(""), geoerr.ErrNotAuthenticated)
	assert.False(t, b.Sharing())
	assert.Empty(t, b.OnFix(gps.Fix{Latitude: 1, Longitude: 1}), "nothing happens without a session")
}

func TestThrottle(t *testing.T) {
	r := newRig(t, friends{"bob"}, nil)

	for i := 0; i < 60; i++ {
		r.tick(time.Second)
	}
	assert.Equal(t, 6, r.pub.count())
	snap := r.b.Snapshot()
	assert.Equal(t, uint64(6), snap.Sent)
	assert.Equal(t, uint64(54), snap.Suppressed[Throttled])
	assert.Equal(t, origin.Add(50*time.Second), snap.LastBroadcast)
	assert.Equal(t, 6.0, testutil.ToFloat64(r.met.Broadcasts.WithLabelValues(Sent)))
}

func TestPayloadIsFiltered(t *testing.T) {
	r := newRig(t, friends{"bob"}, nil)
	require.Equal(t, Sent, r.tick(time.Second))

	p := r.pub.payloads[0]
	assert.Equal(t, "alice", p.Identity)
	assert.Equal(t, 100.0, p.Accuracy)
	assert.NotEqual(t, 52.52, p.Latitude, "raw coordinates never leave")
	assert.Equal(t, origin, p.Timestamp)
}

func TestScopeNoneThenFriends(t *testing.T) {
	r := newRig(t, friends{"bob"}, nil)
	r.set.update(func(c *privacy.Configuration) { c.LiveScope = privacy.ScopeNone })

	for i := 0; i < 120; i++ {
		assert.Equal(t, ScopeNone, r.tick(time.Second))
	}
	assert.Zero(t, r.pub.count())

	r.set.update(func(c *privacy.Configuration) { c.LiveScope = privacy.ScopeFriends })
	assert.Equal(t, Sent, r.tick(time.Second), "no restart needed")
	assert.Equal(t, 1, r.pub.count())
}

func TestMuteWindow(t *testing.T) {
	r := newRig(t, friends{"bob"}, nil)
	r.set.update(func(c *privacy.Configuration) { c.LiveMutedUntil = origin.Add(5 * time.Minute) })

	for i := 0; i < 10; i++ {
		assert.Equal(t, Muted, r.tick(30*time.Second))
	}
	// Five minutes have passed: sharing resumes by itself.
	assert.Equal(t, origin.Add(5*time.Minute), r.clock.Now())
	assert.Equal(t, Sent, r.tick(30*time.Second))
	assert.Equal(t, 1, r.pub.count())
}

func TestNoRecipients(t *testing.T) {
	r := newRig(t, nil, nil)
	for i := 0; i < 30; i++ {
		assert.Equal(t, NoRecipients, r.tick(time.Second))
	}
	assert.Zero(t, r.pub.count())
}

func TestHiddenAndInvalid(t *testing.T) {
	r := newRig(t, friends{"bob"}, nil)

	r.set.update(func(c *privacy.Configuration) { c.LiveAccuracyTier = privacy.Hidden })
	assert.Equal(t, Hidden, r.tick(time.Minute))

	r.set.update(func(c *privacy.Configuration) { c.LiveAccuracyTier = "blurry" })
	assert.Equal(t, InvalidConfig, r.tick(time.Minute))

	r.set.mu.Lock()
	r.set.err = errors.New("settings service down")
	r.set.mu.Unlock()
	assert.Equal(t, CollaboratorError, r.tick(time.Minute))
	assert.Zero(t, r.pub.count())
}

type fixedContext Context

func (c fixedContext) DetectContext(context.Context, gps.Fix, []privacy.Trigger) (Context, error) {
	return Context(c), nil
}

func TestTriggers(t *testing.T) {
	r := newRig(t, friends{"bob"}, func(o *Options) { o.Detector = fixedContext{Walking: true} })

	r.set.update(func(c *privacy.Configuration) { c.LiveAutoWhen = []privacy.Trigger{privacy.TriggerAtVenue} })
	assert.Equal(t, NoTrigger, r.tick(time.Minute))

	r.set.update(func(c *privacy.Configuration) {
		c.LiveAutoWhen = []privacy.Trigger{privacy.TriggerAtVenue, privacy.TriggerWalking}
	})
	assert.Equal(t, Sent, r.tick(time.Minute))

	r.set.update(func(c *privacy.Configuration) { c.LiveAutoWhen = nil })
	assert.Equal(t, NoTrigger, r.tick(time.Minute))
}

func TestUpsertThroughGuard(t *testing.T) {
	pos := &positions{}
	var guard *breaker.Guard
	r := newRig(t, friends{"bob"}, func(o *Options) {
		guard = breaker.New(breaker.Options{Clock: o.Clock})
		o.Positions = pos
		o.Guard = guard
	})

	require.Equal(t, Sent, r.tick(time.Minute))
	assert.Equal(t, 1, pos.calls)
	assert.Equal(t, "friends", pos.vis)
	assert.Equal(t, breaker.Closed, guard.State("presence:alice"))
}

func TestStopSharingDropsInFlightBroadcast(t *testing.T) {
	r := newRig(t, friends{"bob"}, nil)
	r.pub.block = make(chan struct{})
	r.pub.started = make(chan struct{})

	outcome := make(chan string)
	go func() { outcome <- r.b.OnFix(gps.Fix{Latitude: 52.52, Longitude: 13.405, Timestamp: origin}) }()
	<-r.pub.started

	r.b.StopSharing()
	assert.Equal(t, Stopped, <-outcome)
	assert.Zero(t, r.pub.count(), "nothing sent on a stopped channel")

	r.b.StopSharing()
	assert.Empty(t, r.b.OnFix(gps.Fix{Latitude: 52.52, Longitude: 13.405, Timestamp: origin}))
	assert.False(t, r.b.Snapshot().Sharing)
}

func TestRestartSharingResetsThrottle(t *testing.T) {
	r := newRig(t, friends{"bob"}, nil)
	require.Equal(t, Sent, r.tick(time.Second))
	require.Equal(t, Throttled, r.tick(time.Second))

	r.b.StopSharing()
	require.NoError(t, r.b.StartSharing("alice"))
	assert.Equal(t, Sent, r.tick(time.Second))
	require.NoError(t, r.b.StartSharing("alice"), "same identity is a no-op")
}

func TestPositionWithdrawnWhenSharingEnds(t *testing.T) {
	pos := &positions{}
	r := newRig(t, friends{"bob"}, func(o *Options) {
		o.Positions = pos
		o.Guard = breaker.New(breaker.Options{Clock: o.Clock})
	})

	require.Equal(t, Sent, r.tick(time.Minute))
	require.True(t, pos.visible())

	r.set.update(func(c *privacy.Configuration) { c.LiveScope = privacy.ScopeNone })
	assert.Equal(t, ScopeNone, r.tick(time.Minute))
	assert.False(t, pos.visible(), "scope none hides the stored position")
	assert.Equal(t, ScopeNone, r.tick(time.Minute))
	assert.Equal(t, 1, pos.withdrawn, "nothing to withdraw twice")

	r.set.update(func(c *privacy.Configuration) { c.LiveScope = privacy.ScopeFriends })
	require.Equal(t, Sent, r.tick(time.Minute))
	r.set.update(func(c *privacy.Configuration) { c.LiveMutedUntil = r.clock.Now().Add(time.Hour) })
	assert.Equal(t, Muted, r.tick(time.Minute))
	assert.False(t, pos.visible(), "muting hides the stored position")

	r.set.update(func(c *privacy.Configuration) { c.LiveMutedUntil = time.Time{} })
	require.Equal(t, Sent, r.tick(time.Minute))
	r.b.StopSharing()
	assert.False(t, pos.visible(), "stopping hides the stored position")
}

func TestStopSharingEndsChannel(t *testing.T) {
	pub := &ender{}
	r := newRig(t, friends{"bob"}, func(o *Options) { o.Publisher = pub })
	require.Equal(t, Sent, r.tick(time.Second))

	r.b.StopSharing()
	assert.Equal(t, []string{"alice"}, pub.ended)
	r.b.StopSharing()
	assert.Len(t, pub.ended, 1, "a stopped broadcaster ends nothing")
}

func TestNearbyQueryStopsSeeingWithdrawnSharer(t *testing.T) {
	var db *store.SQLite
	r := newRig(t, friends{"bob"}, func(o *Options) {
		var err error
		db, err = store.Open(filepath.Join(t.TempDir(), "geo.db"), store.Options{Clock: o.Clock})
		require.NoError(t, err)
		o.Positions = db
		o.Guard = breaker.New(breaker.Options{Clock: o.Clock})
	})
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	require.Equal(t, Sent, r.tick(time.Minute))
	near, err := db.NearbyPositions(ctx, 52.52, 13.405, 1000, 0)
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, "alice", near[0].Identity)

	r.set.update(func(c *privacy.Configuration) { c.LiveScope = privacy.ScopeNone })
	require.Equal(t, ScopeNone, r.tick(time.Minute))
	r.b.StopSharing()

	near, err = db.NearbyPositions(ctx, 52.52, 13.405, 1000, 0)
	require.NoError(t, err)
	assert.Empty(t, near)
}
