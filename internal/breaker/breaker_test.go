// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/relabs-tech/geopresence/internal/geoerr"
	"github.com/relabs-tech/geopresence/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errBackend = errors.New("backend 503")

func fail(context.Context) error { return errBackend }
func ok(context.Context) error   { return nil }

func tripOpen(t *testing.T, g *Guard, key string) {
	t.Helper()
	for i := 0; i <= DefaultThreshold; i++ {
		err := g.Execute(context.Background(), key, High, fail)
		require.ErrorIs(t, err, geoerr.ErrWriteFailed)
		require.ErrorIs(t, err, errBackend)
	}
	require.Equal(t, Open, g.State(key))
}

func TestCircuitsAreIndependent(t *testing.T) {
	g := New(Options{Clock: quartz.NewMock(t)})
	ctx := context.Background()

	tripOpen(t, g, "history:alice")

	calls := 0
	err := g.Execute(ctx, "history:alice", High, func(context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, geoerr.ErrCircuitOpen)
	assert.Zero(t, calls, "open circuit does not call through")

	err = g.Execute(ctx, "presence:alice", High, func(context.Context) error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, Closed, g.State("presence:alice"))
}

func TestCooldownAndTrial(t *testing.T) {
	mClock := quartz.NewMock(t)
	met := metrics.New(nil)
	g := New(Options{Clock: mClock, Metrics: met})
	ctx := context.Background()

	tripOpen(t, g, "k")
	assert.Equal(t, 1.0, testutil.ToFloat64(met.CircuitState.WithLabelValues("k")))

	mClock.Advance(29 * time.Second)
	assert.ErrorIs(t, g.Execute(ctx, "k", High, ok), geoerr.ErrCircuitOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(met.CircuitRejected.WithLabelValues("k")))

	mClock.Advance(time.Second)
	assert.Equal(t, HalfOpen, g.State("k"))

	// Failed trial re-opens for another cooldown.
	assert.ErrorIs(t, g.Execute(ctx, "k", High, fail), geoerr.ErrWriteFailed)
	assert.Equal(t, Open, g.State("k"))

	mClock.Advance(30 * time.Second)
	require.NoError(t, g.Execute(ctx, "k", High, ok))
	assert.Equal(t, Closed, g.State("k"))
	assert.Equal(t, 0.0, testutil.ToFloat64(met.CircuitState.WithLabelValues("k")))
	assert.False(t, g.Degraded())
}

func TestHalfOpenAdmitsOneTrial(t *testing.T) {
	mClock := quartz.NewMock(t)
	g := New(Options{Clock: mClock})
	ctx := context.Background()

	tripOpen(t, g, "k")
	mClock.Advance(DefaultCooldown)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- g.Execute(ctx, "k", High, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.ErrorIs(t, g.Execute(ctx, "k", High, ok), geoerr.ErrCircuitOpen)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, Closed, g.State("k"))
}

func TestFailuresOutsideWindowDoNotCount(t *testing.T) {
	mClock := quartz.NewMock(t)
	g := New(Options{Clock: mClock})
	ctx := context.Background()

	for i := 0; i < DefaultThreshold; i++ {
		_ = g.Execute(ctx, "k", High, fail)
	}
	mClock.Advance(DefaultWindow + time.Second)
	_ = g.Execute(ctx, "k", High, fail)
	assert.Equal(t, Closed, g.State("k"))
	assert.Equal(t, 1, g.Snapshot().Circuits["k"].Failures)

	// A success clears the count.
	require.NoError(t, g.Execute(ctx, "k", High, ok))
	assert.Zero(t, g.Snapshot().Circuits["k"].Failures)
}

func TestOpensWhenThresholdExceeded(t *testing.T) {
	g := New(Options{Clock: quartz.NewMock(t), Threshold: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = g.Execute(ctx, "k", High, fail)
	}
	assert.Equal(t, Closed, g.State("k"), "reaching the threshold is not enough")
	_ = g.Execute(ctx, "k", High, fail)
	assert.Equal(t, Open, g.State("k"))
}

func TestAbandonedCircuitStopsDegrading(t *testing.T) {
	mClock := quartz.NewMock(t)
	g := New(Options{Clock: mClock})
	ctx := context.Background()

	tripOpen(t, g, "history:alice")
	require.True(t, g.Degraded())

	// Nobody writes to history:alice again.
	mClock.Advance(DefaultCooldown)
	assert.Equal(t, HalfOpen, g.State("history:alice"))
	assert.False(t, g.Degraded())

	// A Low write elsewhere needs no slot, so two can run side by side.
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- g.Execute(ctx, "history:bob", Low, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	short, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	assert.NoError(t, g.Execute(short, "history:carol", Low, ok))
	close(release)
	require.NoError(t, <-done)
}

func TestDegradedPriorities(t *testing.T) {
	g := New(Options{Clock: quartz.NewMock(t)})
	ctx := context.Background()

	require.False(t, g.Degraded())
	tripOpen(t, g, "history:alice")
	require.True(t, g.Degraded())
	assert.True(t, g.Snapshot().Degraded)

	// A Low write holds both slots.
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- g.Execute(ctx, "history:bob", Low, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := g.Execute(short, "presence:bob", Medium, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.NoError(t, g.Execute(ctx, "presence:bob", High, ok), "high priority bypasses the slots")

	close(release)
	require.NoError(t, <-done)
	assert.NoError(t, g.Execute(ctx, "presence:bob", Medium, ok))
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "half-open", HalfOpen.String())
	assert.Equal(t, "low", Low.String())
	b, err := Open.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "open", string(b))
	assert.Equal(t, Closed, New(Options{}).State("unknown"))
}
