// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package metrics holds the Prometheus collectors of the location core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "geopresence"

// Metrics contains every collector the core updates.
type Metrics struct {
	// Multiplexer
	Subscribers    prometheus.Gauge
	WatchActive    prometheus.Gauge
	WatchStarts    prometheus.Counter
	DeviceFailures *prometheus.CounterVec

	// Bus
	FixesPublished prometheus.Counter
	FixesDropped   prometheus.Counter
	QueueDepth     prometheus.Gauge
	FanoutLatency  prometheus.Histogram
	BusConsumers   prometheus.Gauge

	// Breaker
	CircuitState    *prometheus.GaugeVec
	CircuitRejected *prometheus.CounterVec

	// Tracking buffer
	BufferPending prometheus.Gauge
	BufferDropped prometheus.Counter
	Flushes       *prometheus.CounterVec

	// Presence
	Broadcasts *prometheus.CounterVec
}

// New builds the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "multiplexer",
			Name:      "subscribers",
			Help:      "Active multiplexer registrations",
		}),
		WatchActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "multiplexer",
			Name:      "watch_active",
			Help:      "1 while the hardware watch runs",
		}),
		WatchStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "multiplexer",
			Name:      "watch_starts_total",
			Help:      "Hardware watch calls issued",
		}),
		DeviceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "multiplexer",
			Name:      "failures_total",
			Help:      "Device errors by kind",
		}, []string{"kind"}),

		FixesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "fixes_published_total",
			Help:      "Fixes fanned out to consumers",
		}),
		FixesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "fixes_dropped_total",
			Help:      "Fixes dropped because the fan-out queue was full",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "queue_depth",
			Help:      "Fixes waiting for fan-out",
		}),
		FanoutLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "fanout_seconds",
			Help:      "Time from receipt to delivery to the last consumer",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		BusConsumers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "consumers",
			Help:      "Registered bus consumers",
		}),

		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit state per operation key (0=closed, 1=open, 2=half-open)",
		}, []string{"key"}),
		CircuitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "rejected_total",
			Help:      "Calls rejected without running",
		}, []string{"key"}),

		BufferPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "pending",
			Help:      "Pings waiting to be flushed",
		}),
		BufferDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "dropped_total",
			Help:      "Pings dropped at the buffer cap",
		}),
		Flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "flushes_total",
			Help:      "Flush attempts by result",
		}, []string{"result"}),

		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "decisions_total",
			Help:      "Broadcast decisions by outcome",
		}, []string{"outcome"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Subscribers, m.WatchActive, m.WatchStarts, m.DeviceFailures,
			m.FixesPublished, m.FixesDropped, m.QueueDepth, m.FanoutLatency, m.BusConsumers,
			m.CircuitState, m.CircuitRejected,
			m.BufferPending, m.BufferDropped, m.Flushes,
			m.Broadcasts,
		)
	}
	return m
}
