// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/relabs-tech/geopresence/internal/breaker"
	"github.com/relabs-tech/geopresence/internal/bus"
	"github.com/relabs-tech/geopresence/internal/config"
	"github.com/relabs-tech/geopresence/internal/gps"
	"github.com/relabs-tech/geopresence/internal/locator"
	"github.com/relabs-tech/geopresence/internal/metrics"
	"github.com/relabs-tech/geopresence/internal/multiplexer"
	"github.com/relabs-tech/geopresence/internal/presence"
	"github.com/relabs-tech/geopresence/internal/realtime"
	"github.com/relabs-tech/geopresence/internal/store"
)

const shutdownTimeout = 10 * time.Second

// Runtime is a fully wired location service.
type Runtime struct {
	Service  *locator.Service
	Hub      *realtime.Hub
	Registry *prometheus.Registry

	identity string
	db       *store.SQLite
	detector *presence.ProximityDetector
	mux      *multiplexer.Multiplexer
	bus      *bus.Bus
	client   mqtt.Client
}

// Build wires the store, the realtime publishers, the device, the guard, the
// multiplexer, the bus and the facade from cfg. The MQTT broker is only
// contacted in shared mode.
func Build(cfg *config.Config, clock quartz.Clock) (*Runtime, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	met := metrics.New(reg)

	db, err := store.Open(cfg.DBPath, store.Options{Clock: clock, StaleAfter: cfg.PositionStaleDuration()})
	if err != nil {
		return nil, err
	}
	log.Printf("store: opened %s", cfg.DBPath)

	rt := &Runtime{Hub: realtime.NewHub(0), Registry: reg, identity: cfg.Identity, db: db}

	publisher := realtime.Fanout{rt.Hub}
	if cfg.EnablePresence {
		client, err := realtime.Connect(cfg.MQTTBroker, cfg.MQTTClientID)
		if err != nil {
			rt.Hub.Close()
			_ = db.Close()
			return nil, err
		}
		rt.client = client
		publisher = append(publisher, realtime.NewMQTTPublisher(client, cfg.TopicPresencePrefix))
	}

	dev := OpenDevice(cfg, clock)
	guard := breaker.New(breaker.Options{
		Clock:         clock,
		Metrics:       met,
		Threshold:     cfg.BreakerFailureThreshold,
		Window:        cfg.BreakerWindowDuration(),
		Cooldown:      cfg.BreakerCooldownDuration(),
		DegradedSlots: int64(cfg.BreakerDegradedSlots),
	})
	rt.mux = multiplexer.New(dev, multiplexer.Options{
		Clock:          clock,
		Metrics:        met,
		Permissions:    dev,
		DefaultTimeout: cfg.WatchTimeoutDuration(),
	})
	rt.bus = bus.New(rt.mux, bus.Options{
		Clock:         clock,
		Metrics:       met,
		QueueSize:     cfg.BusQueueSize,
		CellPrecision: uint(cfg.CellPrecision),
		Watch:         gps.WatchOptions{HighAccuracy: true, Timeout: cfg.WatchTimeoutDuration()},
	})

	rt.detector = NewDetector(cfg, db)
	svc, err := locator.New(locator.Deps{
		Mux:        rt.mux,
		Bus:        rt.bus,
		Guard:      guard,
		History:    db,
		Settings:   db,
		Recipients: db,
		Publisher:  publisher,
		Positions:  db,
		Detector:   rt.detector,
		Nearby:     db,
		Clock:      clock,
		Metrics:    met,
	}, locator.ConfigFrom(cfg))
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Service = svc
	return rt, nil
}

// NewDetector builds the sharing-context detector from the configured venues
// and group size.
func NewDetector(cfg *config.Config, nearby presence.NearbyQuerier) *presence.ProximityDetector {
	venues := make([]presence.Venue, len(cfg.Venues))
	for i, v := range cfg.Venues {
		venues[i] = presence.Venue{Name: v.Name, Latitude: v.Latitude, Longitude: v.Longitude, Radius: v.Radius}
	}
	return &presence.ProximityDetector{
		Self:        cfg.Identity,
		Nearby:      nearby,
		Venues:      venues,
		GroupRadius: cfg.GroupRadius,
		GroupSize:   cfg.GroupSize,
	}
}

// Close stops tracking and releases everything Build opened.
func (rt *Runtime) Close() error {
	var result *multierror.Error
	if rt.Service != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := rt.Service.StopTracking(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop tracking: %w", err))
		}
		cancel()
	}
	if rt.bus != nil {
		rt.bus.Close()
	}
	if rt.mux != nil {
		rt.mux.Close()
	}
	rt.Hub.Close()
	if rt.client != nil {
		rt.client.Disconnect(250)
	}
	if err := rt.db.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close store: %w", err))
	}
	return result.ErrorOrNil()
}

// RunService starts tracking in the configured mode, serves the HTTP API and
// shuts everything down on SIGINT/SIGTERM.
func RunService(cfg *config.Config) error {
	rt, err := Build(cfg, quartz.NewReal())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Service.StartTracking(ctx); err != nil {
		_ = rt.Close()
		return err
	}
	log.Printf("service: %s mode for %q", rt.Service.Mode(), cfg.Identity)

	addr := fmt.Sprintf(":%d", cfg.WebServerPort)
	srv := &http.Server{Addr: addr, Handler: NewHandler(rt)}
	serveErr := make(chan error, 1)
	go func() {
		log.Printf("web server listening on %s", addr)
		serveErr <- srv.ListenAndServe()
	}()

	var result *multierror.Error
	select {
	case <-ctx.Done():
		log.Println("service: shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			result = multierror.Append(result, fmt.Errorf("web server: %w", err))
		}
	}

	// Stop tracking first so the final flush still has the store.
	if err := rt.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("web server shutdown: %w", err))
	}
	return result.ErrorOrNil()
}
