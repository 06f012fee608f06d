// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"encoding/json"
	"errors"
	"image/png"
	"log"
	"net/http"
	"strconv"

	geojson "github.com/paulmach/go.geojson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relabs-tech/geopresence/internal/locator"
)

// DefaultNearbyRadius is used when /api/nearby.geojson has no radius.
const DefaultNearbyRadius = 500.0

// NewHandler serves the location API of rt, its account routes, the presence
// websocket and the Prometheus collectors.
func NewHandler(rt *Runtime) http.Handler {
	svc := rt.Service
	mux := http.NewServeMux()
	accountRoutes(mux, rt.db, rt.identity)

	// Latest position, fresh from the device when the cached one is too old
	mux.HandleFunc("GET /api/location", func(w http.ResponseWriter, r *http.Request) {
		f, err := svc.CurrentLocation(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, f)
	})

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		status, message := svc.Status()
		writeJSON(w, map[string]string{"status": string(status), "message": message})
	})

	mux.HandleFunc("GET /api/debug", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Debug())
	})

	// Status panel as a PNG, the same layout as the OLED
	mux.HandleFunc("GET /api/panel.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		if err := png.Encode(w, RenderPanel(svc.Debug())); err != nil {
			log.Printf("web: png encode error: %v", err)
		}
	})

	mux.HandleFunc("POST /api/reset", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.ResetErrors(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/flush", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Flush(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	// Nearby shared positions as a GeoJSON FeatureCollection
	mux.HandleFunc("GET /api/nearby.geojson", func(w http.ResponseWriter, r *http.Request) {
		radius := DefaultNearbyRadius
		if v := r.URL.Query().Get("radius"); v != "" {
			var err error
			if radius, err = strconv.ParseFloat(v, 64); err != nil || radius <= 0 {
				http.Error(w, "radius must be a positive number of metres", http.StatusBadRequest)
				return
			}
		}
		positions, err := svc.NearbyEntities(r.Context(), radius)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		fc := geojson.NewFeatureCollection()
		for _, p := range positions {
			f := geojson.NewPointFeature([]float64{p.Longitude, p.Latitude})
			f.ID = p.Identity
			f.SetProperty("identity", p.Identity)
			f.SetProperty("accuracy", p.Accuracy)
			f.SetProperty("distance", p.Distance)
			f.SetProperty("updated_at", p.UpdatedAt)
			fc.AddFeature(f)
		}
		body, err := fc.MarshalJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		if _, err := w.Write(body); err != nil {
			log.Printf("web: geojson write error: %v", err)
		}
	})

	mux.HandleFunc("GET /api/cells", func(w http.ResponseWriter, r *http.Request) {
		ring := 1
		if v := r.URL.Query().Get("ring"); v != "" {
			var err error
			if ring, err = strconv.Atoi(v); err != nil || ring < 0 {
				http.Error(w, "ring must be a non-negative integer", http.StatusBadRequest)
				return
			}
		}
		cells, err := svc.NeighborCells(ring)
		if errors.Is(err, locator.ErrNoFix) {
			http.Error(w, "no data yet", http.StatusServiceUnavailable)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, cells)
	})

	mux.Handle("GET /ws/presence", presenceHandler(rt.Hub, rt.db))
	mux.Handle("GET /ws/presence/{identity}", presenceHandler(rt.Hub, rt.db))
	mux.Handle("GET /metrics", promhttp.HandlerFor(rt.Registry, promhttp.HandlerOpts{}))
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("web: json encode error: %v", err)
	}
}
