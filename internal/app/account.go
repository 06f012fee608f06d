// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/relabs-tech/geopresence/internal/privacy"
	"github.com/relabs-tech/geopresence/internal/store"
)

// DefaultHistoryLimit caps /api/history when no limit is given.
const DefaultHistoryLimit = 500

// accountRoutes serves the settings, friends and history of identity.
func accountRoutes(mux *http.ServeMux, db *store.SQLite, identity string) {
	signedIn := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if identity == "" {
				http.Error(w, "not authenticated", http.StatusUnauthorized)
				return
			}
			h(w, r)
		}
	}

	mux.HandleFunc("GET /api/privacy", signedIn(func(w http.ResponseWriter, r *http.Request) {
		cfg, err := db.PrivacyConfig(r.Context(), identity)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, cfg)
	}))

	// Rejects policies the privacy filter would refuse
	mux.HandleFunc("PUT /api/privacy", signedIn(func(w http.ResponseWriter, r *http.Request) {
		var cfg privacy.Configuration
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := cfg.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := db.SetPrivacyConfig(r.Context(), identity, cfg); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("GET /api/friends", signedIn(func(w http.ResponseWriter, r *http.Request) {
		friends, err := db.Recipients(r.Context(), identity)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if friends == nil {
			friends = []string{}
		}
		writeJSON(w, friends)
	}))

	mux.HandleFunc("PUT /api/friends/{friend}", signedIn(func(w http.ResponseWriter, r *http.Request) {
		friend := r.PathValue("friend")
		if friend == identity {
			http.Error(w, "cannot befriend yourself", http.StatusBadRequest)
			return
		}
		if err := db.AddFriendship(r.Context(), identity, friend); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	// ?since=RFC3339&limit=N, oldest first
	mux.HandleFunc("GET /api/history", signedIn(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var since time.Time
		if v := q.Get("since"); v != "" {
			var err error
			if since, err = time.Parse(time.RFC3339, v); err != nil {
				http.Error(w, "since must be RFC3339", http.StatusBadRequest)
				return
			}
		}
		limit := DefaultHistoryLimit
		if v := q.Get("limit"); v != "" {
			var err error
			if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
		}
		pings, err := db.History(r.Context(), identity, since, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if pings == nil {
			writeJSON(w, []struct{}{})
			return
		}
		writeJSON(w, pings)
	}))
}
