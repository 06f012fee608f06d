// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/relabs-tech/geopresence/internal/gps"
)

// Position is the latest shared position of one identity.
type Position struct {
	Identity   string    `json:"identity"`
	Latitude   float64   `json:"lat"`
	Longitude  float64   `json:"lng"`
	Accuracy   float64   `json:"accuracy"`
	Visibility string    `json:"visibility"`
	UpdatedAt  time.Time `json:"updated_at"`
	// Distance from the query point in metres; only set by NearbyPositions.
	Distance float64 `json:"distance_m,omitempty"`
}

// UpsertPosition replaces the latest position of identity.
func (s *SQLite) UpsertPosition(ctx context.Context, identity string, lat, lng, accuracy float64, visibility string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if identity == "" {
		return fmt.Errorf("store: identity is required")
	}
	if visibility == "" {
		visibility = "none"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO positions (identity, lat, lng, accuracy, visibility, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (identity) DO UPDATE SET
		   lat = excluded.lat,
		   lng = excluded.lng,
		   accuracy = excluded.accuracy,
		   visibility = excluded.visibility,
		   updated_at = excluded.updated_at`,
		identity, lat, lng, accuracy, visibility, toMillis(s.clock.Now()))
	if err != nil {
		return fmt.Errorf("store: upsert position: %w", err)
	}
	return nil
}

// WithdrawPosition removes the latest position of identity. Removing a
// missing row is not an error.
func (s *SQLite) WithdrawPosition(ctx context.Context, identity string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE identity = ?`, identity); err != nil {
		return fmt.Errorf("store: withdraw position: %w", err)
	}
	return nil
}

// NearbyPositions returns visible positions within radius metres of
// (lat, lng), nearest first, at most limit of them (limit <= 0: no limit).
// Positions not updated for longer than the stale cutoff are skipped.
func (s *SQLite) NearbyPositions(ctx context.Context, lat, lng, radius float64, limit int) ([]Position, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if radius <= 0 {
		return nil, nil
	}

	minLat, _ := gps.Offset(lat, lng, -radius, 0)
	maxLat, _ := gps.Offset(lat, lng, radius, 0)
	// The widest longitude span is at the latitude closest to a pole.
	widest := maxLat
	if -minLat > widest {
		widest = minLat
	}
	_, maxLng := gps.Offset(widest, lng, 0, radius)
	span := maxLng - lng
	if span < 0 || span > 180 {
		span = 180
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT identity, lat, lng, accuracy, visibility, updated_at FROM positions
		 WHERE lat BETWEEN ? AND ? AND lng BETWEEN ? AND ?
		   AND visibility != 'none' AND updated_at >= ?`,
		minLat, maxLat, lng-span, lng+span, toMillis(s.clock.Now().Add(-s.staleAfter)))
	if err != nil {
		return nil, fmt.Errorf("store: query nearby: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var (
			p  Position
			ts int64
		)
		if err := rows.Scan(&p.Identity, &p.Latitude, &p.Longitude, &p.Accuracy, &p.Visibility, &ts); err != nil {
			return nil, fmt.Errorf("store: scan nearby: %w", err)
		}
		p.UpdatedAt = fromMillis(ts)
		p.Distance = gps.DistanceBetween(lat, lng, p.Latitude, p.Longitude)
		if p.Distance <= radius {
			out = append(out, p)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: nearby rows: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
