// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/relabs-tech/geopresence/internal/tracking"
)

// RecordBatch appends pings to the history of identity in one transaction.
func (s *SQLite) RecordBatch(ctx context.Context, identity string, pings []tracking.Ping) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if identity == "" {
		return fmt.Errorf("store: identity is required")
	}
	if len(pings) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO location_history (identity, ts, lat, lng, accuracy) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare history insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range pings {
		if _, err := stmt.ExecContext(ctx, identity, toMillis(p.Timestamp), p.Latitude, p.Longitude, p.Accuracy); err != nil {
			return fmt.Errorf("store: insert history: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit history: %w", err)
	}
	return nil
}

// History returns the pings of identity recorded at or after since, oldest
// first. limit <= 0 returns all of them.
func (s *SQLite) History(ctx context.Context, identity string, since time.Time, limit int) ([]tracking.Ping, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, lat, lng, accuracy FROM location_history
		 WHERE identity = ? AND ts >= ?
		 ORDER BY ts, id
		 LIMIT ?`,
		identity, toMillis(since), limit)
	if err != nil {
		return nil, fmt.Errorf("store: query history: %w", err)
	}
	defer rows.Close()

	var out []tracking.Ping
	for rows.Next() {
		var (
			p  tracking.Ping
			ts int64
		)
		if err := rows.Scan(&ts, &p.Latitude, &p.Longitude, &p.Accuracy); err != nil {
			return nil, fmt.Errorf("store: scan history: %w", err)
		}
		p.Timestamp = fromMillis(ts)
		out = append(out, p)
	}
	return out, rows.Err()
}
