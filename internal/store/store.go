// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package store persists location history, latest positions, privacy
// settings and the friend graph in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/coder/quartz"
	_ "modernc.org/sqlite"
)

// DefaultStaleAfter is how long a latest position stays visible without an
// update.
const DefaultStaleAfter = 15 * time.Minute

var schema = []string{
	`CREATE TABLE IF NOT EXISTS location_history (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		identity TEXT    NOT NULL,
		ts       INTEGER NOT NULL,
		lat      REAL    NOT NULL,
		lng      REAL    NOT NULL,
		accuracy REAL    NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS location_history_identity_ts ON location_history (identity, ts);`,
	`CREATE TABLE IF NOT EXISTS positions (
		identity   TEXT    PRIMARY KEY,
		lat        REAL    NOT NULL,
		lng        REAL    NOT NULL,
		accuracy   REAL    NOT NULL,
		visibility TEXT    NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS positions_lat_lng ON positions (lat, lng);`,
	`CREATE TABLE IF NOT EXISTS privacy_settings (
		identity           TEXT    PRIMARY KEY,
		live_scope         TEXT    NOT NULL,
		live_muted_until   INTEGER NOT NULL DEFAULT 0,
		live_accuracy_tier TEXT    NOT NULL,
		live_auto_when     TEXT    NOT NULL DEFAULT ''
	);`,
	`CREATE TABLE IF NOT EXISTS friendships (
		identity TEXT NOT NULL,
		friend   TEXT NOT NULL,
		PRIMARY KEY (identity, friend)
	);`,
}

// Options configures a store. Zero values select the defaults.
type Options struct {
	Clock      quartz.Clock
	StaleAfter time.Duration
}

// SQLite is the storage collaborator of the location core.
type SQLite struct {
	db         *sql.DB
	clock      quartz.Clock
	staleAfter time.Duration
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string, opts Options) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store: path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping sqlite db: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	s := &SQLite{db: db, clock: opts.Clock, staleAfter: opts.StaleAfter}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: apply schema: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("store: not open")
	}
	return nil
}
