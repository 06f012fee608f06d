// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/relabs-tech/geopresence/internal/privacy"
)

// PrivacyConfig returns the sharing policy of identity. An identity without
// stored settings does not share.
func (s *SQLite) PrivacyConfig(ctx context.Context, identity string) (privacy.Configuration, error) {
	if err := s.ready(ctx); err != nil {
		return privacy.Configuration{}, err
	}
	var (
		scope, tier, auto string
		muted             int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT live_scope, live_muted_until, live_accuracy_tier, live_auto_when
		 FROM privacy_settings WHERE identity = ?`, identity).
		Scan(&scope, &muted, &tier, &auto)
	if errors.Is(err, sql.ErrNoRows) {
		return privacy.Configuration{LiveScope: privacy.ScopeNone, LiveAccuracyTier: privacy.Hidden}, nil
	}
	if err != nil {
		return privacy.Configuration{}, fmt.Errorf("store: read privacy settings: %w", err)
	}

	cfg := privacy.Configuration{
		LiveScope:        privacy.Scope(scope),
		LiveMutedUntil:   fromMillis(muted),
		LiveAccuracyTier: privacy.Tier(tier),
	}
	for _, t := range strings.Split(auto, ",") {
		if t = strings.TrimSpace(t); t != "" {
			cfg.LiveAutoWhen = append(cfg.LiveAutoWhen, privacy.Trigger(t))
		}
	}
	return cfg, nil
}

// SetPrivacyConfig stores the sharing policy of identity. It is stored as
// given; malformed policies are rejected by the privacy filter when read.
func (s *SQLite) SetPrivacyConfig(ctx context.Context, identity string, cfg privacy.Configuration) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	auto := make([]string, len(cfg.LiveAutoWhen))
	for i, t := range cfg.LiveAutoWhen {
		auto[i] = string(t)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO privacy_settings (identity, live_scope, live_muted_until, live_accuracy_tier, live_auto_when)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (identity) DO UPDATE SET
		   live_scope = excluded.live_scope,
		   live_muted_until = excluded.live_muted_until,
		   live_accuracy_tier = excluded.live_accuracy_tier,
		   live_auto_when = excluded.live_auto_when`,
		identity, string(cfg.LiveScope), toMillis(cfg.LiveMutedUntil), string(cfg.LiveAccuracyTier), strings.Join(auto, ","))
	if err != nil {
		return fmt.Errorf("store: write privacy settings: %w", err)
	}
	return nil
}

// AddFriendship links a and b in both directions.
func (s *SQLite) AddFriendship(ctx context.Context, a, b string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if a == "" || b == "" || a == b {
		return fmt.Errorf("store: invalid friendship %q-%q", a, b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO friendships (identity, friend) VALUES (?, ?), (?, ?)`, a, b, b, a)
	if err != nil {
		return fmt.Errorf("store: add friendship: %w", err)
	}
	return nil
}

// Recipients returns the identities allowed to receive the presence of
// identity, sorted.
func (s *SQLite) Recipients(ctx context.Context, identity string) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT friend FROM friendships WHERE identity = ? ORDER BY friend`, identity)
	if err != nil {
		return nil, fmt.Errorf("store: query friends: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("store: scan friend: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
