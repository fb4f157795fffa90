// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/autobrr/pickarr/internal/dbinterface"
)

// GroupReputation is one row of the group_reputation table.
type GroupReputation struct {
	Group     string    `json:"group"`
	Value     float64   `json:"value"`
	Low       float64   `json:"low"`
	High      float64   `json:"high"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ReputationStore persists release group reputations supplied by an external
// analysis job.
type ReputationStore struct {
	db dbinterface.Querier
}

func NewReputationStore(db dbinterface.Querier) *ReputationStore {
	return &ReputationStore{db: db}
}

// Get returns the reputation of group, or nil when unknown. Names compare
// case-insensitively.
func (s *ReputationStore) Get(ctx context.Context, group string) (*GroupReputation, error) {
	group = strings.TrimSpace(group)
	if group == "" {
		return nil, nil
	}

	var row GroupReputation
	err := s.db.QueryRowContext(ctx,
		`SELECT group_name, value, low, high, updated_at FROM group_reputation WHERE group_name = ?`,
		group,
	).Scan(&row.Group, &row.Value, &row.Low, &row.High, &row.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get reputation for %s: %w", group, err)
	}
	return &row, nil
}

// List returns every known group ordered by name.
func (s *ReputationStore) List(ctx context.Context) ([]*GroupReputation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_name, value, low, high, updated_at FROM group_reputation ORDER BY group_name`)
	if err != nil {
		return nil, fmt.Errorf("list reputations: %w", err)
	}
	defer rows.Close()

	var out []*GroupReputation
	for rows.Next() {
		var row GroupReputation
		if err := rows.Scan(&row.Group, &row.Value, &row.Low, &row.High, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan reputation: %w", err)
		}
		out = append(out, &row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reputations: %w", err)
	}
	return out, nil
}

// Upsert inserts or replaces the reputation of a group.
func (s *ReputationStore) Upsert(ctx context.Context, rep *GroupReputation) error {
	if rep == nil || strings.TrimSpace(rep.Group) == "" {
		return fmt.Errorf("group name cannot be empty")
	}
	if rep.UpdatedAt.IsZero() {
		rep.UpdatedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO group_reputation (group_name, value, low, high, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(group_name) DO UPDATE SET
			value = excluded.value,
			low = excluded.low,
			high = excluded.high,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, strings.TrimSpace(rep.Group), rep.Value, rep.Low, rep.High, rep.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("upsert reputation for %s: %w", rep.Group, err)
	}
	return nil
}

// Delete removes a group. Unknown groups are not an error.
func (s *ReputationStore) Delete(ctx context.Context, group string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM group_reputation WHERE group_name = ?`, strings.TrimSpace(group)); err != nil {
		return fmt.Errorf("delete reputation for %s: %w", group, err)
	}
	return nil
}
