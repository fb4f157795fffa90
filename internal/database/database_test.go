// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_AppliesMigrationsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "pickarr.db")

	db, err := New(path)
	require.NoError(t, err)
	assert.Equal(t, path, db.Path())

	ctx := context.Background()
	var tables int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('search_cache', 'group_reputation')`,
	).Scan(&tables))
	assert.Equal(t, 2, tables)
	require.NoError(t, db.Close())

	reopened, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	var applied int
	require.NoError(t, reopened.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied))
	assert.Equal(t, 1, applied)
}
