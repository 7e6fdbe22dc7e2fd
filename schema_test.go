// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ltscore

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func TestNewEntityMetadataJoinsColumns(t *testing.T) {
	meta := NewEntityMetadata("items", []string{"id", "name", "lts"})
	require.Equal(t, "id, name, lts", meta.ColumnsJoined)
	require.Equal(t, "items", meta.Name)
}

func TestRunMigrationsCreatesBaseSchemaThenApplicationTables(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	applied := false
	custom := Migration{
		Version: 1,
		Name:    "create_items",
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			applied = true
			_, err := tx.ExecContext(ctx, `CREATE TABLE items (id TEXT PRIMARY KEY, lts INTEGER, is_unsynced INTEGER)`)
			return err
		},
	}

	require.NoError(t, runMigrations(context.Background(), db, []Migration{custom}))
	require.True(t, applied)

	for _, table := range []string{"syncing_table", "archive", "items"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
	}
}

func TestRunMigrationsStopsOnFirstError(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	boom := Migration{
		Version: 1,
		Name:    "boom",
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `SELECT * FROM does_not_exist`)
			return err
		},
	}
	neverRun := false
	after := Migration{
		Version: 2,
		Name:    "after",
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			neverRun = true
			return nil
		},
	}

	err = runMigrations(context.Background(), db, []Migration{boom, after})
	require.Error(t, err)
	require.False(t, neverRun)
}
