// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ltscore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// EntityMetadata is the static, code-generated projection of an entity's
// syncable columns. Columns is the ordered column list (including "id"
// and "lts", excluding "is_unsynced") used for both upsert-upload and
// upsert-download; ColumnsJoined is the comma-joined form used for direct
// SQL interpolation in dirty-row SELECTs.
type EntityMetadata struct {
	Name          string
	Columns       []string
	ColumnsJoined string
}

// NewEntityMetadata builds EntityMetadata from an ordered column list,
// deriving ColumnsJoined. Application code generated from schema
// authoring tooling is expected to call this once per entity at init.
func NewEntityMetadata(name string, columns []string) EntityMetadata {
	return EntityMetadata{
		Name:          name,
		Columns:       columns,
		ColumnsJoined: strings.Join(columns, ", "),
	}
}

// tombstoneMetadata is the fixed column projection for the archive
// entity; it is never supplied by application code.
var tombstoneMetadata = NewEntityMetadata(TombstoneEntity,
	[]string{"id", "table_name", "data_id", "data", "lts"})

// Migration is one callable, versioned schema transition, applied inside
// a transaction. Config.Migrations is an ordered list of these, run to
// completion before any sync activity.
type Migration struct {
	Version int
	Name    string
	Apply   func(ctx context.Context, tx *sql.Tx) error
}

// baseSyncSchema creates the syncing_table and archive tables that every
// application needs regardless of its own domain tables. Application
// migrations are expected to run after this and create their own
// syncable tables with at minimum id/lts/is_unsynced columns.
var baseSyncSchema = Migration{
	Version: 0,
	Name:    "base_sync_schema",
	Apply: func(ctx context.Context, tx *sql.Tx) error {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS syncing_table (
				entity_name       TEXT PRIMARY KEY,
				last_received_lts INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS archive (
				id         TEXT PRIMARY KEY,
				table_name TEXT,
				data       TEXT,
				data_id    TEXT,
				lts        INTEGER,
				is_unsynced INTEGER NOT NULL DEFAULT 0
			)`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("base sync schema: %w", err)
			}
		}
		return nil
	},
}

// runMigrations applies the base sync schema followed by the caller's
// Migration Set, each in its own transaction, in ascending Version order
// as supplied by the caller. It stops and returns the first error.
func runMigrations(ctx context.Context, db *sql.DB, migrations []Migration) error {
	all := append([]Migration{baseSyncSchema}, migrations...)
	for _, m := range all {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migration %d (%s): begin: %w", m.Version, m.Name, err)
		}
		if err := m.Apply(ctx, tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d (%s): commit: %w", m.Version, m.Name, err)
		}
	}
	return nil
}
